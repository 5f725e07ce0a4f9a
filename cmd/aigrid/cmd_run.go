package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/user/aigrid/internal/answer"
	"github.com/user/aigrid/internal/grid"
	"github.com/user/aigrid/internal/tablestore"
)

var runEnv = map[string]string{
	"answer-url":   "AIGRID_ANSWER_URL",
	"answer-token": "AIGRID_ANSWER_TOKEN",
	"cache":        "AIGRID_CACHE",
	"data-dir":     "AIGRID_DATA_DIR",
}

var (
	runAnswerURL   string
	runAnswerToken string
	runH2C         bool
	runCache       string
	runDataDir     string
	runOutput      string
	runDocuments   []string
)

var runCmd = &cobra.Command{
	Use:   "run <table-state.json>",
	Short: "Run a table-state file against the answering service",
	Long: "Loads a table state ({id, name, data}) from a file, uploads any --document files as new rows, " +
		"runs the selected cells and writes the updated state to --out (stdout by default).",
	Args: cobra.ExactArgs(1),
	RunE: runLocal,
}

func init() {
	runCmd.Flags().StringVar(&runAnswerURL, "answer-url", answer.DefaultConfig().BaseURL, "Answering service base URL")
	runCmd.Flags().StringVar(&runAnswerToken, "answer-token", "", "Bearer token for the answering service")
	runCmd.Flags().BoolVar(&runH2C, "h2c", false, "Speak cleartext HTTP/2 to the answering service")
	runCmd.Flags().StringVar(&runCache, "cache", "none", "Answer cache: memory, badger, pebble or none")
	runCmd.Flags().StringVar(&runDataDir, "data-dir", "data", "Directory for on-disk caches")
	runCmd.Flags().StringVar(&runOutput, "out", "", "Write the updated table state here instead of stdout")
	runCmd.Flags().StringSliceVar(&runDocuments, "document", nil, "Document to upload and add as a row (repeatable)")
	runCmd.Flags().StringVar(&runScope, "scope", "table", "Cells to run: table, columns, rows or none")
	runCmd.Flags().StringSliceVar(&runColumns, "column", nil, "Column id for --scope=columns (repeatable)")
	runCmd.Flags().StringSliceVar(&runRows, "row", nil, "Row id for --scope=rows (repeatable)")

	rootCmd.AddCommand(runCmd)
}

func runLocal(cmd *cobra.Command, args []string) error {
	if err := applyEnv(cmd, runEnv); err != nil {
		return err
	}
	state, err := readState(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, closeCache, err := newEngine(engineOptions{
		AnswerURL:   runAnswerURL,
		AnswerToken: runAnswerToken,
		H2C:         runH2C,
		Cache:       runCache,
		DataDir:     runDataDir,
	})
	if err != nil {
		return err
	}
	defer closeCache()

	t, err := engine.Import(state)
	if err != nil {
		return fmt.Errorf("import %s: %w", args[0], err)
	}
	if err := addDocuments(ctx, engine, t.ID, runDocuments); err != nil {
		return err
	}

	res, err := runScoped(ctx, engine, t.ID)
	switch {
	case errors.Is(err, tablestore.ErrNothingToRun):
		slog.Info("nothing to run", "table_id", t.ID)
	case err != nil:
		return fmt.Errorf("run %s: %w", t.ID, err)
	case res != nil:
		slog.Info("run finished",
			"table_id", t.ID,
			"run_id", res.RunID,
			"state", res.State,
			"total", res.Total,
			"succeeded", res.Succeeded,
			"fallbacks", res.Fallbacks,
			"duration", res.Duration,
		)
	}

	out, err := engine.Export(t.ID)
	if err != nil {
		return err
	}
	return writeState(out, runOutput)
}

func runScoped(ctx context.Context, engine *tablestore.Store, tableID string) (*tablestore.RunResult, error) {
	switch runScope {
	case "", "table":
		return engine.RunTable(ctx, tableID)
	case "columns":
		return engine.RerunColumns(ctx, tableID, runColumns)
	case "rows":
		return engine.RerunRows(ctx, tableID, runRows)
	case "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown scope %q", runScope)
}

func addDocuments(ctx context.Context, engine *tablestore.Store, tableID string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	files := make([]tablestore.File, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		files = append(files, tablestore.File{Name: filepath.Base(p), Content: f})
	}
	ids, err := engine.AddDocuments(ctx, tableID, files)
	if err != nil {
		return fmt.Errorf("add documents: %w", err)
	}
	slog.Info("documents added", "table_id", tableID, "rows", len(ids))
	return nil
}

func readState(path string) (grid.State, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return grid.State{}, err
	}
	var st grid.State
	if err := json.Unmarshal(b, &st); err != nil {
		return grid.State{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return st, nil
}

func writeState(st grid.State, path string) error {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if path == "" {
		_, err = os.Stdout.Write(b)
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
