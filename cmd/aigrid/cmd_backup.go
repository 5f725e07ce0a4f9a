package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/user/aigrid/internal/backup"
	"github.com/user/aigrid/internal/statestore"
)

var (
	backupDataDir     string
	backupDBDriver    string
	backupPostgresDSN string
	backupBucket      string
	backupPrefix      string
	backupRegion      string
	backupEndpoint    string
	backupPathStyle   bool
	backupConcurrency int
	restoreIDs        []string
)

var backupEnv = map[string]string{
	"data-dir":     "AIGRID_DATA_DIR",
	"db-driver":    "AIGRID_DB_DRIVER",
	"postgres-dsn": "AIGRID_POSTGRES_DSN",
	"bucket":       "AIGRID_BACKUP_BUCKET",
	"prefix":       "AIGRID_BACKUP_PREFIX",
	"endpoint":     "AIGRID_BACKUP_ENDPOINT",
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Copy every table state to an S3 bucket",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, store, err := openBackup(cmd)
		if err != nil {
			return err
		}
		defer db.Close()
		n, err := store.Export(cmd.Context(), db, nil)
		if err != nil {
			return err
		}
		fmt.Printf("Backed up %d table states to s3://%s/%s\n", n, backupBucket, backupPrefix)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore table states from an S3 bucket",
	Long:  "Restores every backed-up table state, or only those named with --id. Existing states with the same id are replaced.",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, store, err := openBackup(cmd)
		if err != nil {
			return err
		}
		defer db.Close()
		n, err := store.Restore(cmd.Context(), db, restoreIDs, nil)
		if err != nil {
			return err
		}
		fmt.Printf("Restored %d table states\n", n)
		return nil
	},
}

func openBackup(cmd *cobra.Command) (*statestore.DB, *backup.Store, error) {
	if err := applyEnv(cmd, backupEnv); err != nil {
		return nil, nil, err
	}
	cfg := backup.DefaultConfig()
	cfg.Bucket = backupBucket
	cfg.Prefix = backupPrefix
	cfg.Endpoint = backupEndpoint
	cfg.PathStyle = backupPathStyle
	cfg.Concurrency = backupConcurrency
	if backupRegion != "" {
		cfg.Region = backupRegion
	}
	store, err := backup.New(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, err
	}
	db, err := statestore.Open(statestore.Config{Driver: backupDBDriver, Dir: backupDataDir, DSN: backupPostgresDSN})
	if err != nil {
		return nil, nil, fmt.Errorf("open table-state database: %w", err)
	}
	return db, store, nil
}

func init() {
	for _, cmd := range []*cobra.Command{backupCmd, restoreCmd} {
		cmd.Flags().StringVar(&backupDataDir, "data-dir", "data", "Directory holding the SQLite database")
		cmd.Flags().StringVar(&backupDBDriver, "db-driver", statestore.DriverSQLite, "Table-state database: sqlite or postgres")
		cmd.Flags().StringVar(&backupPostgresDSN, "postgres-dsn", "", "Postgres connection string when --db-driver=postgres")
		cmd.Flags().StringVar(&backupBucket, "bucket", "", "S3 bucket (or set AIGRID_BACKUP_BUCKET)")
		cmd.Flags().StringVar(&backupPrefix, "prefix", "", "Key prefix inside the bucket")
		cmd.Flags().StringVar(&backupRegion, "region", "", "AWS region (defaults to us-east-1)")
		cmd.Flags().StringVar(&backupEndpoint, "endpoint", "", "Custom S3 endpoint, e.g. a MinIO URL")
		cmd.Flags().BoolVar(&backupPathStyle, "path-style", false, "Use path-style bucket addressing")
		cmd.Flags().IntVar(&backupConcurrency, "concurrency", 4, "Parallel object transfers")
	}
	restoreCmd.Flags().StringSliceVar(&restoreIDs, "id", nil, "Restore only this table id (repeatable)")

	rootCmd.AddCommand(backupCmd, restoreCmd)
}
