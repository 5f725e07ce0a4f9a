package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/aigrid/pkg/client"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in to an aigrid server and save the token",
	RunE: func(cmd *cobra.Command, args []string) error {
		password := strings.TrimSpace(os.Getenv("AIGRID_PASSWORD"))
		if password == "" {
			fmt.Fprint(os.Stderr, "Password: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return err
			}
			password = strings.TrimSpace(line)
		}
		c := newClient(cmd)
		tok, err := c.Login(cmd.Context(), password)
		if err != nil {
			return clientError(err)
		}
		path, err := saveToken(tok.AccessToken)
		if err != nil {
			return fmt.Errorf("save token: %w", err)
		}
		if outputJSON {
			return printJSON(tok)
		}
		fmt.Printf("Logged in; token saved to %s (expires %s)\n", path, tok.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "Manage table states on a server",
}

var tablesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List table states",
	RunE: func(cmd *cobra.Command, args []string) error {
		states, err := newClient(cmd).ListStates(cmd.Context())
		if err != nil {
			return clientError(err)
		}
		if outputJSON {
			return printJSON(states)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tUPDATED")
		for _, st := range states {
			fmt.Fprintf(w, "%s\t%s\t%s\n", st.ID, st.Name, st.UpdatedAt.Format(time.RFC3339))
		}
		w.Flush()
		return nil
	},
}

var tablesGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Print a table state as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newClient(cmd).GetState(cmd.Context(), args[0])
		if err != nil {
			return clientError(err)
		}
		return printJSON(st)
	},
}

var tablesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a table state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient(cmd).DeleteState(cmd.Context(), args[0]); err != nil {
			return clientError(err)
		}
		fmt.Printf("Table %s deleted\n", args[0])
		return nil
	},
}

var (
	runScope   string
	runColumns []string
	runRows    []string
	runWait    bool
)

var tablesRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Run a stored table on the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		run, err := c.StartRun(cmd.Context(), args[0], client.RunRequest{
			Scope:     runScope,
			ColumnIDs: runColumns,
			RowIDs:    runRows,
		})
		if err != nil {
			return clientError(err)
		}
		if runWait {
			if run, err = c.WaitRun(cmd.Context(), run.ID, time.Second); err != nil {
				return clientError(err)
			}
		}
		if outputJSON {
			return printJSON(run)
		}
		fmt.Printf("Run %s %s: %d/%d cells, %d answered, %d fallbacks\n",
			run.ID, run.Status, run.Completed, run.Total, run.Succeeded, run.Fallbacks)
		return nil
	},
}

func init() {
	tablesRunCmd.Flags().StringVar(&runScope, "scope", "table", "Cells to run: table, columns or rows")
	tablesRunCmd.Flags().StringSliceVar(&runColumns, "column", nil, "Column id for --scope=columns (repeatable)")
	tablesRunCmd.Flags().StringSliceVar(&runRows, "row", nil, "Row id for --scope=rows (repeatable)")
	tablesRunCmd.Flags().BoolVar(&runWait, "wait", false, "Wait for the run to finish")

	tablesCmd.AddCommand(tablesListCmd, tablesGetCmd, tablesDeleteCmd, tablesRunCmd)
	addClientFlags(loginCmd, tablesListCmd, tablesGetCmd, tablesDeleteCmd, tablesRunCmd)
	rootCmd.AddCommand(loginCmd, tablesCmd)
}
