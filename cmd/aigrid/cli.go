package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/user/aigrid/pkg/client"
)

var (
	serverURL  string
	apiToken   string
	outputJSON bool
)

func addClientFlags(cmds ...*cobra.Command) {
	for _, cmd := range cmds {
		cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "aigrid server URL (or set AIGRID_SERVER)")
		cmd.Flags().StringVar(&apiToken, "token", "", "API token (or set AIGRID_TOKEN; defaults to the token saved by login)")
		cmd.Flags().BoolVar(&outputJSON, "output-json", false, "Output as JSON")
	}
}

// newClient builds an API client from flags, the environment and the saved
// login token, in that order.
func newClient(cmd *cobra.Command) *client.Client {
	if !cmd.Flags().Changed("server") {
		if v := strings.TrimSpace(os.Getenv("AIGRID_SERVER")); v != "" {
			serverURL = v
		}
	}
	c := client.New(serverURL)
	c.Token = strings.TrimSpace(apiToken)
	if c.Token == "" {
		c.Token = strings.TrimSpace(os.Getenv("AIGRID_TOKEN"))
	}
	if c.Token == "" {
		c.Token, _ = loadToken()
	}
	return c
}

func tokenPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "aigrid", "token"), nil
}

func loadToken() (string, error) {
	path, err := tokenPath()
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func saveToken(token string) (string, error) {
	path, err := tokenPath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", err
	}
	return path, os.WriteFile(path, []byte(token+"\n"), 0o600)
}

func printJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	json.Indent(&buf, data, "", "  ")
	fmt.Fprintln(os.Stdout, buf.String())
	return nil
}

// clientError turns API failures into short messages.
func clientError(err error) error {
	if errors.Is(err, client.ErrUnauthenticated) {
		return errors.New("not logged in: run `aigrid login` or pass --token")
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s (HTTP %d)", apiErr.Message, apiErr.Status)
	}
	return err
}
