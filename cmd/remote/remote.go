// Package remote holds the plumbing shared by commands that talk to a
// running lumen server.
package remote

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/caesium-cloud/lumen/pkg/client"
	"github.com/caesium-cloud/lumen/pkg/env"
	"github.com/spf13/cobra"
)

const timeout = 30 * time.Second

var server string

// AddServerFlag registers --server on cmd and its children.
func AddServerFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&server, "server", "", "lumen server base URL (default http://localhost:$LUMEN_PORT)")
}

// Client returns a client for the configured server.
func Client() (*client.Client, error) {
	base := server
	if base == "" {
		base = fmt.Sprintf("http://localhost:%d", env.Variables().Port)
	}
	return client.New(base, timeout)
}

// Print writes v as indented JSON.
func Print(cmd *cobra.Command, v any) error {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return Printf(cmd, "%s\n", buf)
}

func Printf(cmd *cobra.Command, format string, args ...any) error {
	if _, err := fmt.Fprintf(cmd.OutOrStdout(), format, args...); err != nil {
		cmd.PrintErrf("write output: %v\n", err)
		return err
	}
	return nil
}
