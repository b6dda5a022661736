// Command mcp-oauth-bridge runs the OAuth bridge and the MCP endpoint it
// protects.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version can be set during build with -ldflags
var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcp-oauth-bridge",
		Short: "OAuth 2.1 authorization bridge for MCP agents",
		Long: `mcp-oauth-bridge lets MCP agents obtain access tokens through an external
identity provider and then talk to an MCP endpoint with them.

Agents register dynamically, run an authorization code flow with PKCE, and
receive bearer tokens that identify an internal principal resolved from the
identity provider's subject.`,
		SilenceUsage: true,
		Version:      version,
	}
	root.SetVersionTemplate(`{{printf "mcp-oauth-bridge version %s\n" .Version}}`)

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
