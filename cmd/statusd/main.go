package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/statusd/pkg/client"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot assembles the command tree.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	openFlags := &OpenFlags{}
	listFlags := &APIFlags{}
	resetFlags := &ResetFlags{}
	healthFlags := &APIFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createOpenCommand(openFlags),
		createListCommand(listFlags),
		createResetCommand(resetFlags),
		createHealthCommand(healthFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "statusd",
		Short: "Surprise status service",
		Long: `statusd records which clients opened the surprise and serves the
records over HTTP. The store is chosen by URL (mongodb, postgres, sqlite,
dynamodb or memory).

Examples:
  statusd serve --config=statusd.toml
  statusd open --name=Alice
  statusd list --api-url=http://remote:8000/api
  statusd reset --yes`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.EnvFile, "env-file", "", "dotenv file to load before the environment (must exist when set)")
	return root
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", client.DefaultBaseURL, "statusd API base URL")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", client.DefaultTimeout, "request timeout")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS certificate verification")
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the HTTP API",
		Long: `Connect to the configured store and serve the API until SIGINT or
SIGTERM. A configuration or connectivity failure at startup exits non-zero.

Examples:
  statusd serve
  statusd serve statusd.toml
  MONGO_URL=mongodb://localhost:27017 DB_NAME=surprise statusd serve`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			serveFlags.EnvFile = globalFlags.EnvFile
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			return runServe(cmd.Context(), *serveFlags)
		},
	}
	cmd.Flags().StringVar(&serveFlags.Listen, "listen", "", "override server.listen")
	return cmd
}

func createOpenCommand(f *OpenFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open the surprise for a client",
		Long: `Record that a client opened the surprise. Repeating the call for the
same name reports the original record.

Examples:
  statusd open --name=Alice`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdOpen(cmd.Context(), cmd.OutOrStdout(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "client name (required)")
	addAPIFlags(cmd, &f.APIFlags)
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}

func createListCommand(f *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every status record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdList(cmd.Context(), cmd.OutOrStdout(), *f)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createResetCommand(f *ResetFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every status record",
		Long: `Delete every status record. The command refuses to run without --yes.

Examples:
  statusd reset --yes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdReset(cmd.Context(), cmd.OutOrStdout(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.Yes, "yes", false, "confirm deleting every record")
	addAPIFlags(cmd, &f.APIFlags)
	return cmd
}

func createHealthCommand(f *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check store reachability through the API",
		Long: `Print the health reported by the API. Exits non-zero when the store is
unavailable or the API cannot be reached.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdHealth(cmd.Context(), cmd.OutOrStdout(), *f)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}
