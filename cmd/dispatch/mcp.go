package main

import (
	"github.com/spf13/cobra"

	"github.com/rendis/dispatch/pkg/mcp"
)

func newMCPCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the dispatch tools to an agent over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			// stdout carries the protocol; logs go to stderr.
			s := mcp.NewDispatchServer(mcp.DispatchServerDeps{
				Backend: newClient(cfg),
				Logger:  newLogger(cfg),
			})
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return s.Serve(ctx)
		},
	}
}
