package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/reelflow/internal/render"
	"github.com/rendis/reelflow/pkg/schema"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <owner-id> [workflow-id]",
		Short: "Print the scheduling state of one workflow or of all workflows of a user",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx, a.cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			if len(args) == 2 {
				state, err := st.GetState(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), state)
			}
			states, err := st.ListStates(ctx, schema.StateFilter{OwnerID: args[0]})
			if err != nil {
				return err
			}
			if states == nil {
				states = []*schema.WorkflowState{}
			}
			return printJSON(cmd.OutOrStdout(), states)
		},
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <workflow-id>",
		Short: "Print the remembered prompts of a workflow, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx, a.cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			entries, err := st.ListHistory(ctx, args[0], schema.PromptHistoryCap)
			if err != nil {
				return err
			}
			for _, e := range entries {
				e.Embedding = nil
			}
			if entries == nil {
				entries = []*schema.PromptHistoryEntry{}
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear <workflow-id>",
		Short: "Forget every remembered prompt of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx, a.cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.ClearHistory(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d entries\n", n)
			return nil
		},
	})
	return cmd
}

func newCheckBackendCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "check-backend",
		Short: "Check that the render backend is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client := render.NewClient(render.Config{BaseURL: a.cfg.Render.URL, RequestTimeout: a.cfg.Render.RequestTimeout}, a.logger)
			if err := client.Ping(ctx); err != nil {
				return fmt.Errorf("render backend at %s: %w", a.cfg.Render.URL, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "render backend at %s is reachable\n", a.cfg.Render.URL)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for an answer")
	return cmd
}
