package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/dispatch/internal/app"
	"github.com/Ramsey-B/dispatch/pkg/tenant"
)

func NewProcessCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "process <organization> <signal-instance-id>",
		Short:   "Run the pipeline for one signal instance and print the outcome",
		Example: `  dispatch process acme 6f1c2d3e-0000-4000-8000-000000000001`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			org := args[0]
			if _, err := tenant.SchemaName(org); err != nil {
				return err
			}
			id, err := uuid.Parse(args[1])
			if err != nil {
				return fmt.Errorf("invalid signal instance id %q: %w", args[1], err)
			}

			ctx := cmd.Context()
			rt, err := setup(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer func() { _ = rt.shutdown(context.Background()) }()

			a := app.New(rt.cfg, rt.logger)
			defer func() { _ = a.Stop(context.Background()) }()
			if err := a.Start(ctx, app.Options{}); err != nil {
				return err
			}

			outcome, err := a.Runner.Process(ctx, org, id)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(outcome)
		},
	}
}
