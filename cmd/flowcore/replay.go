package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/flowcore/internal/config"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/pkg/schema"
)

func newReplayCommand(load configLoader) *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "replay <run-id>",
		Short: "Rebuild a run from its event log and print the snapshot",
		Long: `replay reads every event recorded for the run, folds them into a snapshot
and prints it as JSON. With --verify the result is compared with the stored
snapshot and any divergence is reported as an error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Store.Driver != config.DriverLibSQL {
				return fmt.Errorf("replay reads a persistent event log; store.driver is %q", cfg.Store.Driver)
			}
			st, err := store.NewLibSQLStore(cfg.Store.DSN)
			if err != nil {
				return err
			}
			defer st.Close()

			log := store.NewEventLog(st)
			var run *schema.WorkflowRun
			if verify {
				run, err = log.Verify(cmd.Context(), args[0])
			} else {
				run, err = log.Replay(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(schema.SnapshotOf(run))
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "fail if the replayed run differs from the stored snapshot")
	return cmd
}
