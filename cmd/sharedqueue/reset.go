package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResetCmd(g *globalFlags) *cobra.Command {
	var (
		purge bool
		lease bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear the failure state so processing resumes immediately",
		Long: "reset sets the error count and backoff to zero. --purge also drops every queued\n" +
			"task and --lease removes the owner record so any context can claim it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, backend, s, err := g.open()
			if err != nil {
				return err
			}
			defer backend.Close()

			out := cmd.OutOrStdout()
			if err := s.SetFailureState(0, 0); err != nil {
				return err
			}
			fmt.Fprintln(out, "failure state cleared")

			if purge {
				if err := s.SetQueue(nil); err != nil {
					return err
				}
				fmt.Fprintln(out, "queue purged")
			}
			if lease {
				owner, err := s.ActiveQueue()
				if err != nil {
					return err
				}
				if owner != nil {
					if err := s.ClearActiveQueue(owner.ID); err != nil {
						return err
					}
					fmt.Fprintf(out, "lease of %s released\n", owner.ID)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&purge, "purge", false, "Also remove every queued task")
	cmd.Flags().BoolVar(&lease, "lease", false, "Also remove the lease owner record")
	return cmd
}
