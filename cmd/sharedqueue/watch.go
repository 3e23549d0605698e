package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newWatchCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream changes to the queue's keys until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, backend, s, err := g.open()
			if err != nil {
				return err
			}
			defer backend.Close()

			ctx, stop := signalContext(cmd)
			defer stop()

			ch, err := backend.Store.Watch(s.Namespace() + ".*")
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "watching %s on %s\n", cfg.Queue.Namespace, backend.Name)
			for {
				select {
				case <-ctx.Done():
					return nil
				case kv, ok := <-ch:
					if !ok {
						return nil
					}
					fmt.Fprintf(out, "%s %-6s %s rev=%d size=%s\n",
						kv.Modified.Format(time.RFC3339Nano), kv.Operation, kv.Key, kv.Revision,
						humanize.Bytes(uint64(len(kv.Value))))
				}
			}
		},
	}
}
