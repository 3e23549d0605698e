package main

import (
	"bufio"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/sharedqueue/queue"
)

func newEnqueueCmd(g *globalFlags) *cobra.Command {
	var fromStdin bool

	cmd := &cobra.Command{
		Use:   "enqueue [task...]",
		Short: "Append tasks to the queue",
		Example: `  sharedqueue enqueue job-1 job-2
  cat jobs.txt | sharedqueue enqueue --stdin`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks := make([][]byte, 0, len(args))
			for _, a := range args {
				tasks = append(tasks, []byte(a))
			}
			if fromStdin {
				scanner := bufio.NewScanner(cmd.InOrStdin())
				scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
				for scanner.Scan() {
					if line := scanner.Bytes(); len(line) > 0 {
						tasks = append(tasks, append([]byte(nil), line...))
					}
				}
				if err := scanner.Err(); err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
			}
			if len(tasks) == 0 {
				return fmt.Errorf("no tasks given")
			}

			_, backend, s, err := g.open()
			if err != nil {
				return err
			}
			defer backend.Close()

			if err := queue.Append(s, time.Now(), tasks...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d task(s)\n", len(tasks))
			return nil
		},
	}

	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "Also read tasks from stdin, one per line")
	return cmd
}
