package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	qerrors "github.com/vinayprograms/sharedqueue/errors"
	"github.com/vinayprograms/sharedqueue/queue"
	"github.com/vinayprograms/sharedqueue/shutdown"
	"github.com/vinayprograms/sharedqueue/storage"
)

func newRunCmd(g *globalFlags) *cobra.Command {
	var (
		command     string
		id          string
		drain       bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the queue and process batches while holding the lease",
		Long: "run ticks until interrupted. While it holds the lease it hands batches to --exec\n" +
			"(payloads on stdin, one per line; non-zero exit retries the batch with backoff),\n" +
			"or prints them when --exec is empty.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, backend, s, err := g.open()
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				cfg.Metrics.Addr = metricsAddr
			}
			if id == "" {
				id = uuid.NewString()
			}
			logger := cfg.Logger()

			sd := shutdown.NewCoordinator(shutdown.Config{
				ContinueOnError: true,
				Logger:          logger.WithComponent("shutdown"),
			})
			sd.Register("store", shutdown.Closer(backend), shutdown.PhaseStores)
			ctx, stop := sd.HandleSignals(cmd.Context())
			defer stop()

			obs, err := observers(ctx, cfg, id, s, sd, logger.WithComponent("cli"))
			if err != nil {
				sd.ShutdownWithTimeout(0)
				return err
			}

			proc := newProcessor(command, cmd.OutOrStdout())
			opts := []queue.Option{
				queue.WithLogger(logger),
				queue.WithID(id),
				queue.WithObserver(obs...),
			}
			if cfg.Queue.ReleaseOnExit {
				opts = append(opts, queue.WithReleaseOnDestroy())
			}

			q, err := queue.New(cfg.QueueConfig(proc.Process, s), opts...)
			if err != nil {
				sd.ShutdownWithTimeout(0)
				return err
			}

			sd.Register("queue", shutdown.Destroyer(q), shutdown.PhaseCoordinators)
			sd.RegisterFunc("processor", proc.Wait, shutdown.PhaseBatches)

			logger.WithComponent("cli").Info("running", map[string]interface{}{
				"id":        q.ID(),
				"backend":   backend.Name,
				"namespace": cfg.Queue.Namespace,
			})

			if drain {
				waitDrained(ctx, q, s, cfg.Queue.PollInterval.Duration)
			} else {
				<-ctx.Done()
			}

			return sd.ShutdownWithTimeout(0)
		},
	}

	cmd.Flags().StringVar(&command, "exec", "", "Shell command run per batch (payloads on stdin)")
	cmd.Flags().StringVar(&id, "id", "", "Context id used for the lease (default: random)")
	cmd.Flags().BoolVar(&drain, "drain", false, "Exit once the queue is empty and no batch is in flight")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9102)")
	return cmd
}

// processor hands batches to a shell command, or prints them. Commands
// are not tied to the signal context: a batch already dispatched runs to
// completion unless Wait gives up on it.
type processor struct {
	ctx     context.Context
	cancel  context.CancelFunc
	command string
	out     io.Writer

	wg sync.WaitGroup
}

func newProcessor(command string, out io.Writer) *processor {
	ctx, cancel := context.WithCancel(context.Background())
	return &processor{ctx: ctx, cancel: cancel, command: command, out: out}
}

// Process implements queue.ProcessFunc.
func (p *processor) Process(batch [][]byte, done queue.DoneFunc) {
	if p.command == "" {
		for _, task := range batch {
			fmt.Fprintf(p.out, "%s\n", task)
		}
		done(nil)
		return
	}

	// Run off the tick goroutine so the lease keeps renewing.
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		done(p.exec(batch))
	}()
}

func (p *processor) exec(batch [][]byte) error {
	var stdin bytes.Buffer
	for _, task := range batch {
		stdin.Write(task)
		stdin.WriteByte('\n')
	}

	cmd := exec.CommandContext(p.ctx, "sh", "-c", p.command)
	cmd.Stdin = &stdin
	cmd.Stdout = p.out
	cmd.Stderr = os.Stderr
	// Children of a killed shell may hold the output pipes open.
	cmd.WaitDelay = time.Second
	if err := cmd.Run(); err != nil {
		return qerrors.Processing(err, qerrors.WithMetadata("command", p.command))
	}
	return nil
}

// Wait blocks until running commands finish. When ctx ends first the
// remaining commands are killed.
func (p *processor) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

// waitDrained returns once the queue is empty and nothing is in flight.
func waitDrained(ctx context.Context, q *queue.Coordinator, s storage.Storage, interval time.Duration) {
	if interval <= 0 {
		interval = queue.DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		items, err := s.Queue()
		if err == nil && len(items) == 0 && !q.Stats().Processing {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
