package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/vinayprograms/sharedqueue/config"
	"github.com/vinayprograms/sharedqueue/storage"
)

// snapshot is the persisted state of one queue.
type snapshot struct {
	Backend    string     `json:"backend"`
	Namespace  string     `json:"namespace"`
	Length     int        `json:"length"`
	Head       []itemView `json:"head,omitempty"`
	ErrorCount int        `json:"error_count"`
	BackoffMS  int64      `json:"backoff_ms"`
	Owner      *ownerView `json:"owner,omitempty"`
}

type itemView struct {
	ID         string    `json:"id"`
	Payload    string    `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type ownerView struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	AgeMS     int64     `json:"age_ms"`
	Expired   bool      `json:"expired"`
}

func newInspectCmd(g *globalFlags) *cobra.Command {
	var (
		asJSON bool
		head   int
	)

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show queue length, failure state and lease owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, backend, s, err := g.open()
			if err != nil {
				return err
			}
			defer backend.Close()

			snap, err := takeSnapshot(cfg, backend.Name, s, head, time.Now())
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	cmd.Flags().IntVar(&head, "head", 5, "Number of items to show from the front of the queue")
	return cmd
}

func takeSnapshot(cfg *config.Config, backend string, s storage.Storage, head int, now time.Time) (*snapshot, error) {
	items, err := s.Queue()
	if err != nil {
		return nil, err
	}
	count, err := s.ErrorCount()
	if err != nil {
		return nil, err
	}
	backoff, err := s.BackoffTime()
	if err != nil {
		return nil, err
	}
	owner, err := s.ActiveQueue()
	if err != nil {
		return nil, err
	}

	snap := &snapshot{
		Backend:    backend,
		Namespace:  cfg.Queue.Namespace,
		Length:     len(items),
		ErrorCount: count,
		BackoffMS:  backoff.Milliseconds(),
	}
	for i := 0; i < len(items) && i < head; i++ {
		snap.Head = append(snap.Head, itemView{
			ID:         items[i].ID,
			Payload:    string(items[i].Payload),
			EnqueuedAt: items[i].EnqueuedAt,
		})
	}
	if owner != nil {
		snap.Owner = &ownerView{
			ID:        owner.ID,
			Timestamp: owner.Timestamp,
			AgeMS:     now.Sub(owner.Timestamp).Milliseconds(),
			Expired:   owner.Expired(now, cfg.Queue.LeaseExpiry.Duration),
		}
	}
	return snap, nil
}

func printSnapshot(out io.Writer, snap *snapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "backend:\t%s\n", snap.Backend)
	fmt.Fprintf(w, "namespace:\t%s\n", snap.Namespace)
	fmt.Fprintf(w, "length:\t%s\n", humanize.Comma(int64(snap.Length)))
	fmt.Fprintf(w, "errors:\t%d\n", snap.ErrorCount)
	fmt.Fprintf(w, "backoff:\t%s\n", time.Duration(snap.BackoffMS)*time.Millisecond)
	if snap.Owner == nil {
		fmt.Fprintf(w, "owner:\t-\n")
	} else {
		state := "live"
		if snap.Owner.Expired {
			state = "expired"
		}
		now := snap.Owner.Timestamp.Add(time.Duration(snap.Owner.AgeMS) * time.Millisecond)
		fmt.Fprintf(w, "owner:\t%s (%s, renewed %s)\n", snap.Owner.ID, state,
			humanize.RelTime(snap.Owner.Timestamp, now, "ago", "from now"))
	}
	w.Flush()

	for _, item := range snap.Head {
		fmt.Fprintf(out, "  %s  %s  (%s)\n", item.ID, item.Payload, humanize.Time(item.EnqueuedAt))
	}
	if rest := snap.Length - len(snap.Head); rest > 0 {
		fmt.Fprintf(out, "  ... %s more\n", humanize.Comma(int64(rest)))
	}
}
