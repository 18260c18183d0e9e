package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Rogers-F/threadline/internal/config"
	"github.com/Rogers-F/threadline/internal/domain"
	"github.com/Rogers-F/threadline/internal/engine"
	"github.com/Rogers-F/threadline/internal/ipc"
	"github.com/Rogers-F/threadline/internal/manifest"
	"github.com/Rogers-F/threadline/internal/store"
)

func validateCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [manifest]",
		Short: "Validate a manifest and report stale primitives",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			days := 0
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := config.Load(configPath())
				if err != nil {
					return err
				}
				path, days = cfg.ManifestPath, cfg.StalenessDays
			}
			g, err := manifest.LoadFile(path, manifest.Options{StalenessDays: days})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok (%d domains)\n", path, len(g.Domains()))
			for _, d := range g.Domains() {
				for _, p := range g.PrimitivesIn(d.ID) {
					if age, stale := g.Stale(p.ID); stale {
						fmt.Fprintf(out, "warning: primitive %s was last verified %d days ago\n", p.ID, age)
					}
				}
			}
			return nil
		},
	}
}

func submitCmd(configPath func() string) *cobra.Command {
	var threadID string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "submit <text>",
		Short: "Submit a request, starting a thread or continuing one",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configPath())
			if err != nil {
				return err
			}
			defer a.Close()

			text := strings.Join(args, " ")
			events, err := a.engine.Submit(cmd.Context(), threadID, text, engine.SubmitOptions{DryRun: dryRun})
			if len(events) > 0 {
				threadID = events[0].ThreadID
			}
			return report(cmd.Context(), cmd.OutOrStdout(), a, threadID, events, err)
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "existing thread id")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan without running mutating steps")
	return cmd
}

func respondCmd(configPath func() string) *cobra.Command {
	var (
		checkpoint string
		decision   string
		text       string
		domainID   string
		inputJSON  string
		items      []string
	)
	cmd := &cobra.Command{
		Use:   "respond <thread>",
		Short: "Answer the checkpoint a thread is waiting on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp := domain.HumanResponse{
				CheckpointID: checkpoint,
				Decision:     domain.Decision(decision),
				Text:         text,
				Domain:       domainID,
			}
			if inputJSON != "" {
				if err := json.Unmarshal([]byte(inputJSON), &resp.Input); err != nil {
					return fmt.Errorf("--input: %w", err)
				}
			}
			if len(items) > 0 {
				resp.Items = make(map[string]domain.Decision, len(items))
				for _, it := range items {
					step, d, ok := strings.Cut(it, "=")
					if !ok {
						return fmt.Errorf("--item %q: want step=decision", it)
					}
					resp.Items[step] = domain.Decision(d)
				}
			}

			a, err := newApp(cmd.Context(), configPath())
			if err != nil {
				return err
			}
			defer a.Close()

			if resp.CheckpointID == "" {
				s, err := a.engine.State(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if s.Pending == nil {
					return domain.Detail(domain.ErrNotAwaiting, "%s is %s", args[0], s.Status)
				}
				resp.CheckpointID = s.Pending.ID
			}
			events, err := a.engine.Respond(cmd.Context(), args[0], resp)
			return report(cmd.Context(), cmd.OutOrStdout(), a, args[0], events, err)
		},
	}
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "checkpoint id (default: the pending one)")
	cmd.Flags().StringVarP(&decision, "decision", "d", "approve", "decision to record")
	cmd.Flags().StringVar(&text, "text", "", "reduced goal for a rejected plan")
	cmd.Flags().StringVar(&domainID, "domain", "", "domain chosen at a clarification")
	cmd.Flags().StringVar(&inputJSON, "input", "", "JSON object of modified or gathered inputs")
	cmd.Flags().StringArrayVar(&items, "item", nil, "compensation decision as step=accept|reject|review (repeatable)")
	return cmd
}

func resumeCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <thread>",
		Short: "Run a thread on from its stored log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configPath())
			if err != nil {
				return err
			}
			defer a.Close()
			events, err := a.engine.Resume(cmd.Context(), args[0])
			return report(cmd.Context(), cmd.OutOrStdout(), a, args[0], events, err)
		},
	}
}

func stateCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "state <thread>",
		Short: "Print the folded state of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configPath())
			if err != nil {
				return err
			}
			defer a.Close()
			s, err := a.engine.State(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), s)
		},
	}
}

func eventsCmd(configPath func() string) *cobra.Command {
	var since int64
	cmd := &cobra.Command{
		Use:   "events <thread>",
		Short: "Print the event log of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configPath())
			if err != nil {
				return err
			}
			defer a.Close()
			events, err := a.engine.Events(cmd.Context(), args[0], since)
			if err != nil {
				return err
			}
			if events == nil {
				events = []domain.Event{}
			}
			return writeJSON(cmd.OutOrStdout(), events)
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "only events after this sequence number")
	return cmd
}

func threadsCmd(configPath func() string) *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List threads in a SQL store, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configPath())
			if err != nil {
				return err
			}
			defer a.Close()
			sqlStore, ok := a.store.(*store.SQLStore)
			if !ok {
				return fmt.Errorf("listing threads needs the sqlite or postgres driver, not %s", a.cfg.Store.Driver)
			}
			rows, err := sqlStore.List(cmd.Context(), store.ThreadStatus(status), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range rows {
				fmt.Fprintf(out, "%s\t%s\tseq=%d\tupdated=%s\n", r.ThreadID, r.Status, r.LastSeq,
					time.Unix(r.UpdatedAtUnix, 0).UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by live or closed")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum threads to list")
	return cmd
}

// report prints the events a call appended and the state they left, then
// returns the call's error.
func report(ctx context.Context, w io.Writer, a *app, threadID string, events []domain.Event, callErr error) error {
	if len(events) > 0 {
		s, err := a.engine.State(ctx, threadID)
		if err != nil {
			return err
		}
		if err := writeJSON(w, ipc.ThreadResponse{ThreadID: threadID, Events: events, State: s}); err != nil {
			return err
		}
	}
	return callErr
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
