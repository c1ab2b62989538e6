package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/qoe-assistant/display"
	"github.com/PipeOpsHQ/qoe-assistant/server"
	"github.com/PipeOpsHQ/qoe-assistant/session"
	"github.com/PipeOpsHQ/qoe-assistant/types"
)

const timeLayout = "2006-01-02 15:04:05"

func (a *app) askCommand() *cobra.Command {
	var sessionID string
	var verbose bool
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a single question and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := normalizeInput(args)
			if input == "" {
				return errors.New("question cannot be empty")
			}
			rt, err := a.buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer a.closeRuntime(rt)

			var onEvent func(types.Event)
			if verbose {
				r := display.New(a.out)
				onEvent = r.HandleEvent
			}
			result, err := rt.agent.Turn(cmd.Context(), sessionID, input, onEvent)
			if err != nil {
				return fmt.Errorf("turn failed: %w", err)
			}
			if !verbose {
				fmt.Fprintln(a.out, result.Output)
			}
			a.log.WithField("session_id", result.SessionID).Info("continue with --session")
			return nil
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "continue an existing session")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "render every message, including tool calls")
	return cmd
}

func (a *app) chatCommand() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer a.closeRuntime(rt)
			return a.runChat(cmd.Context(), rt, sessionID)
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "resume an existing session")
	return cmd
}

func (a *app) serveCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the assistant over HTTP and WebSocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("addr") {
				a.cfg.Server.Addr = addr
			}
			rt, err := a.buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer a.closeRuntime(rt)

			srv, err := server.New(server.Config{
				Addr:     a.cfg.Server.Addr,
				Agent:    rt.agent,
				Dataset:  rt.data,
				Registry: rt.registry,
				Gatherer: rt.metrics,
				Logger:   a.log.WithField("component", "server"),
			})
			if err != nil {
				return err
			}
			if err := srv.ListenAndServe(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", server.DefaultAddr, "listen address")
	return cmd
}

func (a *app) sessionsCommand() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List stored sessions, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer a.closeStore(store)

			infos, err := store.ListSessions(cmd.Context(), session.ListSessionsQuery{Limit: limit, Offset: offset})
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tMESSAGES\tCREATED\tUPDATED")
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", info.ID, info.Messages,
					info.CreatedAt.Local().Format(timeLayout), humanize.Time(info.UpdatedAt))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum sessions to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "sessions to skip")
	return cmd
}

func (a *app) historyCommand() *cobra.Command {
	var showTurns bool
	cmd := &cobra.Command{
		Use:   "history <session-id>",
		Short: "Replay the visible conversation of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := strings.TrimSpace(args[0])
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer a.closeStore(store)

			if showTurns {
				turns, err := store.ListTurns(cmd.Context(), session.ListTurnsQuery{SessionID: sessionID})
				if err != nil {
					return fmt.Errorf("list turns: %w", err)
				}
				tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TURN\tSTATUS\tITERATIONS\tRETRIES\tUPDATED\tERROR")
				for _, t := range turns {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", t.TurnID, t.Status, t.Iterations,
						t.DegenerateRetries, humanizeTime(t.UpdatedAt), t.Error)
				}
				return tw.Flush()
			}

			history, err := store.History(cmd.Context(), sessionID)
			if err != nil {
				return fmt.Errorf("load history: %w", err)
			}
			if len(history) == 0 {
				return fmt.Errorf("session %s has no messages", sessionID)
			}
			display.New(a.out).Replay(history)
			return nil
		},
	}
	cmd.Flags().BoolVar(&showTurns, "turns", false, "list turn records instead of messages")
	return cmd
}

func (a *app) datasetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dataset",
		Short: "Summarize the loaded measurements",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			data, _, err := a.loadCatalog()
			if err != nil {
				return err
			}
			s := data.Summary()
			pairs := make([]string, 0, len(s.Pairs))
			for _, p := range s.Pairs {
				pairs = append(pairs, p.String())
			}
			fmt.Fprintf(a.out, "Measurements: %s\n", humanize.Comma(int64(s.Rows)))
			fmt.Fprintf(a.out, "Span:         %s to %s (%s)\n",
				s.Start.UTC().Format(timeLayout), s.End.UTC().Format(timeLayout),
				s.End.Sub(s.Start))
			fmt.Fprintf(a.out, "Clients:      %s\n", strings.Join(s.Clients, ", "))
			fmt.Fprintf(a.out, "Servers:      %s\n", strings.Join(s.Servers, ", "))
			fmt.Fprintf(a.out, "Pairs:        %s\n", strings.Join(pairs, ", "))
			return nil
		},
	}
}

func (a *app) toolsCommand() *cobra.Command {
	var schemas bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tool catalog and the bound selection",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			_, registry, err := a.loadCatalog()
			if err != nil {
				return err
			}
			selected, err := registry.Select(a.cfg.Agent.Tools)
			if err != nil {
				return err
			}
			if schemas {
				defs := make([]types.ToolDefinition, 0, len(selected))
				for _, t := range selected {
					defs = append(defs, t.Definition())
				}
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(defs)
			}
			bound := make(map[string]bool, len(selected))
			for _, t := range selected {
				bound[t.Definition().Name] = true
			}

			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TOOL\tBOUND\tDESCRIPTION")
			for _, info := range registry.Catalog() {
				mark := ""
				if bound[info.Name] {
					mark = "yes"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", info.Name, mark, firstLine(info.Description))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintln(a.out)
			for _, b := range registry.BundleCatalog() {
				fmt.Fprintf(a.out, "@%s: %s\n", b.Name, strings.Join(b.Tools, ", "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&schemas, "schemas", false, "print the JSON definitions of the bound tools")
	return cmd
}

func (a *app) promptsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompts",
		Short: "List system prompt templates",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			reg, err := a.loadPrompts()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tVERSION\tDESCRIPTION")
			for _, spec := range reg.List() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", spec.Name, spec.Version, spec.Description)
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "render [name[@version]]",
		Short: "Render a template against the loaded dataset",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) == 1 {
				a.cfg.Agent.Prompt = args[0]
			}
			data, _, err := a.loadCatalog()
			if err != nil {
				return err
			}
			out, err := a.systemPrompt(data)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, out)
			return nil
		},
	})
	return cmd
}

func (a *app) closeRuntime(rt *runtime) {
	if err := rt.Close(); err != nil {
		a.log.WithError(err).Warn("shutdown failed")
	}
}

func (a *app) closeStore(store session.Store) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		a.log.WithError(err).Warn("session store close failed")
	}
}

func normalizeInput(args []string) string {
	if len(args) > 0 && strings.TrimSpace(args[0]) == "--" {
		args = args[1:]
	}
	return strings.TrimSpace(strings.Join(args, " "))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func humanizeTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return humanize.Time(*t)
}
