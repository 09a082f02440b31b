package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vango-go/vai-voice/internal/archive"
	"github.com/vango-go/vai-voice/internal/config"
	"github.com/vango-go/vai-voice/internal/render"
)

var historyTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))

func newHistoryCmd(opts *rootOptions, deps appDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Browse archived conversations",
	}
	cmd.AddCommand(newHistoryListCmd(opts, deps), newHistoryShowCmd(opts, deps))
	return cmd
}

func openHistory(cmd *cobra.Command, opts *rootOptions, deps appDeps) (*archive.Store, error) {
	cfg, err := opts.load(deps)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.ArchiveDriver == config.ArchiveNone {
		return nil, errors.New("archive is disabled (VAI_VOICE_ARCHIVE_DRIVER=none)")
	}
	store, err := deps.openArchive(cmd.Context(), cfg, newLogger(cmd.ErrOrStderr(), cfg))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return store, nil
}

func newHistoryListCmd(opts *rootOptions, deps appDeps) *cobra.Command {
	var (
		limit  int
		format string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived conversations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(format, "table", "json", "yaml"); err != nil {
				return err
			}
			store, err := openHistory(cmd, opts, deps)
			if err != nil {
				return err
			}
			defer store.Close()

			sums, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if sums == nil {
				sums = []archive.Summary{}
			}
			switch format {
			case "json":
				return writeJSON(cmd.OutOrStdout(), sums)
			case "yaml":
				return writeYAML(cmd.OutOrStdout(), sums)
			}
			return writeSummaryTable(cmd.OutOrStdout(), sums)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of conversations")
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format (table, json, yaml)")
	return cmd
}

func newHistoryShowCmd(opts *rootOptions, deps appDeps) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Show one archived conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format, "text", "json", "yaml"); err != nil {
				return err
			}
			store, err := openHistory(cmd, opts, deps)
			if err != nil {
				return err
			}
			defer store.Close()

			conv, err := store.Get(cmd.Context(), args[0])
			if errors.Is(err, archive.ErrNotFound) {
				return fmt.Errorf("no archived conversation %q", args[0])
			}
			if err != nil {
				return err
			}
			switch format {
			case "json":
				return writeJSON(cmd.OutOrStdout(), conv)
			case "yaml":
				return writeYAML(cmd.OutOrStdout(), conv)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, historyTitleStyle.Render("conversation "+conv.ConversationID))
			fmt.Fprintf(out, "ended %s (%s), %d entries\n\n", conv.EndedAt.Local().Format(time.DateTime), conv.EndReason, conv.EntryCount)
			fmt.Fprintln(out, render.Transcript(conv.Entries))
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format (text, json, yaml)")
	return cmd
}

func checkFormat(format string, allowed ...string) error {
	for _, a := range allowed {
		if format == a {
			return nil
		}
	}
	return fmt.Errorf("unsupported format %q (want %s)", format, strings.Join(allowed, ", "))
}

func writeSummaryTable(w io.Writer, sums []archive.Summary) error {
	if len(sums) == 0 {
		_, err := fmt.Fprintln(w, "No archived conversations.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CONVERSATION\tENDED\tREASON\tENTRIES")
	for _, s := range sums {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", s.ConversationID, s.EndedAt.Local().Format(time.DateTime), s.EndReason, s.EntryCount)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
