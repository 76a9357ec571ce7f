package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"alacrite/config"
	"alacrite/storage"
)

func newHistoryCmd(flags *cliFlags) *cobra.Command {
	var (
		limit int
		kind  string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the session history journal, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := loadEnv(cmd, flags)
			if err != nil {
				return err
			}

			store, err := storage.OpenPath(config.DatabasePath(env.dataDir), env.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			events, err := store.ListSessionEvents(storage.SessionEventFilter{Kind: kind, Limit: limit})
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), events)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of events to show")
	cmd.Flags().StringVar(&kind, "kind", "", "Only show one event kind (dial_failed, fallback_listen, established, liveness_timeout, closed)")
	return cmd
}

func printHistory(out io.Writer, events []storage.SessionEvent) {
	if len(events) == 0 {
		fmt.Fprintln(out, "no session events recorded")
		return
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tROLE\tREMOTE\tATTEMPT\tDETAIL")
	for _, event := range events {
		attempt := "-"
		if event.Attempt > 0 {
			attempt = strconv.Itoa(event.Attempt)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			event.Time().Format(time.RFC3339),
			event.Kind,
			dashIfEmpty(event.Role),
			dashIfEmpty(event.RemoteAddr),
			attempt,
			event.Detail,
		)
	}
	_ = tw.Flush()
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
