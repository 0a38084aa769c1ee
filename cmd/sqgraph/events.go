package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/liliang-cn/sqgraph"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Query and maintain the event log",
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q (use RFC 3339)", raw)
	}
	return t, nil
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List events",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("event")
		object, _ := cmd.Flags().GetString("object")
		by, _ := cmd.Flags().GetString("by")
		rawSince, _ := cmd.Flags().GetString("since")
		limit, _ := cmd.Flags().GetInt("limit")
		cursor, _ := cmd.Flags().GetString("cursor")
		desc, _ := cmd.Flags().GetBool("desc")
		since, err := parseTime(rawSince)
		if err != nil {
			return err
		}
		f := sqgraph.EventFilter{Event: name, Object: object, Actor: by, Since: since, Limit: limit, Cursor: cursor}
		if desc {
			f.Order = "desc"
		}

		db, ns, err := openNamespace(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		page, err := ns.QueryEvents(commandContext(cmd), f)
		if err != nil {
			return err
		}
		for _, ev := range page.Events {
			fmt.Printf("%s\t%s\t%s\t%s\n", ev.Timestamp.Format(time.RFC3339), ev.Event, ev.Object, ev.Actor)
		}
		if page.NextCursor != "" {
			fmt.Printf("next cursor: %s\n", page.NextCursor)
		}
		return nil
	},
}

var eventsEmitCmd = &cobra.Command{
	Use:   "emit <event> <object>",
	Short: "Record a custom event",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("data")
		data, err := parseJSON(raw, "data")
		if err != nil {
			return err
		}

		db, ns, err := openNamespace(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		ev, err := ns.AppendEvent(commandContext(cmd), &sqgraph.Event{Event: args[0], Object: args[1], Data: data})
		if err != nil {
			return err
		}
		return printJSON(ev)
	},
}

var eventsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count events per name",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, ns, err := openNamespace(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		stats, err := ns.EventStats(commandContext(cmd))
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

var eventsCleanupCmd = &cobra.Command{
	Use:   "cleanup <max-age>",
	Short: "Archive and delete events older than max-age (e.g. 720h)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		maxAge, err := time.ParseDuration(args[0])
		if err != nil {
			return fmt.Errorf("invalid max age %q: %w", args[0], err)
		}

		db, ns, err := openNamespace(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		n, err := ns.CleanupEvents(commandContext(cmd), time.Now().Add(-maxAge))
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d events\n", n)
		return nil
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-apply logged or archived events",
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		object, _ := cmd.Flags().GetString("object")
		name, _ := cmd.Flags().GetString("event")
		rawSince, _ := cmd.Flags().GetString("since")
		rawUntil, _ := cmd.Flags().GetString("until")
		since, err := parseTime(rawSince)
		if err != nil {
			return err
		}
		until, err := parseTime(rawUntil)
		if err != nil {
			return err
		}

		db, ns, err := openNamespace(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		res, err := ns.Replay(commandContext(cmd), sqgraph.ReplayOptions{
			Source: source, Object: object, Event: name, Since: since, Until: until,
		})
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild <Type/id>",
	Short: "Restore an entity from its event history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, ns, err := openNamespace(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		ent, err := ns.Rebuild(commandContext(cmd), args[0])
		if err != nil {
			return err
		}
		return printJSON(ent)
	},
}

func init() {
	eventsCmd.AddCommand(eventsListCmd, eventsEmitCmd, eventsStatsCmd, eventsCleanupCmd)

	eventsListCmd.Flags().String("event", "", "Event name or glob (e.g. User.*)")
	eventsListCmd.Flags().String("object", "", "Object reference (Type/id)")
	eventsListCmd.Flags().String("by", "", "Actor")
	eventsListCmd.Flags().String("since", "", "Only events at or after this RFC 3339 time")
	eventsListCmd.Flags().Int("limit", 0, "Page size")
	eventsListCmd.Flags().String("cursor", "", "Cursor of the next page")
	eventsListCmd.Flags().Bool("desc", false, "Newest first")

	eventsEmitCmd.Flags().String("data", "", "Event data as JSON")

	replayCmd.Flags().String("source", "local", "local or external (the archive)")
	replayCmd.Flags().String("object", "", "Only events of this object")
	replayCmd.Flags().String("event", "", "Event name or glob")
	replayCmd.Flags().String("since", "", "RFC 3339 lower bound")
	replayCmd.Flags().String("until", "", "RFC 3339 upper bound")
}
