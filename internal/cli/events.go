package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/followup/internal/db"
	"github.com/opencode-ai/followup/internal/models"
)

var (
	eventsType   string
	eventsEntity string
	eventsID     string
	eventsLead   string
	eventsSince  time.Duration
	eventsLimit  int
	eventsCursor string

	pruneOlderThan time.Duration
)

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsPruneCmd)

	eventsCmd.Flags().StringVar(&eventsType, "type", "", "filter by event type (e.g. instance.cancelled)")
	eventsCmd.Flags().StringVar(&eventsEntity, "entity", "", "filter by entity type (flow, instance, lead)")
	eventsCmd.Flags().StringVar(&eventsID, "id", "", "filter by entity id")
	eventsCmd.Flags().StringVar(&eventsLead, "lead", "", "filter by lead id")
	eventsCmd.Flags().DurationVar(&eventsSince, "since", 0, "only events newer than this (e.g. 1h)")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "maximum number of events")
	eventsCmd.Flags().StringVar(&eventsCursor, "cursor", "", "continue after this event id")

	eventsPruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 30*24*time.Hour, "delete events older than this")
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the audit event log",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		q := db.EventQuery{Limit: eventsLimit, Cursor: eventsCursor}
		if eventsType != "" {
			t := models.EventType(eventsType)
			q.Type = &t
		}
		if eventsEntity != "" {
			e := models.EntityType(eventsEntity)
			q.EntityType = &e
		}
		if eventsID != "" {
			q.EntityID = &eventsID
		}
		if eventsLead != "" {
			q.LeadID = &eventsLead
		}
		if eventsSince > 0 {
			since := time.Now().Add(-eventsSince)
			q.Since = &since
		}

		page, err := db.NewEventRepository(database).Query(ctx, q)
		if err != nil {
			return err
		}

		if IsJSONOutput() || IsJSONLOutput() {
			if IsJSONLOutput() {
				return WriteOutput(cmd.OutOrStdout(), page.Events)
			}
			return WriteOutput(cmd.OutOrStdout(), map[string]any{
				"events":      page.Events,
				"next_cursor": page.NextCursor,
			})
		}

		out := cmd.OutOrStdout()
		if len(page.Events) == 0 {
			fmt.Fprintln(out, "No events")
			return nil
		}
		rows := make([][]string, 0, len(page.Events))
		for _, ev := range page.Events {
			rows = append(rows, []string{
				formatTime(&ev.Timestamp),
				string(ev.Type),
				string(ev.EntityType),
				shortID(ev.EntityID),
				string(ev.Payload),
			})
		}
		if err := writeTable(out, []string{"AT", "TYPE", "ENTITY", "ID", "PAYLOAD"}, rows); err != nil {
			return err
		}
		if page.NextCursor != "" {
			fmt.Fprintf(out, "\nMore: --cursor %s\n", page.NextCursor)
		}
		return nil
	},
}

var eventsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old audit events",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pruneOlderThan <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}
		if !assumeYes {
			if IsNonInteractive() {
				return fmt.Errorf("refusing to prune without --yes in non-interactive mode")
			}
			if !confirm(fmt.Sprintf("Delete events older than %s?", pruneOlderThan)) {
				fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
				return nil
			}
		}

		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		deleted, err := db.NewEventRepository(database).Prune(commandContext(cmd), time.Now().Add(-pruneOlderThan))
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(cmd.OutOrStdout(), map[string]int64{"deleted": deleted})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d event(s)\n", deleted)
		return nil
	},
}
