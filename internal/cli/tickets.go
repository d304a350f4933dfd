package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chambrid/storylink/pkg/host"
	"github.com/chambrid/storylink/pkg/selection"
)

// linkCmd links stories to a ticket
var linkCmd = &cobra.Command{
	Use:   "link <story-ids...>",
	Short: "Link stories to a ticket",
	Long: `Link one or more stories to a ticket.

Each story gets the ticket permalink as external link, a link comment and the
helpdesk label, as configured. Stories that fail are reported; the others
stay linked.`,
	Example: `  storylink link 1234,1235 --ticket 42 --permalink https://help.example.com/tickets/42`,
	Args:    cobra.MinimumNArgs(1),
	RunE:    runLink,
}

// unlinkCmd unlinks a story from a ticket
var unlinkCmd = &cobra.Command{
	Use:   "unlink <story-id>",
	Short: "Unlink a story from a ticket",
	Args:  cobra.ExactArgs(1),
	RunE:  runUnlink,
}

// linkedCmd refreshes and lists the linked stories of a ticket
var linkedCmd = &cobra.Command{
	Use:     "linked",
	Aliases: []string{"resync"},
	Short:   "Refresh and list the stories linked to a ticket",
	RunE:    runLinked,
}

// selectCmd toggles reply box selections
var selectCmd = &cobra.Command{
	Use:   "select <story-ids...>",
	Short: "Select stories to comment on when replying",
	Long: `Select (or with --clear deselect) linked stories in a reply box. Selected
stories receive the reply as comment when 'storylink reply' is used on the
same channel.`,
	Example: `  storylink select 1234 --ticket 42 --channel email
  storylink select 1234 --ticket 42 --channel note --clear`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSelect,
}

// selectionsCmd lists reply box selections
var selectionsCmd = &cobra.Command{
	Use:   "selections",
	Short: "List the reply box selections of a ticket",
	RunE:  runSelections,
}

// replyCmd comments a reply on the selected stories
var replyCmd = &cobra.Command{
	Use:   "reply <text>",
	Short: "Post a ticket reply as comment on the selected stories",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runReply,
}

var (
	linkTicket       ticketFlags
	unlinkTicket     ticketFlags
	linkedTicket     ticketFlags
	selectTicket     ticketFlags
	selectionsTicket ticketFlags
	replyTicket      ticketFlags
)

func init() {
	rootCmd.AddCommand(linkCmd, unlinkCmd, linkedCmd, selectCmd, selectionsCmd, replyCmd)

	addTicketFlags(linkCmd, &linkTicket)
	addTicketFlags(unlinkCmd, &unlinkTicket)
	addTicketFlags(linkedCmd, &linkedTicket)

	addTicketFlags(selectCmd, &selectTicket)
	selectCmd.Flags().StringP("channel", "c", string(selection.ChannelNote), "Reply box channel (note, email)")
	selectCmd.Flags().Bool("clear", false, "Deselect instead of select")

	addTicketFlags(selectionsCmd, &selectionsTicket)
	selectionsCmd.Flags().StringP("channel", "c", string(selection.ChannelNote), "Reply box channel (note, email)")

	addTicketFlags(replyCmd, &replyTicket)
	replyCmd.Flags().StringP("channel", "c", string(selection.ChannelNote), "Reply box channel (note, email)")
}

func channelFlag(cmd *cobra.Command) (selection.Channel, error) {
	v, _ := cmd.Flags().GetString("channel")
	return selection.ParseChannel(v)
}

func runLink(cmd *cobra.Command, args []string) error {
	ids, err := parseStoryIDs(args)
	if err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		w, err := a.mount(ctx, linkTicket)
		if err != nil {
			return err
		}
		linked, linkErr := w.Link(ctx, ids)

		if jsonOutput(cmd) {
			if err := printJSON(cmd.OutOrStdout(), linked); err != nil {
				return err
			}
			return linkErr
		}
		for _, md := range linked {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "🔗 Linked story %s %q to ticket %s\n", md.ID, md.Name, linkTicket.ID)
		}
		return linkErr
	})
}

func runUnlink(cmd *cobra.Command, args []string) error {
	ids, err := parseStoryIDs(args)
	if err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		w, err := a.mount(ctx, unlinkTicket)
		if err != nil {
			return err
		}
		if err := w.Unlink(ctx, ids[0]); err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), w.State().Linked.List)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✂️  Unlinked story %d from ticket %s\n", ids[0], unlinkTicket.ID)
		return nil
	})
}

func runLinked(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		// mounting resyncs the linked stories
		w, err := a.mount(ctx, linkedTicket)
		if err != nil {
			return err
		}
		list := w.State().Linked.List
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), list)
		}
		printStories(cmd.OutOrStdout(), list)
		return nil
	})
}

func runSelect(cmd *cobra.Command, args []string) error {
	ids, err := parseStoryIDs(args)
	if err != nil {
		return err
	}
	ch, err := channelFlag(cmd)
	if err != nil {
		return err
	}
	deselect, _ := cmd.Flags().GetBool("clear")

	items := make([]host.TargetActionItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, host.TargetActionItem{ID: id.String(), Selected: !deselect})
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		if !a.selections.Features().Enabled(ch) {
			return fmt.Errorf("commenting on %s replies is disabled", ch)
		}
		w, err := a.mount(ctx, selectTicket)
		if err != nil {
			return err
		}
		_, err = w.HandleTargetActionNow(ctx, selection.Action{
			Name:    a.selections.AdditionsAction(ch),
			Subject: selectTicket.ID,
			Payload: payload,
		})
		if err != nil {
			return err
		}
		return printSelections(ctx, cmd, a, selectTicket.ID, ch)
	})
}

func runSelections(cmd *cobra.Command, args []string) error {
	ch, err := channelFlag(cmd)
	if err != nil {
		return err
	}
	if selectionsTicket.ID == "" {
		return fmt.Errorf("--ticket is required")
	}
	return withApp(cmd, func(ctx context.Context, a *app) error {
		return printSelections(ctx, cmd, a, selectionsTicket.ID, ch)
	})
}

func printSelections(ctx context.Context, cmd *cobra.Command, a *app, ticketID string, ch selection.Channel) error {
	values, err := a.selections.List(ctx, ticketID, ch)
	if err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return printJSON(cmd.OutOrStdout(), values)
	}
	if len(values) == 0 {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "No %s selections for ticket %s.\n", ch, ticketID)
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "STORY\tSELECTED\n")
	for _, v := range values {
		_, _ = fmt.Fprintf(tw, "%s\t%t\n", v.ID, v.Selected)
	}
	return tw.Flush()
}

func runReply(cmd *cobra.Command, args []string) error {
	ch, err := channelFlag(cmd)
	if err != nil {
		return err
	}
	text := strings.Join(args, " ")
	payload, err := json.Marshal(map[string]string{string(ch): text})
	if err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		w, err := a.mount(ctx, replyTicket)
		if err != nil {
			return err
		}
		res, replyErr := w.HandleTargetActionNow(ctx, selection.Action{
			Name:    a.selections.SubmitAction(ch),
			Subject: replyTicket.ID,
			Payload: payload,
		})
		if res == nil {
			return replyErr
		}

		if jsonOutput(cmd) {
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			return replyErr
		}
		out := cmd.OutOrStdout()
		if len(res.Commented) == 0 && len(res.Failed) == 0 {
			_, _ = fmt.Fprintln(out, "No story selected, nothing commented.")
		}
		for _, id := range res.Commented {
			_, _ = fmt.Fprintf(out, "💬 Commented on story %d\n", id)
		}
		for id, msg := range res.Failed {
			_, _ = fmt.Fprintf(out, "❌ Story %d: %s\n", id, msg)
		}
		return replyErr
	})
}
