package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chambrid/storylink/pkg/client"
	"github.com/chambrid/storylink/pkg/story"
)

// ticketFlags identify the ticket a command works on
type ticketFlags struct {
	ID         string
	Permalink  string
	AgentEmail string
}

func addTicketFlags(cmd *cobra.Command, t *ticketFlags) {
	cmd.Flags().StringVarP(&t.ID, "ticket", "t", "", "Helpdesk ticket id")
	cmd.Flags().StringVar(&t.Permalink, "permalink", "", "Ticket permalink added to the stories as external link")
	cmd.Flags().StringVar(&t.AgentEmail, "agent-email", "", "Email of the agent working the ticket")
}

// parseStoryIDs accepts ids as separate arguments or comma separated lists.
// Duplicates are dropped, order is kept.
func parseStoryIDs(args []string) ([]client.StoryID, error) {
	seen := make(map[client.StoryID]bool)
	var ids []client.StoryID
	for _, arg := range args {
		for _, part := range strings.Split(arg, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := client.ParseStoryID(part)
			if err != nil {
				return nil, fmt.Errorf("invalid story id %q: %w", part, err)
			}
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no story ids provided")
	}
	return ids, nil
}

func jsonOutput(cmd *cobra.Command) bool {
	format, _ := cmd.Flags().GetString("output")
	return format == "json"
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStories(w io.Writer, stories []*story.Resolved) {
	if len(stories) == 0 {
		_, _ = fmt.Fprintln(w, "No stories.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "ID\tNAME\tTYPE\tSTATE\tTEAM\tURL\n")
	for _, s := range stories {
		team := story.NoneLabel
		if s.Group != nil {
			team = s.Group.Name
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.Name, s.Type, s.StateName(), team, s.URL)
	}
	_ = tw.Flush()
}

func printStory(w io.Writer, s *story.Resolved) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(k, v string) { _, _ = fmt.Fprintf(tw, "%s:\t%s\n", k, v) }

	row("ID", s.ID.String())
	row("Name", s.Name)
	row("Type", string(s.Type))
	row("State", s.StateName())
	if s.Workflow != nil {
		row("Workflow", s.Workflow.Name)
	}
	if s.Group != nil {
		row("Team", s.Group.Name)
	}
	if s.Project != nil {
		row("Project", s.Project.Name)
	}
	if s.Epic != nil {
		row("Epic", s.Epic.Name)
	}
	if s.Iteration != nil {
		row("Iteration", s.Iteration.Name)
	}
	if s.Deadline != nil {
		row("Deadline", s.Deadline.Format("2006-01-02"))
	}
	if len(s.Owners) > 0 {
		names := make([]string, 0, len(s.Owners))
		for _, o := range s.Owners {
			names = append(names, o.Name)
		}
		row("Owners", strings.Join(names, ", "))
	}
	if len(s.Labels) > 0 {
		names := make([]string, 0, len(s.Labels))
		for _, l := range s.Labels {
			names = append(names, l.Name)
		}
		row("Labels", strings.Join(names, ", "))
	}
	for _, f := range s.DisplayFields {
		row(f.Label, f.Value)
	}
	row("URL", s.URL)
	if s.Archived {
		row("Archived", "yes")
	}
	_ = tw.Flush()

	if s.Description != "" {
		_, _ = fmt.Fprintf(w, "\n%s\n", story.StripMarkdownLinks(s.Description))
	}
	if len(s.ExternalLinks) > 0 {
		_, _ = fmt.Fprintln(w, "\nExternal links:")
		for _, l := range s.ExternalLinks {
			_, _ = fmt.Fprintf(w, "  %s\n", l)
		}
	}
	if len(s.Comments) > 0 {
		_, _ = fmt.Fprintf(w, "\nComments (%d):\n", len(s.Comments))
		for _, c := range s.Comments {
			_, _ = fmt.Fprintf(w, "  [%s] %s\n", c.CreatedAt.Format("2006-01-02 15:04"), c.Text)
		}
	}
}

func printOptions(w io.Writer, title string, options []story.Option) {
	_, _ = fmt.Fprintf(w, "%s:\n", title)
	if len(options) == 0 {
		_, _ = fmt.Fprintln(w, "  (none available)")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, o := range options {
		value := o.Value
		if o.IsNone() {
			value = "-"
		}
		_, _ = fmt.Fprintf(tw, "  %s\t%s\n", value, o.Label)
	}
	_ = tw.Flush()
}
