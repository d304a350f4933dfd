package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/chambrid/storylink/pkg/client"
	"github.com/chambrid/storylink/pkg/story"
)

// searchCmd searches the tracker
var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search stories",
	Long: `Search the tracker for stories matching a query.

A numeric query matches the story with that id. With --ticket the search runs
through the ticket's widget, exactly as the link page does.`,
	Example: `  # Search by text
  storylink search "login bug"

  # Search by story id as JSON
  storylink search 1234 -o json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

// viewCmd shows one story
var viewCmd = &cobra.Command{
	Use:   "view <story-id>",
	Short: "Show a story with its resolved references",
	Args:  cobra.ExactArgs(1),
	RunE:  runView,
}

// createCmd creates a story and links it to the ticket
var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a story and link it to a ticket",
	Long: `Create a story from the given fields and link it to the ticket.

The requester defaults to the workspace member whose email matches
--agent-email. The helpdesk label is added unless disabled in the
configuration.`,
	Example: `  storylink create --ticket 42 --agent-email alice@example.com \
    --name "Export fails" --type bug --workflow 500 --state 501 \
    --custom-field severity=sev-2`,
	RunE: runCreate,
}

// updateCmd edits a story
var updateCmd = &cobra.Command{
	Use:   "update <story-id>",
	Short: "Edit a story linked to a ticket",
	Long: `Edit a story. The form starts from the story's current values; only the
flags given on the command line change it.`,
	Example: `  storylink update 1234 --ticket 42 --state 502 --labels 7,8`,
	Args:    cobra.ExactArgs(1),
	RunE:    runUpdate,
}

// commentCmd comments on a story
var commentCmd = &cobra.Command{
	Use:   "comment <story-id> <text>",
	Short: "Add a comment to a story",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runComment,
}

// relateCmd adds story relations
var relateCmd = &cobra.Command{
	Use:   "relate <story-id> <other-ids...>",
	Short: "Relate a story to other stories",
	Long: fmt.Sprintf(`Relate a story to other stories.

Supported kinds: %s`, relationKindList()),
	Example: `  storylink relate 1234 1235,1236 --kind blocks --ticket 42`,
	Args:    cobra.MinimumNArgs(2),
	RunE:    runRelate,
}

// optionsCmd lists the story form choices
var optionsCmd = &cobra.Command{
	Use:   "options",
	Short: "List the choices of the story form",
	Long: `List the choices of the create and edit story form. Workflows cascade
from --team, states and projects from --workflow, epics from --project and
custom fields from --type.`,
	Example: `  storylink options --ticket 42 --type bug --team g-2 --workflow 2`,
	RunE:    runOptions,
}

var (
	optionsTicket ticketFlags
	searchTicket  ticketFlags
	viewTicket    ticketFlags
	createTicket  ticketFlags
	updateTicket  ticketFlags
	commentTicket ticketFlags
	relateTicket  ticketFlags
)

func init() {
	rootCmd.AddCommand(searchCmd, viewCmd, createCmd, updateCmd, commentCmd, relateCmd, optionsCmd)

	addTicketFlags(optionsCmd, &optionsTicket)
	optionsCmd.Flags().String("type", "", "Story type (bug, chore, feature)")
	optionsCmd.Flags().String("team", "", "Team id")
	optionsCmd.Flags().Int64("workflow", 0, "Workflow id")
	optionsCmd.Flags().Int64("project", 0, "Project id")

	addTicketFlags(searchCmd, &searchTicket)
	searchCmd.Flags().Int("limit", 0, "Maximum number of results (default from SEARCH_PAGE_SIZE)")

	addTicketFlags(viewCmd, &viewTicket)
	viewCmd.Flags().Bool("relations", false, "Also list the related stories")

	addTicketFlags(createCmd, &createTicket)
	addFormFlags(createCmd)

	addTicketFlags(updateCmd, &updateTicket)
	addFormFlags(updateCmd)

	addTicketFlags(commentCmd, &commentTicket)

	addTicketFlags(relateCmd, &relateTicket)
	relateCmd.Flags().StringP("kind", "k", string(story.RelatesTo), "Relation kind")
}

func relationKindList() string {
	kinds := make([]string, 0, len(story.RelationKinds))
	for _, k := range story.RelationKinds {
		kinds = append(kinds, string(k))
	}
	return strings.Join(kinds, ", ")
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	limit, _ := cmd.Flags().GetInt("limit")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		var found []*story.Resolved
		if searchTicket.ID != "" {
			w, err := a.mount(ctx, searchTicket)
			if err != nil {
				return err
			}
			if found, err = w.Search(ctx, query); err != nil {
				return err
			}
		} else {
			if limit <= 0 {
				limit = a.cfg.SearchPageSize
			}
			stories, err := a.client.SearchStories(ctx, query, limit)
			if err != nil {
				return err
			}
			set, err := a.resolver.Get(ctx)
			if err != nil {
				return err
			}
			found = story.ResolveAll(stories, set)
		}

		if limit > 0 && len(found) > limit {
			found = found[:limit]
		}
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), found)
		}
		printStories(cmd.OutOrStdout(), found)
		return nil
	})
}

func runView(cmd *cobra.Command, args []string) error {
	ids, err := parseStoryIDs(args)
	if err != nil {
		return err
	}
	withRelations, _ := cmd.Flags().GetBool("relations")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		s, err := a.client.GetStory(ctx, ids[0])
		if err != nil {
			return err
		}
		set, err := a.resolver.Get(ctx)
		if err != nil {
			return err
		}
		resolved := story.Resolve(s, set)

		var related []*story.Resolved
		if withRelations {
			w, err := a.mount(ctx, viewTicket)
			if err != nil {
				return err
			}
			if related, err = w.LoadRelations(ctx, ids[0]); err != nil {
				return err
			}
		}

		var snapshot *story.Metadata
		if viewTicket.ID != "" {
			md, ok, err := a.manager.Metadata(ctx, viewTicket.ID, ids[0])
			if err != nil {
				return err
			}
			if ok {
				snapshot = md
			}
		}

		out := cmd.OutOrStdout()
		if jsonOutput(cmd) {
			return printJSON(out, struct {
				Story     *story.Resolved   `json:"story"`
				Snapshot  *story.Metadata   `json:"snapshot,omitempty"`
				Relations []*story.Resolved `json:"relations,omitempty"`
			}{resolved, snapshot, related})
		}

		printStory(out, resolved)
		if viewTicket.ID != "" {
			if snapshot != nil {
				_, _ = fmt.Fprintf(out, "\n🔗 Linked to ticket %s (snapshot state: %s)\n", viewTicket.ID, snapshot.StatusName)
			} else {
				_, _ = fmt.Fprintf(out, "\nNot linked to ticket %s\n", viewTicket.ID)
			}
		}
		if withRelations {
			_, _ = fmt.Fprintln(out, "\nRelated stories:")
			printStories(out, related)
		}
		return nil
	})
}

func runCreate(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		w, err := a.mount(ctx, createTicket)
		if err != nil {
			return err
		}

		var form story.Form
		if err := applyFormFlags(cmd, &form); err != nil {
			return err
		}
		created, err := w.Create(ctx, form)
		if err != nil {
			return err
		}

		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), created)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✅ Created story %d and linked it to ticket %s\n\n", created.ID, createTicket.ID)
		printStory(cmd.OutOrStdout(), created)
		return nil
	})
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ids, err := parseStoryIDs(args)
	if err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		w, err := a.mount(ctx, updateTicket)
		if err != nil {
			return err
		}

		current, err := a.client.GetStory(ctx, ids[0])
		if err != nil {
			return err
		}
		set, err := w.Dependencies(ctx)
		if err != nil {
			return err
		}
		form := story.FormFromStory(current, set)
		if err := applyFormFlags(cmd, &form); err != nil {
			return err
		}

		updated, err := w.Update(ctx, ids[0], form)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), updated)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✅ Updated story %d\n\n", updated.ID)
		printStory(cmd.OutOrStdout(), updated)
		return nil
	})
}

func runComment(cmd *cobra.Command, args []string) error {
	ids, err := parseStoryIDs(args[:1])
	if err != nil {
		return err
	}
	text := strings.Join(args[1:], " ")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		var c *story.Comment
		if commentTicket.ID != "" {
			w, err := a.mount(ctx, commentTicket)
			if err != nil {
				return err
			}
			if c, err = w.AddComment(ctx, ids[0], text); err != nil {
				return err
			}
		} else if c, err = a.manager.AddComment(ctx, ids[0], text); err != nil {
			return err
		}

		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), c)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "💬 Added comment %d to story %d\n", c.ID, ids[0])
		return nil
	})
}

func runRelate(cmd *cobra.Command, args []string) error {
	ids, err := parseStoryIDs(args[:1])
	if err != nil {
		return err
	}
	others, err := parseStoryIDs(args[1:])
	if err != nil {
		return err
	}
	kindArg, _ := cmd.Flags().GetString("kind")
	kind, err := story.ParseRelationKind(kindArg)
	if err != nil {
		return fmt.Errorf("%w (supported: %s)", err, relationKindList())
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		var links []client.StoryLink
		var relErr error
		if relateTicket.ID != "" {
			w, err := a.mount(ctx, relateTicket)
			if err != nil {
				return err
			}
			links, relErr = w.AddRelations(ctx, ids[0], kind, others)
		} else {
			links, relErr = a.manager.AddRelations(ctx, ids[0], kind, others)
		}

		if jsonOutput(cmd) {
			if err := printJSON(cmd.OutOrStdout(), links); err != nil {
				return err
			}
			return relErr
		}
		for _, l := range links {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "🔗 %d %s %d\n", l.SubjectID, l.Verb, l.ObjectID)
		}
		return relErr
	})
}

func runOptions(cmd *cobra.Command, args []string) error {
	var form story.Form
	if err := applyFormFlags(cmd, &form); err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		w, err := a.mount(ctx, optionsTicket)
		if err != nil {
			return err
		}
		set, err := w.Dependencies(ctx)
		if err != nil {
			return err
		}
		opts := story.BuildFormOptions(set, form, w.Ticket().AgentEmail)
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), opts)
		}

		out := cmd.OutOrStdout()
		sections := []struct {
			title   string
			options []story.Option
		}{
			{"Types", opts.Types},
			{"Teams", opts.Teams},
			{"Workflows", opts.Workflows},
			{"States", opts.States},
			{"Projects", opts.Projects},
			{"Epics", opts.Epics},
			{"Iterations", opts.Iterations},
			{"Members", opts.Members},
			{"Labels", opts.Labels},
		}
		for _, f := range opts.CustomFields {
			sections = append(sections, struct {
				title   string
				options []story.Option
			}{f.Name + " (" + f.Key + ")", f.Options})
		}
		for _, sec := range sections {
			printOptions(out, sec.title, sec.options)
		}
		if opts.DefaultRequester != "" {
			_, _ = fmt.Fprintf(out, "Default requester: %s\n", opts.DefaultRequester)
		}
		return nil
	})
}

// addFormFlags registers the story form fields
func addFormFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("name", "", "Story name")
	f.String("description", "", "Story description (markdown)")
	f.String("type", "", "Story type (bug, chore, feature)")
	f.String("team", "", "Team id")
	f.Int64("workflow", 0, "Workflow id")
	f.Int64("state", 0, "Workflow state id")
	f.Int64("project", 0, "Project id")
	f.Int64("epic", 0, "Epic id")
	f.Int64("iteration", 0, "Iteration id")
	f.String("requester", "", "Requester member id")
	f.StringSlice("owners", nil, "Owner member ids")
	f.StringSlice("followers", nil, "Follower member ids")
	f.Int64Slice("labels", nil, "Label ids")
	f.StringToString("custom-field", nil, "Custom field values as name=value-id, e.g. severity=sev-2")
}

// applyFormFlags copies the flags set on the command line into form. Flags
// left unset keep the form's value.
func applyFormFlags(cmd *cobra.Command, form *story.Form) error {
	var applyErr error
	cmd.Flags().Visit(func(flag *pflag.Flag) {
		if applyErr != nil {
			return
		}
		applyErr = applyFormFlag(cmd.Flags(), flag.Name, form)
	})
	return applyErr
}

func applyFormFlag(flags *pflag.FlagSet, name string, form *story.Form) error {
	switch name {
	case "name":
		form.Name, _ = flags.GetString(name)
	case "description":
		form.Description, _ = flags.GetString(name)
	case "type":
		v, _ := flags.GetString(name)
		t, err := client.ParseStoryType(v)
		if err != nil {
			return err
		}
		form.Type = t
	case "team":
		v, _ := flags.GetString(name)
		form.Team = client.GroupID(v)
	case "workflow":
		v, _ := flags.GetInt64(name)
		form.Workflow = client.WorkflowID(v)
	case "state":
		v, _ := flags.GetInt64(name)
		form.State = client.StateID(v)
	case "project":
		v, _ := flags.GetInt64(name)
		form.Project = client.ProjectID(v)
	case "epic":
		v, _ := flags.GetInt64(name)
		form.Epic = client.EpicID(v)
	case "iteration":
		v, _ := flags.GetInt64(name)
		form.Iteration = client.IterationID(v)
	case "requester":
		v, _ := flags.GetString(name)
		form.Requester = client.MemberID(v)
	case "owners":
		v, _ := flags.GetStringSlice(name)
		form.Owners = memberIDs(v)
	case "followers":
		v, _ := flags.GetStringSlice(name)
		form.Followers = memberIDs(v)
	case "labels":
		v, _ := flags.GetInt64Slice(name)
		form.Labels = make([]client.LabelID, 0, len(v))
		for _, id := range v {
			form.Labels = append(form.Labels, client.LabelID(id))
		}
	case "custom-field":
		v, _ := flags.GetStringToString(name)
		if form.CustomFields == nil {
			form.CustomFields = make(map[string]string, len(v))
		}
		for field, value := range v {
			form.CustomFields[story.FormKey(client.CanonicalName(field))] = value
		}
	}
	return nil
}

func memberIDs(values []string) []client.MemberID {
	out := make([]client.MemberID, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, client.MemberID(v))
		}
	}
	return out
}
