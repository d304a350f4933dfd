package story

import (
	"fmt"

	"github.com/chambrid/storylink/pkg/client"
)

// RelationKind is a relation as chosen from the point of view of a story
type RelationKind string

const (
	RelatesTo      RelationKind = "relatesTo"
	Blocks         RelationKind = "blocks"
	IsBlockedBy    RelationKind = "isBlockedBy"
	Duplicates     RelationKind = "duplicates"
	IsDuplicatedBy RelationKind = "isDuplicatedBy"
)

// RelationKinds lists the supported relation kinds
var RelationKinds = []RelationKind{RelatesTo, Blocks, IsBlockedBy, Duplicates, IsDuplicatedBy}

// ParseRelationKind validates a relation kind
func ParseRelationKind(s string) (RelationKind, error) {
	for _, k := range RelationKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown relation kind %q", s)
}

// LinkRequest builds the story-link request relating story to other
func LinkRequest(kind RelationKind, story, other client.StoryID) (client.CreateStoryLinkRequest, error) {
	switch kind {
	case RelatesTo:
		return client.CreateStoryLinkRequest{SubjectID: other, ObjectID: story, Verb: client.VerbRelatesTo}, nil
	case Blocks:
		return client.CreateStoryLinkRequest{SubjectID: story, ObjectID: other, Verb: client.VerbBlocks}, nil
	case IsBlockedBy:
		return client.CreateStoryLinkRequest{SubjectID: other, ObjectID: story, Verb: client.VerbBlocks}, nil
	case Duplicates:
		return client.CreateStoryLinkRequest{SubjectID: story, ObjectID: other, Verb: client.VerbDuplicates}, nil
	case IsDuplicatedBy:
		return client.CreateStoryLinkRequest{SubjectID: other, ObjectID: story, Verb: client.VerbDuplicates}, nil
	}
	return client.CreateStoryLinkRequest{}, fmt.Errorf("unknown relation kind %q", kind)
}

// RelatedStoryIDs collects the distinct story ids found on either end of the
// story links of stories, in first-seen order
func RelatedStoryIDs(stories []client.Story) []client.StoryID {
	seen := make(map[client.StoryID]struct{})
	out := []client.StoryID{}
	add := func(id client.StoryID) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, s := range stories {
		for _, l := range s.StoryLinks {
			add(l.ObjectID)
			add(l.SubjectID)
		}
	}
	return out
}

// AddComments appends each comment to the story it belongs to, rendering its
// text. Stories are modified in place and returned.
func AddComments(stories []*Resolved, comments []client.Comment) []*Resolved {
	byStory := make(map[client.StoryID][]client.Comment, len(comments))
	for _, c := range comments {
		byStory[c.StoryID] = append(byStory[c.StoryID], c)
	}
	for _, s := range stories {
		for _, c := range byStory[s.ID] {
			s.Comments = append(s.Comments, RenderComment(c))
		}
	}
	return stories
}

// LinkComment is the comment posted on a story when it is linked to a ticket
func LinkComment(ticketID, ticketURL string) string {
	return withURL("Linked to Deskpro ticket "+ticketID, ticketURL)
}

// UnlinkComment is the comment posted on a story when it is unlinked from a ticket
func UnlinkComment(ticketID, ticketURL string) string {
	return withURL("Unlinked from Deskpro ticket "+ticketID, ticketURL)
}

func withURL(text, url string) string {
	if url == "" {
		return text
	}
	return text + ", " + url
}
