package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/agora/domain"
	"github.com/deemkeen/agora/util"
)

var outboxLog = log.WithPrefix("outbox")

type MutationKind int

const (
	MutationCreate MutationKind = iota
	MutationUpdate
)

func (k MutationKind) ActivityType() string {
	if k == MutationUpdate {
		return "Update"
	}
	return "Create"
}

// CreateOrUpdate wraps a post or private message. It is both the outbound
// envelope and the inbound handler for remote content.
type CreateOrUpdate struct {
	ActivityCommon
	Object ContentObject `json:"object"`

	creator   *domain.Actor
	community *domain.Actor
	recipient *domain.Actor
}

// BuildAndSend turns a local mutation into a signed Create or Update and
// queues it for every interested inbox: the followers of a post's community,
// or the recipient of a private message. The local mutation is never rolled
// back; a failure to queue one inbox does not stop the others.
func (e *Engine) BuildAndSend(ctx context.Context, kind MutationKind, actor *domain.Actor, content domain.Content) error {
	if !actor.Local {
		return fmt.Errorf("%w: %s is not local", ErrInvalidActor, actor.ActorURI)
	}

	var (
		activity  *CreateOrUpdate
		inboxes   []string
		sensitive bool
	)
	switch c := content.(type) {
	case *domain.Post:
		community, err := e.store.ReadActorById(ctx, c.CommunityId)
		if err != nil {
			return fmt.Errorf("read community of post %s: %w", c.Id, err)
		}
		activity = e.buildPostActivity(kind, actor, community, c)
		inboxes, err = e.communityInboxes(ctx, community)
		if err != nil {
			return err
		}
	case *domain.PrivateMessage:
		recipient, err := e.store.ReadActorById(ctx, c.RecipientId)
		if err != nil {
			return fmt.Errorf("read recipient of message %s: %w", c.Id, err)
		}
		activity = e.buildPrivateMessageActivity(kind, actor, recipient, c)
		if !recipient.Local {
			inboxes = []string{recipient.InboxURI}
		}
		sensitive = true
	default:
		return fmt.Errorf("unsupported content %T", content)
	}

	return e.send(ctx, actor, activity, activity.Object.ID, sensitive, inboxes)
}

func (e *Engine) buildPostActivity(kind MutationKind, actor, community *domain.Actor, p *domain.Post) *CreateOrUpdate {
	activity := &CreateOrUpdate{
		ActivityCommon: newCommon(e.opts.LocalDomain, kind.ActivityType(), actor.ActorURI, community.ActorURI),
		Object:         PageObject(actor, community, p),
	}
	activity.Cc = URIList{PublicCollection}
	return activity
}

// PageObject renders a post as a Page addressed to its community.
func PageObject(creator, community *domain.Actor, p *domain.Post) ContentObject {
	published := p.Published
	page := ContentObject{
		ID:           p.ObjectURI,
		Type:         "Page",
		AttributedTo: creator.ActorURI,
		To:           URIList{community.ActorURI, PublicCollection},
		Audience:     community.ActorURI,
		Name:         p.Name,
		Content:      util.MarkdownLinksToHTML(p.Body),
		MediaType:    "text/html",
		URL:          p.URL,
		Sensitive:    p.Nsfw,
		Published:    &published,
		Updated:      p.Updated,
	}
	if p.Body != "" {
		page.Source = &Source{Content: p.Body, MediaType: "text/markdown"}
	}
	return page
}

func (e *Engine) buildPrivateMessageActivity(kind MutationKind, actor, recipient *domain.Actor, pm *domain.PrivateMessage) *CreateOrUpdate {
	published := pm.Published
	return &CreateOrUpdate{
		ActivityCommon: newCommon(e.opts.LocalDomain, kind.ActivityType(), actor.ActorURI, recipient.ActorURI),
		Object: ContentObject{
			ID:           pm.ObjectURI,
			Type:         "ChatMessage",
			AttributedTo: actor.ActorURI,
			To:           URIList{recipient.ActorURI},
			Content:      pm.Content,
			MediaType:    "text/html",
			Published:    &published,
			Updated:      pm.Updated,
		},
	}
}

// communityInboxes collects the delivery targets of a community's posts: the
// community itself when it lives elsewhere, and every remote follower.
// Followers sharing a node are delivered to once through the shared inbox.
func (e *Engine) communityInboxes(ctx context.Context, community *domain.Actor) ([]string, error) {
	var inboxes []string
	seen := map[string]bool{}
	add := func(inbox string) {
		if inbox != "" && !seen[inbox] {
			seen[inbox] = true
			inboxes = append(inboxes, inbox)
		}
	}

	if !community.Local {
		add(community.DeliveryInbox())
	}
	followers, err := e.store.ReadFollowers(ctx, community.Id, domain.FollowAccepted)
	if err != nil {
		return nil, fmt.Errorf("read followers of %s: %w", community.ActorURI, err)
	}
	for _, f := range followers {
		if !f.Local {
			add(f.DeliveryInbox())
		}
	}
	return inboxes, nil
}

// send logs an activity built by this node and queues one signed delivery per
// inbox. Every inbox is attempted; the failures are joined.
func (e *Engine) send(ctx context.Context, actor *domain.Actor, activity Handler, objectURI string, sensitive bool, inboxes []string) error {
	c := activity.Common()
	payload, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", c.Type, err)
	}

	if _, err := e.store.RecordActivityIfNew(ctx, &domain.Activity{
		ActivityURI:  c.ID,
		ActivityType: c.Type,
		ActorURI:     c.Actor,
		ObjectURI:    objectURI,
		RawJSON:      string(payload),
		Local:        true,
		Sensitive:    sensitive,
	}); err != nil {
		return fmt.Errorf("log %s: %w", c.Type, err)
	}

	var errs []error
	for _, inbox := range inboxes {
		item := &domain.DeliveryQueueItem{
			InboxURI:     inbox,
			ActorId:      actor.Id,
			ActivityJSON: string(payload),
			NextRetryAt:  time.Now(),
		}
		if err := e.store.EnqueueDelivery(ctx, item); err != nil {
			errs = append(errs, &DeliveryError{Inbox: inbox, Err: err})
			continue
		}
	}
	outboxLog.Info("queued activity", "id", c.ID, "type", c.Type, "inboxes", len(inboxes), "failed", len(errs))
	return errors.Join(errs...)
}
