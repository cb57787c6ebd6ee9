package activitypub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/agora/db"
	"github.com/deemkeen/agora/domain"
	"github.com/deemkeen/agora/notify"
)

func init() {
	Register("Create", func() Handler { return &CreateOrUpdate{} })
	Register("Update", func() Handler { return &CreateOrUpdate{} })
	Register("Delete", func() Handler { return &DeleteActivity{} })
	Register("Like", func() Handler { return &LikeActivity{} })
}

// Verify accepts a Page posted into a community or a ChatMessage sent to a
// local person. The object must be attributed to the actor and live on the
// actor's node.
func (a *CreateOrUpdate) Verify(ctx context.Context, e *Engine, budget *FetchBudget) error {
	if err := verifyDomainsMatch(a.Actor, a.ID); err != nil {
		return err
	}
	if err := verifyURLsMatch(a.Actor, a.Object.AttributedTo); err != nil {
		return fmt.Errorf("object must be attributed to the actor: %w", err)
	}
	if err := verifyDomainsMatch(a.Actor, a.Object.ID); err != nil {
		return err
	}

	creator, err := e.directory.Resolve(ctx, a.Actor, budget)
	if err != nil {
		return err
	}

	switch a.Object.Type {
	case "Page":
		return a.verifyPage(ctx, e, budget, creator)
	case "ChatMessage":
		return a.verifyChatMessage(ctx, e, budget, creator)
	}
	return fmt.Errorf("%w: %s of %q", ErrMalformedActivity, a.Type, a.Object.Type)
}

// communityURI finds the community a page is posted to: its audience, or the
// first addressee that is neither the public collection nor the author.
func (a *CreateOrUpdate) communityURI() string {
	if a.Object.Audience != "" {
		return a.Object.Audience
	}
	for _, list := range []URIList{a.Object.To, a.Object.Cc, a.To, a.Cc} {
		for _, uri := range list {
			if uri != PublicCollection && uri != a.Actor {
				return uri
			}
		}
	}
	return ""
}

func (a *CreateOrUpdate) verifyPage(ctx context.Context, e *Engine, budget *FetchBudget, creator *domain.Actor) error {
	uri := a.communityURI()
	if uri == "" {
		return fmt.Errorf("%w: page %s names no community", ErrMalformedActivity, a.Object.ID)
	}
	community, err := e.directory.Resolve(ctx, uri, budget)
	if err != nil {
		return err
	}
	if !community.IsCommunity() {
		return fmt.Errorf("%w: %s is not a community", ErrInvalidActor, uri)
	}

	banned, err := e.store.IsBannedFromCommunity(ctx, community.Id, creator.Id)
	if err != nil {
		return err
	}
	if banned {
		return fmt.Errorf("%w: %s is banned from %s", ErrForbidden, creator.ActorURI, community.ActorURI)
	}

	existing, err := e.store.ReadPostByURI(ctx, a.Object.ID)
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return err
	case existing.CreatorId != creator.Id:
		return fmt.Errorf("%w: %s did not create %s", ErrForbidden, creator.ActorURI, a.Object.ID)
	case existing.CommunityId != community.Id:
		return fmt.Errorf("%w: post %s cannot move communities", ErrForbidden, a.Object.ID)
	}

	a.creator, a.community = creator, community
	return nil
}

func (a *CreateOrUpdate) verifyChatMessage(ctx context.Context, e *Engine, budget *FetchBudget, creator *domain.Actor) error {
	recipientURI := a.Object.To.Single()
	if recipientURI == "" {
		return fmt.Errorf("%w: private message must have exactly one recipient", ErrMalformedActivity)
	}
	recipient, err := e.resolveLocal(ctx, recipientURI, budget)
	if err != nil {
		return err
	}
	if recipient.IsCommunity() {
		return fmt.Errorf("%w: private message to community %s", ErrInvalidActor, recipientURI)
	}

	existing, err := e.store.ReadPrivateMessageByURI(ctx, a.Object.ID)
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return err
	case existing.CreatorId != creator.Id:
		return fmt.Errorf("%w: %s did not write %s", ErrForbidden, creator.ActorURI, a.Object.ID)
	}

	a.creator, a.recipient = creator, recipient
	return nil
}

func (a *CreateOrUpdate) Receive(ctx context.Context, e *Engine, _ *FetchBudget) error {
	published := time.Now().UTC()
	if a.Object.Published != nil {
		published = *a.Object.Published
	}

	if a.Object.Type == "ChatMessage" {
		stored, err := e.store.UpsertRemotePrivateMessage(ctx, &domain.PrivateMessage{
			ObjectURI:   a.Object.ID,
			CreatorId:   a.creator.Id,
			RecipientId: a.recipient.Id,
			Content:     a.Object.text(),
			Published:   published,
			Updated:     a.Object.Updated,
		})
		if err != nil {
			return fmt.Errorf("store private message %s: %w", a.Object.ID, err)
		}
		op := notify.OpCreatePrivateMessage
		if a.Type == "Update" {
			op = notify.OpEditPrivateMessage
		}
		e.publish(op, a.recipient, stored)
		return nil
	}

	stored, err := e.store.UpsertRemotePost(ctx, &domain.Post{
		ObjectURI:   a.Object.ID,
		CreatorId:   a.creator.Id,
		CommunityId: a.community.Id,
		Name:        a.Object.Name,
		Body:        a.Object.text(),
		URL:         a.Object.URL,
		Nsfw:        a.Object.Sensitive,
		Published:   published,
		Updated:     a.Object.Updated,
	})
	if err != nil {
		return fmt.Errorf("store post %s: %w", a.Object.ID, err)
	}
	op := notify.OpCreatePost
	if a.Type == "Update" {
		op = notify.OpEditPost
	}
	e.publish(op, nil, stored)
	return nil
}

// DeleteActivity removes a post or private message. Only the creator may
// delete; deleting something unknown is a no-op.
type DeleteActivity struct {
	ActivityCommon
	Object ObjectRef `json:"object"`

	post *domain.Post
	pm   *domain.PrivateMessage
}

func (a *DeleteActivity) Verify(ctx context.Context, e *Engine, budget *FetchBudget) error {
	if err := verifyDomainsMatch(a.Actor, a.ID); err != nil {
		return err
	}
	if err := verifyDomainsMatch(a.Actor, a.Object.ID); err != nil {
		return err
	}
	actor, err := e.directory.Resolve(ctx, a.Actor, budget)
	if err != nil {
		return err
	}

	post, err := e.store.ReadPostByURI(ctx, a.Object.ID)
	if err == nil {
		if post.CreatorId != actor.Id {
			return fmt.Errorf("%w: %s did not create %s", ErrForbidden, a.Actor, a.Object.ID)
		}
		a.post = post
		return nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return err
	}

	pm, err := e.store.ReadPrivateMessageByURI(ctx, a.Object.ID)
	if err == nil {
		if pm.CreatorId != actor.Id {
			return fmt.Errorf("%w: %s did not write %s", ErrForbidden, a.Actor, a.Object.ID)
		}
		a.pm = pm
		return nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return err
	}
	return nil
}

func (a *DeleteActivity) Receive(ctx context.Context, e *Engine, _ *FetchBudget) error {
	switch {
	case a.post != nil:
		if err := e.store.MarkPostDeleted(ctx, a.post.Id); err != nil {
			return err
		}
		a.post.Deleted = true
		a.post.BlankOutDeletedOrRemoved()
		e.publish(notify.OpDeletePost, nil, a.post)
	case a.pm != nil:
		if err := e.store.MarkPrivateMessageDeleted(ctx, a.pm.Id); err != nil {
			return err
		}
		recipient := &domain.Actor{Id: a.pm.RecipientId}
		a.pm.Deleted = true
		a.pm.BlankOutDeleted()
		e.publish(notify.OpDeletePrivateMessage, recipient, a.pm)
	}
	return nil
}

// LikeActivity is an upvote of a post stored on this node.
type LikeActivity struct {
	ActivityCommon
	Object ObjectRef `json:"object"`

	actor *domain.Actor
	post  *domain.Post
}

func (a *LikeActivity) Verify(ctx context.Context, e *Engine, budget *FetchBudget) error {
	if err := verifyDomainsMatch(a.Actor, a.ID); err != nil {
		return err
	}
	post, err := e.store.ReadPostByURI(ctx, a.Object.ID)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownObject, a.Object.ID)
	}
	if err != nil {
		return err
	}
	actor, err := e.directory.Resolve(ctx, a.Actor, budget)
	if err != nil {
		return err
	}
	a.actor, a.post = actor, post
	return nil
}

func (a *LikeActivity) Receive(ctx context.Context, e *Engine, _ *FetchBudget) error {
	_, err := e.store.CreateLike(ctx, &domain.Like{
		ActorId: a.actor.Id,
		PostId:  a.post.Id,
		URI:     a.ID,
	})
	return err
}
