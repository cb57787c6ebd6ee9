package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/deemkeen/agora/db"
	"github.com/deemkeen/agora/domain"
	"github.com/deemkeen/agora/notify"
	"github.com/google/uuid"
)

func init() {
	Register("Follow", func() Handler { return &FollowActivity{} })
	Register("Accept", func() Handler { return &AcceptActivity{} })
	Register("Reject", func() Handler { return &RejectActivity{} })
	Register("Undo", func() Handler { return &UndoActivity{} })
}

type FollowActivity struct {
	ActivityCommon
	Object ObjectRef `json:"object"`

	follower *domain.Actor
	target   *domain.Actor
}

func (a *FollowActivity) Verify(ctx context.Context, e *Engine, budget *FetchBudget) error {
	if err := verifyDomainsMatch(a.Actor, a.ID); err != nil {
		return err
	}
	target, err := e.resolveLocal(ctx, a.Object.ID, budget)
	if err != nil {
		return err
	}
	follower, err := e.directory.Resolve(ctx, a.Actor, budget)
	if err != nil {
		return err
	}
	a.target, a.follower = target, follower
	return nil
}

// Receive stores the request. With auto-accept enabled, or when the
// relationship was accepted before, the Accept goes out right away;
// otherwise the owner of the target is notified.
func (a *FollowActivity) Receive(ctx context.Context, e *Engine, _ *FetchBudget) error {
	stored, err := e.store.InsertFollow(ctx, &domain.Follow{
		FollowerId: a.follower.Id,
		TargetId:   a.target.Id,
		URI:        a.ID,
		State:      domain.FollowRequested,
	})
	if err != nil {
		return fmt.Errorf("store follow %s: %w", a.ID, err)
	}

	return e.requestFollow(ctx, stored, a.follower, a.target)
}

// requestFollow settles a stored follow of a local target: approved at once
// when the node auto-accepts, otherwise left for the target's owner.
func (e *Engine) requestFollow(ctx context.Context, stored *domain.Follow, follower, target *domain.Actor) error {
	if e.opts.AutoAcceptFollows || stored.Accepted() {
		return e.ApproveFollow(ctx, target, follower)
	}

	owner := target
	if target.IsCommunity() {
		owner = &domain.Actor{Id: target.OwnerId}
	}
	if owner.Id != uuid.Nil {
		e.publish(notify.OpFollowRequested, owner, stored)
	}
	return nil
}

// followResponse is the shared shape of Accept and Reject: the target of a
// Follow answering it, addressed to the follower, with the Follow embedded.
type followResponse struct {
	ActivityCommon
	Object ObjectRef `json:"object"`

	follower *domain.Actor
	target   *domain.Actor
	follow   *domain.Follow
}

func (a *followResponse) inner() (*FollowActivity, error) {
	if len(a.Object.Raw) == 0 {
		return nil, fmt.Errorf("%w: %s must embed the follow it answers", ErrMalformedActivity, a.Type)
	}
	var follow FollowActivity
	if err := json.Unmarshal(a.Object.Raw, &follow); err != nil {
		return nil, fmt.Errorf("%w: embedded follow: %v", ErrMalformedActivity, err)
	}
	if follow.Type != "Follow" {
		return nil, fmt.Errorf("%w: %s of %q", ErrMalformedActivity, a.Type, follow.Type)
	}
	if err := follow.validate(); err != nil {
		return nil, err
	}
	return &follow, nil
}

// verify checks that the response is addressed to the follower, comes from
// the followed actor, and answers a follow this node actually sent. missing
// is returned when no such follow exists.
func (a *followResponse) verify(ctx context.Context, e *Engine, budget *FetchBudget, missing error) error {
	if err := verifyDomainsMatch(a.Actor, a.ID); err != nil {
		return err
	}
	follow, err := a.inner()
	if err != nil {
		return err
	}
	if err := verifyURLsMatch(follow.Actor, a.To.Single()); err != nil {
		return fmt.Errorf("%s must be addressed to the follower: %w", a.Type, err)
	}
	if err := verifyURLsMatch(follow.Object.ID, a.Actor); err != nil {
		return fmt.Errorf("%s must come from the followed actor: %w", a.Type, err)
	}
	if len(follow.To) > 0 {
		if err := verifyURLsMatch(a.Actor, follow.To.Single()); err != nil {
			return fmt.Errorf("embedded follow must be addressed to %s: %w", a.Actor, err)
		}
	}

	follower, err := e.resolveLocal(ctx, follow.Actor, budget)
	if err != nil {
		return err
	}
	target, err := e.directory.Resolve(ctx, a.Actor, budget)
	if err != nil {
		return err
	}

	stored, err := e.store.ReadFollow(ctx, follower.Id, target.Id)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %s does not follow %s", missing, follower.ActorURI, target.ActorURI)
	}
	if err != nil {
		return err
	}
	if stored.URI != "" && follow.ID != stored.URI {
		return fmt.Errorf("%w: answers %s, expected %s", missing, follow.ID, stored.URI)
	}

	a.follower, a.target, a.follow = follower, target, stored
	return nil
}

type AcceptActivity struct {
	followResponse
}

func (a *AcceptActivity) Verify(ctx context.Context, e *Engine, budget *FetchBudget) error {
	return a.verify(ctx, e, budget, ErrUnsolicitedAccept)
}

func (a *AcceptActivity) Receive(ctx context.Context, e *Engine, _ *FetchBudget) error {
	if a.follow.Accepted() {
		return nil
	}
	err := e.store.AcceptFollow(ctx, a.follower.Id, a.target.Id)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: follow was withdrawn", ErrUnsolicitedAccept)
	}
	if err != nil {
		return err
	}
	a.follow.State = domain.FollowAccepted
	e.publish(notify.OpFollowAccepted, a.follower, a.follow)
	return nil
}

type RejectActivity struct {
	followResponse
}

func (a *RejectActivity) Verify(ctx context.Context, e *Engine, budget *FetchBudget) error {
	return a.verify(ctx, e, budget, ErrUnknownFollow)
}

// Receive drops the relationship whatever its state, so a community can
// also use Reject to remove an accepted follower.
func (a *RejectActivity) Receive(ctx context.Context, e *Engine, _ *FetchBudget) error {
	err := e.store.DeleteFollow(ctx, a.follower.Id, a.target.Id)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: follow was already removed", ErrUnknownFollow)
	}
	return err
}

// UndoActivity withdraws a Follow. Other undone types are not accepted.
type UndoActivity struct {
	ActivityCommon
	Object ObjectRef `json:"object"`

	follower *domain.Actor
	target   *domain.Actor
}

func (a *UndoActivity) Verify(ctx context.Context, e *Engine, budget *FetchBudget) error {
	if err := verifyDomainsMatch(a.Actor, a.ID); err != nil {
		return err
	}
	if len(a.Object.Raw) == 0 || a.Object.Type != "Follow" {
		return fmt.Errorf("%w: only an embedded Follow can be undone", ErrMalformedActivity)
	}
	var follow FollowActivity
	if err := json.Unmarshal(a.Object.Raw, &follow); err != nil {
		return fmt.Errorf("%w: embedded follow: %v", ErrMalformedActivity, err)
	}
	if err := verifyURLsMatch(a.Actor, follow.Actor); err != nil {
		return fmt.Errorf("only the follower can undo a follow: %w", err)
	}

	target, err := e.resolveLocal(ctx, follow.Object.ID, budget)
	if err != nil {
		return err
	}
	follower, err := e.directory.Resolve(ctx, a.Actor, budget)
	if err != nil {
		return err
	}
	a.follower, a.target = follower, target
	return nil
}

func (a *UndoActivity) Receive(ctx context.Context, e *Engine, _ *FetchBudget) error {
	err := e.store.DeleteFollow(ctx, a.follower.Id, a.target.Id)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}
	return nil
}

// SendFollow asks target to accept follower. A local target goes through the
// same approval as a remote follower would, without any delivery.
func (e *Engine) SendFollow(ctx context.Context, follower, target *domain.Actor) (*domain.Follow, error) {
	if !follower.Local {
		return nil, fmt.Errorf("%w: %s is not local", ErrInvalidActor, follower.ActorURI)
	}

	activity := &FollowActivity{
		ActivityCommon: newCommon(e.opts.LocalDomain, "Follow", follower.ActorURI, target.ActorURI),
		Object:         ObjectRef{ID: target.ActorURI},
	}
	stored, err := e.store.InsertFollow(ctx, &domain.Follow{
		FollowerId: follower.Id,
		TargetId:   target.Id,
		URI:        activity.ID,
		State:      domain.FollowRequested,
	})
	if err != nil {
		return nil, fmt.Errorf("store follow: %w", err)
	}

	if target.Local {
		if err := e.send(ctx, follower, activity, target.ActorURI, false, nil); err != nil {
			return nil, err
		}
		if err := e.requestFollow(ctx, stored, follower, target); err != nil {
			return nil, err
		}
		return e.store.ReadFollow(ctx, follower.Id, target.Id)
	}

	if err := e.send(ctx, follower, activity, target.ActorURI, false, []string{target.InboxURI}); err != nil {
		return stored, err
	}
	return stored, nil
}

// SendAccept answers follow on behalf of target. The Accept is addressed to
// the follower and embeds the Follow it accepts.
func (e *Engine) SendAccept(ctx context.Context, target, follower *domain.Actor, follow *FollowActivity) error {
	return e.sendFollowResponse(ctx, "Accept", target, follower, follow)
}

func (e *Engine) SendReject(ctx context.Context, target, follower *domain.Actor, follow *FollowActivity) error {
	return e.sendFollowResponse(ctx, "Reject", target, follower, follow)
}

func (e *Engine) sendFollowResponse(ctx context.Context, kind string, target, follower *domain.Actor, follow *FollowActivity) error {
	object, err := embed(follow)
	if err != nil {
		return err
	}
	response := followResponse{
		ActivityCommon: newCommon(e.opts.LocalDomain, kind, target.ActorURI, follower.ActorURI),
		Object:         object,
	}
	var inboxes []string
	if !follower.Local {
		inboxes = []string{follower.InboxURI}
	}
	if kind == "Accept" {
		return e.send(ctx, target, &AcceptActivity{response}, follow.ID, false, inboxes)
	}
	return e.send(ctx, target, &RejectActivity{response}, follow.ID, false, inboxes)
}

// ApproveFollow accepts a pending follow of target and tells the follower.
// The Accept is only delivered to a remote follower.
func (e *Engine) ApproveFollow(ctx context.Context, target, follower *domain.Actor) error {
	stored, err := e.store.ReadFollow(ctx, follower.Id, target.Id)
	if err != nil {
		return fmt.Errorf("read follow: %w", err)
	}
	if err := e.store.AcceptFollow(ctx, follower.Id, target.Id); err != nil {
		return err
	}
	stored.State = domain.FollowAccepted
	e.publish(notify.OpFollowAccepted, follower, stored)

	return e.SendAccept(ctx, target, follower, followFromRecord(stored, follower, target))
}

// DenyFollow removes a follow of target, pending or accepted, and sends a
// Reject to a remote follower.
func (e *Engine) DenyFollow(ctx context.Context, target, follower *domain.Actor) error {
	stored, err := e.store.ReadFollow(ctx, follower.Id, target.Id)
	if err != nil {
		return fmt.Errorf("read follow: %w", err)
	}
	if err := e.store.DeleteFollow(ctx, follower.Id, target.Id); err != nil {
		return err
	}
	if follower.Local {
		return nil
	}
	return e.SendReject(ctx, target, follower, followFromRecord(stored, follower, target))
}

// SendUndoFollow withdraws a follow made by a local actor.
func (e *Engine) SendUndoFollow(ctx context.Context, follower, target *domain.Actor) error {
	stored, err := e.store.ReadFollow(ctx, follower.Id, target.Id)
	if err != nil {
		return fmt.Errorf("read follow: %w", err)
	}
	if err := e.store.DeleteFollow(ctx, follower.Id, target.Id); err != nil {
		return err
	}
	if target.Local {
		return nil
	}

	object, err := embed(followFromRecord(stored, follower, target))
	if err != nil {
		return err
	}
	undo := &UndoActivity{
		ActivityCommon: newCommon(e.opts.LocalDomain, "Undo", follower.ActorURI, target.ActorURI),
		Object:         object,
	}
	return e.send(ctx, follower, undo, object.ID, false, []string{target.InboxURI})
}

// followFromRecord rebuilds the Follow activity a stored relationship was
// created from.
func followFromRecord(f *domain.Follow, follower, target *domain.Actor) *FollowActivity {
	return &FollowActivity{
		ActivityCommon: ActivityCommon{
			ID:    f.URI,
			Type:  "Follow",
			Actor: follower.ActorURI,
			To:    URIList{target.ActorURI},
		},
		Object: ObjectRef{ID: target.ActorURI},
	}
}

// embed turns v into an embedded object reference.
func embed(v any) (ObjectRef, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return ObjectRef{}, fmt.Errorf("embed object: %w", err)
	}
	var ref ObjectRef
	if err := ref.UnmarshalJSON(raw); err != nil {
		return ObjectRef{}, err
	}
	return ref, nil
}
