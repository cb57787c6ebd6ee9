// Package crud holds the local mutation flows that feed the federation
// engine: edits made by local users and follow management.
package crud

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/agora/activitypub"
	"github.com/deemkeen/agora/db"
	"github.com/deemkeen/agora/domain"
	"github.com/deemkeen/agora/notify"
	"github.com/deemkeen/agora/util"
	"github.com/google/uuid"
)

var logger = log.WithPrefix("crud")

// API error codes. The message doubles as the code returned to clients.
var (
	ErrNotLoggedIn                 = errors.New("not_logged_in")
	ErrInvalidPostTitle            = errors.New("invalid_post_title")
	ErrPostTitleTooLong            = errors.New("post_title_too_long")
	ErrSlurs                       = errors.New("slurs")
	ErrCouldntFindPost             = errors.New("couldnt_find_post")
	ErrCouldntFindPrivateMessage   = errors.New("couldnt_find_private_message")
	ErrCouldntFindCommunity        = errors.New("couldnt_find_community")
	ErrBannedFromCommunity         = errors.New("banned_from_community")
	ErrNotPostCreator              = errors.New("no_post_edit_allowed")
	ErrNotPrivateMessageCreator    = errors.New("no_private_message_edit_allowed")
	ErrNotCommunityOwner           = errors.New("not_a_moderator")
	ErrCouldntUpdatePost           = errors.New("couldnt_update_post")
	ErrCouldntUpdatePrivateMessage = errors.New("couldnt_update_private_message")
	ErrCommunityFollowerError      = errors.New("community_follower_already_exists")
)

const maxPostTitleLength = 200

type Service struct {
	engine *activitypub.Engine
	store  *db.DB
	hub    activitypub.Publisher
	slurs  *util.SlurFilter
}

func NewService(engine *activitypub.Engine, hub activitypub.Publisher, slurs *util.SlurFilter) *Service {
	return &Service{
		engine: engine,
		store:  engine.Store(),
		hub:    hub,
		slurs:  slurs,
	}
}

// EditPost changes a post. Nil fields keep their stored value.
type EditPost struct {
	PostId uuid.UUID `json:"post_id"`
	Name   *string   `json:"name"`
	Body   *string   `json:"body"`
	URL    *string   `json:"url"`
	Nsfw   *bool     `json:"nsfw"`
	Auth   string    `json:"auth"`
}

type EditPrivateMessage struct {
	PrivateMessageId uuid.UUID `json:"private_message_id"`
	Content          string    `json:"content"`
	Auth             string    `json:"auth"`
}

// FollowCommunity follows or unfollows a community, addressed by its actor
// URI.
type FollowCommunity struct {
	CommunityURI string `json:"community_id"`
	Follow       bool   `json:"follow"`
	Auth         string `json:"auth"`
}

// DecideFollower approves or rejects a pending follower of a community the
// caller owns.
type DecideFollower struct {
	CommunityId uuid.UUID `json:"community_id"`
	FollowerId  uuid.UUID `json:"follower_id"`
	Approve     bool      `json:"approve"`
	Auth        string    `json:"auth"`
}

// FollowResponse describes the relationship after a follow change. State is
// empty once unfollowed.
type FollowResponse struct {
	CommunityId  uuid.UUID          `json:"community_id"`
	CommunityURI string             `json:"community_actor_id"`
	State        domain.FollowState `json:"state,omitempty"`
}

// Authenticate resolves an API token to a local person.
func (s *Service) Authenticate(ctx context.Context, token string) (*domain.Actor, error) {
	if token == "" {
		return nil, ErrNotLoggedIn
	}
	user, err := s.store.ReadActorByTokenHash(ctx, util.TokenHash(token))
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotLoggedIn
	}
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	return user, nil
}

func validatePostTitle(name string) error {
	if utf8.RuneCountInString(name) > maxPostTitleLength {
		return ErrPostTitleTooLong
	}
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, "\r\n") {
		return ErrInvalidPostTitle
	}
	return nil
}

func (s *Service) checkSlurs(text *string) error {
	if text == nil {
		return nil
	}
	if slur := s.slurs.Check(*text); slur != "" {
		return fmt.Errorf("%w: %s", ErrSlurs, slur)
	}
	return nil
}

// EditPost applies an edit by the post's creator, federates an Update and
// notifies live clients.
func (s *Service) EditPost(ctx context.Context, form EditPost) (*domain.Post, error) {
	user, err := s.Authenticate(ctx, form.Auth)
	if err != nil {
		return nil, err
	}

	if err := s.checkSlurs(form.Name); err != nil {
		return nil, err
	}
	if err := s.checkSlurs(form.Body); err != nil {
		return nil, err
	}
	if form.Name != nil {
		if err := validatePostTitle(*form.Name); err != nil {
			return nil, err
		}
	}

	orig, err := s.store.ReadPostById(ctx, form.PostId)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrCouldntFindPost
	}
	if err != nil {
		return nil, fmt.Errorf("read post: %w", err)
	}

	banned, err := s.store.IsBannedFromCommunity(ctx, orig.CommunityId, user.Id)
	if err != nil {
		return nil, fmt.Errorf("check ban: %w", err)
	}
	if banned {
		return nil, ErrBannedFromCommunity
	}
	if orig.CreatorId != user.Id {
		return nil, ErrNotPostCreator
	}

	updated := time.Now().UTC()
	edit := *orig
	edit.Updated = &updated
	if form.Name != nil {
		edit.Name = *form.Name
	}
	if form.Body != nil {
		edit.Body = *form.Body
	}
	if form.URL != nil {
		edit.URL = util.CleanURLParams(*form.URL)
	}
	if form.Nsfw != nil {
		edit.Nsfw = *form.Nsfw
	}

	if err := s.store.UpdatePost(ctx, &edit); err != nil {
		logger.Error("update post failed", "post", edit.Id, "err", err)
		return nil, fmt.Errorf("%w: %w", ErrCouldntUpdatePost, err)
	}

	if err := s.sendUpdate(ctx, user, &edit); err != nil {
		return nil, err
	}

	view, err := s.store.ReadPostById(ctx, edit.Id)
	if err != nil {
		return nil, fmt.Errorf("read post: %w", err)
	}
	view.BlankOutDeletedOrRemoved()

	s.hub.Publish(notify.Message{Op: notify.OpEditPost, Payload: view})
	logger.Info("post edited", "post", view.ObjectURI, "user", user.Username)
	return view, nil
}

// sendUpdate federates an edit that is already stored. Inboxes that could not
// be queued are logged; the edit itself stands.
func (s *Service) sendUpdate(ctx context.Context, user *domain.Actor, content domain.Content) error {
	err := s.engine.BuildAndSend(ctx, activitypub.MutationUpdate, user, content)
	var deliveryErr *activitypub.DeliveryError
	if errors.As(err, &deliveryErr) {
		logger.Warn("update not queued for every inbox", "object", content.ObjectID(), "err", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("send update: %w", err)
	}
	return nil
}

// EditPrivateMessage replaces the content of a message written by the caller.
// A local recipient is notified in their own room only.
func (s *Service) EditPrivateMessage(ctx context.Context, form EditPrivateMessage) (*domain.PrivateMessage, error) {
	user, err := s.Authenticate(ctx, form.Auth)
	if err != nil {
		return nil, err
	}

	orig, err := s.store.ReadPrivateMessageById(ctx, form.PrivateMessageId)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrCouldntFindPrivateMessage
	}
	if err != nil {
		return nil, fmt.Errorf("read private message: %w", err)
	}
	if orig.CreatorId != user.Id {
		return nil, ErrNotPrivateMessageCreator
	}

	content := s.slurs.Remove(util.NormalizeInput(form.Content))
	updated := time.Now().UTC()
	if err := s.store.UpdatePrivateMessageContent(ctx, orig.Id, content, updated); err != nil {
		logger.Error("update private message failed", "message", orig.Id, "err", err)
		return nil, fmt.Errorf("%w: %w", ErrCouldntUpdatePrivateMessage, err)
	}

	edit := *orig
	edit.Content = content
	edit.Updated = &updated
	if err := s.sendUpdate(ctx, user, &edit); err != nil {
		return nil, err
	}

	view, err := s.store.ReadPrivateMessageById(ctx, orig.Id)
	if err != nil {
		return nil, fmt.Errorf("read private message: %w", err)
	}
	view.BlankOutDeleted()

	recipient, err := s.store.ReadActorById(ctx, orig.RecipientId)
	if err != nil {
		return nil, fmt.Errorf("read recipient: %w", err)
	}
	if recipient.Local {
		s.hub.Publish(notify.Message{Op: notify.OpEditPrivateMessage, Recipient: recipient.Id, Payload: view})
	}
	return view, nil
}

// FollowCommunity starts or withdraws a follow of a community, fetching it
// first when it is not known yet.
func (s *Service) FollowCommunity(ctx context.Context, form FollowCommunity) (*FollowResponse, error) {
	user, err := s.Authenticate(ctx, form.Auth)
	if err != nil {
		return nil, err
	}

	community, err := s.engine.Directory().Resolve(ctx, form.CommunityURI, s.engine.NewBudget())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCouldntFindCommunity, err)
	}
	if !community.IsCommunity() {
		return nil, ErrCouldntFindCommunity
	}

	if !form.Follow {
		if err := s.engine.SendUndoFollow(ctx, user, community); err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("unfollow: %w", err)
		}
		return &FollowResponse{CommunityId: community.Id, CommunityURI: community.ActorURI}, nil
	}

	follow, err := s.engine.SendFollow(ctx, user, community)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCommunityFollowerError, err)
	}
	logger.Info("follow requested", "user", user.Username, "community", community.ActorURI, "state", follow.State)
	return &FollowResponse{CommunityId: community.Id, CommunityURI: community.ActorURI, State: follow.State}, nil
}

// DecideFollower lets the owner of a local community answer a follow request.
func (s *Service) DecideFollower(ctx context.Context, form DecideFollower) error {
	user, err := s.Authenticate(ctx, form.Auth)
	if err != nil {
		return err
	}
	community, err := s.store.ReadActorById(ctx, form.CommunityId)
	if errors.Is(err, db.ErrNotFound) {
		return ErrCouldntFindCommunity
	}
	if err != nil {
		return fmt.Errorf("read community: %w", err)
	}
	if !community.Local || !community.IsCommunity() {
		return ErrCouldntFindCommunity
	}
	if community.OwnerId != user.Id {
		return ErrNotCommunityOwner
	}
	follower, err := s.store.ReadActorById(ctx, form.FollowerId)
	if err != nil {
		return fmt.Errorf("read follower: %w", err)
	}

	if form.Approve {
		return s.engine.ApproveFollow(ctx, community, follower)
	}
	return s.engine.DenyFollow(ctx, community, follower)
}

// ApproveFollower and RejectFollower are the two answers of DecideFollower.
func (s *Service) ApproveFollower(ctx context.Context, auth string, communityId, followerId uuid.UUID) error {
	return s.DecideFollower(ctx, DecideFollower{CommunityId: communityId, FollowerId: followerId, Approve: true, Auth: auth})
}

func (s *Service) RejectFollower(ctx context.Context, auth string, communityId, followerId uuid.UUID) error {
	return s.DecideFollower(ctx, DecideFollower{CommunityId: communityId, FollowerId: followerId, Auth: auth})
}
