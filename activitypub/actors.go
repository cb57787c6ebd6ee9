package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/agora/db"
	"github.com/deemkeen/agora/domain"
	"github.com/deemkeen/agora/util"
	"golang.org/x/sync/singleflight"
)

var actorsLog = log.WithPrefix("actors")

const maxActorDocumentBytes = 1 << 20

// ActorDocument is the JSON representation of a person or community.
type ActorDocument struct {
	Context           any        `json:"@context,omitempty"`
	ID                string     `json:"id"`
	Type              string     `json:"type"`
	PreferredUsername string     `json:"preferredUsername"`
	Name              string     `json:"name,omitempty"`
	Summary           string     `json:"summary,omitempty"`
	Inbox             string     `json:"inbox"`
	Outbox            string     `json:"outbox,omitempty"`
	Followers         string     `json:"followers,omitempty"`
	Endpoints         *Endpoints `json:"endpoints,omitempty"`
	PublicKey         PublicKey  `json:"publicKey"`
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// NewActorDocument renders a stored actor for publication.
func NewActorDocument(a *domain.Actor) *ActorDocument {
	doc := &ActorDocument{
		Context:           []string{ContextActivityStreams, ContextSecurity},
		ID:                a.ActorURI,
		Type:              a.Kind.APType(),
		PreferredUsername: a.Username,
		Name:              a.DisplayName,
		Summary:           a.Summary,
		Inbox:             a.InboxURI,
		Outbox:            a.OutboxURI,
		Followers:         a.FollowersURI,
		PublicKey: PublicKey{
			ID:           a.KeyID(),
			Owner:        a.ActorURI,
			PublicKeyPem: a.PublicKeyPem,
		},
	}
	if a.SharedInboxURI != "" {
		doc.Endpoints = &Endpoints{SharedInbox: a.SharedInboxURI}
	}
	return doc
}

// Directory resolves actor URLs to stored actors. It is the only writer of
// remote actor rows.
type Directory struct {
	store       *db.DB
	client      *http.Client
	localDomain string
	ttl         time.Duration
	group       singleflight.Group
}

func NewDirectory(store *db.DB, client *http.Client, localDomain string, ttl time.Duration) *Directory {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Directory{
		store:       store,
		client:      client,
		localDomain: strings.ToLower(localDomain),
		ttl:         ttl,
	}
}

// Resolve returns the actor behind actorURI. Local actors and fresh cache
// entries are served from storage; anything else costs one unit of budget
// and is fetched, validated and upserted. Concurrent resolutions of the same
// URL share one fetch. When a refresh fails, a stale cached copy is returned
// rather than an error.
func (d *Directory) Resolve(ctx context.Context, actorURI string, budget *FetchBudget) (*domain.Actor, error) {
	if !isAbsoluteHTTP(actorURI) {
		return nil, fmt.Errorf("%w: %q is not an absolute URL", ErrInvalidActor, actorURI)
	}

	cached, err := d.store.ReadActorByURI(ctx, actorURI)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	if cached != nil && (cached.Local || time.Since(cached.LastFetchedAt) < d.ttl) {
		return cached, nil
	}

	if hostOf(actorURI) == d.localDomain {
		return nil, fmt.Errorf("%w: unknown local actor %s", ErrInvalidActor, actorURI)
	}

	if err := budget.Spend(); err != nil {
		if cached != nil {
			return cached, nil
		}
		return nil, fmt.Errorf("resolve %s: %w", actorURI, err)
	}

	v, err, shared := d.group.Do(actorURI, func() (any, error) {
		return d.fetchAndStore(ctx, actorURI)
	})
	if err != nil {
		if cached != nil && !errors.Is(err, ErrInvalidActor) {
			actorsLog.Warn("refresh failed, using cached actor", "actor", actorURI, "err", err)
			return cached, nil
		}
		return nil, err
	}
	if shared {
		actorsLog.Debug("shared actor fetch", "actor", actorURI)
	}
	return v.(*domain.Actor), nil
}

func (d *Directory) fetchAndStore(ctx context.Context, actorURI string) (*domain.Actor, error) {
	doc, err := d.fetch(ctx, actorURI)
	if err != nil {
		return nil, err
	}

	actor, err := actorFromDocument(actorURI, doc)
	if err != nil {
		return nil, err
	}

	stored, err := d.store.UpsertActor(ctx, actor)
	if err != nil {
		return nil, fmt.Errorf("store actor %s: %w", actorURI, err)
	}
	actorsLog.Debug("resolved remote actor", "actor", actorURI, "kind", stored.Kind)
	return stored, nil
}

func (d *Directory) fetch(ctx context.Context, actorURI string) (*ActorDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, actorURI, nil)
	if err != nil {
		return nil, &FetchError{URI: actorURI, Err: err}
	}
	req.Header.Set("Accept", ContentTypeActivity)
	req.Header.Set("User-Agent", util.UserAgent())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &FetchError{URI: actorURI, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URI: actorURI, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxActorDocumentBytes))
	if err != nil {
		return nil, &FetchError{URI: actorURI, Err: err}
	}

	var doc ActorDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &FetchError{URI: actorURI, Err: fmt.Errorf("parse actor: %w", err)}
	}
	return &doc, nil
}

// actorFromDocument validates a fetched actor document.
func actorFromDocument(actorURI string, doc *ActorDocument) (*domain.Actor, error) {
	if doc.ID != actorURI {
		return nil, fmt.Errorf("%w: document id %q does not match %s", ErrInvalidActor, doc.ID, actorURI)
	}
	kind, ok := domain.ActorKindFromAPType(doc.Type)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported actor type %q", ErrInvalidActor, doc.Type)
	}
	if doc.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("%w: %s has no public key", ErrInvalidActor, actorURI)
	}
	if doc.PublicKey.Owner != "" && doc.PublicKey.Owner != doc.ID {
		return nil, fmt.Errorf("%w: key of %s is owned by %s", ErrInvalidActor, actorURI, doc.PublicKey.Owner)
	}
	if _, err := ParsePublicKey(doc.PublicKey.PublicKeyPem); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidActor, err)
	}
	if !isAbsoluteHTTP(doc.Inbox) {
		return nil, fmt.Errorf("%w: %s has no inbox", ErrInvalidActor, actorURI)
	}

	username := doc.PreferredUsername
	if username == "" {
		username = lastPathSegment(doc.ID)
	}
	actor := &domain.Actor{
		ActorURI:      doc.ID,
		Kind:          kind,
		Username:      username,
		Domain:        hostOf(doc.ID),
		DisplayName:   doc.Name,
		Summary:       doc.Summary,
		InboxURI:      doc.Inbox,
		OutboxURI:     doc.Outbox,
		FollowersURI:  doc.Followers,
		PublicKeyPem:  doc.PublicKey.PublicKeyPem,
		LastFetchedAt: time.Now(),
	}
	if doc.Endpoints != nil && isAbsoluteHTTP(doc.Endpoints.SharedInbox) {
		actor.SharedInboxURI = doc.Endpoints.SharedInbox
	}
	return actor, nil
}

// lastPathSegment extracts the username from URLs such as
// https://example.com/u/alice or https://example.com/@alice.
func lastPathSegment(uri string) string {
	parts := strings.Split(strings.TrimRight(uri, "/"), "/")
	return strings.TrimPrefix(parts[len(parts)-1], "@")
}
