package activitypub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/agora/db"
	"github.com/deemkeen/agora/domain"
	"github.com/deemkeen/agora/notify"
	"github.com/deemkeen/agora/util"
)

var inboxLog = log.WithPrefix("inbox")

// Publisher receives live notifications produced by received activities.
type Publisher interface {
	Publish(msg notify.Message)
}

type nopPublisher struct{}

func (nopPublisher) Publish(notify.Message) {}

type Options struct {
	LocalDomain         string
	FetchBudget         int
	ActorCacheTTL       time.Duration
	AutoAcceptFollows   bool
	DeliveryWorkers     int
	DeliveryInterval    time.Duration
	MaxDeliveryAttempts int
	HTTPClient          *http.Client
}

func OptionsFromConfig(conf *util.AppConfig) Options {
	return Options{
		LocalDomain:         conf.Conf.SslDomain,
		FetchBudget:         conf.Conf.FetchBudget,
		ActorCacheTTL:       conf.Conf.ActorCacheTTL,
		AutoAcceptFollows:   conf.Conf.AutoAcceptFollows,
		DeliveryWorkers:     conf.Conf.DeliveryWorkers,
		DeliveryInterval:    conf.Conf.DeliveryInterval,
		MaxDeliveryAttempts: conf.Conf.MaxDeliveryAttempts,
	}
}

// Engine is the federation core: it receives inbound activities and builds
// and queues outbound ones.
type Engine struct {
	store     *db.DB
	directory *Directory
	delivery  *Deliverer
	hub       Publisher
	opts      Options
}

func NewEngine(store *db.DB, hub Publisher, opts Options) *Engine {
	if hub == nil {
		hub = nopPublisher{}
	}
	if opts.FetchBudget <= 0 {
		opts.FetchBudget = 25
	}
	if opts.ActorCacheTTL <= 0 {
		opts.ActorCacheTTL = 24 * time.Hour
	}
	opts.LocalDomain = strings.TrimSuffix(strings.ToLower(opts.LocalDomain), ".")
	return &Engine{
		store:     store,
		directory: NewDirectory(store, opts.HTTPClient, opts.LocalDomain, opts.ActorCacheTTL),
		delivery:  NewDeliverer(store, opts.HTTPClient, opts.DeliveryWorkers, opts.MaxDeliveryAttempts, opts.DeliveryInterval),
		hub:       hub,
		opts:      opts,
	}
}

func (e *Engine) Directory() *Directory { return e.directory }
func (e *Engine) Delivery() *Deliverer  { return e.delivery }
func (e *Engine) Store() *db.DB         { return e.store }
func (e *Engine) LocalDomain() string   { return e.opts.LocalDomain }

// NewBudget returns a fresh fetch budget for one pipeline.
func (e *Engine) NewBudget() *FetchBudget {
	return NewFetchBudget(e.opts.FetchBudget)
}

// IsLocal reports whether uri belongs to this node.
func (e *Engine) IsLocal(uri string) bool {
	return hostOf(uri) == e.opts.LocalDomain
}

// ReceiveActivity runs the inbound pipeline for one signed request:
// parse, resolve the actor, verify the signature, skip known activities,
// reject local origins, verify the activity, record it, then apply it.
// A duplicate is a successful no-op.
func (e *Engine) ReceiveActivity(ctx context.Context, r *http.Request, body []byte) error {
	h, err := ParseActivity(body)
	if err != nil {
		inboxLog.Warn("rejected malformed activity", "err", err)
		return err
	}
	c := h.Common()
	logger := inboxLog.With("id", c.ID, "type", c.Type, "actor", c.Actor)
	budget := e.NewBudget()

	actor, err := e.directory.Resolve(ctx, c.Actor, budget)
	if err != nil {
		logger.Warn("could not resolve actor", "err", err)
		return e.rejectLocalOrigin(c, err)
	}

	if err := VerifyRequest(r, body, actor.PublicKeyPem); err != nil {
		logger.Warn("signature verification failed", "security", true, "err", err)
		return e.rejectLocalOrigin(c, err)
	}

	known, err := e.store.ActivityKnown(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("check activity %s: %w", c.ID, err)
	}
	if known {
		logger.Debug("activity already known")
		return nil
	}

	if e.IsLocal(c.ID) {
		logger.Warn("rejected activity with local id", "security", true)
		return fmt.Errorf("%w: %s", ErrLocalOrigin, c.ID)
	}

	logger.Debug("verifying activity")
	if err := h.Verify(ctx, e, budget); err != nil {
		logger.Warn("activity failed verification", "err", err)
		return err
	}

	isNew, err := e.store.RecordActivityIfNew(ctx, &domain.Activity{
		ActivityURI:  c.ID,
		ActivityType: c.Type,
		ActorURI:     c.Actor,
		ObjectURI:    objectURIOf(body),
		RawJSON:      string(body),
	})
	if err != nil {
		return fmt.Errorf("record activity %s: %w", c.ID, err)
	}
	if !isNew {
		logger.Debug("lost race to record activity")
		return nil
	}

	logger.Debug("receiving activity")
	if err := h.Receive(ctx, e, budget); err != nil {
		logger.Error("activity receive failed", "err", err)
		if ferr := e.store.ForgetActivity(ctx, c.ID); ferr != nil {
			logger.Error("could not forget failed activity", "err", ferr)
		}
		return err
	}

	logger.Info("activity received", "fetches", budget.Used())
	return nil
}

// rejectLocalOrigin marks failures of activities carrying a local id, so they
// are classified as local-origin no matter which step caught them.
func (e *Engine) rejectLocalOrigin(c *ActivityCommon, err error) error {
	if e.IsLocal(c.ID) {
		return errors.Join(fmt.Errorf("%w: %s", ErrLocalOrigin, c.ID), err)
	}
	return err
}

// resolveLocal resolves uri and requires the result to be an actor of this
// node.
func (e *Engine) resolveLocal(ctx context.Context, uri string, budget *FetchBudget) (*domain.Actor, error) {
	if !e.IsLocal(uri) {
		return nil, fmt.Errorf("%w: %s is not a local actor", ErrURLMismatch, uri)
	}
	return e.directory.Resolve(ctx, uri, budget)
}

func (e *Engine) publish(op notify.Op, recipient *domain.Actor, payload any) {
	msg := notify.Message{Op: op, Payload: payload}
	if recipient != nil {
		msg.Recipient = recipient.Id
	}
	e.hub.Publish(msg)
}
