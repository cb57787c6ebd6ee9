package activitypub

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/agora/db"
	"github.com/deemkeen/agora/domain"
	"github.com/deemkeen/agora/util"
	"golang.org/x/sync/errgroup"
)

var deliveryLog = log.WithPrefix("delivery")

// backoff is the wait before each retry, indexed by the number of failed
// attempts minus one. Later retries reuse the last entry.
var backoff = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
	4 * time.Hour,
	24 * time.Hour,
}

const deliveryBatchSize = 50

// Deliverer drains the delivery queue. Each queued item is one signed POST of
// an activity to one inbox; failures of one item never affect another.
type Deliverer struct {
	store       *db.DB
	client      *http.Client
	workers     int
	maxAttempts int
	interval    time.Duration
}

func NewDeliverer(store *db.DB, client *http.Client, workers, maxAttempts int, interval time.Duration) *Deliverer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if workers <= 0 {
		workers = 4
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Deliverer{
		store:       store,
		client:      client,
		workers:     workers,
		maxAttempts: maxAttempts,
		interval:    interval,
	}
}

// Start processes the queue every interval until ctx is cancelled.
func (d *Deliverer) Start(ctx context.Context) {
	deliveryLog.Info("starting delivery worker", "workers", d.workers, "interval", d.interval)
	ticker := time.NewTicker(d.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				deliveryLog.Info("delivery worker stopped")
				return
			case <-ticker.C:
				if err := d.ProcessQueue(ctx); err != nil {
					deliveryLog.Error("failed to process queue", "err", err)
				}
			}
		}
	}()
}

// ProcessQueue attempts every due item once. Only a failure to read the
// queue is returned; delivery failures are rescheduled.
func (d *Deliverer) ProcessQueue(ctx context.Context) error {
	items, err := d.store.ReadPendingDeliveries(ctx, deliveryBatchSize)
	if err != nil {
		return fmt.Errorf("read queue: %w", err)
	}
	if len(items) == 0 {
		return nil
	}
	deliveryLog.Debug("processing pending deliveries", "count", len(items))

	var g errgroup.Group
	g.SetLimit(d.workers)
	for i := range items {
		item := &items[i]
		g.Go(func() error {
			d.process(ctx, item)
			return nil
		})
	}
	return g.Wait()
}

func (d *Deliverer) process(ctx context.Context, item *domain.DeliveryQueueItem) {
	logger := deliveryLog.With("inbox", item.InboxURI, "attempt", item.Attempts+1)

	err := d.deliverItem(ctx, item)
	if err == nil {
		logger.Debug("delivered activity")
		if err := d.store.DeleteDelivery(ctx, item.Id); err != nil {
			logger.Error("could not remove delivered item", "err", err)
		}
		return
	}

	item.Attempts++
	if item.Attempts >= d.maxAttempts {
		logger.Warn("giving up on delivery", "err", err)
		if err := d.store.DeleteDelivery(ctx, item.Id); err != nil {
			logger.Error("could not remove abandoned item", "err", err)
		}
		return
	}

	wait := backoff[min(item.Attempts, len(backoff))-1]
	item.NextRetryAt = time.Now().Add(wait)
	logger.Warn("delivery failed, will retry", "in", wait, "err", err)
	if err := d.store.UpdateDeliveryAttempt(ctx, item.Id, item.Attempts, item.NextRetryAt); err != nil {
		logger.Error("could not reschedule item", "err", err)
	}
}

func (d *Deliverer) deliverItem(ctx context.Context, item *domain.DeliveryQueueItem) error {
	actor, err := d.store.ReadActorById(ctx, item.ActorId)
	if err != nil {
		return &DeliveryError{Inbox: item.InboxURI, Err: fmt.Errorf("read signing actor: %w", err)}
	}
	return d.Deliver(ctx, actor, item.InboxURI, []byte(item.ActivityJSON))
}

// Deliver POSTs body to inbox, signed with the key of the local actor.
func (d *Deliverer) Deliver(ctx context.Context, actor *domain.Actor, inbox string, body []byte) error {
	privateKey, err := ParsePrivateKey(actor.PrivateKeyPem)
	if err != nil {
		return &DeliveryError{Inbox: inbox, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Inbox: inbox, Err: err}
	}
	req.Header.Set("Content-Type", ContentTypeActivity)
	req.Header.Set("Accept", ContentTypeActivity)
	req.Header.Set("User-Agent", util.UserAgent())
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	if err := SignRequest(req, body, privateKey, actor.KeyID()); err != nil {
		return &DeliveryError{Inbox: inbox, Err: fmt.Errorf("sign request: %w", err)}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return &DeliveryError{Inbox: inbox, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DeliveryError{Inbox: inbox, StatusCode: resp.StatusCode}
	}
	return nil
}
