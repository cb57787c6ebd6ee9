package db

import (
	"context"
	"database/sql"

	"github.com/deemkeen/agora/domain"
	"github.com/google/uuid"
)

const activityColumns = `id, activity_uri, activity_type, actor_uri, object_uri, raw_json, local, sensitive, created_at`

const (
	// The insert is the check: a second writer of the same URI affects no rows.
	sqlInsertActivityIfNew = `INSERT INTO activities(` + activityColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(activity_uri) DO NOTHING`

	sqlActivityKnown       = `SELECT EXISTS(SELECT 1 FROM activities WHERE activity_uri = ? AND local = 0)`
	sqlDeleteActivityByURI = `DELETE FROM activities WHERE activity_uri = ? AND local = 0`
	sqlSelectActivityByURI = `SELECT ` + activityColumns + ` FROM activities WHERE activity_uri = ?`
)

func scanActivity(row scanner) (*domain.Activity, error) {
	var a domain.Activity
	err := row.Scan(
		&a.Id,
		&a.ActivityURI,
		&a.ActivityType,
		&a.ActorURI,
		&a.ObjectURI,
		&a.RawJSON,
		&a.Local,
		&a.Sensitive,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// RecordActivityIfNew is the deduplication ledger. It stores the activity and
// reports true the first time an activity URI is seen, and false on every
// later call, including calls racing with the first one.
func (db *DB) RecordActivityIfNew(ctx context.Context, a *domain.Activity) (bool, error) {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now()
	}
	var inserted bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertActivityIfNew,
			a.Id,
			a.ActivityURI,
			a.ActivityType,
			a.ActorURI,
			a.ObjectURI,
			a.RawJSON,
			a.Local,
			a.Sensitive,
			a.CreatedAt.UTC(),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// ActivityKnown reports whether an inbound activity with this URI has been
// recorded. Activities this node logged for its own outbox do not count.
func (db *DB) ActivityKnown(ctx context.Context, uri string) (bool, error) {
	var known bool
	if err := db.db.QueryRowContext(ctx, sqlActivityKnown, uri).Scan(&known); err != nil {
		return false, err
	}
	return known, nil
}

// ForgetActivity drops the ledger entry of an inbound activity whose receive
// step failed, so a retry by the sender is processed again.
func (db *DB) ForgetActivity(ctx context.Context, uri string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteActivityByURI, uri)
		return err
	})
}

func (db *DB) ReadActivityByURI(ctx context.Context, uri string) (*domain.Activity, error) {
	return scanActivity(db.db.QueryRowContext(ctx, sqlSelectActivityByURI, uri))
}
