package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/agora/domain"
	"github.com/google/uuid"
)

const pmColumns = `id, object_uri, creator_id, recipient_id, content, deleted, read, local, published, updated`

const (
	sqlInsertPrivateMessage = `INSERT INTO private_messages(` + pmColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlUpsertRemotePrivateMessage = `INSERT INTO private_messages(` + pmColumns + `) VALUES (?, ?, ?, ?, ?, 0, 0, 0, ?, ?)
		ON CONFLICT(object_uri) DO UPDATE SET
			content = excluded.content,
			updated = excluded.updated
		WHERE private_messages.local = 0 AND private_messages.creator_id = excluded.creator_id`

	sqlUpdatePrivateMessageContent = `UPDATE private_messages SET content = ?, updated = ? WHERE id = ?`
	sqlMarkPrivateMessageDeleted   = `UPDATE private_messages SET deleted = 1, updated = ? WHERE id = ?`
	sqlSelectPrivateMessageById    = `SELECT ` + pmColumns + ` FROM private_messages WHERE id = ?`
	sqlSelectPrivateMessageByURI   = `SELECT ` + pmColumns + ` FROM private_messages WHERE object_uri = ?`
)

func scanPrivateMessage(row scanner) (*domain.PrivateMessage, error) {
	var pm domain.PrivateMessage
	var updated sql.NullTime
	err := row.Scan(
		&pm.Id,
		&pm.ObjectURI,
		&pm.CreatorId,
		&pm.RecipientId,
		&pm.Content,
		&pm.Deleted,
		&pm.Read,
		&pm.Local,
		&pm.Published,
		&updated,
	)
	if err != nil {
		return nil, notFound(err)
	}
	if updated.Valid {
		pm.Updated = &updated.Time
	}
	return &pm, nil
}

func (db *DB) CreatePrivateMessage(ctx context.Context, pm *domain.PrivateMessage) error {
	if pm.Id == uuid.Nil {
		pm.Id = uuid.New()
	}
	if pm.Published.IsZero() {
		pm.Published = now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertPrivateMessage,
			pm.Id,
			pm.ObjectURI,
			pm.CreatorId,
			pm.RecipientId,
			pm.Content,
			pm.Deleted,
			pm.Read,
			pm.Local,
			pm.Published.UTC(),
			nullTime(pm.Updated),
		)
		return err
	})
}

func (db *DB) UpsertRemotePrivateMessage(ctx context.Context, pm *domain.PrivateMessage) (*domain.PrivateMessage, error) {
	if pm.Published.IsZero() {
		pm.Published = now()
	}
	var stored *domain.PrivateMessage
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertRemotePrivateMessage,
			uuid.New(),
			pm.ObjectURI,
			pm.CreatorId,
			pm.RecipientId,
			pm.Content,
			pm.Published.UTC(),
			nullTime(pm.Updated),
		)
		if err != nil {
			return err
		}
		stored, err = scanPrivateMessage(tx.QueryRowContext(ctx, sqlSelectPrivateMessageByURI, pm.ObjectURI))
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (db *DB) UpdatePrivateMessageContent(ctx context.Context, id uuid.UUID, content string, updated time.Time) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdatePrivateMessageContent, content, updated.UTC(), id)
		if err != nil {
			return err
		}
		return exactlyOne(res)
	})
}

func (db *DB) MarkPrivateMessageDeleted(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlMarkPrivateMessageDeleted, now(), id)
		if err != nil {
			return err
		}
		return exactlyOne(res)
	})
}

func (db *DB) ReadPrivateMessageById(ctx context.Context, id uuid.UUID) (*domain.PrivateMessage, error) {
	return scanPrivateMessage(db.db.QueryRowContext(ctx, sqlSelectPrivateMessageById, id))
}

func (db *DB) ReadPrivateMessageByURI(ctx context.Context, uri string) (*domain.PrivateMessage, error) {
	return scanPrivateMessage(db.db.QueryRowContext(ctx, sqlSelectPrivateMessageByURI, uri))
}
