package db

import (
	"context"
	"database/sql"
	"strings"

	"github.com/deemkeen/agora/domain"
	"github.com/google/uuid"
)

const actorColumns = `id, actor_uri, kind, username, domain, display_name, summary, inbox_uri, shared_inbox_uri,
	outbox_uri, followers_uri, public_key_pem, private_key_pem, token_hash, owner_id, local, last_fetched_at, created_at`

const (
	sqlInsertActor = `INSERT INTO actors(` + actorColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	// Remote actors only. A local actor's row is never replaced by fetched data.
	sqlUpsertRemoteActor = `INSERT INTO actors(` + actorColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', NULL, 0, ?, ?)
		ON CONFLICT(actor_uri) DO UPDATE SET
			kind = excluded.kind,
			username = excluded.username,
			display_name = excluded.display_name,
			summary = excluded.summary,
			inbox_uri = excluded.inbox_uri,
			shared_inbox_uri = excluded.shared_inbox_uri,
			outbox_uri = excluded.outbox_uri,
			followers_uri = excluded.followers_uri,
			public_key_pem = excluded.public_key_pem,
			last_fetched_at = excluded.last_fetched_at
		WHERE actors.local = 0`

	sqlSelectActorByURI       = `SELECT ` + actorColumns + ` FROM actors WHERE actor_uri = ?`
	sqlSelectActorById        = `SELECT ` + actorColumns + ` FROM actors WHERE id = ?`
	sqlSelectLocalActorByName = `SELECT ` + actorColumns + ` FROM actors WHERE local = 1 AND kind = ? AND username = ?`
	sqlSelectActorByTokenHash = `SELECT ` + actorColumns + ` FROM actors WHERE local = 1 AND token_hash = ?`
	sqlSelectLocalActors      = `SELECT ` + actorColumns + ` FROM actors WHERE local = 1 AND kind = ? ORDER BY username`
)

func scanActor(row scanner) (*domain.Actor, error) {
	var a domain.Actor
	var owner uuid.NullUUID
	err := row.Scan(
		&a.Id,
		&a.ActorURI,
		&a.Kind,
		&a.Username,
		&a.Domain,
		&a.DisplayName,
		&a.Summary,
		&a.InboxURI,
		&a.SharedInboxURI,
		&a.OutboxURI,
		&a.FollowersURI,
		&a.PublicKeyPem,
		&a.PrivateKeyPem,
		&a.TokenHash,
		&owner,
		&a.Local,
		&a.LastFetchedAt,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	a.OwnerId = owner.UUID
	return &a, nil
}

// qualify prefixes every column of a column list with a table alias.
func qualify(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

// CreateLocalActor inserts a person or community owned by this node.
func (db *DB) CreateLocalActor(ctx context.Context, a *domain.Actor) error {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	t := now()
	a.Local = true
	a.CreatedAt = t
	a.LastFetchedAt = t
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertActor,
			a.Id,
			a.ActorURI,
			a.Kind,
			a.Username,
			a.Domain,
			a.DisplayName,
			a.Summary,
			a.InboxURI,
			a.SharedInboxURI,
			a.OutboxURI,
			a.FollowersURI,
			a.PublicKeyPem,
			a.PrivateKeyPem,
			a.TokenHash,
			nullUUID(a.OwnerId),
			true,
			a.LastFetchedAt,
			a.CreatedAt,
		)
		return err
	})
}

// UpsertActor stores freshly fetched remote actor data keyed by actor URI and
// returns the stored row. Concurrent upserts of the same actor converge on a
// single row.
func (db *DB) UpsertActor(ctx context.Context, a *domain.Actor) (*domain.Actor, error) {
	fetched := a.LastFetchedAt
	if fetched.IsZero() {
		fetched = now()
	}
	var stored *domain.Actor
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertRemoteActor,
			uuid.New(),
			a.ActorURI,
			a.Kind,
			a.Username,
			a.Domain,
			a.DisplayName,
			a.Summary,
			a.InboxURI,
			a.SharedInboxURI,
			a.OutboxURI,
			a.FollowersURI,
			a.PublicKeyPem,
			fetched.UTC(),
			now(),
		)
		if err != nil {
			return err
		}
		stored, err = scanActor(tx.QueryRowContext(ctx, sqlSelectActorByURI, a.ActorURI))
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (db *DB) ReadActorByURI(ctx context.Context, uri string) (*domain.Actor, error) {
	return scanActor(db.db.QueryRowContext(ctx, sqlSelectActorByURI, uri))
}

func (db *DB) ReadActorById(ctx context.Context, id uuid.UUID) (*domain.Actor, error) {
	return scanActor(db.db.QueryRowContext(ctx, sqlSelectActorById, id))
}

func (db *DB) ReadLocalActorByName(ctx context.Context, kind domain.ActorKind, name string) (*domain.Actor, error) {
	return scanActor(db.db.QueryRowContext(ctx, sqlSelectLocalActorByName, kind, name))
}

// ReadActorByTokenHash authenticates a local person by the hash of their API
// token.
func (db *DB) ReadActorByTokenHash(ctx context.Context, hash string) (*domain.Actor, error) {
	if hash == "" {
		return nil, ErrNotFound
	}
	return scanActor(db.db.QueryRowContext(ctx, sqlSelectActorByTokenHash, hash))
}

func (db *DB) ReadLocalActors(ctx context.Context, kind domain.ActorKind) ([]domain.Actor, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectLocalActors, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actors []domain.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		actors = append(actors, *a)
	}
	return actors, rows.Err()
}
