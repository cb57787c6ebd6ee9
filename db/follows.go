package db

import (
	"context"
	"database/sql"

	"github.com/deemkeen/agora/domain"
	"github.com/google/uuid"
)

const followColumns = `id, follower_id, target_id, uri, state, created_at`

const (
	// A repeated Follow refreshes the activity URI but never downgrades an
	// accepted relationship.
	sqlUpsertFollow = `INSERT INTO follows(` + followColumns + `) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(follower_id, target_id) DO UPDATE SET uri = excluded.uri`

	sqlSelectFollow       = `SELECT ` + followColumns + ` FROM follows WHERE follower_id = ? AND target_id = ?`
	sqlSelectFollowByURI  = `SELECT ` + followColumns + ` FROM follows WHERE uri = ?`
	sqlAcceptFollow       = `UPDATE follows SET state = 'Accepted' WHERE follower_id = ? AND target_id = ?`
	sqlDeleteFollow       = `DELETE FROM follows WHERE follower_id = ? AND target_id = ?`
)

var sqlSelectFollowerRows = `SELECT ` + qualify("a", actorColumns) + ` FROM follows f
	INNER JOIN actors a ON a.id = f.follower_id
	WHERE f.target_id = ? AND f.state = ?
	ORDER BY f.created_at`

func scanFollow(row scanner) (*domain.Follow, error) {
	var f domain.Follow
	err := row.Scan(&f.Id, &f.FollowerId, &f.TargetId, &f.URI, &f.State, &f.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &f, nil
}

// InsertFollow records a follow request and returns the stored relationship.
// An existing relationship between the same pair keeps its state.
func (db *DB) InsertFollow(ctx context.Context, f *domain.Follow) (*domain.Follow, error) {
	if f.State == "" {
		f.State = domain.FollowRequested
	}
	var stored *domain.Follow
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertFollow, uuid.New(), f.FollowerId, f.TargetId, f.URI, f.State, now())
		if err != nil {
			return err
		}
		stored, err = scanFollow(tx.QueryRowContext(ctx, sqlSelectFollow, f.FollowerId, f.TargetId))
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (db *DB) ReadFollow(ctx context.Context, followerId, targetId uuid.UUID) (*domain.Follow, error) {
	return scanFollow(db.db.QueryRowContext(ctx, sqlSelectFollow, followerId, targetId))
}

func (db *DB) ReadFollowByURI(ctx context.Context, uri string) (*domain.Follow, error) {
	if uri == "" {
		return nil, ErrNotFound
	}
	return scanFollow(db.db.QueryRowContext(ctx, sqlSelectFollowByURI, uri))
}

// AcceptFollow moves an existing relationship to Accepted. Accepting twice is
// a no-op; accepting a relationship that does not exist yields ErrNotFound.
func (db *DB) AcceptFollow(ctx context.Context, followerId, targetId uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlAcceptFollow, followerId, targetId)
		if err != nil {
			return err
		}
		return exactlyOne(res)
	})
}

func (db *DB) DeleteFollow(ctx context.Context, followerId, targetId uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteFollow, followerId, targetId)
		if err != nil {
			return err
		}
		return exactlyOne(res)
	})
}

// ReadFollowers returns the actors following target whose relationship is in
// the given state.
func (db *DB) ReadFollowers(ctx context.Context, targetId uuid.UUID, state domain.FollowState) ([]domain.Actor, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowerRows, targetId, state)
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
