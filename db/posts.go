package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/agora/domain"
	"github.com/google/uuid"
)

const postColumns = `id, object_uri, creator_id, community_id, name, body, url, nsfw, deleted, removed, local, published, updated`

const (
	sqlInsertPost = `INSERT INTO posts(` + postColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	// A remote update only lands when it comes from the original creator.
	sqlUpsertRemotePost = `INSERT INTO posts(` + postColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?)
		ON CONFLICT(object_uri) DO UPDATE SET
			name = excluded.name,
			body = excluded.body,
			url = excluded.url,
			nsfw = excluded.nsfw,
			updated = excluded.updated
		WHERE posts.local = 0 AND posts.creator_id = excluded.creator_id`

	sqlUpdatePost           = `UPDATE posts SET name = ?, body = ?, url = ?, nsfw = ?, updated = ? WHERE id = ?`
	sqlMarkPostDeleted      = `UPDATE posts SET deleted = 1, updated = ? WHERE id = ?`
	sqlSelectPostById       = `SELECT ` + postColumns + ` FROM posts WHERE id = ?`
	sqlSelectPostByURI      = `SELECT ` + postColumns + ` FROM posts WHERE object_uri = ?`
	sqlSelectPostsCommunity = `SELECT ` + postColumns + ` FROM posts WHERE community_id = ? AND deleted = 0 AND removed = 0 ORDER BY published DESC LIMIT ?`
	sqlSelectPostsCommunityPage = `SELECT ` + postColumns + ` FROM posts WHERE community_id = ? AND deleted = 0 AND removed = 0 ORDER BY published DESC LIMIT ? OFFSET ?`
	sqlCountPostsCommunity      = `SELECT COUNT(*) FROM posts WHERE community_id = ? AND deleted = 0 AND removed = 0`

	sqlInsertCommunityBan = `INSERT INTO community_bans(id, community_id, person_id, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(community_id, person_id) DO NOTHING`
	sqlSelectCommunityBan = `SELECT COUNT(*) FROM community_bans WHERE community_id = ? AND person_id = ?`

	sqlInsertLike = `INSERT INTO likes(id, actor_id, post_id, uri, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(actor_id, post_id) DO NOTHING`
	sqlCountLikes = `SELECT COUNT(*) FROM likes WHERE post_id = ?`
)

func scanPost(row scanner) (*domain.Post, error) {
	var p domain.Post
	var updated sql.NullTime
	err := row.Scan(
		&p.Id,
		&p.ObjectURI,
		&p.CreatorId,
		&p.CommunityId,
		&p.Name,
		&p.Body,
		&p.URL,
		&p.Nsfw,
		&p.Deleted,
		&p.Removed,
		&p.Local,
		&p.Published,
		&updated,
	)
	if err != nil {
		return nil, notFound(err)
	}
	if updated.Valid {
		p.Updated = &updated.Time
	}
	return &p, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func (db *DB) CreatePost(ctx context.Context, p *domain.Post) error {
	if p.Id == uuid.Nil {
		p.Id = uuid.New()
	}
	if p.Published.IsZero() {
		p.Published = now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertPost,
			p.Id,
			p.ObjectURI,
			p.CreatorId,
			p.CommunityId,
			p.Name,
			p.Body,
			p.URL,
			p.Nsfw,
			p.Deleted,
			p.Removed,
			p.Local,
			p.Published.UTC(),
			nullTime(p.Updated),
		)
		return err
	})
}

// UpsertRemotePost stores a post received from another node. It returns the
// stored row, which is unchanged if the update came from someone other than
// the creator.
func (db *DB) UpsertRemotePost(ctx context.Context, p *domain.Post) (*domain.Post, error) {
	if p.Published.IsZero() {
		p.Published = now()
	}
	var stored *domain.Post
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertRemotePost,
			uuid.New(),
			p.ObjectURI,
			p.CreatorId,
			p.CommunityId,
			p.Name,
			p.Body,
			p.URL,
			p.Nsfw,
			p.Published.UTC(),
			nullTime(p.Updated),
		)
		if err != nil {
			return err
		}
		stored, err = scanPost(tx.QueryRowContext(ctx, sqlSelectPostByURI, p.ObjectURI))
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// UpdatePost writes the editable fields of a post.
func (db *DB) UpdatePost(ctx context.Context, p *domain.Post) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdatePost, p.Name, p.Body, p.URL, p.Nsfw, nullTime(p.Updated), p.Id)
		if err != nil {
			return err
		}
		return exactlyOne(res)
	})
}

func (db *DB) MarkPostDeleted(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlMarkPostDeleted, now(), id)
		if err != nil {
			return err
		}
		return exactlyOne(res)
	})
}

func (db *DB) ReadPostById(ctx context.Context, id uuid.UUID) (*domain.Post, error) {
	return scanPost(db.db.QueryRowContext(ctx, sqlSelectPostById, id))
}

func (db *DB) ReadPostByURI(ctx context.Context, uri string) (*domain.Post, error) {
	return scanPost(db.db.QueryRowContext(ctx, sqlSelectPostByURI, uri))
}

// ReadPostsByCommunity returns the newest visible posts of a community.
func (db *DB) ReadPostsByCommunity(ctx context.Context, communityId uuid.UUID, limit int) ([]domain.Post, error) {
	return db.readPosts(ctx, sqlSelectPostsCommunity, communityId, limit)
}

// ReadPostsPage returns visible posts of a community, newest first, skipping
// offset of them.
func (db *DB) ReadPostsPage(ctx context.Context, communityId uuid.UUID, limit, offset int) ([]domain.Post, error) {
	return db.readPosts(ctx, sqlSelectPostsCommunityPage, communityId, limit, offset)
}

func (db *DB) CountPosts(ctx context.Context, communityId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountPostsCommunity, communityId).Scan(&n)
	return n, err
}

func (db *DB) readPosts(ctx context.Context, query string, args ...any) ([]domain.Post, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, *p)
	}
	return posts, rows.Err()
}

func (db *DB) CreateCommunityBan(ctx context.Context, communityId, personId uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertCommunityBan, uuid.New(), communityId, personId, now())
		return err
	})
}

func (db *DB) IsBannedFromCommunity(ctx context.Context, communityId, personId uuid.UUID) (bool, error) {
	var n int
	if err := db.db.QueryRowContext(ctx, sqlSelectCommunityBan, communityId, personId).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateLike records a vote. It reports false when the actor already liked
// the post.
func (db *DB) CreateLike(ctx context.Context, l *domain.Like) (bool, error) {
	if l.Id == uuid.Nil {
		l.Id = uuid.New()
	}
	var inserted bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertLike, l.Id, l.ActorId, l.PostId, l.URI, now())
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
	return inserted, err
}

func (db *DB) CountLikes(ctx context.Context, postId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountLikes, postId).Scan(&n)
	return n, err
}
