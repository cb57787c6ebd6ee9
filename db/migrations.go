package db

import (
	"context"
	"database/sql"
)

const (
	sqlCreateActorsTable = `CREATE TABLE IF NOT EXISTS actors (
		id TEXT NOT NULL PRIMARY KEY,
		actor_uri TEXT UNIQUE NOT NULL,
		kind TEXT NOT NULL,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT NOT NULL DEFAULT '',
		outbox_uri TEXT NOT NULL DEFAULT '',
		followers_uri TEXT NOT NULL DEFAULT '',
		public_key_pem TEXT NOT NULL,
		private_key_pem TEXT NOT NULL DEFAULT '',
		token_hash TEXT NOT NULL DEFAULT '',
		owner_id TEXT,
		local INTEGER NOT NULL DEFAULT 0,
		last_fetched_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(kind, username, domain)
	)`

	sqlCreateActorsIndices = `
		CREATE INDEX IF NOT EXISTS idx_actors_token_hash ON actors(token_hash) WHERE token_hash != '';
		CREATE INDEX IF NOT EXISTS idx_actors_local ON actors(local, kind, username);
	`

	sqlCreatePostsTable = `CREATE TABLE IF NOT EXISTS posts (
		id TEXT NOT NULL PRIMARY KEY,
		object_uri TEXT UNIQUE NOT NULL,
		creator_id TEXT NOT NULL REFERENCES actors(id),
		community_id TEXT NOT NULL REFERENCES actors(id),
		name TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		nsfw INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		removed INTEGER NOT NULL DEFAULT 0,
		local INTEGER NOT NULL DEFAULT 0,
		published TIMESTAMP NOT NULL,
		updated TIMESTAMP
	)`

	sqlCreatePostsIndices = `
		CREATE INDEX IF NOT EXISTS idx_posts_community ON posts(community_id, published DESC);
	`

	sqlCreatePrivateMessagesTable = `CREATE TABLE IF NOT EXISTS private_messages (
		id TEXT NOT NULL PRIMARY KEY,
		object_uri TEXT UNIQUE NOT NULL,
		creator_id TEXT NOT NULL REFERENCES actors(id),
		recipient_id TEXT NOT NULL REFERENCES actors(id),
		content TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		read INTEGER NOT NULL DEFAULT 0,
		local INTEGER NOT NULL DEFAULT 0,
		published TIMESTAMP NOT NULL,
		updated TIMESTAMP
	)`

	sqlCreateCommunityBansTable = `CREATE TABLE IF NOT EXISTS community_bans (
		id TEXT NOT NULL PRIMARY KEY,
		community_id TEXT NOT NULL REFERENCES actors(id),
		person_id TEXT NOT NULL REFERENCES actors(id),
		created_at TIMESTAMP NOT NULL,
		UNIQUE(community_id, person_id)
	)`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		follower_id TEXT NOT NULL REFERENCES actors(id),
		target_id TEXT NOT NULL REFERENCES actors(id),
		uri TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(follower_id, target_id)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_target ON follows(target_id, state);
		CREATE INDEX IF NOT EXISTS idx_follows_uri ON follows(uri);
	`

	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL DEFAULT '',
		raw_json TEXT NOT NULL,
		local INTEGER NOT NULL DEFAULT 0,
		sensitive INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_type ON activities(activity_type);
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
	`

	sqlCreateLikesTable = `CREATE TABLE IF NOT EXISTS likes (
		id TEXT NOT NULL PRIMARY KEY,
		actor_id TEXT NOT NULL REFERENCES actors(id),
		post_id TEXT NOT NULL REFERENCES posts(id),
		uri TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(actor_id, post_id)
	)`

	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		inbox_uri TEXT NOT NULL,
		actor_id TEXT NOT NULL REFERENCES actors(id),
		activity_json TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_retry_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_next_retry ON delivery_queue(next_retry_at);
	`
)

var schema = []struct {
	name string
	sql  string
}{
	{"actors", sqlCreateActorsTable},
	{"actors indices", sqlCreateActorsIndices},
	{"posts", sqlCreatePostsTable},
	{"posts indices", sqlCreatePostsIndices},
	{"private_messages", sqlCreatePrivateMessagesTable},
	{"community_bans", sqlCreateCommunityBansTable},
	{"follows", sqlCreateFollowsTable},
	{"follows indices", sqlCreateFollowsIndices},
	{"activities", sqlCreateActivitiesTable},
	{"activities indices", sqlCreateActivitiesIndices},
	{"likes", sqlCreateLikesTable},
	{"delivery_queue", sqlCreateDeliveryQueueTable},
	{"delivery_queue indices", sqlCreateDeliveryQueueIndices},
}

// RunMigrations creates every table and index that does not exist yet. It is
// safe to run on every start.
func (db *DB) RunMigrations(ctx context.Context) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, step := range schema {
			if _, err := tx.ExecContext(ctx, step.sql); err != nil {
				logger.Error("migration failed", "step", step.name, "err", err)
				return err
			}
			logger.Debug("migration applied", "step", step.name)
		}
		return nil
	})
}
