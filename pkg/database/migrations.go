package database

import (
	"context"
	"fmt"
	"time"
)

// migration is one ordered schema change. Scripts must be idempotent-safe
// to review but are applied exactly once, recorded in schema_migrations.
type migration struct {
	ID     int
	Name   string
	Script string
}

const coreSchema = `
-- Epics: long-lived project containers.
CREATE TABLE epics (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'archived')),
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Epic aliases: the normalised form is globally unique so an exact lookup
-- resolves at most one epic.
CREATE TABLE epic_aliases (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    epic_id TEXT NOT NULL REFERENCES epics(id) ON DELETE CASCADE,
    alias TEXT NOT NULL,
    normalized TEXT NOT NULL UNIQUE
);
CREATE INDEX idx_epic_aliases_epic ON epic_aliases(epic_id);

-- Events: one row per voice memo. Never deleted by the pipeline; transcript
-- and audio_path are cleared by the TTL sweeper.
CREATE TABLE events (
    id TEXT PRIMARY KEY,
    audio_path TEXT,
    language TEXT NOT NULL DEFAULT '',
    transcript TEXT,
    transcript_expires_at TEXT,
    status TEXT NOT NULL DEFAULT 'queued' CHECK(status IN
        ('queued', 'transcribing', 'transcribed', 'processing', 'needs_review', 'completed', 'failed')),
    status_reason TEXT NOT NULL DEFAULT '',
    detected_command TEXT,
    epic_id TEXT REFERENCES epics(id) ON DELETE SET NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    CHECK ((transcript IS NULL) = (transcript_expires_at IS NULL))
);
CREATE INDEX idx_events_status ON events(status);
CREATE INDEX idx_events_expiry ON events(transcript_expires_at) WHERE transcript_expires_at IS NOT NULL;

-- Actions: follow_up / deadline / email projections.
CREATE TABLE actions (
    id TEXT PRIMARY KEY,
    source_event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
    epic_id TEXT REFERENCES epics(id) ON DELETE SET NULL,
    type TEXT NOT NULL CHECK(type IN ('follow_up', 'deadline', 'email')),
    title TEXT NOT NULL,
    body TEXT NOT NULL DEFAULT '',
    priority TEXT NOT NULL DEFAULT 'P2' CHECK(priority IN ('P0', 'P1', 'P2')),
    due_at TEXT,
    completed_at TEXT,
    created_at TEXT NOT NULL
);
CREATE INDEX idx_actions_event ON actions(source_event_id);
CREATE INDEX idx_actions_epic ON actions(epic_id);

CREATE TABLE action_mentions (
    action_id TEXT NOT NULL REFERENCES actions(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    PRIMARY KEY (action_id, name)
);

-- Blockers, dependencies, and issues share a shape but live apart so each
-- can grow independent columns later.
CREATE TABLE blockers (
    id TEXT PRIMARY KEY,
    source_event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
    epic_id TEXT REFERENCES epics(id) ON DELETE SET NULL,
    description TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'open' CHECK(status IN ('open', 'resolved')),
    resolved_at TEXT,
    created_at TEXT NOT NULL
);
CREATE INDEX idx_blockers_epic ON blockers(epic_id);

CREATE TABLE dependencies (
    id TEXT PRIMARY KEY,
    source_event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
    epic_id TEXT REFERENCES epics(id) ON DELETE SET NULL,
    description TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'open' CHECK(status IN ('open', 'resolved')),
    resolved_at TEXT,
    created_at TEXT NOT NULL
);
CREATE INDEX idx_dependencies_epic ON dependencies(epic_id);

CREATE TABLE issues (
    id TEXT PRIMARY KEY,
    source_event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
    epic_id TEXT REFERENCES epics(id) ON DELETE SET NULL,
    description TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'open' CHECK(status IN ('open', 'resolved')),
    resolved_at TEXT,
    created_at TEXT NOT NULL
);
CREATE INDEX idx_issues_epic ON issues(epic_id);

-- Knowledge items: markdown notes with a JSON tag array.
CREATE TABLE knowledge_items (
    id TEXT PRIMARY KEY,
    source_event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
    epic_id TEXT REFERENCES epics(id) ON DELETE SET NULL,
    title TEXT NOT NULL,
    kind TEXT NOT NULL CHECK(kind IN ('tech', 'decision', 'process')),
    tags TEXT NOT NULL DEFAULT '[]',
    body_md TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);
CREATE INDEX idx_knowledge_epic ON knowledge_items(epic_id);

-- Jobs: the durable queue. event_id is not a foreign key because system
-- jobs (ttl_cleanup) use a synthetic id.
CREATE TABLE jobs (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL,
    type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN
        ('pending', 'running', 'completed', 'failed', 'retry', 'cancelled', 'dead_letter')),
    payload TEXT,
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    run_at TEXT NOT NULL,
    started_at TEXT,
    completed_at TEXT,
    cancelled_at TEXT,
    cancelled_by TEXT NOT NULL DEFAULT '',
    dead_letter_at TEXT,
    dead_letter_reason TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);
CREATE INDEX idx_jobs_claim ON jobs(status, run_at, created_at);
CREATE INDEX idx_jobs_event ON jobs(event_id);

-- Dead letter copies survive pruning of the live jobs table.
CREATE TABLE dead_letter_jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    type TEXT NOT NULL,
    payload TEXT,
    attempts INTEGER NOT NULL,
    reason TEXT NOT NULL,
    error_message TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

-- Ranked epic candidates per event, rewritten whole-list.
CREATE TABLE event_epic_candidates (
    event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
    epic_id TEXT NOT NULL REFERENCES epics(id) ON DELETE CASCADE,
    title TEXT NOT NULL DEFAULT '',
    confidence REAL NOT NULL,
    rank INTEGER NOT NULL,
    match_type TEXT NOT NULL,
    UNIQUE (event_id, rank)
);

-- Observability: one row per pipeline step, success and error paths alike.
CREATE TABLE event_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id TEXT NOT NULL,
    job_type TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('success', 'error', 'retry')),
    input TEXT NOT NULL DEFAULT '',
    output TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);
CREATE INDEX idx_event_runs_event ON event_runs(event_id);

-- Web push subscribers.
CREATE TABLE push_subscriptions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    endpoint TEXT NOT NULL UNIQUE,
    p256dh TEXT NOT NULL,
    auth TEXT NOT NULL,
    user_agent TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

-- Sent ledger: suppresses duplicate notifications on reprocess.
CREATE TABLE sent_notifications (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    action_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    type TEXT NOT NULL,
    sent_at TEXT NOT NULL,
    UNIQUE (action_id, type)
);
`

const ftsSchema = `
-- Ranked retrieval over actions, knowledge items, and epics. content_type
-- and content_id are stored but not tokenised; bm25 rank orders results
-- (lower = better).
CREATE VIRTUAL TABLE search_index USING fts5(
    content_type UNINDEXED,
    content_id UNINDEXED,
    title,
    content
);

CREATE TRIGGER actions_fts_insert AFTER INSERT ON actions BEGIN
    INSERT INTO search_index (content_type, content_id, title, content)
    VALUES ('action', new.id, new.title, new.body);
END;
CREATE TRIGGER actions_fts_update AFTER UPDATE ON actions BEGIN
    DELETE FROM search_index WHERE content_type = 'action' AND content_id = old.id;
    INSERT INTO search_index (content_type, content_id, title, content)
    VALUES ('action', new.id, new.title, new.body);
END;
CREATE TRIGGER actions_fts_delete AFTER DELETE ON actions BEGIN
    DELETE FROM search_index WHERE content_type = 'action' AND content_id = old.id;
END;

CREATE TRIGGER knowledge_fts_insert AFTER INSERT ON knowledge_items BEGIN
    INSERT INTO search_index (content_type, content_id, title, content)
    VALUES ('knowledge', new.id, new.title, new.body_md);
END;
CREATE TRIGGER knowledge_fts_update AFTER UPDATE ON knowledge_items BEGIN
    DELETE FROM search_index WHERE content_type = 'knowledge' AND content_id = old.id;
    INSERT INTO search_index (content_type, content_id, title, content)
    VALUES ('knowledge', new.id, new.title, new.body_md);
END;
CREATE TRIGGER knowledge_fts_delete AFTER DELETE ON knowledge_items BEGIN
    DELETE FROM search_index WHERE content_type = 'knowledge' AND content_id = old.id;
END;

CREATE TRIGGER epics_fts_insert AFTER INSERT ON epics BEGIN
    INSERT INTO search_index (content_type, content_id, title, content)
    VALUES ('epic', new.id, new.title, new.description);
END;
CREATE TRIGGER epics_fts_update AFTER UPDATE ON epics BEGIN
    DELETE FROM search_index WHERE content_type = 'epic' AND content_id = old.id;
    INSERT INTO search_index (content_type, content_id, title, content)
    VALUES ('epic', new.id, new.title, new.description);
END;
CREATE TRIGGER epics_fts_delete AFTER DELETE ON epics BEGIN
    DELETE FROM search_index WHERE content_type = 'epic' AND content_id = old.id;
END;
`

// rollbackScript drops all core tables. Destructive; used by tooling only.
const rollbackScript = `
DROP TABLE IF EXISTS search_index;
DROP TABLE IF EXISTS sent_notifications;
DROP TABLE IF EXISTS push_subscriptions;
DROP TABLE IF EXISTS event_runs;
DROP TABLE IF EXISTS event_epic_candidates;
DROP TABLE IF EXISTS dead_letter_jobs;
DROP TABLE IF EXISTS jobs;
DROP TABLE IF EXISTS knowledge_items;
DROP TABLE IF EXISTS issues;
DROP TABLE IF EXISTS dependencies;
DROP TABLE IF EXISTS blockers;
DROP TABLE IF EXISTS action_mentions;
DROP TABLE IF EXISTS actions;
DROP TABLE IF EXISTS events;
DROP TABLE IF EXISTS epic_aliases;
DROP TABLE IF EXISTS epics;
DROP TABLE IF EXISTS schema_migrations;
`

var migrations = []migration{
	{ID: 1, Name: "core_schema", Script: coreSchema},
	{ID: 2, Name: "search_index", Script: ftsSchema},
}

// Migrate applies all pending migrations in order, each inside its own
// transaction, recording applied ids in schema_migrations.
func (c *Client) Migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        id INTEGER PRIMARY KEY,
        name TEXT NOT NULL,
        applied_at TEXT NOT NULL
    )`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var applied int
		if err := c.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM schema_migrations WHERE id = ?`, m.ID).Scan(&applied); err != nil {
			return fmt.Errorf("failed to check migration %d: %w", m.ID, err)
		}
		if applied > 0 {
			continue
		}

		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.ID, err)
		}
		if _, err := tx.ExecContext(ctx, m.Script); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", m.ID, m.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (id, name, applied_at) VALUES (?, ?, ?)`,
			m.ID, m.Name, time.Now().UTC().Format(time.RFC3339)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.ID, err)
		}
	}
	return nil
}

// Rollback drops all core tables. Intended for development tooling; the
// server never calls this.
func (c *Client) Rollback(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, rollbackScript); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return nil
}
