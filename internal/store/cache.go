// Package store is the local SQLite cache of server-confirmed messages.
// Reconciled messages are written through so a conversation can still
// render recent history when the backfill endpoint is unreachable.
// Optimistic messages never reach the cache.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"chatsync/pkg/types"
)

// schema is applied at open; two statements, no migration machinery.
const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	sender_id       TEXT NOT NULL,
	sender_name     TEXT NOT NULL DEFAULT '',
	content         TEXT NOT NULL,
	type            TEXT NOT NULL DEFAULT 'TEXT',
	status          TEXT NOT NULL DEFAULT 'sent',
	created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_time
	ON messages(conversation_id, created_at);
`

// SQLite pragmas: WAL allows concurrent reads while the single-writer
// goroutine owns all mutations.
const pragmas = `
	PRAGMA journal_mode = WAL;
	PRAGMA synchronous = NORMAL;
	PRAGMA temp_store = MEMORY;
	PRAGMA busy_timeout = 5000;
`

// writeOperation queues one mutation for the writer goroutine.
type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// Cache implements interfaces.MessageStore over SQLite.
type Cache struct {
	db           *sql.DB
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// Open opens (and if necessary creates) the cache database.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	if _, err := db.Exec(pragmas); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply cache pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}

	cache := &Cache{
		db:           db,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	// Single-writer goroutine prevents SQLite write contention.
	cache.wg.Add(1)
	go cache.writeLoop()

	return cache, nil
}

// writeLoop processes all mutations in one goroutine, retrying each failed
// write once.
func (c *Cache) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case op := <-c.writeChannel:
			err := op.operation(c.db)
			if err != nil {
				log.Printf("store: write failed, retrying: %v", err)
				err = op.operation(c.db)
				if err != nil {
					log.Printf("store: write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-c.shutdown:
			return
		}
	}
}

// executeWrite queues one mutation and waits for its outcome.
func (c *Cache) executeWrite(operation func(*sql.DB) error) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrCacheClosed
	}
	c.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case c.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(10 * time.Second):
		return ErrWriteTimeout
	case <-c.shutdown:
		return ErrCacheClosed
	}
}

// UpsertMessage inserts or replaces a message by id. Replaying the same
// server message is harmless.
func (c *Cache) UpsertMessage(ctx context.Context, msg *types.Message) error {
	if msg == nil {
		return nil
	}
	return c.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT INTO messages (id, conversation_id, sender_id, sender_name, content, type, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				content = excluded.content,
				status = excluded.status,
				created_at = excluded.created_at
		`
		_, err := db.ExecContext(ctx, query,
			msg.ID, msg.ConversationID, msg.SenderID, msg.SenderName,
			msg.Content, msg.Type, string(msg.Status), msg.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to upsert message %s: %w", msg.ID, err)
		}
		return nil
	})
}

// UpdateStatus records a delivery-state change. The forward-only rule is
// enforced in SQL so a stale update can never regress the cached status.
func (c *Cache) UpdateStatus(ctx context.Context, messageID string, status types.Status) error {
	return c.executeWrite(func(db *sql.DB) error {
		query := `
			UPDATE messages SET status = ?
			WHERE id = ?
			  AND (CASE status WHEN 'read' THEN 3 WHEN 'delivered' THEN 2 ELSE 1 END)
			    < (CASE ? WHEN 'read' THEN 3 WHEN 'delivered' THEN 2 ELSE 1 END)
		`
		_, err := db.ExecContext(ctx, query, string(status), messageID, string(status))
		if err != nil {
			return fmt.Errorf("failed to update status for %s: %w", messageID, err)
		}
		return nil
	})
}

// RecentMessages returns up to limit cached messages for a conversation,
// ascending by creation time.
func (c *Cache) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*types.Message, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrCacheClosed
	}
	c.mu.RUnlock()

	query := `
		SELECT id, conversation_id, sender_id, sender_name, content, type, status, created_at
		FROM (
			SELECT * FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC
			LIMIT ?
		)
		ORDER BY created_at ASC
	`
	rows, err := c.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cached messages: %w", err)
	}
	defer rows.Close()

	var messages []*types.Message
	for rows.Next() {
		var msg types.Message
		var status string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.SenderName,
			&msg.Content, &msg.Type, &status, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cached message: %w", err)
		}
		msg.Status = types.NormalizeStatus(status)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read cached messages: %w", err)
	}
	return messages, nil
}

// Close drains the writer and releases the database.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.shutdown)
	c.wg.Wait()
	return c.db.Close()
}
