package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"chatsync/pkg/types"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	cache, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	return cache
}

func cachedMessage(id, conv string, at time.Time) *types.Message {
	return &types.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       "u2",
		Content:        "content of " + id,
		Type:           types.ContentTypeText,
		Status:         types.StatusSent,
		CreatedAt:      at,
	}
}

// TestCache_UpsertIdempotent tests that replaying the same message does not duplicate
func TestCache_UpsertIdempotent(t *testing.T) {
	cache := openTestCache(t)
	ctx := context.Background()

	msg := cachedMessage("m1", "conv-1", time.Now().UTC())
	if err := cache.UpsertMessage(ctx, msg); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	msg.Content = "edited"
	if err := cache.UpsertMessage(ctx, msg); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	msgs, err := cache.RecentMessages(ctx, "conv-1", 10)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 row after replay, got %d", len(msgs))
	}
	if msgs[0].Content != "edited" {
		t.Errorf("upsert should take the newer content, got %q", msgs[0].Content)
	}
}

// TestCache_RecentMessagesOrdering tests newest-N selection returned ascending
func TestCache_RecentMessagesOrdering(t *testing.T) {
	cache := openTestCache(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"m1", "m2", "m3", "m4"} {
		if err := cache.UpsertMessage(ctx, cachedMessage(id, "conv-1", base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("upsert %s failed: %v", id, err)
		}
	}
	// Other conversations must not leak in.
	if err := cache.UpsertMessage(ctx, cachedMessage("other", "conv-2", base)); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	msgs, err := cache.RecentMessages(ctx, "conv-1", 2)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected the 2 newest rows, got %d", len(msgs))
	}
	if msgs[0].ID != "m3" || msgs[1].ID != "m4" {
		t.Errorf("expected m3, m4 ascending, got %s, %s", msgs[0].ID, msgs[1].ID)
	}
}

// TestCache_UpdateStatusForwardOnly tests that regressions never reach disk
func TestCache_UpdateStatusForwardOnly(t *testing.T) {
	cache := openTestCache(t)
	ctx := context.Background()

	if err := cache.UpsertMessage(ctx, cachedMessage("m1", "conv-1", time.Now().UTC())); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	if err := cache.UpdateStatus(ctx, "m1", types.StatusRead); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if err := cache.UpdateStatus(ctx, "m1", types.StatusDelivered); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	msgs, err := cache.RecentMessages(ctx, "conv-1", 10)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if msgs[0].Status != types.StatusRead {
		t.Errorf("read must not regress, got %q", msgs[0].Status)
	}
}

// TestCache_Closed tests behavior after Close
func TestCache_Closed(t *testing.T) {
	cache := openTestCache(t)
	if err := cache.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := cache.UpsertMessage(context.Background(), cachedMessage("m1", "conv-1", time.Now())); err != ErrCacheClosed {
		t.Errorf("expected ErrCacheClosed, got %v", err)
	}
	if _, err := cache.RecentMessages(context.Background(), "conv-1", 10); err != ErrCacheClosed {
		t.Errorf("expected ErrCacheClosed, got %v", err)
	}

	// Second close is a no-op.
	if err := cache.Close(); err != nil {
		t.Errorf("double close should be silent, got %v", err)
	}
}
