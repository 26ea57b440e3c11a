package retryqueue

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chatrelay/bridge/pkg/coremsg"
	"github.com/chatrelay/bridge/pkg/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})
	return s
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	base := 2 * time.Second
	before := time.Now()
	got := backoff(0, base)
	if d := got.Sub(before); d < base || d > base+time.Second {
		t.Fatalf("attempt 0: expected ~%v, got %v", base, d)
	}

	before = time.Now()
	got = backoff(1, base)
	if d := got.Sub(before); d < 2*base || d > 2*base+time.Second {
		t.Fatalf("attempt 1: expected ~%v, got %v", 2*base, d)
	}

	before = time.Now()
	got = backoff(20, base)
	if d := got.Sub(before); d < maxBackoff || d > maxBackoff+time.Second {
		t.Fatalf("large attempt count: expected capped at %v, got %v", maxBackoff, d)
	}
}

func TestAddSendRetrySeedsAttemptCountAndBackoffFromPriorFailure(t *testing.T) {
	store := openTestStore(t)
	q := New(store)

	before := time.Now()
	if err := q.AddSendRetry(coremsg.SendRetryRecord{
		SourcePlatform:  coremsg.PlatformQQ,
		SourceMessageID: "qq-seed",
		TargetPlatform:  coremsg.PlatformTelegram,
		Payload:         coremsg.NewText("hello"),
		MaxAttempts:     5,
	}); err != nil {
		t.Fatalf("enqueueing send retry: %v", err)
	}

	var attemptCount int
	var nextAttemptAt time.Time
	err := store.DB().QueryRow(`SELECT attempt_count, next_attempt_at FROM retry_send WHERE source_message_id = ?`,
		"qq-seed").Scan(&attemptCount, &nextAttemptAt)
	if err != nil {
		t.Fatalf("reading seeded row: %v", err)
	}
	if attemptCount != 1 {
		t.Fatalf("expected attempt_count 1 for a row enqueued after one failed send, got %d", attemptCount)
	}
	if d := nextAttemptAt.Sub(before); d < sendBaseInterval || d > sendBaseInterval+time.Second {
		t.Fatalf("expected next_attempt_at ~%v after the first failure, got %v", sendBaseInterval, d)
	}
}

func TestSendRetrySucceedsAndRecordsMapping(t *testing.T) {
	store := openTestStore(t)
	q := New(store)

	var calls int32
	q.RegisterSendCallback(coremsg.PlatformTelegram, func(ctx context.Context, rec coremsg.SendRetryRecord) (SendResult, error) {
		atomic.AddInt32(&calls, 1)
		return SendResult{TargetMessageID: "tg-1"}, nil
	})

	if err := q.AddSendRetry(coremsg.SendRetryRecord{
		SourcePlatform:  coremsg.PlatformQQ,
		SourceMessageID: "qq-1",
		TargetPlatform:  coremsg.PlatformTelegram,
		ConversationID:  "chat-1",
		Payload:         coremsg.NewText("hello"),
		MaxAttempts:     5,
	}); err != nil {
		t.Fatalf("enqueueing send retry: %v", err)
	}

	if err := q.processSends(context.Background()); err != nil {
		t.Fatalf("processing sends: %v", err)
	}

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected callback invoked once, got %d", calls)
	}

	target, ok, err := store.GetTargetID(coremsg.PlatformQQ, "qq-1", coremsg.PlatformTelegram)
	if err != nil || !ok || target != "tg-1" {
		t.Fatalf("expected mapping to be recorded, got %q, %v, %v", target, ok, err)
	}

	var count int
	if err := store.DB().QueryRow(`SELECT count(*) FROM retry_send`).Scan(&count); err != nil {
		t.Fatalf("counting retry_send rows: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected retry record deleted on success, found %d rows", count)
	}
}

func TestSendRetryExhaustsAfterMaxAttempts(t *testing.T) {
	store := openTestStore(t)
	q := New(store)

	q.RegisterSendCallback(coremsg.PlatformTelegram, func(ctx context.Context, rec coremsg.SendRetryRecord) (SendResult, error) {
		return SendResult{}, errors.New("platform unavailable")
	})

	if err := q.AddSendRetry(coremsg.SendRetryRecord{
		SourcePlatform:  coremsg.PlatformQQ,
		SourceMessageID: "qq-2",
		TargetPlatform:  coremsg.PlatformTelegram,
		Payload:         coremsg.NewText("hi"),
		MaxAttempts:     3,
	}); err != nil {
		t.Fatalf("enqueueing send retry: %v", err)
	}

	// AddSendRetry already seeds attempt_count 1 for the failure that led the
	// caller to enqueue this row. One more failure here brings it to 2,
	// still short of max_attempts(3).
	before := time.Now()
	if err := q.processSends(context.Background()); err != nil {
		t.Fatalf("processing sends (1): %v", err)
	}
	var count, attemptCount int
	var nextAttemptAt time.Time
	if err := store.DB().QueryRow(`SELECT count(*) FROM retry_send`).Scan(&count); err != nil {
		t.Fatalf("counting retry_send rows: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected record to survive first failure, found %d rows", count)
	}
	if err := store.DB().QueryRow(`SELECT attempt_count, next_attempt_at FROM retry_send WHERE source_message_id = ?`,
		"qq-2").Scan(&attemptCount, &nextAttemptAt); err != nil {
		t.Fatalf("reading rescheduled row: %v", err)
	}
	if attemptCount != 2 {
		t.Fatalf("expected attempt_count 2 after the second failure, got %d", attemptCount)
	}
	if d := nextAttemptAt.Sub(before); d < 2*sendBaseInterval || d > 2*sendBaseInterval+time.Second {
		t.Fatalf("expected backoff doubled to ~%v for the second failure, got %v", 2*sendBaseInterval, d)
	}

	// Force the record due again regardless of backoff, then fail a third
	// time; attempt reaches max_attempts and the record must be dropped.
	if _, err := store.DB().Exec(`UPDATE retry_send SET next_attempt_at = ?`, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("forcing retry due: %v", err)
	}
	if err := q.processSends(context.Background()); err != nil {
		t.Fatalf("processing sends (2): %v", err)
	}
	if err := store.DB().QueryRow(`SELECT count(*) FROM retry_send`).Scan(&count); err != nil {
		t.Fatalf("counting retry_send rows: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected record dropped after exhausting attempts, found %d rows", count)
	}
}

func TestDownloadRetryFallsBackToDirectOnProxyExhaustion(t *testing.T) {
	store := openTestStore(t)
	q := New(store)

	q.RegisterDownloadCallback(coremsg.PlatformQQ, func(ctx context.Context, rec coremsg.DownloadRetryRecord) (string, error) {
		return "", errors.New("proxy refused connection")
	})

	if err := q.AddDownloadRetry(coremsg.DownloadRetryRecord{
		Platform:    coremsg.PlatformQQ,
		FileID:      "file-1",
		URL:         "https://cdn.example/file-1",
		LocalPath:   "/tmp/file-1",
		UseProxy:    true,
		MaxAttempts: 1,
	}); err != nil {
		t.Fatalf("enqueueing download retry: %v", err)
	}

	if err := q.processDownloads(context.Background()); err != nil {
		t.Fatalf("processing downloads: %v", err)
	}

	var useProxy bool
	var attemptCount int
	err := store.DB().QueryRow(`SELECT use_proxy, attempt_count FROM retry_download WHERE platform = ? AND file_id = ?`,
		string(coremsg.PlatformQQ), "file-1").Scan(&useProxy, &attemptCount)
	if err != nil {
		t.Fatalf("expected record to survive as a direct-retry fallback: %v", err)
	}
	if useProxy {
		t.Fatalf("expected use_proxy flipped to false after exhaustion")
	}
	if attemptCount != 0 {
		t.Fatalf("expected attempt_count reset for the direct retry, got %d", attemptCount)
	}
}
