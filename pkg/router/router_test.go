package router

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chatrelay/bridge/pkg/coremsg"
	"github.com/chatrelay/bridge/pkg/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("closing store: %v", err)
		}
	})
	return store
}

func TestDispatchMessagePreservesPerConversationOrder(t *testing.T) {
	store := openTestStore(t)
	r := New(store)
	r.Start(context.Background())
	defer r.Stop()

	var mu sync.Mutex
	var seen []string
	var wg sync.WaitGroup

	r.OnMessage(func(ctx context.Context, ev coremsg.MessageEvent) {
		defer wg.Done()
		// Simulate uneven handler latency; order must still be preserved
		// within the same conversation strand.
		if ev.MessageID == "1" {
			time.Sleep(20 * time.Millisecond)
		}
		mu.Lock()
		seen = append(seen, ev.MessageID)
		mu.Unlock()
	})

	wg.Add(3)
	r.DispatchMessage(coremsg.MessageEvent{Platform: coremsg.PlatformQQ, ConversationID: "g1", MessageID: "1"})
	r.DispatchMessage(coremsg.MessageEvent{Platform: coremsg.PlatformQQ, ConversationID: "g1", MessageID: "2"})
	r.DispatchMessage(coremsg.MessageEvent{Platform: coremsg.PlatformQQ, ConversationID: "g1", MessageID: "3"})
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 || seen[0] != "1" || seen[1] != "2" || seen[2] != "3" {
		t.Fatalf("expected arrival order [1 2 3], got %v", seen)
	}
}

func TestDispatchMessageConcurrentAcrossConversations(t *testing.T) {
	store := openTestStore(t)
	r := New(store)
	r.Start(context.Background())
	defer r.Stop()

	release := make(chan struct{})
	started := make(chan string, 2)
	var wg sync.WaitGroup

	r.OnMessage(func(ctx context.Context, ev coremsg.MessageEvent) {
		defer wg.Done()
		started <- ev.ConversationID
		<-release
	})

	wg.Add(2)
	r.DispatchMessage(coremsg.MessageEvent{Platform: coremsg.PlatformQQ, ConversationID: "g1", MessageID: "1"})
	r.DispatchMessage(coremsg.MessageEvent{Platform: coremsg.PlatformQQ, ConversationID: "g2", MessageID: "1"})

	// Both strands must make progress before either is unblocked, proving
	// they run on independent goroutines rather than serializing globally.
	first := <-started
	second := <-started
	close(release)
	wg.Wait()

	if first == second {
		t.Fatalf("expected distinct conversations to start concurrently, both reported %q", first)
	}
}

func TestDispatchNoticeHeartbeatIsRecordedNotPropagated(t *testing.T) {
	store := openTestStore(t)
	r := New(store)
	r.Start(context.Background())
	defer r.Stop()

	called := false
	r.OnNotice(func(ctx context.Context, ev coremsg.NoticeEvent) {
		called = true
	})

	now := time.Now()
	r.DispatchNotice(coremsg.NoticeEvent{
		Platform:   coremsg.PlatformQQ,
		NoticeKind: coremsg.NoticeHeartbeat,
		Timestamp:  now,
		Raw:        map[string]any{"status": "ok"},
	})

	// Heartbeat dispatch is synchronous (it never touches a strand), so the
	// store write is visible immediately.
	rec, ok, err := store.GetHeartbeat(coremsg.PlatformQQ)
	if err != nil {
		t.Fatalf("getting heartbeat: %v", err)
	}
	if !ok || rec.RawStatus != "ok" {
		t.Fatalf("expected recorded heartbeat with status ok, got %+v (ok=%v)", rec, ok)
	}
	if called {
		t.Fatalf("expected heartbeat to not be propagated to NoticeHandlers")
	}
}

func TestDispatchNoticeNonHeartbeatPropagates(t *testing.T) {
	store := openTestStore(t)
	r := New(store)
	r.Start(context.Background())
	defer r.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	var got coremsg.NoticeEvent
	r.OnNotice(func(ctx context.Context, ev coremsg.NoticeEvent) {
		defer wg.Done()
		got = ev
	})

	r.DispatchNotice(coremsg.NoticeEvent{
		Platform:          coremsg.PlatformQQ,
		NoticeKind:        coremsg.NoticeRecall,
		ConversationID:    "g1",
		AffectedMessageID: "42",
	})
	wg.Wait()

	if got.NoticeKind != coremsg.NoticeRecall || got.AffectedMessageID != "42" {
		t.Fatalf("expected recall notice delivered, got %+v", got)
	}
}
