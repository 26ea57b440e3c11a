package forwarder

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/chatrelay/bridge/pkg/coremsg"
	"github.com/chatrelay/bridge/pkg/media"
	"github.com/chatrelay/bridge/pkg/retryqueue"
	"github.com/chatrelay/bridge/pkg/storage"
	"github.com/chatrelay/bridge/pkg/translate"
)

// fakePeer is a hand-rolled Peer double recording every call it receives.
type fakePeer struct {
	sent        []coremsg.Message
	sendResult  coremsg.SendResult
	sendErr     error
	deleted     []string
	deleteErr   error
	resolveURLs map[string]string
}

func (p *fakePeer) SendMessage(ctx context.Context, conversationID, topicID string, msg coremsg.Message) (coremsg.SendResult, error) {
	p.sent = append(p.sent, msg)
	if p.sendErr != nil {
		return coremsg.SendResult{}, p.sendErr
	}
	return p.sendResult, nil
}

func (p *fakePeer) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	p.deleted = append(p.deleted, messageID)
	return p.deleteErr
}

func (p *fakePeer) ResolveFileURL(ctx context.Context, fileID string) (string, error) {
	if u, ok := p.resolveURLs[fileID]; ok {
		return u, nil
	}
	return "", errors.New("not found")
}

func newTestForwarder(t *testing.T, routes []coremsg.BridgeRoute) (*Forwarder, *storage.Store, *fakePeer, *fakePeer) {
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

	eng, err := media.New("")
	if err != nil {
		t.Fatalf("building media engine: %v", err)
	}
	tr := translate.New(store, eng, false, 500)
	retry := retryqueue.New(store)

	f := New(store, tr, retry, routes)

	qqPeer := &fakePeer{sendResult: coremsg.SendResult{TargetMessageID: "qq-1"}}
	tgPeer := &fakePeer{sendResult: coremsg.SendResult{TargetMessageID: "tg-1"}}
	f.RegisterPlatform(coremsg.PlatformQQ, qqPeer, nil, nil)
	f.RegisterPlatform(coremsg.PlatformTelegram, tgPeer, nil, nil)

	return f, store, qqPeer, tgPeer
}

func basicRoute() coremsg.BridgeRoute {
	return coremsg.BridgeRoute{
		QQConversation:       "qq-group-1",
		TelegramConversation: "tg-chat-1",
		Mode:                 coremsg.RouteModeGroup,
		ShowSenderQQToTG:     true,
		ShowSenderTGToQQ:     true,
	}
}

func TestHandleMessageForwardsAndRecordsMapping(t *testing.T) {
	f, store, _, tgPeer := newTestForwarder(t, []coremsg.BridgeRoute{basicRoute()})

	f.HandleMessage(context.Background(), coremsg.MessageEvent{
		Platform:       coremsg.PlatformQQ,
		ConversationID: "qq-group-1",
		UserID:         "u1",
		MessageID:      "m1",
		Segments:       coremsg.NewText("hello"),
		RawText:        "hello",
	})

	if len(tgPeer.sent) != 1 {
		t.Fatalf("expected exactly one send to the telegram peer, got %d", len(tgPeer.sent))
	}
	if want, got := "[u1]\thello", tgPeer.sent[0][0].Attributes["text"]; got != want {
		t.Fatalf("expected sender-prefixed text with no sentinel (QQ->Telegram never carries one), got %q want %q", got, want)
	}

	targetID, ok, err := store.GetTargetID(coremsg.PlatformQQ, "m1", coremsg.PlatformTelegram)
	if err != nil {
		t.Fatalf("getting mapping: %v", err)
	}
	if !ok || targetID != "tg-1" {
		t.Fatalf("expected mapping to tg-1, got %q (ok=%v)", targetID, ok)
	}
}

func TestHandleMessageTelegramToQQCarriesSentinel(t *testing.T) {
	f, store, qqPeer, _ := newTestForwarder(t, []coremsg.BridgeRoute{basicRoute()})

	f.HandleMessage(context.Background(), coremsg.MessageEvent{
		Platform:       coremsg.PlatformTelegram,
		ConversationID: "tg-chat-1",
		UserID:         "u1",
		MessageID:      "m1",
		Segments:       coremsg.NewText("hello"),
		RawText:        "hello",
	})

	if len(qqPeer.sent) != 1 {
		t.Fatalf("expected exactly one send to the qq peer, got %d", len(qqPeer.sent))
	}
	if want, got := "[Telegram] [u1]\thello", qqPeer.sent[0][0].Attributes["text"]; got != want {
		t.Fatalf("expected sentinel- and sender-prefixed text %q, got %q", want, got)
	}

	targetID, ok, err := store.GetTargetID(coremsg.PlatformTelegram, "m1", coremsg.PlatformQQ)
	if err != nil {
		t.Fatalf("getting mapping: %v", err)
	}
	if !ok || targetID != "qq-1" {
		t.Fatalf("expected mapping to qq-1, got %q (ok=%v)", targetID, ok)
	}
}

func TestHandleMessageDropsWithoutRoute(t *testing.T) {
	f, _, _, tgPeer := newTestForwarder(t, nil)

	f.HandleMessage(context.Background(), coremsg.MessageEvent{
		Platform:       coremsg.PlatformQQ,
		ConversationID: "unrouted",
		MessageID:      "m1",
		Segments:       coremsg.NewText("hello"),
	})

	if len(tgPeer.sent) != 0 {
		t.Fatalf("expected no send for an unrouted conversation, got %d", len(tgPeer.sent))
	}
}

func TestHandleMessageDropsLoopbackSentinel(t *testing.T) {
	f, _, _, tgPeer := newTestForwarder(t, []coremsg.BridgeRoute{basicRoute()})

	f.HandleMessage(context.Background(), coremsg.MessageEvent{
		Platform:       coremsg.PlatformQQ,
		ConversationID: "qq-group-1",
		MessageID:      "m1",
		Segments:       coremsg.NewText("[Telegram] already bridged once"),
		RawText:        "[Telegram] already bridged once",
	})

	if len(tgPeer.sent) != 0 {
		t.Fatalf("expected loopback-sentinel message to be dropped, got %d sends", len(tgPeer.sent))
	}
}

func TestHandleMessageDropsAlreadyForwarded(t *testing.T) {
	f, store, _, tgPeer := newTestForwarder(t, []coremsg.BridgeRoute{basicRoute()})

	if _, err := store.AddMapping(coremsg.MessageMapping{
		SourcePlatform: coremsg.PlatformQQ, SourceMessageID: "m1",
		TargetPlatform: coremsg.PlatformTelegram, TargetMessageID: "already-sent",
	}); err != nil {
		t.Fatalf("seeding mapping: %v", err)
	}

	f.HandleMessage(context.Background(), coremsg.MessageEvent{
		Platform:       coremsg.PlatformQQ,
		ConversationID: "qq-group-1",
		MessageID:      "m1",
		Segments:       coremsg.NewText("hello again"),
	})

	if len(tgPeer.sent) != 0 {
		t.Fatalf("expected dedup to suppress a second send, got %d", len(tgPeer.sent))
	}
}

func TestHandleMessageEnqueuesRetryOnSendFailure(t *testing.T) {
	f, store, _, tgPeer := newTestForwarder(t, []coremsg.BridgeRoute{basicRoute()})
	tgPeer.sendErr = errors.New("connection reset")

	f.HandleMessage(context.Background(), coremsg.MessageEvent{
		Platform:       coremsg.PlatformQQ,
		ConversationID: "qq-group-1",
		MessageID:      "m1",
		Segments:       coremsg.NewText("hello"),
	})

	var count int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM retry_send WHERE source_message_id = 'm1'`).Scan(&count); err != nil {
		t.Fatalf("querying retry_send: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one retry_send row, got %d", count)
	}

	if _, ok, err := store.GetTargetID(coremsg.PlatformQQ, "m1", coremsg.PlatformTelegram); err != nil {
		t.Fatalf("checking mapping: %v", err)
	} else if ok {
		t.Fatalf("expected no mapping to be written on a failed send")
	}
}

func TestHandleNoticeRecallDeletesPeerAndMapping(t *testing.T) {
	f, store, _, tgPeer := newTestForwarder(t, []coremsg.BridgeRoute{basicRoute()})

	if _, err := store.AddMapping(coremsg.MessageMapping{
		SourcePlatform: coremsg.PlatformQQ, SourceMessageID: "m1",
		TargetPlatform: coremsg.PlatformTelegram, TargetMessageID: "tg-1",
	}); err != nil {
		t.Fatalf("seeding mapping: %v", err)
	}

	f.HandleNotice(context.Background(), coremsg.NoticeEvent{
		Platform:          coremsg.PlatformQQ,
		NoticeKind:        coremsg.NoticeRecall,
		ConversationID:    "qq-group-1",
		AffectedMessageID: "m1",
	})

	if len(tgPeer.deleted) != 1 || tgPeer.deleted[0] != "tg-1" {
		t.Fatalf("expected peer delete of tg-1, got %v", tgPeer.deleted)
	}
	if _, ok, err := store.GetTargetID(coremsg.PlatformQQ, "m1", coremsg.PlatformTelegram); err != nil {
		t.Fatalf("checking mapping: %v", err)
	} else if ok {
		t.Fatalf("expected mapping to be deleted after recall")
	}
}

func TestHandleNoticeRecallDeletesMappingEvenIfPeerDeleteFails(t *testing.T) {
	f, store, _, tgPeer := newTestForwarder(t, []coremsg.BridgeRoute{basicRoute()})
	tgPeer.deleteErr = errors.New("message too old to delete")

	if _, err := store.AddMapping(coremsg.MessageMapping{
		SourcePlatform: coremsg.PlatformQQ, SourceMessageID: "m1",
		TargetPlatform: coremsg.PlatformTelegram, TargetMessageID: "tg-1",
	}); err != nil {
		t.Fatalf("seeding mapping: %v", err)
	}

	f.HandleNotice(context.Background(), coremsg.NoticeEvent{
		Platform:          coremsg.PlatformQQ,
		NoticeKind:        coremsg.NoticeRecall,
		ConversationID:    "qq-group-1",
		AffectedMessageID: "m1",
	})

	if _, ok, err := store.GetTargetID(coremsg.PlatformQQ, "m1", coremsg.PlatformTelegram); err != nil {
		t.Fatalf("checking mapping: %v", err)
	} else if ok {
		t.Fatalf("expected mapping deletion regardless of peer delete failure")
	}
}

func TestHandleNoticeEditDeletesAndResends(t *testing.T) {
	f, store, _, tgPeer := newTestForwarder(t, []coremsg.BridgeRoute{basicRoute()})

	if _, err := store.AddMapping(coremsg.MessageMapping{
		SourcePlatform: coremsg.PlatformQQ, SourceMessageID: "m1",
		TargetPlatform: coremsg.PlatformTelegram, TargetMessageID: "tg-1",
	}); err != nil {
		t.Fatalf("seeding mapping: %v", err)
	}

	f.HandleNotice(context.Background(), coremsg.NoticeEvent{
		Platform:          coremsg.PlatformQQ,
		NoticeKind:        coremsg.NoticeEdit,
		ConversationID:    "qq-group-1",
		AffectedMessageID: "m1",
		EditedSegments:    coremsg.NewText("corrected text"),
	})

	if len(tgPeer.deleted) != 1 || tgPeer.deleted[0] != "tg-1" {
		t.Fatalf("expected old message deleted, got %v", tgPeer.deleted)
	}
	if len(tgPeer.sent) != 1 {
		t.Fatalf("expected one resend, got %d", len(tgPeer.sent))
	}

	targetID, ok, err := store.GetTargetID(coremsg.PlatformQQ, "m1", coremsg.PlatformTelegram)
	if err != nil {
		t.Fatalf("getting mapping: %v", err)
	}
	if !ok || targetID != "tg-1" {
		t.Fatalf("expected mapping rewritten to new peer id tg-1, got %q (ok=%v)", targetID, ok)
	}
}

func TestSetRoutesReplacesTableLive(t *testing.T) {
	f, _, _, tgPeer := newTestForwarder(t, []coremsg.BridgeRoute{basicRoute()})

	f.SetRoutes(nil)
	f.HandleMessage(context.Background(), coremsg.MessageEvent{
		Platform:       coremsg.PlatformQQ,
		ConversationID: "qq-group-1",
		MessageID:      "m1",
		Segments:       coremsg.NewText("hello"),
	})
	if len(tgPeer.sent) != 0 {
		t.Fatalf("expected no send after routes were cleared, got %d", len(tgPeer.sent))
	}

	f.SetRoutes([]coremsg.BridgeRoute{basicRoute()})
	f.HandleMessage(context.Background(), coremsg.MessageEvent{
		Platform:       coremsg.PlatformQQ,
		ConversationID: "qq-group-1",
		MessageID:      "m2",
		Segments:       coremsg.NewText("hello again"),
	})
	if len(tgPeer.sent) != 1 {
		t.Fatalf("expected the route restored by SetRoutes to forward, got %d sends", len(tgPeer.sent))
	}
}
