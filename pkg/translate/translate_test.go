package translate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chatrelay/bridge/pkg/coremsg"
	"github.com/chatrelay/bridge/pkg/media"
	"github.com/chatrelay/bridge/pkg/storage"
)

func newTestTranslator(t *testing.T) (*Translator, *storage.Store) {
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
	return New(store, eng, false, 500), store
}

func TestTranslateTextPassesThrough(t *testing.T) {
	tr, _ := newTestTranslator(t)
	in := coremsg.NewText("hello world")
	out, err := tr.Translate(context.Background(), Request{SourcePlatform: coremsg.PlatformQQ, TargetPlatform: coremsg.PlatformTelegram}, in)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(out) != 1 || out[0].Attributes["text"] != "hello world" {
		t.Fatalf("expected unchanged text, got %+v", out)
	}
}

func TestTranslateFaceBecomesTextStub(t *testing.T) {
	tr, _ := newTestTranslator(t)
	in := coremsg.Message{{Type: coremsg.SegmentFace, Attributes: map[string]string{"id": "42"}}}
	out, err := tr.Translate(context.Background(), Request{}, in)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(out) != 1 || out[0].Attributes["text"] != "[face:42]" {
		t.Fatalf("expected face stub, got %+v", out)
	}
}

func TestTranslateReplyDropsWhenUnmapped(t *testing.T) {
	tr, _ := newTestTranslator(t)
	in := coremsg.Message{{Type: coremsg.SegmentReply, Attributes: map[string]string{"message_id": "999"}}}
	out, err := tr.Translate(context.Background(), Request{SourcePlatform: coremsg.PlatformQQ, TargetPlatform: coremsg.PlatformTelegram}, in)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected reply to be dropped when unmapped, got %+v", out)
	}
}

func TestTranslateReplyResolvesKnownMapping(t *testing.T) {
	tr, store := newTestTranslator(t)
	if _, err := store.AddMapping(coremsg.MessageMapping{
		SourcePlatform: coremsg.PlatformQQ, SourceMessageID: "100",
		TargetPlatform: coremsg.PlatformTelegram, TargetMessageID: "200",
	}); err != nil {
		t.Fatalf("adding mapping: %v", err)
	}

	in := coremsg.Message{{Type: coremsg.SegmentReply, Attributes: map[string]string{"message_id": "100"}}}
	out, err := tr.Translate(context.Background(), Request{SourcePlatform: coremsg.PlatformQQ, TargetPlatform: coremsg.PlatformTelegram}, in)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(out) != 1 || out[0].Attributes["message_id"] != "200" {
		t.Fatalf("expected reply resolved to 200, got %+v", out)
	}
}

func TestTranslateMultiImageAggregationHeader(t *testing.T) {
	tr, _ := newTestTranslator(t)
	in := coremsg.Message{
		{Type: coremsg.SegmentImage, Attributes: map[string]string{"url": "https://cdn/1.jpg"}},
		{Type: coremsg.SegmentImage, Attributes: map[string]string{"url": "https://cdn/2.jpg"}},
	}
	out, err := tr.Translate(context.Background(), Request{SourcePlatform: coremsg.PlatformQQ, TargetPlatform: coremsg.PlatformTelegram}, in)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if !strings.Contains(out[0].Attributes["text"], "共2张图片") {
		t.Fatalf("expected multi-image header, got %+v", out)
	}
}

func TestTranslateSingleImageNoHeader(t *testing.T) {
	tr, _ := newTestTranslator(t)
	in := coremsg.Message{
		{Type: coremsg.SegmentImage, Attributes: map[string]string{"url": "https://cdn/1.jpg"}},
	}
	out, err := tr.Translate(context.Background(), Request{SourcePlatform: coremsg.PlatformQQ, TargetPlatform: coremsg.PlatformTelegram}, in)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(out) != 1 || out[0].Type != coremsg.SegmentImage {
		t.Fatalf("expected a lone image with no header, got %+v", out)
	}
}

func TestTranslateImageKindProbeUsesCacheOnSecondCall(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte("GIF89a static-looking but tagged animated"))
	}))
	defer srv.Close()

	tr, _ := newTestTranslator(t)
	in := coremsg.Message{{Type: coremsg.SegmentImage, Attributes: map[string]string{"url": srv.URL, "subType": "1"}}}

	out, err := tr.Translate(context.Background(), Request{SourcePlatform: coremsg.PlatformQQ, TargetPlatform: coremsg.PlatformTelegram}, in)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(out) != 1 || out[0].Type != coremsg.SegmentAnimated {
		t.Fatalf("expected GIF probe to classify as animated, got %+v", out)
	}

	if _, err := tr.Translate(context.Background(), Request{SourcePlatform: coremsg.PlatformQQ, TargetPlatform: coremsg.PlatformTelegram}, in); err != nil {
		t.Fatalf("translate (cached): %v", err)
	}
	if hits != 1 {
		t.Fatalf("expected the second translate to reuse the cached fingerprint, got %d CDN hits", hits)
	}
}

func TestTranslateForwardExpandsNodes(t *testing.T) {
	tr, _ := newTestTranslator(t)
	in := coremsg.Message{{
		Type: coremsg.SegmentForward,
		Nodes: []coremsg.ForwardNode{
			{UserID: "1", DisplayName: "Alice", Content: coremsg.NewText("hi there")},
			{UserID: "2", DisplayName: "Bob", Content: coremsg.NewText("hello back")},
		},
	}}
	out, err := tr.Translate(context.Background(), Request{}, in)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	text := out[0].Attributes["text"]
	if !strings.Contains(text, "Alice") || !strings.Contains(text, "Bob") {
		t.Fatalf("expected both forward nodes rendered, got %q", text)
	}
}

func TestTranslateCardRendersStub(t *testing.T) {
	tr, _ := newTestTranslator(t)
	in := coremsg.Message{{
		Type: coremsg.SegmentCard,
		Attributes: map[string]string{
			"title": "Some Title",
			"desc":  "Some description",
			"url":   "https://example.com",
			"app":   "com.example.app",
		},
	}}
	out, err := tr.Translate(context.Background(), Request{}, in)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	text := out[0].Attributes["text"]
	for _, want := range []string{"Some Title", "Some description", "https://example.com", "com.example.app"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected card stub to contain %q, got %q", want, text)
		}
	}
}
