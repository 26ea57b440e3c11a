package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chatrelay/bridge/pkg/coremsg"
)

func TestParseUpdatePlainTextMessage(t *testing.T) {
	u := update{
		UpdateID: 1,
		Message: &message{
			MessageID: 5,
			From:      &user{ID: 42, Username: "alice"},
			Chat:      chat{ID: 100, Type: "group"},
			Date:      1700000000,
			Text:      "hello there",
		},
	}

	ev, err := parseUpdate(u)
	if err != nil {
		t.Fatalf("parseUpdate: %v", err)
	}
	msgEv, ok := ev.(coremsg.MessageEvent)
	if !ok {
		t.Fatalf("expected MessageEvent, got %T", ev)
	}
	if msgEv.ConversationID != "100" || msgEv.UserID != "42" {
		t.Fatalf("unexpected ids: %+v", msgEv)
	}
	if len(msgEv.Segments) != 1 || msgEv.Segments[0].Attributes["text"] != "hello there" {
		t.Fatalf("expected one text segment, got %+v", msgEv.Segments)
	}
}

func TestParseUpdateEditedMessageYieldsEditNotice(t *testing.T) {
	u := update{
		UpdateID: 2,
		EditedMessage: &message{
			MessageID: 5,
			Chat:      chat{ID: 100, Type: "private"},
			Date:      1700000001,
			Text:      "corrected",
		},
	}

	ev, err := parseUpdate(u)
	if err != nil {
		t.Fatalf("parseUpdate: %v", err)
	}
	notice, ok := ev.(coremsg.NoticeEvent)
	if !ok || notice.NoticeKind != coremsg.NoticeEdit {
		t.Fatalf("expected edit notice, got %+v", ev)
	}
	if notice.EditedRawText != "corrected" {
		t.Fatalf("expected edited text carried through, got %q", notice.EditedRawText)
	}
}

func TestParseUpdateIgnoresUnhandledKinds(t *testing.T) {
	ev, err := parseUpdate(update{UpdateID: 3})
	if err != nil {
		t.Fatalf("parseUpdate: %v", err)
	}
	if ev != nil {
		t.Fatalf("expected nil for an update with no message/edited_message, got %v", ev)
	}
}

func TestSegmentsFromMessagePrefersPhotoOverText(t *testing.T) {
	m := &message{
		Text:  "",
		Caption: "a cat",
		Photo: []photoSize{{FileID: "small", Width: 90}, {FileID: "large", Width: 800}},
	}
	segs := segmentsFromMessage(m)
	if len(segs) != 2 {
		t.Fatalf("expected image + caption segments, got %+v", segs)
	}
	if segs[0].Type != coremsg.SegmentImage || segs[0].Attributes["file_id"] != "large" {
		t.Fatalf("expected largest photo size selected, got %+v", segs[0])
	}
	if segs[1].Attributes["text"] != "a cat" {
		t.Fatalf("expected caption carried as trailing text, got %+v", segs[1])
	}
}

func newTestConnector(t *testing.T, handler http.HandlerFunc) (*Connector, *httptest.Server) {
	t.Helper()
	srv := httptest.NewTLSServer(handler)

	c := &Connector{
		cfg:    Config{Token: "tok", APIHost: srv.Listener.Addr().String()},
		client: srv.Client(),
	}
	return c, srv
}

func TestSendMessagePlainText(t *testing.T) {
	var gotPath string
	c, srv := newTestConnector(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"message_id": 77},
		})
	})
	defer srv.Close()

	result, err := c.SendMessage(context.Background(), "100", "", coremsg.NewText("hi"))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if result.TargetMessageID != "77" {
		t.Fatalf("expected target message id 77, got %q", result.TargetMessageID)
	}
	if gotPath == "" {
		t.Fatal("expected a request to reach the test server")
	}
}
