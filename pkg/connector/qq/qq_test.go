package qq

import (
	"testing"

	"github.com/chatrelay/bridge/pkg/coremsg"
)

func TestCQEscapeUnescapeRoundTrip(t *testing.T) {
	cases := []string{
		"plain text",
		"a & b",
		"[bracketed, stuff]",
		"&amp;&#91;&#93;&#44;",
		"",
		"逗号, 方括号[]",
	}
	for _, s := range cases {
		escaped := cqEscape(s)
		if got := cqUnescape(escaped); got != s {
			t.Errorf("round trip failed for %q: escaped=%q got back %q", s, escaped, got)
		}
	}
}

func TestCQEscapeOrderPreventsDoubleEscaping(t *testing.T) {
	// "&" must be escaped before the bracket/comma triple, otherwise the "&"
	// introduced by escaping "[" would itself be re-escaped into "&amp;#91;".
	got := cqEscape("[")
	want := "&#91;"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestEncodeParseCQStringRoundTrip(t *testing.T) {
	msg := coremsg.Message{
		{Type: coremsg.SegmentText, Attributes: map[string]string{"text": "hello, world"}},
		{Type: coremsg.SegmentFace, Attributes: map[string]string{"id": "1"}},
	}
	encoded := EncodeCQString(msg)
	decoded := ParseCQString(encoded)

	if len(decoded) != 2 {
		t.Fatalf("expected 2 segments, got %d (%q)", len(decoded), encoded)
	}
	if decoded[0].Type != coremsg.SegmentText || decoded[0].Attributes["text"] != "hello, world" {
		t.Fatalf("text segment not round-tripped: %+v", decoded[0])
	}
	if decoded[1].Type != coremsg.SegmentFace || decoded[1].Attributes["id"] != "1" {
		t.Fatalf("face segment not round-tripped: %+v", decoded[1])
	}
}

func TestParseEventMessageGroup(t *testing.T) {
	raw := []byte(`{
		"post_type": "message",
		"message_type": "group",
		"group_id": 12345,
		"user_id": "67890",
		"message_id": 1,
		"raw_message": "hi",
		"time": 1700000000,
		"message": [{"type":"text","data":{"text":"hi"}}]
	}`)

	ev, err := parseEvent(raw)
	if err != nil {
		t.Fatalf("parseEvent: %v", err)
	}
	msgEv, ok := ev.(coremsg.MessageEvent)
	if !ok {
		t.Fatalf("expected MessageEvent, got %T", ev)
	}
	if msgEv.ConversationID != "12345" {
		t.Fatalf("expected group_id normalized to string, got %q", msgEv.ConversationID)
	}
	if msgEv.ConversationKind != coremsg.ConversationGroup {
		t.Fatalf("expected group conversation kind, got %q", msgEv.ConversationKind)
	}
	if len(msgEv.Segments) != 1 || msgEv.Segments[0].Attributes["text"] != "hi" {
		t.Fatalf("expected one text segment, got %+v", msgEv.Segments)
	}
}

func TestParseEventGroupRecall(t *testing.T) {
	raw := []byte(`{
		"post_type": "notice",
		"notice_type": "group_recall",
		"group_id": 12345,
		"user_id": 1,
		"message_id": 99,
		"time": 1700000000
	}`)

	ev, err := parseEvent(raw)
	if err != nil {
		t.Fatalf("parseEvent: %v", err)
	}
	notice, ok := ev.(coremsg.NoticeEvent)
	if !ok {
		t.Fatalf("expected NoticeEvent, got %T", ev)
	}
	if notice.NoticeKind != coremsg.NoticeRecall {
		t.Fatalf("expected recall, got %q", notice.NoticeKind)
	}
	if notice.AffectedMessageID != "99" {
		t.Fatalf("expected affected message id 99, got %q", notice.AffectedMessageID)
	}
}

func TestParseEventHeartbeat(t *testing.T) {
	raw := []byte(`{"post_type":"meta_event","meta_event_type":"heartbeat","time":1700000000,"status":{"online":true}}`)

	ev, err := parseEvent(raw)
	if err != nil {
		t.Fatalf("parseEvent: %v", err)
	}
	notice, ok := ev.(coremsg.NoticeEvent)
	if !ok || notice.NoticeKind != coremsg.NoticeHeartbeat {
		t.Fatalf("expected heartbeat notice, got %+v", ev)
	}
}

func TestParseEventUnknownPostTypeErrors(t *testing.T) {
	raw := []byte(`{"post_type":"request"}`)
	if _, err := parseEvent(raw); err == nil {
		t.Fatal("expected an error for an unhandled post_type")
	}
}

func TestSerializeSegmentsSkipsUnsupportedTypes(t *testing.T) {
	msg := coremsg.Message{
		{Type: coremsg.SegmentText, Attributes: map[string]string{"text": "hi"}},
		{Type: coremsg.SegmentMention, Attributes: map[string]string{"user_id": "1"}},
	}
	segs := serializeSegments(msg)
	if len(segs) != 1 {
		t.Fatalf("expected mention (unsupported outbound) to be dropped, got %d segments", len(segs))
	}
}
