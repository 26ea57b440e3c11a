package qq

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chatrelay/bridge/pkg/coremsg"
)

// actionRequest is the duplex-connector outbound frame shape.
type actionRequest struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
	Echo   uint64         `json:"echo"`
}

// actionResponse is the Variant W inbound response frame shape.
type actionResponse struct {
	Status  string          `json:"status"`
	Retcode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Echo    uint64          `json:"echo"`
}

// cqSegment is one entry of the array-format "message" field.
type cqSegment struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data"`
}

// rawEvent is the superset of fields a post_type="message"/"notice"/"meta_event"
// envelope may carry. Numeric ids are decoded via json.Number so they accept
// either integer or string wire representations.
type rawEvent struct {
	PostType      string          `json:"post_type"`
	MessageType   string          `json:"message_type"`
	NoticeType    string          `json:"notice_type"`
	MetaEventType string          `json:"meta_event_type"`
	MessageID     jsonID          `json:"message_id"`
	UserID        jsonID          `json:"user_id"`
	GroupID       jsonID          `json:"group_id"`
	TargetID      jsonID          `json:"target_id"`
	OperatorID    jsonID          `json:"operator_id"`
	Time          int64           `json:"time"`
	RawMessage    string          `json:"raw_message"`
	Message       json.RawMessage `json:"message"`
	Sender        struct {
		Nickname string `json:"nickname"`
		Card     string `json:"card"`
	} `json:"sender"`
	Status json.RawMessage `json:"status"`
}

// jsonID accepts either a JSON number or string and normalizes to string,
// since numeric identifiers may arrive in either wire form.
type jsonID string

func (j *jsonID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*j = jsonID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*j = jsonID(n.String())
	return nil
}

// parseEvent implements the adapter's parse_event primitive: schema-tolerant
// classification of an inbound frame into a MessageEvent or NoticeEvent.
// Unknown/malformed frames return an error rather than a panic; the caller
// logs and drops them.
func parseEvent(data []byte) (any, error) {
	var ev rawEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", coremsg.ErrParse, err)
	}

	switch ev.PostType {
	case "message":
		return parseMessageEvent(ev)
	case "notice":
		return parseNoticeEvent(ev)
	case "meta_event":
		if ev.MetaEventType == "heartbeat" {
			return coremsg.NoticeEvent{
				Platform:   coremsg.PlatformQQ,
				NoticeKind: coremsg.NoticeHeartbeat,
				Timestamp:  time.Unix(ev.Time, 0),
				Raw:        rawStatusMap(ev.Status),
			}, nil
		}
		return nil, fmt.Errorf("%w: unhandled meta_event_type %q", coremsg.ErrParse, ev.MetaEventType)
	default:
		return nil, fmt.Errorf("%w: unhandled post_type %q", coremsg.ErrParse, ev.PostType)
	}
}

func rawStatusMap(status json.RawMessage) map[string]any {
	if len(status) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(status, &m); err != nil {
		return nil
	}
	return m
}

func parseMessageEvent(ev rawEvent) (coremsg.MessageEvent, error) {
	conversationID := string(ev.GroupID)
	kind := coremsg.ConversationGroup
	if ev.MessageType == "private" || conversationID == "" {
		conversationID = string(ev.UserID)
		kind = coremsg.ConversationPrivate
	}

	segs, replyTo := parseSegments(ev.Message)

	return coremsg.MessageEvent{
		Platform:         coremsg.PlatformQQ,
		ConversationID:   conversationID,
		UserID:           string(ev.UserID),
		MessageID:        string(ev.MessageID),
		Segments:         segs,
		RawText:          ev.RawMessage,
		ReplyToMessageID: replyTo,
		Timestamp:        time.Unix(ev.Time, 0),
		ConversationKind: kind,
	}, nil
}

func parseNoticeEvent(ev rawEvent) (coremsg.NoticeEvent, error) {
	conversationID := string(ev.GroupID)
	if conversationID == "" {
		conversationID = string(ev.UserID)
	}

	kind := coremsg.NoticeOther
	switch ev.NoticeType {
	case "group_recall", "friend_recall":
		kind = coremsg.NoticeRecall
	case "group_increase":
		kind = coremsg.NoticeJoin
	case "group_decrease":
		kind = coremsg.NoticeLeave
	case "group_msg_edit", "friend_msg_edit":
		kind = coremsg.NoticeEdit
	}

	ne := coremsg.NoticeEvent{
		Platform:          coremsg.PlatformQQ,
		NoticeKind:        kind,
		ConversationID:    conversationID,
		UserID:            string(ev.UserID),
		AffectedMessageID: string(ev.MessageID),
		Timestamp:         time.Unix(ev.Time, 0),
	}

	if kind == coremsg.NoticeEdit {
		segs, _ := parseSegments(ev.Message)
		ne.EditedSegments = segs
		ne.EditedRawText = ev.RawMessage
	}

	return ne, nil
}

// parseSegments decodes the array-format "message" field into a Message. A
// reply segment is pulled out into replyTo separately since the translator
// models it as MessageEvent.ReplyToMessageID rather than a leading segment.
func parseSegments(raw json.RawMessage) (coremsg.Message, string) {
	if len(raw) == 0 {
		return nil, ""
	}

	var segs []cqSegment
	if err := json.Unmarshal(raw, &segs); err != nil {
		// Some deployments report plain-string messages even in array mode;
		// treat the whole field as a single text segment.
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return coremsg.NewText(cqUnescape(s)), ""
		}
		return nil, ""
	}

	var out coremsg.Message
	var replyTo string
	for _, s := range segs {
		switch s.Type {
		case "reply":
			replyTo = s.Data["id"]
		default:
			out = append(out, segmentFromCQ(s))
		}
	}
	return out, replyTo
}

func segmentFromCQ(s cqSegment) coremsg.Segment {
	switch s.Type {
	case "text":
		return coremsg.Segment{Type: coremsg.SegmentText, Attributes: map[string]string{"text": cqUnescape(s.Data["text"])}}
	case "image":
		return coremsg.Segment{Type: coremsg.SegmentImage, Attributes: map[string]string{
			"url": s.Data["url"], "file_id": s.Data["file"], "subType": s.Data["sub_type"],
		}}
	case "record":
		return coremsg.Segment{Type: coremsg.SegmentVoice, Attributes: map[string]string{"url": s.Data["url"], "file_id": s.Data["file"]}}
	case "video":
		return coremsg.Segment{Type: coremsg.SegmentVideo, Attributes: map[string]string{"url": s.Data["url"], "file_id": s.Data["file"]}}
	case "file":
		return coremsg.Segment{Type: coremsg.SegmentFile, Attributes: map[string]string{
			"url": s.Data["url"], "file_id": s.Data["file"], "name": s.Data["name"], "size": s.Data["size"],
		}}
	case "face":
		return coremsg.Segment{Type: coremsg.SegmentFace, Attributes: map[string]string{"id": s.Data["id"]}}
	case "mface":
		return coremsg.Segment{Type: coremsg.SegmentSticker, Attributes: map[string]string{"url": s.Data["url"], "file_id": s.Data["file"]}}
	case "at":
		return coremsg.Segment{Type: coremsg.SegmentMention, Attributes: map[string]string{"user_id": s.Data["qq"]}}
	case "forward":
		return coremsg.Segment{Type: coremsg.SegmentForward, Attributes: map[string]string{"forward_id": s.Data["id"]}}
	case "json":
		return coremsg.Segment{Type: coremsg.SegmentCard, Attributes: parseMiniappJSON(s.Data["data"])}
	case "share":
		return coremsg.Segment{Type: coremsg.SegmentShare, Attributes: map[string]string{"url": s.Data["url"], "title": s.Data["title"], "desc": s.Data["content"]}}
	case "music":
		return coremsg.Segment{Type: coremsg.SegmentMusic, Attributes: map[string]string{"url": s.Data["url"], "title": s.Data["title"]}}
	default:
		return coremsg.Segment{Type: coremsg.SegmentText, Attributes: map[string]string{"text": fmt.Sprintf("[%s]", s.Type)}}
	}
}

// parseMiniappJSON best-effort extracts the title/desc/app/url fields a
// mini-app card commonly nests under meta.*.detail_1, falling back to the
// raw payload so a failed parse can still render via the raw-json stub.
func parseMiniappJSON(raw string) map[string]string {
	attrs := map[string]string{"raw_json": raw}
	if raw == "" {
		return attrs
	}

	var doc struct {
		Meta map[string]struct {
			Title  string `json:"title"`
			Desc   string `json:"desc"`
			Tag    string `json:"tag"`
			QQDocURL string `json:"qqdocurl"`
		} `json:"meta"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return attrs
	}
	for _, detail := range doc.Meta {
		if detail.Title != "" {
			attrs["title"] = detail.Title
		}
		if detail.Desc != "" {
			attrs["desc"] = detail.Desc
		}
		if detail.Tag != "" {
			attrs["app"] = detail.Tag
		}
		if detail.QQDocURL != "" {
			attrs["url"] = detail.QQDocURL
		}
	}
	return attrs
}

// serializeSegments is the adapter's outbound half: it renders a translated
// Message as the array-format "message" param expected by send_group_msg /
// send_private_msg.
func serializeSegments(msg coremsg.Message) []map[string]any {
	segs := make([]map[string]any, 0, len(msg))
	for _, seg := range msg {
		if s, ok := segmentToCQ(seg); ok {
			segs = append(segs, s)
		}
	}
	return segs
}

func segmentToCQ(seg coremsg.Segment) (map[string]any, bool) {
	switch seg.Type {
	case coremsg.SegmentText:
		return map[string]any{"type": "text", "data": map[string]string{"text": seg.Attributes["text"]}}, true
	case coremsg.SegmentImage, coremsg.SegmentAnimated:
		return map[string]any{"type": "image", "data": map[string]string{"file": seg.Attributes["url"]}}, true
	case coremsg.SegmentVoice:
		return map[string]any{"type": "record", "data": map[string]string{"file": seg.Attributes["url"]}}, true
	case coremsg.SegmentVideo:
		return map[string]any{"type": "video", "data": map[string]string{"file": seg.Attributes["url"]}}, true
	case coremsg.SegmentFile:
		return map[string]any{"type": "file", "data": map[string]string{"file": seg.Attributes["url"], "name": seg.Attributes["name"]}}, true
	case coremsg.SegmentSticker:
		file := seg.Attributes["file_id"]
		if file == "" {
			file = seg.Attributes["url"]
		}
		return map[string]any{"type": "image", "data": map[string]string{"file": file}}, true
	case coremsg.SegmentReply:
		return map[string]any{"type": "reply", "data": map[string]string{"id": seg.Attributes["message_id"]}}, true
	default:
		return nil, false
	}
}

// EncodeCQString renders msg as the legacy in-band tagged string form
// ("[TAG:key=value,…]"), applying cq_escape to every value.
// The live connector defaults to array-format messages, but a self-hosted
// deployment may be configured for the string form, so the adapter exposes
// both codecs.
func EncodeCQString(msg coremsg.Message) string {
	var b strings.Builder
	for _, seg := range msg {
		if seg.Type == coremsg.SegmentText {
			b.WriteString(cqEscape(seg.Attributes["text"]))
			continue
		}
		b.WriteString("[" + string(seg.Type))
		keys := make([]string, 0, len(seg.Attributes))
		for k := range seg.Attributes {
			keys = append(keys, k)
		}
		for _, k := range keys {
			b.WriteString("," + k + "=" + cqEscape(seg.Attributes[k]))
		}
		b.WriteString("]")
	}
	return b.String()
}

// ParseCQString decodes the legacy in-band tagged string form back into a
// Message, reversing EncodeCQString/cq_escape.
func ParseCQString(s string) coremsg.Message {
	var out coremsg.Message
	i := 0
	for i < len(s) {
		open := strings.IndexByte(s[i:], '[')
		if open == -1 {
			if rest := s[i:]; rest != "" {
				out = append(out, coremsg.Segment{Type: coremsg.SegmentText, Attributes: map[string]string{"text": cqUnescape(rest)}})
			}
			break
		}
		if open > 0 {
			out = append(out, coremsg.Segment{Type: coremsg.SegmentText, Attributes: map[string]string{"text": cqUnescape(s[i : i+open])}})
		}
		i += open + 1
		close := strings.IndexByte(s[i:], ']')
		if close == -1 {
			break
		}
		tag := s[i : i+close]
		i += close + 1

		parts := strings.Split(tag, ",")
		segType := coremsg.SegmentType(parts[0])
		attrs := make(map[string]string)
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) == 2 {
				attrs[kv[0]] = cqUnescape(kv[1])
			}
		}
		out = append(out, coremsg.Segment{Type: segType, Attributes: attrs})
	}
	return out
}
