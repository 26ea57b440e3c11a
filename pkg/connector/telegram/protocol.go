package telegram

import (
	"fmt"
	"strconv"
	"time"

	"github.com/chatrelay/bridge/pkg/coremsg"
)

type update struct {
	UpdateID      int64    `json:"update_id"`
	Message       *message `json:"message"`
	EditedMessage *message `json:"edited_message"`
}

type message struct {
	MessageID int64  `json:"message_id"`
	From      *user  `json:"from"`
	Chat      chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text"`
	Caption   string `json:"caption"`

	Photo    []photoSize `json:"photo"`
	Video    *fileRef    `json:"video"`
	Voice    *fileRef    `json:"voice"`
	Document *fileRef    `json:"document"`
	Sticker  *fileRef    `json:"sticker"`
	Animation *fileRef   `json:"animation"`

	ReplyToMessage *message `json:"reply_to_message"`
	Entities       []entity `json:"entities"`
}

type user struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

func (u user) displayName() string {
	if u.Username != "" {
		return u.Username
	}
	return u.FirstName
}

type chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"` // "private", "group", "supergroup", "channel"
}

type photoSize struct {
	FileID string `json:"file_id"`
	Width  int    `json:"width"`
}

type fileRef struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
}

type entity struct {
	Type   string `json:"type"` // "mention", "text_mention", ...
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	User   *user  `json:"user"`
}

// parseUpdate implements the adapter's parse_event primitive for platform B.
// It returns (nil, nil) for update kinds this bridge has no use for
// (callback queries, channel posts, etc.), which the caller drops silently.
//
// Telegram's Bot API never reports a user-initiated message deletion to a
// bot, so there is no recall case here — DeleteMessage only ever runs in
// the direction the bridge itself initiates (mirroring a recall that
// happened on the other platform).
func parseUpdate(u update) (any, error) {
	switch {
	case u.Message != nil:
		return messageEvent(u.Message), nil
	case u.EditedMessage != nil:
		return editNoticeEvent(u.EditedMessage), nil
	default:
		return nil, nil
	}
}

func messageEvent(m *message) coremsg.MessageEvent {
	ev := coremsg.MessageEvent{
		Platform:         coremsg.PlatformTelegram,
		ConversationID:   strconv.FormatInt(m.Chat.ID, 10),
		MessageID:        strconv.FormatInt(m.MessageID, 10),
		Segments:         segmentsFromMessage(m),
		RawText:          textOf(m),
		Timestamp:        time.Unix(m.Date, 0),
		ConversationKind: conversationKind(m.Chat.Type),
	}
	if m.From != nil {
		ev.UserID = strconv.FormatInt(m.From.ID, 10)
	}
	if m.ReplyToMessage != nil {
		ev.ReplyToMessageID = strconv.FormatInt(m.ReplyToMessage.MessageID, 10)
	}
	return ev
}

func editNoticeEvent(m *message) coremsg.NoticeEvent {
	return coremsg.NoticeEvent{
		Platform:          coremsg.PlatformTelegram,
		NoticeKind:        coremsg.NoticeEdit,
		ConversationID:    strconv.FormatInt(m.Chat.ID, 10),
		UserID:            fromID(m),
		AffectedMessageID: strconv.FormatInt(m.MessageID, 10),
		Timestamp:         time.Unix(m.Date, 0),
		EditedSegments:    segmentsFromMessage(m),
		EditedRawText:     textOf(m),
	}
}

func fromID(m *message) string {
	if m.From == nil {
		return ""
	}
	return strconv.FormatInt(m.From.ID, 10)
}

func textOf(m *message) string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

func conversationKind(chatType string) coremsg.ConversationKind {
	if chatType == "private" {
		return coremsg.ConversationPrivate
	}
	return coremsg.ConversationGroup
}

// segmentsFromMessage builds the ordered segment list: mentions first (so
// they render before the text they annotate would in the source client),
// the dominant media attachment, then the text/caption body.
func segmentsFromMessage(m *message) coremsg.Message {
	var segs coremsg.Message

	for _, e := range m.Entities {
		if e.Type == "mention" || e.Type == "text_mention" {
			userID := ""
			if e.User != nil {
				userID = strconv.FormatInt(e.User.ID, 10)
			}
			segs = append(segs, coremsg.Segment{Type: coremsg.SegmentMention, Attributes: map[string]string{"user_id": userID}})
		}
	}

	switch {
	case len(m.Photo) > 0:
		largest := m.Photo[len(m.Photo)-1]
		segs = append(segs, coremsg.Segment{Type: coremsg.SegmentImage, Attributes: map[string]string{"file_id": largest.FileID}})
	case m.Animation != nil:
		segs = append(segs, coremsg.Segment{Type: coremsg.SegmentAnimated, Attributes: map[string]string{"file_id": m.Animation.FileID}})
	case m.Sticker != nil:
		segs = append(segs, coremsg.Segment{Type: coremsg.SegmentSticker, Attributes: map[string]string{"file_id": m.Sticker.FileID}})
	case m.Voice != nil:
		segs = append(segs, coremsg.Segment{Type: coremsg.SegmentVoice, Attributes: map[string]string{"file_id": m.Voice.FileID}})
	case m.Video != nil:
		segs = append(segs, coremsg.Segment{Type: coremsg.SegmentVideo, Attributes: map[string]string{"file_id": m.Video.FileID}})
	case m.Document != nil:
		segs = append(segs, coremsg.Segment{Type: coremsg.SegmentFile, Attributes: map[string]string{
			"file_id": m.Document.FileID, "name": m.Document.FileName, "size": fmt.Sprintf("%d", m.Document.FileSize),
		}})
	}

	if text := textOf(m); text != "" {
		segs = append(segs, coremsg.Segment{Type: coremsg.SegmentText, Attributes: map[string]string{"text": text}})
	}

	return segs
}
