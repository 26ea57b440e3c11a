// Package coremsg defines the wire-agnostic message model shared by every
// component of the bridge: segments, messages, events and the small
// capability interfaces a platform connector must satisfy to participate in
// forwarding.
package coremsg

import "time"

// Platform identifies one side of the bridge.
type Platform string

const (
	PlatformQQ       Platform = "qq"
	PlatformTelegram Platform = "telegram"
)

// SegmentType enumerates the recognized message segment variants.
type SegmentType string

const (
	SegmentText     SegmentType = "text"
	SegmentImage    SegmentType = "image"
	SegmentVideo    SegmentType = "video"
	SegmentVoice    SegmentType = "voice"
	SegmentFile     SegmentType = "file"
	SegmentSticker  SegmentType = "sticker"
	SegmentAnimated SegmentType = "animation"
	SegmentFace     SegmentType = "face"
	SegmentMention  SegmentType = "mention"
	SegmentReply    SegmentType = "reply"
	SegmentForward  SegmentType = "forward"
	SegmentNode     SegmentType = "node"
	SegmentCard     SegmentType = "card"
	SegmentMusic    SegmentType = "music"
	SegmentShare    SegmentType = "share"
)

// Segment is one tagged, typed unit of a Message. Attributes are
// type-specific; see the Message Translator for the recognized keys per
// SegmentType.
type Segment struct {
	Type       SegmentType
	Attributes map[string]string

	// Nodes carries nested messages for SegmentForward / SegmentNode
	// segments, since those attributes cannot be flattened into strings.
	Nodes []ForwardNode
}

// ForwardNode is one entry of an expanded forward bundle.
type ForwardNode struct {
	UserID      string
	DisplayName string
	Content     Message
}

// Message is an ordered sequence of segments. An empty Message is valid and
// represents a no-op forward (e.g. a pure notice).
type Message []Segment

// NewText is a convenience constructor for a single-segment text message.
func NewText(s string) Message {
	return Message{{Type: SegmentText, Attributes: map[string]string{"text": s}}}
}

// ConversationKind distinguishes group from private conversations.
type ConversationKind string

const (
	ConversationGroup   ConversationKind = "group"
	ConversationPrivate ConversationKind = "private"
)

// MessageEvent is an inbound chat message on one platform.
type MessageEvent struct {
	Platform         Platform
	ConversationID   string
	UserID           string
	MessageID        string
	Segments         Message
	RawText          string
	ReplyToMessageID string // empty if not a reply
	Timestamp        time.Time
	ConversationKind ConversationKind
}

// NoticeKind enumerates the notice variants the bridge understands.
type NoticeKind string

const (
	NoticeRecall    NoticeKind = "recall"
	NoticeJoin      NoticeKind = "join"
	NoticeLeave     NoticeKind = "leave"
	NoticeEdit      NoticeKind = "edit"
	NoticeHeartbeat NoticeKind = "heartbeat"
	NoticeOther     NoticeKind = "other"
)

// NoticeEvent is an inbound non-message notification: a recall, a
// membership change, an edit, or a heartbeat.
type NoticeEvent struct {
	Platform          Platform
	NoticeKind        NoticeKind
	ConversationID    string
	UserID            string
	AffectedMessageID string
	Timestamp         time.Time
	Raw               map[string]any

	// EditedSegments / EditedRawText are populated only for NoticeEdit.
	EditedSegments Message
	EditedRawText  string
}

// BridgeRoute configures a conversation pairing between the two platforms.
type BridgeRoute struct {
	QQConversation       string
	TelegramConversation string
	TelegramTopicID      string // empty unless Mode == RouteModeTopic
	Mode                 RouteMode
	ShowSenderQQToTG     bool
	ShowSenderTGToQQ     bool
}

// RouteMode selects whether the Telegram side addresses a plain chat or a
// forum topic sub-thread within it.
type RouteMode string

const (
	RouteModeGroup RouteMode = "group"
	RouteModeTopic RouteMode = "topic"
)
