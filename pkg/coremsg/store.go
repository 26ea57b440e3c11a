package coremsg

import "time"

// MessageMapping links a forwarded message's source identity to its
// counterpart on the target platform. The triple
// (SourcePlatform, SourceMessageID, TargetPlatform) is unique: at most one
// forwarded copy exists per source on a given target.
type MessageMapping struct {
	SourcePlatform  Platform
	SourceMessageID string
	TargetPlatform  Platform
	TargetMessageID string
	CreatedAt       time.Time
}

// UserDisplayInfo is a per-conversation overlay on per-platform identity.
// The effective display name resolves group_card > title > nickname > user_id.
type UserDisplayInfo struct {
	Platform       Platform
	UserID         string
	ConversationID string // empty for the platform-global entry
	Nickname       string
	GroupCard      string
	Title          string
	LastUpdated    time.Time
}

// EffectiveName applies the group_card > title > nickname > user_id priority.
func (u UserDisplayInfo) EffectiveName() string {
	switch {
	case u.GroupCard != "":
		return u.GroupCard
	case u.Title != "":
		return u.Title
	case u.Nickname != "":
		return u.Nickname
	default:
		return u.UserID
	}
}

// MediaKind distinguishes how a cached media fingerprint should be resent.
type MediaKind string

const (
	MediaKindImage     MediaKind = "image"
	MediaKindAnimation MediaKind = "animation"
	MediaKindVoice     MediaKind = "voice"
	MediaKindVideo     MediaKind = "video"
	MediaKindFile      MediaKind = "file"
)

// MediaFingerprint caches a target platform's file-id for a previously
// uploaded media item, keyed by a hash computed from the source URL or
// source file-id, so reforwarding the same sticker/gif skips re-upload.
type MediaFingerprint struct {
	FingerprintHash string
	PeerFileID      string
	MediaKind       MediaKind
	IsAnimated      bool
	MimeType        string
	CreatedAt       time.Time
	LastUsedAt      time.Time
	LastCheckedAt   time.Time
}

// RetryKind distinguishes the two RetryRecord flavors sharing one schema.
type RetryKind string

const (
	RetryKindSend     RetryKind = "send"
	RetryKindDownload RetryKind = "download"
)

// SendRetryRecord is a durable pending-forward awaiting its next
// backoff-scheduled attempt. Payload is the already-translated segment set,
// so a retry never re-runs the Message Translator.
type SendRetryRecord struct {
	SourcePlatform       Platform
	SourceMessageID      string
	TargetPlatform       Platform
	ConversationID       string // target-side conversation id
	SourceConversationID string
	TargetTopicID        string
	Payload              Message
	AttemptCount         int
	MaxAttempts          int
	NextAttemptAt        time.Time
	LastFailureReason    string
	CreatedAt            time.Time
}

// DownloadRetryRecord is a durable pending-media-fetch awaiting its next
// backoff-scheduled attempt.
type DownloadRetryRecord struct {
	Platform          Platform
	FileID            string
	Kind              string
	URL               string
	LocalPath         string
	UseProxy          bool
	AttemptCount      int
	MaxAttempts       int
	NextAttemptAt     time.Time
	LastFailureReason string
	CreatedAt         time.Time
}

// HeartbeatRecord is the last-seen-alive status for one platform connection.
type HeartbeatRecord struct {
	Platform        Platform
	LastHeartbeatAt time.Time
	RawStatus       string
}
