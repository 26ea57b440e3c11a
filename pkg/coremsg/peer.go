package coremsg

import "context"

// SendResult is returned by a successful Sender.SendMessage call.
type SendResult struct {
	TargetMessageID string
}

// Sender is the minimal capability a Forwarder needs to deliver a translated
// message to a platform. Implemented by each platform's Connection Manager.
//
// Design note: the source bridge this is generalized from wraps every
// per-platform action as a method on a polymorphic bot base class. Here the
// capability is split into three small interfaces (Sender, Deleter,
// FileResolver) instead, so a Forwarder depends only on what it actually
// calls, and a connector's event callback never needs to reach back into the
// Forwarder directly.
type Sender interface {
	SendMessage(ctx context.Context, conversationID, topicID string, msg Message) (SendResult, error)
}

// Deleter lets a Forwarder propagate a recall to the peer platform.
type Deleter interface {
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
}

// FileResolver resolves a platform-native file/media reference to a
// fetchable URL, used when a segment carries a file-id but no direct URL.
type FileResolver interface {
	ResolveFileURL(ctx context.Context, fileID string) (string, error)
}

// Peer is the full capability set a Forwarder may use against the platform
// it forwards into. Not every platform need implement every piece fully —
// FileResolver may return an error for platforms with no such API.
type Peer interface {
	Sender
	Deleter
	FileResolver
}

// MemberInfo is the subset of a platform's user/member lookup the Message
// Translator needs to resolve a display name or expand a mention.
type MemberInfo struct {
	Nickname  string
	GroupCard string
	Title     string
}

// UserInfoProvider resolves per-conversation member info from the source
// platform's API, used by the Forwarder/Translator to refresh the display
// name cache (UserDisplayInfo) on first sight of a user.
type UserInfoProvider interface {
	GetMemberInfo(ctx context.Context, conversationID, userID string) (MemberInfo, error)
}

// ForwardExpander expands a source-platform "forward bundle" reference into
// its constituent nodes, used by the Message Translator for SegmentForward.
type ForwardExpander interface {
	ExpandForward(ctx context.Context, forwardID string) ([]ForwardNode, error)
}
