// Package forwarder is the bridge's Forwarder: the per-direction policy
// layer that composes the Mapping Store, Message Translator and Retry Queue
// into the actual A→B / B→A forwarding decision.
package forwarder

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chatrelay/bridge/pkg/coremsg"
	"github.com/chatrelay/bridge/pkg/log"
	"github.com/chatrelay/bridge/pkg/retryqueue"
	"github.com/chatrelay/bridge/pkg/storage"
	"github.com/chatrelay/bridge/pkg/translate"
)

var logger = log.ForService("forwarder")

// maxSendAttempts is the retry budget handed to every enqueued send-retry.
const maxSendAttempts = 5

// Forwarder owns both forwarding directions; which direction applies to a
// given event is determined entirely by ev.Platform, so a single instance
// is wired to both Connection Managers through the Event Router.
type Forwarder struct {
	store      *storage.Store
	translator *translate.Translator
	retry      *retryqueue.Queue

	routesMu        sync.RWMutex
	routesBySourceA map[string]coremsg.BridgeRoute // keyed by QQConversation
	routesBySourceB map[string]coremsg.BridgeRoute // keyed by TelegramConversation

	peers            map[coremsg.Platform]coremsg.Peer
	userInfo         map[coremsg.Platform]coremsg.UserInfoProvider
	forwardExpanders map[coremsg.Platform]coremsg.ForwardExpander
}

// New builds a Forwarder over a fixed bridge-route table. Routes are
// resolved by source conversation id; a conversation absent from routes is
// unbridged and every event on it is dropped.
func New(store *storage.Store, translator *translate.Translator, retry *retryqueue.Queue, routes []coremsg.BridgeRoute) *Forwarder {
	f := &Forwarder{
		store:            store,
		translator:       translator,
		retry:            retry,
		peers:            make(map[coremsg.Platform]coremsg.Peer),
		userInfo:         make(map[coremsg.Platform]coremsg.UserInfoProvider),
		forwardExpanders: make(map[coremsg.Platform]coremsg.ForwardExpander),
	}
	f.SetRoutes(routes)
	return f
}

// SetRoutes atomically replaces the bridge-route table, used by the config
// hot-reload watcher to pick up bridge_routes edits without restarting the
// process or disturbing any in-flight connection.
func (f *Forwarder) SetRoutes(routes []coremsg.BridgeRoute) {
	bySourceA := make(map[string]coremsg.BridgeRoute, len(routes))
	bySourceB := make(map[string]coremsg.BridgeRoute, len(routes))
	for _, r := range routes {
		if r.QQConversation != "" {
			bySourceA[r.QQConversation] = r
		}
		if r.TelegramConversation != "" {
			bySourceB[r.TelegramConversation] = r
		}
	}

	f.routesMu.Lock()
	f.routesBySourceA = bySourceA
	f.routesBySourceB = bySourceB
	f.routesMu.Unlock()
}

// RegisterPlatform wires a Connection Manager's capabilities into the
// Forwarder: peer is used to send/delete/resolve files when this platform is
// a forward *target*; userInfo and expander are used when this platform is
// a forward *source* (refreshing mentions, expanding forward bundles). Any
// of userInfo/expander may be nil for a platform with no such API.
//
// This also registers the Retry Queue's send callback for platform, since
// the callback is just "ask this same peer to send again".
func (f *Forwarder) RegisterPlatform(platform coremsg.Platform, peer coremsg.Peer, userInfo coremsg.UserInfoProvider, expander coremsg.ForwardExpander) {
	f.peers[platform] = peer
	f.userInfo[platform] = userInfo
	f.forwardExpanders[platform] = expander

	f.retry.RegisterSendCallback(platform, func(ctx context.Context, rec coremsg.SendRetryRecord) (retryqueue.SendResult, error) {
		res, err := peer.SendMessage(ctx, rec.ConversationID, rec.TargetTopicID, rec.Payload)
		if err != nil {
			return retryqueue.SendResult{}, err
		}
		return retryqueue.SendResult{TargetMessageID: res.TargetMessageID}, nil
	})
}

func otherPlatform(p coremsg.Platform) coremsg.Platform {
	if p == coremsg.PlatformQQ {
		return coremsg.PlatformTelegram
	}
	return coremsg.PlatformQQ
}

func displayName(p coremsg.Platform) string {
	if p == coremsg.PlatformQQ {
		return "QQ"
	}
	return "Telegram"
}

// sentinelPrefix is the fixed marker written onto text entering QQ so a
// later QQ-incoming message carrying it can be recognized as a loopback of
// something the bridge itself just forwarded there, rather than bounced
// back to Telegram. Telegram-incoming text never carries an equivalent
// marker: QQ has no loopback path to guard against.
func sentinelPrefix(p coremsg.Platform) string {
	return fmt.Sprintf("[%s] ", displayName(p))
}

// resolveRoute finds the configured bridge route for an inbound conversation
// on sourcePlatform, returning the target conversation, optional target
// topic, and whether the route shows the sender's display name in this
// direction.
func (f *Forwarder) resolveRoute(sourcePlatform coremsg.Platform, conversationID string) (targetConv, targetTopic string, showSender, ok bool) {
	f.routesMu.RLock()
	defer f.routesMu.RUnlock()

	if sourcePlatform == coremsg.PlatformQQ {
		r, found := f.routesBySourceA[conversationID]
		if !found {
			return "", "", false, false
		}
		return r.TelegramConversation, r.TelegramTopicID, r.ShowSenderQQToTG, true
	}
	r, found := f.routesBySourceB[conversationID]
	if !found {
		return "", "", false, false
	}
	return r.QQConversation, "", r.ShowSenderTGToQQ, true
}

// HandleMessage resolves the route, translates the message, records the
// mapping and sends (enqueueing a retry on failure). It is registered with
// the Event Router via router.OnMessage.
func (f *Forwarder) HandleMessage(ctx context.Context, ev coremsg.MessageEvent) {
	targetPlatform := otherPlatform(ev.Platform)

	targetConv, targetTopic, showSender, ok := f.resolveRoute(ev.Platform, ev.ConversationID)
	if !ok {
		logger.Debugf("no bridge route for %s conversation %s, dropping", ev.Platform, ev.ConversationID)
		return
	}

	if strings.HasPrefix(ev.RawText, sentinelPrefix(targetPlatform)) {
		logger.Debugf("dropping loopback message %s/%s: carries %s sentinel", ev.Platform, ev.MessageID, targetPlatform)
		return
	}
	if _, exists, err := f.store.GetTargetID(ev.Platform, ev.MessageID, targetPlatform); err != nil {
		logger.Errorf("checking dedup for %s/%s: %v", ev.Platform, ev.MessageID, err)
		return
	} else if exists {
		logger.Debugf("dropping already-forwarded message %s/%s", ev.Platform, ev.MessageID)
		return
	}

	f.refreshUser(ctx, ev.Platform, ev.UserID, ev.ConversationID)

	segments, err := f.translator.Translate(ctx, f.translateRequest(ev.Platform, targetPlatform, ev.ConversationID, ev.ReplyToMessageID), ev.Segments)
	if err != nil {
		logger.Errorf("translating message %s/%s: %v", ev.Platform, ev.MessageID, err)
		return
	}

	header := f.header(ev.Platform, ev.UserID, ev.ConversationID, showSender)
	segments = prependHeader(segments, header)

	peer := f.peers[targetPlatform]
	if peer == nil {
		logger.Errorf("no peer registered for %s, dropping message %s/%s", targetPlatform, ev.Platform, ev.MessageID)
		return
	}

	result, err := peer.SendMessage(ctx, targetConv, targetTopic, segments)
	if err != nil {
		logger.Warnf("sending %s/%s to %s failed, enqueueing retry: %v", ev.Platform, ev.MessageID, targetPlatform, err)
		if err := f.retry.AddSendRetry(coremsg.SendRetryRecord{
			SourcePlatform:       ev.Platform,
			SourceMessageID:      ev.MessageID,
			TargetPlatform:       targetPlatform,
			ConversationID:       targetConv,
			SourceConversationID: ev.ConversationID,
			TargetTopicID:        targetTopic,
			Payload:              segments,
			MaxAttempts:          maxSendAttempts,
			LastFailureReason:    err.Error(),
		}); err != nil {
			logger.Errorf("enqueueing send retry for %s/%s: %v", ev.Platform, ev.MessageID, err)
		}
		return
	}

	if _, err := f.store.AddMapping(coremsg.MessageMapping{
		SourcePlatform:  ev.Platform,
		SourceMessageID: ev.MessageID,
		TargetPlatform:  targetPlatform,
		TargetMessageID: result.TargetMessageID,
	}); err != nil {
		logger.Errorf("recording mapping for %s/%s: %v", ev.Platform, ev.MessageID, err)
	}
}

// HandleNotice implements recall propagation and the edit REDESIGN FLAG
// (delete-and-resend rather than in-place edit). Registered via
// router.OnNotice.
func (f *Forwarder) HandleNotice(ctx context.Context, ev coremsg.NoticeEvent) {
	targetPlatform := otherPlatform(ev.Platform)
	targetConv, targetTopic, showSender, ok := f.resolveRoute(ev.Platform, ev.ConversationID)
	if !ok {
		return
	}

	switch ev.NoticeKind {
	case coremsg.NoticeRecall:
		f.handleRecall(ctx, ev, targetPlatform, targetConv)
	case coremsg.NoticeEdit:
		f.handleEdit(ctx, ev, targetPlatform, targetConv, targetTopic, showSender)
	default:
		// Joins, leaves and anything else carry no forwarding obligation.
	}
}

func (f *Forwarder) handleRecall(ctx context.Context, ev coremsg.NoticeEvent, targetPlatform coremsg.Platform, targetConv string) {
	peerMessageID, exists, err := f.store.GetTargetID(ev.Platform, ev.AffectedMessageID, targetPlatform)
	if err != nil {
		logger.Errorf("resolving recall mapping for %s/%s: %v", ev.Platform, ev.AffectedMessageID, err)
		return
	}
	if !exists {
		return
	}

	if peer := f.peers[targetPlatform]; peer != nil {
		if err := peer.DeleteMessage(ctx, targetConv, peerMessageID); err != nil {
			// The source-side recall is authoritative regardless of whether
			// the peer delete succeeds, so the mapping is dropped either way.
			logger.Warnf("peer delete failed for recalled %s/%s: %v", ev.Platform, ev.AffectedMessageID, err)
		}
	}

	if _, err := f.store.DeleteMapping(ev.Platform, ev.AffectedMessageID, targetPlatform); err != nil {
		logger.Errorf("deleting mapping for recalled %s/%s: %v", ev.Platform, ev.AffectedMessageID, err)
	}
}

func (f *Forwarder) handleEdit(ctx context.Context, ev coremsg.NoticeEvent, targetPlatform coremsg.Platform, targetConv, targetTopic string, showSender bool) {
	oldPeerID, hadMapping, err := f.store.GetTargetID(ev.Platform, ev.AffectedMessageID, targetPlatform)
	if err != nil {
		logger.Errorf("resolving edit mapping for %s/%s: %v", ev.Platform, ev.AffectedMessageID, err)
		return
	}

	segments, err := f.translator.Translate(ctx, f.translateRequest(ev.Platform, targetPlatform, ev.ConversationID, ""), ev.EditedSegments)
	if err != nil {
		logger.Errorf("translating edit for %s/%s: %v", ev.Platform, ev.AffectedMessageID, err)
		return
	}
	header := f.header(ev.Platform, ev.UserID, ev.ConversationID, showSender)
	segments = prependHeader(segments, header)

	peer := f.peers[targetPlatform]
	if peer == nil {
		logger.Errorf("no peer registered for %s, dropping edit %s/%s", targetPlatform, ev.Platform, ev.AffectedMessageID)
		return
	}

	if hadMapping {
		if err := peer.DeleteMessage(ctx, targetConv, oldPeerID); err != nil {
			logger.Warnf("deleting previous message for edit %s/%s: %v", ev.Platform, ev.AffectedMessageID, err)
		}
	}

	result, err := peer.SendMessage(ctx, targetConv, targetTopic, segments)
	if err != nil {
		logger.Warnf("resending edited %s/%s failed, enqueueing retry: %v", ev.Platform, ev.AffectedMessageID, err)
		if err := f.retry.AddSendRetry(coremsg.SendRetryRecord{
			SourcePlatform:    ev.Platform,
			SourceMessageID:   ev.AffectedMessageID,
			TargetPlatform:    targetPlatform,
			ConversationID:    targetConv,
			TargetTopicID:     targetTopic,
			Payload:           segments,
			MaxAttempts:       maxSendAttempts,
			LastFailureReason: err.Error(),
		}); err != nil {
			logger.Errorf("enqueueing edit retry for %s/%s: %v", ev.Platform, ev.AffectedMessageID, err)
		}
		return
	}

	if hadMapping {
		if _, err := f.store.DeleteMapping(ev.Platform, ev.AffectedMessageID, targetPlatform); err != nil {
			logger.Errorf("clearing stale edit mapping for %s/%s: %v", ev.Platform, ev.AffectedMessageID, err)
		}
	}
	if _, err := f.store.AddMapping(coremsg.MessageMapping{
		SourcePlatform:  ev.Platform,
		SourceMessageID: ev.AffectedMessageID,
		TargetPlatform:  targetPlatform,
		TargetMessageID: result.TargetMessageID,
	}); err != nil {
		logger.Errorf("recording edit mapping for %s/%s: %v", ev.Platform, ev.AffectedMessageID, err)
	}
}

func (f *Forwarder) translateRequest(sourcePlatform, targetPlatform coremsg.Platform, conversationID, replyToMessageID string) translate.Request {
	var fileResolver coremsg.FileResolver
	if peer := f.peers[sourcePlatform]; peer != nil {
		fileResolver = peer
	}
	return translate.Request{
		SourcePlatform:   sourcePlatform,
		TargetPlatform:   targetPlatform,
		ConversationID:   conversationID,
		ReplyToMessageID: replyToMessageID,
		FileResolver:     fileResolver,
		ForwardExpander:  f.forwardExpanders[sourcePlatform],
		UserInfoProvider: f.userInfo[sourcePlatform],
	}
}

// refreshUser opportunistically updates the display-name cache from the
// source platform's member-info API, throttled by ShouldRefreshUser.
func (f *Forwarder) refreshUser(ctx context.Context, platform coremsg.Platform, userID, conversationID string) {
	if userID == "" {
		return
	}
	provider := f.userInfo[platform]
	if provider == nil {
		return
	}
	should, err := f.store.ShouldRefreshUser(platform, userID, conversationID)
	if err != nil {
		logger.Warnf("checking refresh throttle for %s/%s: %v", platform, userID, err)
		return
	}
	if !should {
		return
	}
	info, err := provider.GetMemberInfo(ctx, conversationID, userID)
	if err != nil {
		logger.Debugf("refreshing member info for %s/%s: %v", platform, userID, err)
		return
	}
	if err := f.store.SaveUser(coremsg.UserDisplayInfo{
		Platform:       platform,
		UserID:         userID,
		ConversationID: conversationID,
		Nickname:       info.Nickname,
		GroupCard:      info.GroupCard,
		Title:          info.Title,
	}); err != nil {
		logger.Warnf("saving refreshed user info for %s/%s: %v", platform, userID, err)
	}
}

// header composes the sentinel (only on messages forwarded into QQ) and the
// sender-header (conditional on the route's show-sender policy) prepended to
// every forwarded message.
func (f *Forwarder) header(sourcePlatform coremsg.Platform, userID, conversationID string, showSender bool) string {
	var header string
	if otherPlatform(sourcePlatform) == coremsg.PlatformQQ {
		header = sentinelPrefix(sourcePlatform)
	}
	if !showSender || userID == "" {
		return header
	}
	name, err := f.store.GetDisplayName(sourcePlatform, userID, conversationID)
	if err != nil {
		logger.Warnf("resolving sender display name for %s/%s: %v", sourcePlatform, userID, err)
		return header
	}
	return header + fmt.Sprintf("[%s]\t", name)
}

// prependHeader attaches header to the message's leading text, merging into
// an existing leading text segment or inserting a new one.
func prependHeader(msg coremsg.Message, header string) coremsg.Message {
	if header == "" {
		return msg
	}
	if len(msg) > 0 && msg[0].Type == coremsg.SegmentText {
		out := append(coremsg.Message{}, msg...)
		merged := make(map[string]string, len(out[0].Attributes))
		for k, v := range out[0].Attributes {
			merged[k] = v
		}
		merged["text"] = header + merged["text"]
		out[0] = coremsg.Segment{Type: coremsg.SegmentText, Attributes: merged}
		return out
	}
	return append(coremsg.Message{{Type: coremsg.SegmentText, Attributes: map[string]string{"text": header}}}, msg...)
}
