// Package translate is the bridge's Message Translator: segment-by-segment
// rewriting between the two platforms' message models.
package translate

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/chatrelay/bridge/pkg/coremsg"
	"github.com/chatrelay/bridge/pkg/log"
	"github.com/chatrelay/bridge/pkg/media"
	"github.com/chatrelay/bridge/pkg/storage"
)

var logger = log.ForService("translate")

// maxForwardDepth bounds recursive forward-bundle expansion so a
// maliciously or accidentally self-referential forward chain cannot recurse
// forever; beyond this depth nested forwards degrade to a one-line stub.
const maxForwardDepth = 3

// Request bundles everything the Translator needs beyond the segments
// themselves: where the message came from and is going, and the capability
// interfaces used to resolve replies, mentions, files, and forward bundles.
type Request struct {
	SourcePlatform   coremsg.Platform
	TargetPlatform   coremsg.Platform
	ConversationID   string // source-side conversation id, for mention throttling
	ReplyToMessageID string

	FileResolver     coremsg.FileResolver     // resolves a source file-id to a URL
	ForwardExpander  coremsg.ForwardExpander  // expands a forward bundle into nodes
	UserInfoProvider coremsg.UserInfoProvider // refreshes a mentioned user's display name
}

// Translator converts a Message between the two platforms' segment models.
type Translator struct {
	store *storage.Store
	media *media.Engine

	// showRawJSONOnParseFail and maxJSONDisplayLength govern the raw-json
	// fallback for a card/json segment the translator couldn't read any
	// title/desc/app out of.
	showRawJSONOnParseFail bool
	maxJSONDisplayLength   int
}

func New(store *storage.Store, mediaEngine *media.Engine, showRawJSONOnParseFail bool, maxJSONDisplayLength int) *Translator {
	if maxJSONDisplayLength <= 0 {
		maxJSONDisplayLength = 500
	}
	return &Translator{
		store:                  store,
		media:                  mediaEngine,
		showRawJSONOnParseFail: showRawJSONOnParseFail,
		maxJSONDisplayLength:   maxJSONDisplayLength,
	}
}

// Translate produces the target-platform Message for msg according to the
// segment rewrite table. A segment whose translation returns an error is
// logged and left out, and the rest of the message is still translated (a
// forwarder should never drop an entire message because one embedded card
// failed to render). A non-empty req.ReplyToMessageID is resolved like a
// reply segment and, when mapped, leads the output.
func (t *Translator) Translate(ctx context.Context, req Request, msg coremsg.Message) (coremsg.Message, error) {
	imageCount := 0
	for _, seg := range msg {
		if seg.Type == coremsg.SegmentImage {
			imageCount++
		}
	}

	var out coremsg.Message
	if req.ReplyToMessageID != "" {
		reply, _, _ := t.translateReply(req, coremsg.Segment{Type: coremsg.SegmentReply, Attributes: map[string]string{"message_id": req.ReplyToMessageID}})
		out = append(out, reply...)
	}
	imageIndex := 0
	for _, seg := range msg {
		translated, isImage, err := t.translateSegment(ctx, req, seg, 0)
		if err != nil {
			logger.Warnf("translating segment type %s: %v", seg.Type, err)
			continue
		}
		if isImage && imageCount >= 2 {
			imageIndex++
			if imageIndex == 1 {
				out = append(out, coremsg.Segment{
					Type:       coremsg.SegmentText,
					Attributes: map[string]string{"text": fmt.Sprintf("\n📸 共%d张图片：\n", imageCount)},
				})
			}
			out = append(out, coremsg.Segment{
				Type:       coremsg.SegmentText,
				Attributes: map[string]string{"text": fmt.Sprintf("%d. ", imageIndex)},
			})
		}
		out = append(out, translated...)
	}
	return out, nil
}

func (t *Translator) translateSegment(ctx context.Context, req Request, seg coremsg.Segment, forwardDepth int) (coremsg.Message, bool, error) {
	switch seg.Type {
	case coremsg.SegmentText:
		return coremsg.Message{seg}, false, nil

	case coremsg.SegmentImage:
		return t.translateImage(ctx, req, seg)

	case coremsg.SegmentSticker:
		return t.translateSticker(ctx, req, seg)

	case coremsg.SegmentVoice:
		if url := seg.Attributes["url"]; url != "" {
			return coremsg.Message{{Type: coremsg.SegmentVoice, Attributes: map[string]string{"url": url}}}, false, nil
		}
		return nil, false, nil // no URL available: skip

	case coremsg.SegmentVideo:
		if url := seg.Attributes["url"]; url != "" {
			return coremsg.Message{{Type: coremsg.SegmentVideo, Attributes: map[string]string{"url": url}}}, false, nil
		}
		return coremsg.NewText("[video]"), false, nil

	case coremsg.SegmentFile:
		return t.translateFile(ctx, req, seg)

	case coremsg.SegmentFace:
		return coremsg.NewText(fmt.Sprintf("[face:%s]", seg.Attributes["id"])), false, nil

	case coremsg.SegmentMention:
		return t.translateMention(ctx, req, seg)

	case coremsg.SegmentReply:
		return t.translateReply(req, seg)

	case coremsg.SegmentForward:
		return t.translateForward(ctx, req, seg, forwardDepth)

	case coremsg.SegmentNode:
		return t.translateNode(ctx, req, seg, forwardDepth)

	case coremsg.SegmentCard:
		return t.translateCard(seg)

	case coremsg.SegmentMusic, coremsg.SegmentShare:
		return t.translateCard(seg)

	case coremsg.SegmentAnimated:
		return coremsg.Message{{Type: coremsg.SegmentAnimated, Attributes: map[string]string{"url": seg.Attributes["url"]}}}, true, nil

	default:
		return coremsg.NewText(fmt.Sprintf("[%s]", seg.Type)), false, nil
	}
}

// translateImage implements image-kind detection for ambiguous
// (subType=1, url) tuples.
func (t *Translator) translateImage(ctx context.Context, req Request, seg coremsg.Segment) (coremsg.Message, bool, error) {
	url := seg.Attributes["url"]
	if url == "" {
		return coremsg.NewText("[image]"), false, nil
	}

	if seg.Attributes["subType"] != "1" {
		return coremsg.Message{{Type: coremsg.SegmentImage, Attributes: map[string]string{"url": url}}}, true, nil
	}

	animated, mime, err := t.resolveAnimated(ctx, url)
	if err != nil {
		logger.Debugf("image-kind probe failed for %s, defaulting to animated: %v", url, err)
		animated = true
	}
	_ = mime

	if animated {
		return coremsg.Message{{Type: coremsg.SegmentAnimated, Attributes: map[string]string{"url": url}}}, true, nil
	}
	return coremsg.Message{{Type: coremsg.SegmentImage, Attributes: map[string]string{"url": url}}}, true, nil
}

// resolveAnimated checks the fingerprint cache first, falling back to a
// direct Range probe, caching whatever the probe finds.
func (t *Translator) resolveAnimated(ctx context.Context, url string) (bool, string, error) {
	hash := media.Fingerprint(url)

	if fp, ok, err := t.store.GetMediaFingerprint(hash); err == nil && ok {
		if err := t.store.TouchFingerprint(hash); err != nil {
			logger.Warnf("touching fingerprint %s: %v", hash, err)
		}
		return fp.IsAnimated, fp.MimeType, nil
	}

	animated, mime, err := t.media.ProbeAnimated(ctx, url)
	if err != nil {
		return true, "", err
	}

	if err := t.store.SaveMediaFingerprint(coremsg.MediaFingerprint{
		FingerprintHash: hash,
		MediaKind:       coremsg.MediaKindImage,
		IsAnimated:      animated,
		MimeType:        mime,
	}); err != nil {
		logger.Warnf("caching fingerprint %s: %v", hash, err)
	}

	return animated, mime, nil
}

// translateSticker reuses an already-uploaded target file-id when the
// fingerprint cache has one; otherwise it falls through to a plain photo so
// the message still lands (the reupload itself happens at send time).
func (t *Translator) translateSticker(ctx context.Context, req Request, seg coremsg.Segment) (coremsg.Message, bool, error) {
	url := seg.Attributes["url"]
	if url == "" {
		return coremsg.NewText("[sticker]"), false, nil
	}

	hash := media.Fingerprint(url)
	if fp, ok, err := t.store.GetMediaFingerprint(hash); err == nil && ok && fp.PeerFileID != "" {
		if err := t.store.TouchFingerprint(hash); err != nil {
			logger.Warnf("touching fingerprint %s: %v", hash, err)
		}
		return coremsg.Message{{Type: coremsg.SegmentSticker, Attributes: map[string]string{"file_id": fp.PeerFileID}}}, true, nil
	}

	return coremsg.Message{{Type: coremsg.SegmentImage, Attributes: map[string]string{"url": url}}}, true, nil
}

func (t *Translator) translateFile(ctx context.Context, req Request, seg coremsg.Segment) (coremsg.Message, bool, error) {
	url := seg.Attributes["url"]
	if url == "" && seg.Attributes["file_id"] != "" && req.FileResolver != nil {
		resolved, err := req.FileResolver.ResolveFileURL(ctx, seg.Attributes["file_id"])
		if err == nil {
			url = resolved
		}
	}
	if url != "" {
		return coremsg.Message{{Type: coremsg.SegmentFile, Attributes: map[string]string{"url": url, "name": seg.Attributes["name"]}}}, false, nil
	}

	name := seg.Attributes["name"]
	if name == "" {
		name = "file"
	}
	size := seg.Attributes["size"]
	stub := name
	if size != "" {
		stub = fmt.Sprintf("%s (%s bytes)", name, size)
	}
	return coremsg.NewText(fmt.Sprintf("[file: %s]", stub)), false, nil
}

func (t *Translator) translateMention(ctx context.Context, req Request, seg coremsg.Segment) (coremsg.Message, bool, error) {
	userID := seg.Attributes["user_id"]

	if req.UserInfoProvider != nil {
		if should, err := t.store.ShouldRefreshUser(req.SourcePlatform, userID, req.ConversationID); err == nil && should {
			if info, err := req.UserInfoProvider.GetMemberInfo(ctx, req.ConversationID, userID); err == nil {
				if err := t.store.SaveUser(coremsg.UserDisplayInfo{
					Platform:       req.SourcePlatform,
					UserID:         userID,
					ConversationID: req.ConversationID,
					Nickname:       info.Nickname,
					GroupCard:      info.GroupCard,
					Title:          info.Title,
				}); err != nil {
					logger.Warnf("saving mention refresh for %s: %v", userID, err)
				}
			}
		}
	}

	name, err := t.store.GetDisplayName(req.SourcePlatform, userID, req.ConversationID)
	if err != nil {
		name = userID
	}
	return coremsg.NewText(fmt.Sprintf("@%s ", name)), false, nil
}

// translateReply looks up the mapped target message id in either direction;
// if unresolved the segment is dropped so no dangling pointer reaches the
// target platform.
func (t *Translator) translateReply(req Request, seg coremsg.Segment) (coremsg.Message, bool, error) {
	sourceMessageID := seg.Attributes["message_id"]
	if sourceMessageID == "" {
		return nil, false, nil
	}

	if targetID, ok, err := t.store.GetTargetID(req.SourcePlatform, sourceMessageID, req.TargetPlatform); err == nil && ok {
		return coremsg.Message{{Type: coremsg.SegmentReply, Attributes: map[string]string{"message_id": targetID}}}, false, nil
	}
	if originID, ok, err := t.store.GetSourceID(req.SourcePlatform, sourceMessageID, req.TargetPlatform); err == nil && ok {
		return coremsg.Message{{Type: coremsg.SegmentReply, Attributes: map[string]string{"message_id": originID}}}, false, nil
	}
	return nil, false, nil
}

func (t *Translator) translateForward(ctx context.Context, req Request, seg coremsg.Segment, depth int) (coremsg.Message, bool, error) {
	if depth >= maxForwardDepth {
		logger.Infof("forward bundle nesting reached the %d-level bound, rendering stub", maxForwardDepth)
		return coremsg.NewText("[forward: nested too deep]"), false, nil
	}

	nodes := seg.Nodes
	if len(nodes) == 0 && req.ForwardExpander != nil {
		forwardID := seg.Attributes["forward_id"]
		expanded, err := req.ForwardExpander.ExpandForward(ctx, forwardID)
		if err != nil {
			return coremsg.NewText("[forward: unavailable]"), false, nil
		}
		nodes = expanded
	}
	if len(nodes) == 0 {
		return coremsg.NewText("[forward: empty]"), false, nil
	}

	var lines []string
	for _, node := range nodes {
		lines = append(lines, fmt.Sprintf("• 👤 %s: %s", node.DisplayName, t.flattenNode(ctx, req, node, depth+1)))
	}
	return coremsg.NewText(strings.Join(lines, "\n")), false, nil
}

func (t *Translator) translateNode(ctx context.Context, req Request, seg coremsg.Segment, depth int) (coremsg.Message, bool, error) {
	if len(seg.Nodes) == 0 {
		return nil, false, nil
	}
	node := seg.Nodes[0]
	return coremsg.NewText(fmt.Sprintf("👤 %s: %s", node.DisplayName, t.flattenNode(ctx, req, node, depth))), false, nil
}

// flattenNode renders a forward node's nested message as plain text for the
// bulleted transcript; nested media/cards degrade to their textual stubs.
func (t *Translator) flattenNode(ctx context.Context, req Request, node coremsg.ForwardNode, depth int) string {
	var parts []string
	for _, seg := range node.Content {
		translated, _, err := t.translateSegment(ctx, req, seg, depth)
		if err != nil {
			continue
		}
		for _, out := range translated {
			if out.Type == coremsg.SegmentText {
				parts = append(parts, out.Attributes["text"])
			} else {
				parts = append(parts, fmt.Sprintf("[%s]", out.Type))
			}
		}
	}
	return strings.Join(parts, "")
}

// translateCard renders a card/json/app/ark/miniapp segment (or music/share,
// which share the same title/desc/url shape) as a text stub, falling back to
// the raw JSON when no displayable field could be read.
func (t *Translator) translateCard(seg coremsg.Segment) (coremsg.Message, bool, error) {
	title := seg.Attributes["title"]
	desc := seg.Attributes["desc"]
	app := seg.Attributes["app"]

	if title == "" && desc == "" && app == "" {
		if raw := seg.Attributes["raw_json"]; raw != "" && t.showRawJSONOnParseFail {
			return coremsg.NewText(truncateJSON(raw, t.maxJSONDisplayLength)), false, nil
		}
	}

	var b strings.Builder
	b.WriteString("📱")
	if title != "" {
		b.WriteString(" " + title)
	}
	b.WriteString("\n")
	if desc != "" {
		b.WriteString(desc + "\n")
	}

	urls := collectURLs(seg.Attributes)
	if len(urls) > 0 {
		b.WriteString("🔗 " + strings.Join(urls, " ") + "\n")
	}
	if app != "" {
		b.WriteString("📦 " + app)
	}

	return coremsg.NewText(strings.TrimRight(b.String(), "\n")), false, nil
}

// collectURLs gathers every attribute key that looks like a url reference
// (url, url1, url2, ...) in stable, numbered order.
func collectURLs(attrs map[string]string) []string {
	var urls []string
	if u := attrs["url"]; u != "" {
		urls = append(urls, u)
	}
	for i := 1; ; i++ {
		key := "url" + strconv.Itoa(i)
		u, ok := attrs[key]
		if !ok {
			break
		}
		if u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// truncateJSON clips a raw mini-app JSON payload to at most n runes, marking
// the cut so the fallback stub never reads as a complete, parseable document.
func truncateJSON(raw string, n int) string {
	r := []rune(raw)
	if len(r) <= n {
		return "📦 " + raw
	}
	return "📦 " + string(r[:n]) + "...(truncated)"
}
