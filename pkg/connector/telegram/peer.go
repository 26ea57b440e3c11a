package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/chatrelay/bridge/pkg/coremsg"
)

// SendMessage implements coremsg.Sender. It dispatches to the method
// matching the message's dominant (first non-text) segment, attaching any
// remaining text as the caption; a message with no media segment is sent
// via plain sendMessage. topicID, when set, is passed as
// message_thread_id so the route can address a forum sub-thread.
func (c *Connector) SendMessage(ctx context.Context, conversationID, topicID string, msg coremsg.Message) (coremsg.SendResult, error) {
	text := joinText(msg)

	for _, seg := range msg {
		switch seg.Type {
		case coremsg.SegmentImage, coremsg.SegmentAnimated:
			return c.sendMedia(ctx, "sendPhoto", "photo", conversationID, topicID, mediaRef(seg), text)
		case coremsg.SegmentVideo:
			return c.sendMedia(ctx, "sendVideo", "video", conversationID, topicID, mediaRef(seg), text)
		case coremsg.SegmentVoice:
			return c.sendMedia(ctx, "sendVoice", "voice", conversationID, topicID, mediaRef(seg), text)
		case coremsg.SegmentFile:
			return c.sendMedia(ctx, "sendDocument", "document", conversationID, topicID, mediaRef(seg), text)
		case coremsg.SegmentSticker:
			return c.sendMedia(ctx, "sendSticker", "sticker", conversationID, topicID, mediaRef(seg), "")
		case coremsg.SegmentReply:
			// handled via reply_to_message_id below, not a dispatch target itself
		}
	}

	if text == "" {
		text = " " // Telegram rejects an empty sendMessage text
	}
	params := url.Values{}
	params.Set("chat_id", conversationID)
	params.Set("text", text)
	setTopicAndReply(params, topicID, msg)

	data, err := c.call(ctx, "sendMessage", params)
	if err != nil {
		return coremsg.SendResult{}, fmt.Errorf("sendMessage: %w", err)
	}
	return decodeSentMessageID(data)
}

func mediaRef(seg coremsg.Segment) string {
	if id := seg.Attributes["file_id"]; id != "" {
		return id
	}
	return seg.Attributes["url"]
}

func joinText(msg coremsg.Message) string {
	var parts []string
	for _, seg := range msg {
		if seg.Type == coremsg.SegmentText {
			parts = append(parts, seg.Attributes["text"])
		}
	}
	return strings.Join(parts, "\n")
}

func (c *Connector) sendMedia(ctx context.Context, method, fileParam, conversationID, topicID, ref, caption string) (coremsg.SendResult, error) {
	if ref == "" {
		return coremsg.SendResult{}, fmt.Errorf("%s: no file reference to send", method)
	}
	params := url.Values{}
	params.Set("chat_id", conversationID)
	params.Set(fileParam, ref)
	if caption != "" {
		params.Set("caption", caption)
	}
	setTopicAndReply(params, topicID, nil)

	data, err := c.call(ctx, method, params)
	if err != nil {
		return coremsg.SendResult{}, fmt.Errorf("%s: %w", method, err)
	}
	return decodeSentMessageID(data)
}

func setTopicAndReply(params url.Values, topicID string, msg coremsg.Message) {
	if topicID != "" {
		params.Set("message_thread_id", topicID)
	}
	for _, seg := range msg {
		if seg.Type == coremsg.SegmentReply && seg.Attributes["message_id"] != "" {
			params.Set("reply_to_message_id", seg.Attributes["message_id"])
		}
	}
}

func decodeSentMessageID(data json.RawMessage) (coremsg.SendResult, error) {
	var resp struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return coremsg.SendResult{}, fmt.Errorf("%w: decoding send response: %v", coremsg.ErrParse, err)
	}
	return coremsg.SendResult{TargetMessageID: strconv.FormatInt(resp.MessageID, 10)}, nil
}

// DeleteMessage implements coremsg.Deleter via deleteMessage.
func (c *Connector) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	params := url.Values{}
	params.Set("chat_id", conversationID)
	params.Set("message_id", messageID)
	if _, err := c.call(ctx, "deleteMessage", params); err != nil {
		return fmt.Errorf("deleteMessage: %w", err)
	}
	return nil
}

// ResolveFileURL implements coremsg.FileResolver via getFile, which returns
// a file_path that must be assembled into the separate file-download host.
func (c *Connector) ResolveFileURL(ctx context.Context, fileID string) (string, error) {
	params := url.Values{}
	params.Set("file_id", fileID)

	data, err := c.call(ctx, "getFile", params)
	if err != nil {
		return "", fmt.Errorf("getFile: %w", err)
	}
	var resp struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("%w: decoding getFile response: %v", coremsg.ErrParse, err)
	}

	host := c.cfg.APIHost
	if host == "" {
		host = "api.telegram.org"
	}
	return fmt.Sprintf("https://%s/file/bot%s/%s", host, c.cfg.Token, resp.FilePath), nil
}

// GetMemberInfo implements coremsg.UserInfoProvider via getChatMember.
func (c *Connector) GetMemberInfo(ctx context.Context, conversationID, userID string) (coremsg.MemberInfo, error) {
	params := url.Values{}
	params.Set("chat_id", conversationID)
	params.Set("user_id", userID)

	data, err := c.call(ctx, "getChatMember", params)
	if err != nil {
		return coremsg.MemberInfo{}, fmt.Errorf("getChatMember: %w", err)
	}
	var resp struct {
		User   user   `json:"user"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return coremsg.MemberInfo{}, fmt.Errorf("%w: decoding getChatMember response: %v", coremsg.ErrParse, err)
	}
	return coremsg.MemberInfo{Nickname: resp.User.displayName(), Title: resp.Status}, nil
}

// ExpandForward implements coremsg.ForwardExpander. Telegram forwards a
// single message with forward_from metadata rather than platform A's
// multi-node forward bundle, so there is nothing to expand and this method
// always returns an error. cmd/serve.go registers this platform with a nil
// ForwardExpander, so the Translator renders such a segment as its
// "[forward: empty]" stub.
func (c *Connector) ExpandForward(ctx context.Context, forwardID string) ([]coremsg.ForwardNode, error) {
	return nil, errors.New("forward bundle expansion is not supported on this platform")
}
