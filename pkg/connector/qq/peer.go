package qq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/chatrelay/bridge/pkg/coremsg"
)

// SendMessage implements coremsg.Sender by issuing send_group_msg or
// send_private_msg depending on whether conversationID looks like a group.
// topicID is unused: platform A has no forum-style sub-thread concept.
func (c *Connector) SendMessage(ctx context.Context, conversationID, topicID string, msg coremsg.Message) (coremsg.SendResult, error) {
	action, idField := "send_group_msg", "group_id"
	if strings.HasPrefix(conversationID, "u:") {
		action, idField = "send_private_msg", "user_id"
		conversationID = strings.TrimPrefix(conversationID, "u:")
	}

	params := map[string]any{
		idField:   conversationID,
		"message": serializeSegments(msg),
	}

	data, err := c.SendAction(ctx, action, params)
	if err != nil {
		return coremsg.SendResult{}, fmt.Errorf("%s: %w", action, err)
	}

	var resp struct {
		MessageID jsonID `json:"message_id"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return coremsg.SendResult{}, fmt.Errorf("%w: decoding send response: %v", coremsg.ErrParse, err)
	}
	return coremsg.SendResult{TargetMessageID: string(resp.MessageID)}, nil
}

// DeleteMessage implements coremsg.Deleter via delete_msg.
func (c *Connector) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	id, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		id = 0
	}
	_, err = c.SendAction(ctx, "delete_msg", map[string]any{"message_id": id})
	if err != nil {
		return fmt.Errorf("delete_msg: %w", err)
	}
	return nil
}

// ResolveFileURL implements coremsg.FileResolver via get_image/get_file,
// trying the image endpoint first since it's the overwhelmingly common case.
func (c *Connector) ResolveFileURL(ctx context.Context, fileID string) (string, error) {
	if data, err := c.SendAction(ctx, "get_image", map[string]any{"file": fileID}); err == nil {
		var resp struct {
			URL string `json:"url"`
		}
		if json.Unmarshal(data, &resp) == nil && resp.URL != "" {
			return resp.URL, nil
		}
	}

	data, err := c.SendAction(ctx, "get_file", map[string]any{"file": fileID})
	if err != nil {
		return "", fmt.Errorf("resolving file %s: %w", fileID, err)
	}
	var resp struct {
		URL  string `json:"url"`
		File string `json:"file"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("%w: decoding get_file response: %v", coremsg.ErrParse, err)
	}
	if resp.URL != "" {
		return resp.URL, nil
	}
	return resp.File, nil
}

// GetMemberInfo implements coremsg.UserInfoProvider via
// get_group_member_info, falling back to get_stranger_info for private
// conversations (conversationID with no "u:" prefix recorded means group).
func (c *Connector) GetMemberInfo(ctx context.Context, conversationID, userID string) (coremsg.MemberInfo, error) {
	if strings.HasPrefix(conversationID, "u:") {
		data, err := c.SendAction(ctx, "get_stranger_info", map[string]any{"user_id": userID})
		if err != nil {
			return coremsg.MemberInfo{}, fmt.Errorf("get_stranger_info: %w", err)
		}
		var resp struct {
			Nickname string `json:"nickname"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return coremsg.MemberInfo{}, fmt.Errorf("%w: decoding get_stranger_info response: %v", coremsg.ErrParse, err)
		}
		return coremsg.MemberInfo{Nickname: resp.Nickname}, nil
	}

	data, err := c.SendAction(ctx, "get_group_member_info", map[string]any{"group_id": conversationID, "user_id": userID})
	if err != nil {
		return coremsg.MemberInfo{}, fmt.Errorf("get_group_member_info: %w", err)
	}
	var resp struct {
		Nickname string `json:"nickname"`
		Card     string `json:"card"`
		Title    string `json:"title"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return coremsg.MemberInfo{}, fmt.Errorf("%w: decoding get_group_member_info response: %v", coremsg.ErrParse, err)
	}
	return coremsg.MemberInfo{Nickname: resp.Nickname, GroupCard: resp.Card, Title: resp.Title}, nil
}

// ExpandForward implements coremsg.ForwardExpander via get_forward_msg.
func (c *Connector) ExpandForward(ctx context.Context, forwardID string) ([]coremsg.ForwardNode, error) {
	data, err := c.SendAction(ctx, "get_forward_msg", map[string]any{"id": forwardID})
	if err != nil {
		return nil, fmt.Errorf("get_forward_msg: %w", err)
	}

	var resp struct {
		Messages []struct {
			Sender struct {
				Nickname string `json:"nickname"`
				UserID   jsonID `json:"user_id"`
			} `json:"sender"`
			Message json.RawMessage `json:"message"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding get_forward_msg response: %v", coremsg.ErrParse, err)
	}

	nodes := make([]coremsg.ForwardNode, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		segs, _ := parseSegments(m.Message)
		nodes = append(nodes, coremsg.ForwardNode{
			UserID:      string(m.Sender.UserID),
			DisplayName: m.Sender.Nickname,
			Content:     segs,
		})
	}
	return nodes, nil
}
