package gmailclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"
)

// InboundMessage is a received email reduced to what reply parsing needs
type InboundMessage struct {
	ID         string
	From       string
	Subject    string
	Body       string
	ReceivedAt time.Time
}

// ListMessages returns up to max messages matching a Gmail search query,
// oldest first
func (c *Client) ListMessages(ctx context.Context, query string, max int64) ([]InboundMessage, error) {
	call := c.service.Users.Messages.List(c.userID).Q(query).Context(ctx)
	if max > 0 {
		call = call.MaxResults(max)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	messages := make([]InboundMessage, 0, len(resp.Messages))
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		full, err := c.service.Users.Messages.Get(c.userID, resp.Messages[i].Id).Format("full").Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("failed to get message %s: %w", resp.Messages[i].Id, err)
		}
		messages = append(messages, toInbound(full))
	}
	return messages, nil
}

// MarkRead removes the UNREAD label so the message is not polled again
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	req := &gmail.ModifyMessageRequest{RemoveLabelIds: []string{"UNREAD"}}
	if _, err := c.service.Users.Messages.Modify(c.userID, messageID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to mark message %s read: %w", messageID, err)
	}
	return nil
}

func toInbound(m *gmail.Message) InboundMessage {
	msg := InboundMessage{
		ID:         m.Id,
		ReceivedAt: time.UnixMilli(m.InternalDate).UTC(),
	}
	if m.Payload == nil {
		return msg
	}
	for _, h := range m.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			msg.From = h.Value
		case "subject":
			msg.Subject = h.Value
		}
	}
	msg.Body = plainText(m.Payload)
	return msg
}

// plainText returns the first text/plain part, searching multipart bodies depth first
func plainText(part *gmail.MessagePart) string {
	if part == nil {
		return ""
	}
	if strings.HasPrefix(part.MimeType, "text/plain") && part.Body != nil && part.Body.Data != "" {
		data, err := base64.URLEncoding.DecodeString(part.Body.Data)
		if err != nil {
			data, err = base64.RawURLEncoding.DecodeString(part.Body.Data)
			if err != nil {
				return ""
			}
		}
		return string(data)
	}
	for _, p := range part.Parts {
		if text := plainText(p); text != "" {
			return text
		}
	}
	return ""
}
