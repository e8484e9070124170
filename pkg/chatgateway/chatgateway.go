// Package chatgateway adapts Slack to ports.ChatGateway: SendMessage
// posts a digest via chat.postMessage, LongPollUpdates polls
// conversations.history for new messages since a given offset (Slack
// has no true long-poll endpoint, so this polls on the caller's
// cadence, same posture as the rest of the pipeline's poll-based
// design per spec §1's "poll-based, not real-time streaming"
// non-goal). Grounded on the teacher's direct slack-go/slack dependency
// (go.mod), used here as the one concrete binding for the spec's
// generic "chat notification gateway" port.
package chatgateway

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"

	"github.com/sds-orderproc/orderproc/pkg/orderrors"
	"github.com/sds-orderproc/orderproc/pkg/ports"
)

// Client implements ports.ChatGateway against the Slack Web API. A
// Client is bound to one operator channel at construction — the port's
// LongPollUpdates(offset) takes no channel argument, matching this
// system's single-operator-channel deployment shape.
type Client struct {
	api    *slack.Client
	chatID string
	logger *logrus.Logger
}

// New builds a Client authenticated with a bot token, bound to chatID.
func New(token, chatID string, logger *logrus.Logger) (*Client, error) {
	if token == "" {
		return nil, orderrors.ValidationError("slack bot token", "token must not be empty")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{api: slack.New(token), chatID: chatID, logger: logger}, nil
}

// NewWithAPIURL builds a Client pointed at a custom Slack API base URL
// (tests point this at an httptest.Server standing in for Slack).
func NewWithAPIURL(token, chatID, apiURL string, logger *logrus.Logger) (*Client, error) {
	if token == "" {
		return nil, orderrors.ValidationError("slack bot token", "token must not be empty")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{api: slack.New(token, slack.OptionAPIURL(apiURL)), chatID: chatID, logger: logger}, nil
}

// SendMessage posts text to chatID (a Slack channel or user id) and
// returns the message timestamp, which doubles as Slack's message id.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	_, timestamp, err := c.api.PostMessageContext(ctx, chatID, slack.MsgOptionText(text, false))
	if err != nil {
		return "", orderrors.FailedToWithDetails("post slack message", "chatgateway", chatID, err)
	}
	return timestamp, nil
}

// LongPollUpdates fetches messages posted to the bound channel after
// offset (a Slack timestamp, or "" for "since the beginning"),
// surfacing thread replies as updates whose InReplyTo is the parent
// message's timestamp.
func (c *Client) LongPollUpdates(ctx context.Context, offset string) ([]ports.ChatUpdate, error) {
	history, err := c.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: c.chatID,
		Oldest:    offset,
		Inclusive: false,
	})
	if err != nil {
		return nil, orderrors.FailedToWithDetails("poll slack conversation history", "chatgateway", c.chatID, err)
	}

	out := make([]ports.ChatUpdate, 0, len(history.Messages))
	for _, msg := range history.Messages {
		update := ports.ChatUpdate{
			UpdateID: msg.Timestamp,
			ChatID:   c.chatID,
			Text:     msg.Text,
		}
		if msg.ThreadTimestamp != "" && msg.ThreadTimestamp != msg.Timestamp {
			update.InReplyTo = msg.ThreadTimestamp
		}
		out = append(out, update)
	}
	return out, nil
}
