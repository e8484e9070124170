// Package fake provides in-memory implementations of pkg/ports for use
// in tests, grounded on the teacher's pattern of hand-rolled fakes
// backing its storage/vector and notification test suites rather than a
// generated mock framework.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/sds-orderproc/orderproc/pkg/ports"
)

// Mailbox is an in-memory ports.Mailbox backed by a fixed message list.
type Mailbox struct {
	mu       sync.Mutex
	messages map[string]ports.Message
	unread   []string
	read     map[string]bool
}

// NewMailbox builds a Mailbox pre-loaded with msgs, all initially unread.
func NewMailbox(msgs ...ports.Message) *Mailbox {
	m := &Mailbox{
		messages: make(map[string]ports.Message),
		read:     make(map[string]bool),
	}
	for _, msg := range msgs {
		m.messages[msg.ID] = msg
		m.unread = append(m.unread, msg.ID)
	}
	return m
}

func (m *Mailbox) ListUnread(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, id := range m.unread {
		if !m.read[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *Mailbox) Fetch(ctx context.Context, messageID string) (ports.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return ports.Message{}, fmt.Errorf("fake mailbox: unknown message %s", messageID)
	}
	return msg, nil
}

func (m *Mailbox) MarkRead(ctx context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.read[messageID] = true
	return nil
}

// MailNotifier records every Send call for test assertions.
type MailNotifier struct {
	mu   sync.Mutex
	Sent []struct{ To, Subject, Body string }
}

func (n *MailNotifier) Send(ctx context.Context, to, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Sent = append(n.Sent, struct{ To, Subject, Body string }{to, subject, body})
	return nil
}

// ERPClient is a scriptable in-memory ports.ERPClient: callers seed
// SearchReadFunc/CreateFunc/ReadFunc. Unset SearchRead/Read hooks return
// empty results; an unset Create hook returns sequential ids from 1.
type ERPClient struct {
	SearchReadFunc func(ctx context.Context, model string, domain []ports.ERPDomainTerm, fields []string, limit int) ([]map[string]interface{}, error)
	CreateFunc     func(ctx context.Context, model string, values map[string]interface{}) (int, error)
	ReadFunc       func(ctx context.Context, model string, ids []int, fields []string) ([]map[string]interface{}, error)

	nextID int
}

func (e *ERPClient) SearchRead(ctx context.Context, model string, domain []ports.ERPDomainTerm, fields []string, limit int) ([]map[string]interface{}, error) {
	if e.SearchReadFunc != nil {
		return e.SearchReadFunc(ctx, model, domain, fields, limit)
	}
	return nil, nil
}

func (e *ERPClient) Create(ctx context.Context, model string, values map[string]interface{}) (int, error) {
	if e.CreateFunc != nil {
		return e.CreateFunc(ctx, model, values)
	}
	e.nextID++
	return e.nextID, nil
}

func (e *ERPClient) Read(ctx context.Context, model string, ids []int, fields []string) ([]map[string]interface{}, error) {
	if e.ReadFunc != nil {
		return e.ReadFunc(ctx, model, ids, fields)
	}
	return nil, nil
}

// TextExtractor is a scriptable fake implementing both PDFExtractor and
// OCRExtractor, since both reduce to "bytes in, text out" for tests.
type TextExtractor struct {
	Text string
	Err  error
}

func (t *TextExtractor) PDFToText(ctx context.Context, data []byte) (string, error) {
	return t.Text, t.Err
}

func (t *TextExtractor) OCRImage(ctx context.Context, data []byte) (string, error) {
	return t.Text, t.Err
}

// LLMProvider is a scriptable fake ports.LLMProvider.
type LLMProvider struct {
	CompleteFunc func(ctx context.Context, prompt string, schema, params map[string]interface{}) (map[string]interface{}, error)
	EmbedFunc    func(ctx context.Context, texts []string) ([][]float64, error)
}

func (l *LLMProvider) Complete(ctx context.Context, prompt string, schema, params map[string]interface{}) (map[string]interface{}, error) {
	if l.CompleteFunc != nil {
		return l.CompleteFunc(ctx, prompt, schema, params)
	}
	return map[string]interface{}{}, nil
}

func (l *LLMProvider) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if l.EmbedFunc != nil {
		return l.EmbedFunc(ctx, texts)
	}
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{}
	}
	return out, nil
}

// ChatGateway is an in-memory ports.ChatGateway that records sent
// messages and serves a pre-seeded update queue.
type ChatGateway struct {
	mu      sync.Mutex
	Sent    []struct{ ChatID, Text string }
	Updates []ports.ChatUpdate
	counter int
}

func (c *ChatGateway) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	c.Sent = append(c.Sent, struct{ ChatID, Text string }{chatID, text})
	return fmt.Sprintf("msg-%d", c.counter), nil
}

func (c *ChatGateway) LongPollUpdates(ctx context.Context, offset string) ([]ports.ChatUpdate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.Updates
	c.Updates = nil
	return out, nil
}
