// Package ports declares the external-system interfaces the pipeline
// depends on (spec §6): mailbox, operator mail notifications, ERP RPC,
// PDF/OCR extraction, LLM completion/embedding, and a chat gateway for
// operator notification and feedback. Concrete adapters live alongside
// the packages that implement them (pkg/llmclient, pkg/chatgateway);
// pkg/ports/fake provides in-memory fakes for tests.
package ports

import "context"

// Attachment is a single file carried by an inbound message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is a fetched mailbox entry, headers plus body plus raw
// attachments (not yet decoded to text).
type Message struct {
	ID          string
	From        string
	Subject     string
	Body        string
	Attachments []Attachment
}

// Mailbox is the IMAP-like source of inbound order emails.
type Mailbox interface {
	ListUnread(ctx context.Context) ([]string, error)
	Fetch(ctx context.Context, messageID string) (Message, error)
	MarkRead(ctx context.Context, messageID string) error
}

// MailNotifier sends operator-facing email alerts (distinct from the
// mailbox being polled).
type MailNotifier interface {
	Send(ctx context.Context, to, subject, body string) error
}

// ERPDomainTerm is one leaf of an ERP search domain, e.g.
// {"write_date", ">", "2026-07-01 00:00:00"}.
type ERPDomainTerm struct {
	Field    string
	Operator string
	Value    interface{}
}

// ERPClient is the remote ERP RPC surface (spec §6): search_read,
// create, read. All timestamp predicates must use naive-UTC formatting
// (no offset suffix) — the ERP rejects offsets.
type ERPClient interface {
	SearchRead(ctx context.Context, model string, domain []ERPDomainTerm, fields []string, limit int) ([]map[string]interface{}, error)
	Create(ctx context.Context, model string, values map[string]interface{}) (int, error)
	Read(ctx context.Context, model string, ids []int, fields []string) ([]map[string]interface{}, error)
}

// PDFExtractor converts a PDF attachment's bytes to plain text.
type PDFExtractor interface {
	PDFToText(ctx context.Context, data []byte) (string, error)
}

// OCRExtractor converts an image attachment's bytes to plain text.
type OCRExtractor interface {
	OCRImage(ctx context.Context, data []byte) (string, error)
}

// LLMProvider performs schema-constrained completion and text
// embedding. Schema is a JSON-schema-shaped map describing the expected
// output; params carries model-specific knobs (temperature, max tokens).
type LLMProvider interface {
	Complete(ctx context.Context, prompt string, schema map[string]interface{}, params map[string]interface{}) (map[string]interface{}, error)
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// ChatUpdate is one inbound message observed while long-polling the
// chat gateway; InReplyTo is set when the update is a reply to a prior
// notification.
type ChatUpdate struct {
	UpdateID  string
	ChatID    string
	Text      string
	InReplyTo string
}

// ChatGateway is the operator notification and feedback-intake channel.
type ChatGateway interface {
	SendMessage(ctx context.Context, chatID, text string) (string, error)
	LongPollUpdates(ctx context.Context, offset string) ([]ChatUpdate, error)
}
