package main

import (
	"context"
	"fmt"

	"github.com/sds-orderproc/orderproc/pkg/ports"
)

// unconfiguredMailbox/ERPClient/PDFExtractor/OCRExtractor stand in for
// the four external collaborators spec §1 places explicitly out of
// scope (the concrete IMAP client, the ERP RPC client, PDF extraction,
// OCR): this repo implements the orchestrator that consumes them, not
// the bindings themselves. They satisfy pkg/ports so cmd/orderproc
// links and its health path works standalone; `run` and `sync-once`
// surface a clear configuration error the moment they need a real one,
// rather than silently doing nothing.
type unconfiguredMailbox struct{ reason string }

func (u unconfiguredMailbox) ListUnread(ctx context.Context) ([]string, error) {
	return nil, fmt.Errorf("mailbox not configured: %s", u.reason)
}
func (u unconfiguredMailbox) Fetch(ctx context.Context, messageID string) (ports.Message, error) {
	return ports.Message{}, fmt.Errorf("mailbox not configured: %s", u.reason)
}
func (u unconfiguredMailbox) MarkRead(ctx context.Context, messageID string) error {
	return fmt.Errorf("mailbox not configured: %s", u.reason)
}

type unconfiguredERPClient struct{ reason string }

func (u unconfiguredERPClient) SearchRead(ctx context.Context, model string, domain []ports.ERPDomainTerm, fields []string, limit int) ([]map[string]interface{}, error) {
	return nil, fmt.Errorf("erp client not configured: %s", u.reason)
}
func (u unconfiguredERPClient) Create(ctx context.Context, model string, values map[string]interface{}) (int, error) {
	return 0, fmt.Errorf("erp client not configured: %s", u.reason)
}
func (u unconfiguredERPClient) Read(ctx context.Context, model string, ids []int, fields []string) ([]map[string]interface{}, error) {
	return nil, fmt.Errorf("erp client not configured: %s", u.reason)
}

type unconfiguredTextExtractor struct{ reason string }

func (u unconfiguredTextExtractor) PDFToText(ctx context.Context, data []byte) (string, error) {
	return "", fmt.Errorf("pdf extractor not configured: %s", u.reason)
}
func (u unconfiguredTextExtractor) OCRImage(ctx context.Context, data []byte) (string, error) {
	return "", fmt.Errorf("ocr extractor not configured: %s", u.reason)
}

type unconfiguredMailNotifier struct{ reason string }

func (u unconfiguredMailNotifier) Send(ctx context.Context, to, subject, body string) error {
	return fmt.Errorf("mail notifier not configured: %s", u.reason)
}
