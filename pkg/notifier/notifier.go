// Package notifier implements the Notifier component (spec §4.10): it
// formats a short digest from an audit Summary and posts it through the
// chat notification gateway, tagged with the stable order id the
// Feedback Processor later correlates corrections against.
package notifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sds-orderproc/orderproc/pkg/audit"
	"github.com/sds-orderproc/orderproc/pkg/logging"
	"github.com/sds-orderproc/orderproc/pkg/orderrors"
	"github.com/sds-orderproc/orderproc/pkg/ports"
)

// Notifier posts per-message digests to a single operator chat.
type Notifier struct {
	gateway ports.ChatGateway
	chatID  string
	enabled bool
	logger  *logrus.Logger
}

// New builds a Notifier. enabled mirrors the enable_notifications
// configuration flag (spec §6).
func New(gateway ports.ChatGateway, chatID string, enabled bool, logger *logrus.Logger) *Notifier {
	if logger == nil {
		logger = logrus.New()
	}
	return &Notifier{gateway: gateway, chatID: chatID, enabled: enabled, logger: logger}
}

// Notify posts the digest for summary and returns the gateway message
// id, or ("", nil) when notifications are disabled.
func (n *Notifier) Notify(ctx context.Context, summary audit.Summary) (string, error) {
	if !n.enabled {
		return "", nil
	}
	text := FormatDigest(summary)
	msgID, err := n.gateway.SendMessage(ctx, n.chatID, text)
	if err != nil {
		return "", orderrors.FailedToWithDetails("send notification digest", "notifier", summary.OrderID, err)
	}
	n.logger.WithFields(logging.NewFields().Component("notifier").Operation("notify").
		Custom("order_id", summary.OrderID).ToLogrus()).Info("notification sent")
	return msgID, nil
}

// FormatDigest renders a short human-readable digest from a Summary.
func FormatDigest(s audit.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", strings.ToUpper(s.Status), s.OrderID)
	fmt.Fprintf(&b, "Customer: %s\n", s.CustomerName)
	fmt.Fprintf(&b, "Line items matched: %d/%d\n", s.MatchedCount, s.LineItemCount)
	if s.RequiresReview {
		b.WriteString("REQUIRES REVIEW\n")
	}
	return b.String()
}
