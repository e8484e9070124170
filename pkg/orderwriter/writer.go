// Package orderwriter implements the Order Writer component (spec
// §4.8): gated by a configuration flag, it assembles and submits one
// draft sales order per message once every line item has a verified
// product id and the customer is verified. Submission is idempotent on
// a client-side natural key (message_id + order_ref); a repeated
// submission is treated as success, never a duplicate. Grounded on the
// teacher's pkg/storage/vector factory tests' "build new state, commit
// once, remember you committed" shape, here applied to ERP order
// creation instead of vector-store construction.
package orderwriter

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/sds-orderproc/orderproc/pkg/logging"
	"github.com/sds-orderproc/orderproc/pkg/orderrors"
	"github.com/sds-orderproc/orderproc/pkg/ports"
)

// Status is the outcome of one Write call.
type Status string

const (
	StatusCreated    Status = "created"
	StatusNotCreated Status = "not_created"
)

// LineItem is one verified line to submit. Unverified lines must never
// reach the writer — the caller is responsible for the "every line item
// verified" gate per spec §4.8.
type LineItem struct {
	ProductID int
	Quantity  float64
	UnitPrice decimal.Decimal
}

// Request carries everything needed to attempt one order submission.
type Request struct {
	MessageID        string
	OrderRef         string
	CustomerID       int
	CustomerVerified bool
	LineItems        []LineItem
	AllLineItemsOK   bool // every matched line item has a verified product id
}

// Order is the result of a Write call, persisted verbatim into
// order.json by the Audit Logger.
type Order struct {
	ID         int    `json:"id,omitempty"`
	NaturalKey string `json:"natural_key"`
	Status     Status `json:"status"`
	Error      string `json:"error,omitempty"`
}

// NaturalKey is the idempotency key spec §4.8 names: message_id +
// order_ref.
func NaturalKey(messageID, orderRef string) string {
	return messageID + ":" + orderRef
}

// Writer submits draft sales orders through an ERPClient, refusing to
// double-submit for a natural key already seen.
type Writer struct {
	erp     ports.ERPClient
	enabled bool
	logger  *logrus.Logger

	mu        sync.Mutex
	submitted map[string]Order
}

// New builds a Writer. enabled mirrors the enable_order_creation
// configuration flag (spec §6) — when false, Write always returns
// not_created without calling the ERP.
func New(erp ports.ERPClient, enabled bool, logger *logrus.Logger) *Writer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Writer{
		erp:       erp,
		enabled:   enabled,
		logger:    logger,
		submitted: make(map[string]Order),
	}
}

// Write assembles and submits one draft sales order for req, or
// declines with StatusNotCreated when disabled or ungated. For a natural
// key already submitted it returns the Order recorded for that key
// without calling the ERP again. A submission error never propagates as a pipeline
// failure: it is captured on the returned Order and logged.
func (w *Writer) Write(ctx context.Context, req Request) Order {
	key := NaturalKey(req.MessageID, req.OrderRef)

	w.mu.Lock()
	if existing, ok := w.submitted[key]; ok {
		w.mu.Unlock()
		w.logger.WithFields(logging.OrderFields("write_conflict", key).ToLogrus()).
			Info("order already submitted for natural key, treating as success")
		return existing
	}
	w.mu.Unlock()

	if !w.enabled {
		return Order{NaturalKey: key, Status: StatusNotCreated}
	}
	if !req.CustomerVerified || !req.AllLineItemsOK {
		return Order{NaturalKey: key, Status: StatusNotCreated}
	}

	values := map[string]interface{}{
		"partner_id": req.CustomerID,
		"order_line": buildOrderLines(req.LineItems),
	}

	id, err := w.erp.Create(ctx, "sale.order", values)
	var order Order
	if err != nil {
		w.logger.WithFields(logging.OrderFields("write", key).ToLogrus()).WithError(err).
			Warn("order submission failed, leaving order not_created")
		order = Order{NaturalKey: key, Status: StatusNotCreated, Error: orderrors.FailedTo("submit draft sales order", err).Error()}
	} else {
		order = Order{ID: id, NaturalKey: key, Status: StatusCreated}
	}

	w.mu.Lock()
	w.submitted[key] = order
	w.mu.Unlock()
	return order
}

func buildOrderLines(items []LineItem) []map[string]interface{} {
	lines := make([]map[string]interface{}, 0, len(items))
	for _, it := range items {
		lines = append(lines, map[string]interface{}{
			"product_id": it.ProductID,
			"quantity":   it.Quantity,
			"unit_price": it.UnitPrice.InexactFloat64(),
		})
	}
	return lines
}
