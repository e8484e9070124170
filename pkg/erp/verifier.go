// Package erp implements the ERP Verifier (spec §4.7): for each matched
// product id it confirms existence and resolves final pricing against
// the live ERP, and for the customer it prefers the locally matched
// ERP id, falling back to a name search. Calls are wrapped in
// sony/gobreaker circuit breakers — the teacher's notification package
// trips one open on repeated failures so a degraded channel is skipped
// instead of retried into the ground; here a degraded ERP trips
// line items and the customer to requires_review instead of hammering
// a dead service.
package erp

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/sds-orderproc/orderproc/pkg/logging"
	"github.com/sds-orderproc/orderproc/pkg/ports"
)

// ProductVerification is the ERP-side resolution of one matched product.
type ProductVerification struct {
	ProductID int
	Verified  bool
	ERPPrice  decimal.Decimal
}

// CustomerVerification is the ERP-side resolution of the extracted
// customer, by id when the local match carries one, else by name.
type CustomerVerification struct {
	CustomerID *int
	Verified   bool
	Name       string
}

// Result bundles a full verification pass for one message.
type Result struct {
	Products       []ProductVerification
	Customer       CustomerVerification
	RequiresReview bool
}

// Verifier wraps ERP RPC calls in per-model circuit breakers.
type Verifier struct {
	erp             ports.ERPClient
	productBreaker  *gobreaker.CircuitBreaker
	customerBreaker *gobreaker.CircuitBreaker
	logger          *logrus.Logger
}

// New builds a Verifier. Breakers trip open after 3 consecutive
// failures, allow 2 probe requests once half-open, and stay open for
// 30 seconds.
func New(erpClient ports.ERPClient, logger *logrus.Logger) *Verifier {
	if logger == nil {
		logger = logrus.New()
	}
	v := &Verifier{erp: erpClient, logger: logger}
	v.productBreaker = gobreaker.NewCircuitBreaker(v.settings("erp.product"))
	v.customerBreaker = gobreaker.NewCircuitBreaker(v.settings("erp.customer"))
	return v
}

func (v *Verifier) settings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 2,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(breakerName string, from, to gobreaker.State) {
			v.logger.WithFields(logging.ERPFields("breaker_state_change", breakerName, to.String()).ToLogrus()).
				Warn("erp circuit breaker state changed")
		},
	}
}

// VerifyProducts resolves a set of matched product ids against the ERP,
// returning final price and existence per id. A breaker trip or RPC
// error marks every id unverified rather than failing the call — the
// caller records the miss and flags requires_review; it never aborts
// the pipeline.
func (v *Verifier) VerifyProducts(ctx context.Context, productIDs []int) ([]ProductVerification, error) {
	if len(productIDs) == 0 {
		return nil, nil
	}

	raw, err := v.productBreaker.Execute(func() (interface{}, error) {
		return v.erp.Read(ctx, "product.product", productIDs, []string{"id", "list_price"})
	})
	if err != nil {
		v.logger.WithFields(logging.ERPFields("verify_products", "product.product", v.productBreaker.State().String()).ToLogrus()).
			WithError(err).Warn("erp product verification degraded")
		out := make([]ProductVerification, len(productIDs))
		for i, id := range productIDs {
			out[i] = ProductVerification{ProductID: id, Verified: false}
		}
		return out, nil
	}

	rows, _ := raw.([]map[string]interface{})
	byID := make(map[int]decimal.Decimal, len(rows))
	for _, row := range rows {
		id := asInt(row["id"])
		byID[id] = asDecimal(row["list_price"])
	}

	out := make([]ProductVerification, len(productIDs))
	for i, id := range productIDs {
		price, ok := byID[id]
		out[i] = ProductVerification{ProductID: id, Verified: ok, ERPPrice: price}
	}
	return out, nil
}

// VerifyCustomer resolves the matched customer against the ERP: by id
// when localID is non-nil, else by a normalized name search.
func (v *Verifier) VerifyCustomer(ctx context.Context, localID *int, name string) CustomerVerification {
	if localID != nil {
		raw, err := v.customerBreaker.Execute(func() (interface{}, error) {
			return v.erp.Read(ctx, "res.partner", []int{*localID}, []string{"id", "name"})
		})
		if err != nil {
			v.logger.WithFields(logging.ERPFields("verify_customer_by_id", "res.partner", v.customerBreaker.State().String()).ToLogrus()).
				WithError(err).Warn("erp customer verification degraded")
			return CustomerVerification{CustomerID: localID, Verified: false, Name: name}
		}
		rows, _ := raw.([]map[string]interface{})
		if len(rows) > 0 {
			return CustomerVerification{CustomerID: localID, Verified: true, Name: name}
		}
		return CustomerVerification{CustomerID: localID, Verified: false, Name: name}
	}

	normalized := strings.TrimSpace(strings.ToLower(name))
	raw, err := v.customerBreaker.Execute(func() (interface{}, error) {
		return v.erp.SearchRead(ctx, "res.partner",
			[]ports.ERPDomainTerm{{Field: "name", Operator: "ilike", Value: normalized}},
			[]string{"id", "name"}, 1)
	})
	if err != nil {
		v.logger.WithFields(logging.ERPFields("verify_customer_by_name", "res.partner", v.customerBreaker.State().String()).ToLogrus()).
			WithError(err).Warn("erp customer verification degraded")
		return CustomerVerification{Verified: false, Name: name}
	}
	rows, _ := raw.([]map[string]interface{})
	if len(rows) == 0 {
		return CustomerVerification{Verified: false, Name: name}
	}
	id := asInt(rows[0]["id"])
	return CustomerVerification{CustomerID: &id, Verified: true, Name: name}
}

// Verify runs both product and customer verification for one message
// and folds the outcome into a single Result, including whether the
// message must be flagged for manual review.
func (v *Verifier) Verify(ctx context.Context, productIDs []int, localCustomerID *int, customerName string) (Result, error) {
	products, err := v.VerifyProducts(ctx, productIDs)
	if err != nil {
		return Result{}, err
	}
	customer := v.VerifyCustomer(ctx, localCustomerID, customerName)

	requiresReview := !customer.Verified
	for _, p := range products {
		if !p.Verified {
			requiresReview = true
			break
		}
	}

	return Result{Products: products, Customer: customer, RequiresReview: requiresReview}, nil
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func asDecimal(v interface{}) decimal.Decimal {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n)
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return decimal.Zero
		}
		return d
	default:
		return decimal.Zero
	}
}
