// Package catalog holds the in-memory, file-backed snapshot of products
// and customers that the rest of the pipeline matches against. It is
// adapted from the teacher's pkg/storage/vector in-memory store: one
// writer swaps an immutable snapshot under a lock, many readers never
// see a partial merge.
package catalog

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Product is a stable, ERP-assigned catalog entry. Invariant: id is
// unique within a snapshot. Never mutated during request processing —
// only Incremental Sync creates or replaces product records.
type Product struct {
	ID            int             `json:"id"`
	Code          string          `json:"code"`
	Name          string          `json:"name"`
	ListPrice     decimal.Decimal `json:"list_price"`
	StandardPrice decimal.Decimal `json:"standard_price"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// TrimmedCode returns Code with leading/trailing whitespace removed, the
// form every lookup and comparison must use (spec invariant: a trailing
// space in source data must never cause a miss).
func (p Product) TrimmedCode() string {
	return strings.TrimSpace(p.Code)
}

// Customer is a stable, ERP-assigned catalog entry with the same
// lifecycle invariants as Product.
type Customer struct {
	ID      int    `json:"id"`
	Ref     string `json:"ref,omitempty"`
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}
