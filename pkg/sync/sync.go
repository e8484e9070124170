// Package sync implements the Incremental Sync component (spec §4.2):
// it pulls ERP records created or updated since the last watermark,
// merges them into the live Catalog Store, rewrites the on-disk catalog
// snapshot, and only then advances the watermark. Grounded on the
// teacher's pkg/storage/vector factory/connection-pool tests for the
// "build a new thing, swap it in, only commit state after both sides
// succeed" shape, adapted here from vector-store lifecycle to ERP sync.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/sds-orderproc/orderproc/pkg/catalog"
	"github.com/sds-orderproc/orderproc/pkg/logging"
	"github.com/sds-orderproc/orderproc/pkg/orderrors"
	"github.com/sds-orderproc/orderproc/pkg/ports"
)

const batchSize = 500

// Result reports how many records a sync pulled in.
type Result struct {
	CustomersSynced int
	ProductsSynced  int
	WatermarkAfter  time.Time
}

// Syncer drives one Incremental Sync pass against an ERPClient, merging
// results into a catalog.Store and persisting the on-disk snapshot and
// watermark file.
type Syncer struct {
	erp          ports.ERPClient
	store        *catalog.Store
	catalogDir   string
	watermarkPth string
	logger       *logrus.Logger
}

// New builds a Syncer. catalogDir is the directory holding
// products.json/customers.json/watermark.txt (spec §6 filesystem
// layout).
func New(erp ports.ERPClient, store *catalog.Store, catalogDir string, logger *logrus.Logger) *Syncer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Syncer{
		erp:          erp,
		store:        store,
		catalogDir:   catalogDir,
		watermarkPth: filepath.Join(catalogDir, "watermark.txt"),
		logger:       logger,
	}
}

// Sync performs one incremental pull. A missing watermark is treated as
// the signal to do a full sync and adopt this run's start time as the
// new baseline.
func (s *Syncer) Sync(ctx context.Context) (Result, error) {
	start := time.Now().UTC()

	watermark, hadWatermark, err := ReadWatermark(s.watermarkPth)
	if err != nil {
		return Result{}, &orderrors.SyncFatal{Cause: err}
	}

	wm := FormatNaiveUTC(watermark)

	products, err := s.fetchProducts(ctx, hadWatermark, wm)
	if err != nil {
		return Result{}, err
	}
	customers, err := s.fetchCustomers(ctx, hadWatermark, wm)
	if err != nil {
		return Result{}, err
	}

	if len(products) == 0 && len(customers) == 0 {
		return Result{WatermarkAfter: watermark}, nil
	}

	s.store.Merge(products, customers)

	if err := s.writeSnapshot(); err != nil {
		return Result{}, &orderrors.SyncFatal{Cause: err}
	}

	if err := WriteWatermark(s.watermarkPth, start); err != nil {
		return Result{}, &orderrors.SyncFatal{Cause: err}
	}

	s.logger.WithFields(logging.SyncFields("sync", len(customers), len(products)).ToLogrus()).Info("sync complete")

	return Result{
		CustomersSynced: len(customers),
		ProductsSynced:  len(products),
		WatermarkAfter:  start,
	}, nil
}

func (s *Syncer) fetchProducts(ctx context.Context, hadWatermark bool, wm string) ([]catalog.Product, error) {
	rows, err := s.searchSince(ctx, "product.product", hadWatermark, wm,
		[]string{"id", "code", "name", "list_price", "standard_price", "write_date"})
	if err != nil {
		return nil, &orderrors.SyncTransient{Cause: err}
	}
	out := make([]catalog.Product, 0, len(rows))
	for _, row := range rows {
		p, err := rowToProduct(row)
		if err != nil {
			return nil, &orderrors.SyncFatal{Cause: err}
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Syncer) fetchCustomers(ctx context.Context, hadWatermark bool, wm string) ([]catalog.Customer, error) {
	var out []catalog.Customer
	rows, err := s.searchSince(ctx, "res.partner", hadWatermark, wm,
		[]string{"id", "ref", "name", "email", "phone", "address"})
	if err != nil {
		return nil, &orderrors.SyncTransient{Cause: err}
	}
	for _, row := range rows {
		c, err := rowToCustomer(row)
		if err != nil {
			return nil, &orderrors.SyncFatal{Cause: err}
		}
		out = append(out, c)
	}
	return out, nil
}

// searchSince pulls every row of model changed since wm. Spec §4.2
// requires records whose create_date OR write_date exceeds the
// watermark; since ports.ERPDomainTerm only ANDs its terms together,
// this issues one SearchRead per field and unions the results by id
// rather than widening the port to express OR-groups for this single
// caller. A missing watermark means a full sync: no predicate at all.
func (s *Syncer) searchSince(ctx context.Context, model string, hadWatermark bool, wm string, fields []string) ([]map[string]interface{}, error) {
	if !hadWatermark {
		return s.erp.SearchRead(ctx, model, nil, fields, batchSize)
	}

	byWrite, err := s.erp.SearchRead(ctx, model,
		[]ports.ERPDomainTerm{{Field: "write_date", Operator: ">", Value: wm}}, fields, batchSize)
	if err != nil {
		return nil, err
	}
	byCreate, err := s.erp.SearchRead(ctx, model,
		[]ports.ERPDomainTerm{{Field: "create_date", Operator: ">", Value: wm}}, fields, batchSize)
	if err != nil {
		return nil, err
	}
	return mergeRowsByID(byWrite, byCreate), nil
}

// mergeRowsByID unions row groups, keeping the first occurrence of
// each id so a record touched by both predicates isn't double-counted.
func mergeRowsByID(groups ...[]map[string]interface{}) []map[string]interface{} {
	seen := make(map[int]bool)
	var out []map[string]interface{}
	for _, rows := range groups {
		for _, row := range rows {
			id, ok := asInt(row["id"])
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, row)
		}
	}
	return out
}

func rowToProduct(row map[string]interface{}) (catalog.Product, error) {
	id, ok := asInt(row["id"])
	if !ok {
		return catalog.Product{}, fmt.Errorf("product row missing integer id: %v", row)
	}
	return catalog.Product{
		ID:            id,
		Code:          asString(row["code"]),
		Name:          asString(row["name"]),
		ListPrice:     asDecimal(row["list_price"]),
		StandardPrice: asDecimal(row["standard_price"]),
		UpdatedAt:     asTime(row["write_date"]),
	}, nil
}

func asDecimal(v interface{}) decimal.Decimal {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n)
	case int:
		return decimal.NewFromInt(int64(n))
	case int64:
		return decimal.NewFromInt(n)
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

func asTime(v interface{}) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}
	}
	t, err := time.Parse(naiveUTCLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func rowToCustomer(row map[string]interface{}) (catalog.Customer, error) {
	id, ok := asInt(row["id"])
	if !ok {
		return catalog.Customer{}, fmt.Errorf("customer row missing integer id: %v", row)
	}
	return catalog.Customer{
		ID:      id,
		Ref:     asString(row["ref"]),
		Name:    asString(row["name"]),
		Email:   asString(row["email"]),
		Phone:   asString(row["phone"]),
		Address: asString(row["address"]),
	}, nil
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

type productsFile struct {
	Products []catalog.Product `json:"products"`
}

type customersFile struct {
	Customers []catalog.Customer `json:"customers"`
}

// writeSnapshot rewrites products.json/customers.json from the current
// in-memory store so the on-disk and in-memory catalogs always carry
// identical id-sets after a successful sync (spec invariant 3).
func (s *Syncer) writeSnapshot() error {
	products := s.store.AllProducts()
	if err := writeJSONAtomic(filepath.Join(s.catalogDir, "products.json"), productsFile{Products: products}); err != nil {
		return err
	}
	customers := s.store.AllCustomers()
	if err := writeJSONAtomic(filepath.Join(s.catalogDir, "customers.json"), customersFile{Customers: customers}); err != nil {
		return err
	}
	return nil
}

func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return orderrors.Wrapf(err, "marshal %s", path)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return orderrors.FailedToWithDetails("write snapshot temp file", "sync", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return orderrors.FailedToWithDetails("rename snapshot into place", "sync", path, err)
	}
	return nil
}
