package sync_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/sds-orderproc/orderproc/pkg/catalog"
	"github.com/sds-orderproc/orderproc/pkg/orderrors"
	"github.com/sds-orderproc/orderproc/pkg/ports"
	"github.com/sds-orderproc/orderproc/pkg/ports/fake"
	"github.com/sds-orderproc/orderproc/pkg/sync"
)

var _ = Describe("Syncer", func() {
	var (
		dir    string
		store  *catalog.Store
		erp    *fake.ERPClient
		logger *logrus.Logger
		ctx    context.Context
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		logger = logrus.New()
		logger.SetLevel(logrus.FatalLevel)
		store = catalog.NewStore(logger)
		erp = &fake.ERPClient{}
		ctx = context.Background()

		Expect(os.WriteFile(filepath.Join(dir, "products.json"), []byte(`{"products":[]}`), 0644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dir, "customers.json"), []byte(`{"customers":[]}`), 0644)).To(Succeed())
	})

	Describe("Sync", func() {
		It("performs a full sync when no watermark exists, and reports counts", func() {
			erp.SearchReadFunc = func(ctx context.Context, model string, domain []ports.ERPDomainTerm, fields []string, limit int) ([]map[string]interface{}, error) {
				if model == "product.product" {
					return []map[string]interface{}{
						{"id": 8653, "code": "L1520-457", "name": "Gasket"},
						{"id": 8798, "code": "L1520-600", "name": "Gasket 2"},
					}, nil
				}
				return []map[string]interface{}{{"id": 1, "ref": "C1", "name": "Acme"}}, nil
			}

			syncer := sync.New(erp, store, dir, logger)
			result, err := syncer.Sync(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.ProductsSynced).To(Equal(2))
			Expect(result.CustomersSynced).To(Equal(1))
			Expect(store.ProductCount()).To(Equal(2))

			wmBytes, err := os.ReadFile(filepath.Join(dir, "watermark.txt"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(wmBytes)).NotTo(BeEmpty())
		})

		It("keeps the in-memory and on-disk catalogs in sync after a successful pass", func() {
			erp.SearchReadFunc = func(ctx context.Context, model string, domain []ports.ERPDomainTerm, fields []string, limit int) ([]map[string]interface{}, error) {
				if model == "product.product" {
					return []map[string]interface{}{{"id": 1, "code": "A", "name": "Alpha"}}, nil
				}
				return nil, nil
			}
			syncer := sync.New(erp, store, dir, logger)
			_, err := syncer.Sync(ctx)
			Expect(err).NotTo(HaveOccurred())

			data, err := os.ReadFile(filepath.Join(dir, "products.json"))
			Expect(err).NotTo(HaveOccurred())
			var pf struct {
				Products []catalog.Product `json:"products"`
			}
			Expect(json.Unmarshal(data, &pf)).To(Succeed())
			Expect(pf.Products).To(HaveLen(1))
		})

		It("reports zero synced counts when the ERP returns no rows", func() {
			calls := 0
			erp.SearchReadFunc = func(ctx context.Context, model string, domain []ports.ERPDomainTerm, fields []string, limit int) ([]map[string]interface{}, error) {
				calls++
				return nil, nil
			}
			syncer := sync.New(erp, store, dir, logger)
			result, err := syncer.Sync(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.ProductsSynced).To(Equal(0))
			Expect(result.CustomersSynced).To(Equal(0))
		})

		It("wraps RPC errors as SyncTransient", func() {
			erp.SearchReadFunc = func(ctx context.Context, model string, domain []ports.ERPDomainTerm, fields []string, limit int) ([]map[string]interface{}, error) {
				return nil, errors.New("connection refused")
			}
			syncer := sync.New(erp, store, dir, logger)
			_, err := syncer.Sync(ctx)
			Expect(err).To(HaveOccurred())
			Expect(orderrors.IsSyncTransient(err)).To(BeTrue())
		})

		It("wraps a malformed row as SyncFatal", func() {
			erp.SearchReadFunc = func(ctx context.Context, model string, domain []ports.ERPDomainTerm, fields []string, limit int) ([]map[string]interface{}, error) {
				if model == "product.product" {
					return []map[string]interface{}{{"code": "missing-id"}}, nil
				}
				return nil, nil
			}
			syncer := sync.New(erp, store, dir, logger)
			_, err := syncer.Sync(ctx)
			Expect(err).To(HaveOccurred())
			Expect(orderrors.IsSyncFatal(err)).To(BeTrue())
		})
	})
})
