package retriever_test

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/sds-orderproc/orderproc/pkg/catalog"
	"github.com/sds-orderproc/orderproc/pkg/embedding"
	"github.com/sds-orderproc/orderproc/pkg/matching/retriever"
)

func buildStore() *catalog.Store {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	store := catalog.NewStore(logger)
	dir, _ := os.MkdirTemp("", "catalog")
	productsPath := filepath.Join(dir, "products.json")
	customersPath := filepath.Join(dir, "customers.json")
	_ = os.WriteFile(productsPath, []byte(`{"products":[
		{"id": 8653, "code": "L1520-457", "name": "Gasket Seal L1520-457"},
		{"id": 8798, "code": "L1520-600", "name": "Gasket Seal L1520-600"},
		{"id": 1, "code": "X1", "name": "Structural Tape Width: 25mm"}
	]}`), 0644)
	_ = os.WriteFile(customersPath, []byte(`{"customers":[]}`), 0644)
	_ = store.LoadFromFiles(productsPath, customersPath)
	return store
}

var _ = Describe("Retriever", func() {
	var (
		store    *catalog.Store
		embedder *embedding.Service
		index    *embedding.Index
		ctx      context.Context
	)

	BeforeEach(func() {
		logger := logrus.New()
		logger.SetLevel(logrus.FatalLevel)
		store = buildStore()
		embedder = embedding.NewService(128, logger)
		ctx = context.Background()

		products := make(map[int]string)
		for _, p := range store.AllProducts() {
			products[p.ID] = p.TrimmedCode() + " " + p.Name
		}
		var err error
		index, err = embedder.Build(products)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Retrieve", func() {
		It("short-circuits to an exact code match regardless of semantic rank", func() {
			r := retriever.New(store, embedder, index, 0.60, 4)
			candidates, err := r.Retrieve(ctx, retriever.Query{RawCode: "L1520-457"})
			Expect(err).NotTo(HaveOccurred())
			Expect(candidates).To(HaveLen(1))
			Expect(candidates[0].ProductID).To(Equal(8653))
			Expect(candidates[0].Explain).To(Equal("exact_code"))
		})

		It("finds a trailing-space catalog code via a trimmed raw_code", func() {
			store2 := catalog.NewStore(logrus.New())
			dir := GinkgoT().TempDir()
			pp := filepath.Join(dir, "products.json")
			cp := filepath.Join(dir, "customers.json")
			Expect(os.WriteFile(pp, []byte(`{"products":[{"id": 99, "code": "3M9353R ", "name": "Tape"}]}`), 0644)).To(Succeed())
			Expect(os.WriteFile(cp, []byte(`{"customers":[]}`), 0644)).To(Succeed())
			Expect(store2.LoadFromFiles(pp, cp)).To(Succeed())

			idx, err := embedder.Build(map[int]string{99: "Tape"})
			Expect(err).NotTo(HaveOccurred())

			r := retriever.New(store2, embedder, idx, 0.60, 4)
			candidates, err := r.Retrieve(ctx, retriever.Query{RawCode: "3M9353R"})
			Expect(err).NotTo(HaveOccurred())
			Expect(candidates).To(HaveLen(1))
			Expect(candidates[0].ProductID).To(Equal(99))
		})

		It("falls back to semantic ranking when there is no raw_code match", func() {
			r := retriever.New(store, embedder, index, 0.60, 4)
			candidates, err := r.Retrieve(ctx, retriever.Query{RawName: "gasket seal"})
			Expect(err).NotTo(HaveOccurred())
			Expect(len(candidates)).To(BeNumerically(">", 0))
		})

		It("returns an empty, non-error result when nothing clears the semantic floor", func() {
			r := retriever.New(store, embedder, index, 0.999, 4)
			candidates, err := r.Retrieve(ctx, retriever.Query{RawName: "completely unrelated text zzz"})
			Expect(err).NotTo(HaveOccurred())
			Expect(candidates).To(BeEmpty())
		})
	})
})
