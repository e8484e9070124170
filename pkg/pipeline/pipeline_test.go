package pipeline_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/sds-orderproc/orderproc/pkg/audit"
	"github.com/sds-orderproc/orderproc/pkg/catalog"
	"github.com/sds-orderproc/orderproc/pkg/cleaner"
	"github.com/sds-orderproc/orderproc/pkg/embedding"
	"github.com/sds-orderproc/orderproc/pkg/erp"
	"github.com/sds-orderproc/orderproc/pkg/extraction"
	"github.com/sds-orderproc/orderproc/pkg/matching/confirmer"
	"github.com/sds-orderproc/orderproc/pkg/matching/retriever"
	"github.com/sds-orderproc/orderproc/pkg/notifier"
	"github.com/sds-orderproc/orderproc/pkg/orderwriter"
	"github.com/sds-orderproc/orderproc/pkg/pipeline"
	"github.com/sds-orderproc/orderproc/pkg/ports"
	"github.com/sds-orderproc/orderproc/pkg/ports/fake"
)

// harness builds a full Pipeline wired with fakes, for the literal
// end-to-end scenarios spec §8 names.
type harness struct {
	pipeline *pipeline.Pipeline
	mailbox  *fake.Mailbox
	erpFake  *fake.ERPClient
	llm      *fake.LLMProvider
	store    *catalog.Store
	auditLog *audit.Logger
	chat     *fake.ChatGateway
}

func newHarness(msgs ...ports.Message) *harness {
	store := catalog.NewStore(nil)
	store.Merge([]catalog.Product{
		{ID: 8653, Code: "L1520-457", Name: "Label stock 1520-457", ListPrice: decimal.NewFromFloat(10), StandardPrice: decimal.NewFromFloat(8)},
		{ID: 8798, Code: "L1520-600", Name: "Label stock 1520-600", ListPrice: decimal.NewFromFloat(12), StandardPrice: decimal.NewFromFloat(9)},
		{ID: 9001, Code: "3M9353R", Name: "3M splicing tape 9353R", ListPrice: decimal.NewFromFloat(20), StandardPrice: decimal.NewFromFloat(15)},
		{ID: 9500, Code: "SDS1923", Name: "SDS Duro Seal Bobst Universal HS", ListPrice: decimal.NewFromFloat(30), StandardPrice: decimal.NewFromFloat(25)},
	}, []catalog.Customer{
		{ID: 500, Name: "Schur Star Systems GmbH"},
	})

	embedder := embedding.NewService(64, nil)
	products := map[int]string{}
	for _, p := range store.AllProducts() {
		products[p.ID] = p.Name
	}
	index, err := embedder.Build(products)
	Expect(err).NotTo(HaveOccurred())

	mailbox := fake.NewMailbox(msgs...)
	erpFake := &fake.ERPClient{}
	// Defaults: every product id resolves verified at its list price and
	// any customer name search resolves verified, so a scenario only
	// needs to override these when it wants to exercise a degraded ERP.
	erpFake.ReadFunc = func(ctx context.Context, model string, ids []int, fields []string) ([]map[string]interface{}, error) {
		rows := make([]map[string]interface{}, 0, len(ids))
		switch model {
		case "product.product":
			for _, id := range ids {
				if p, ok := store.ByID(id); ok {
					rows = append(rows, map[string]interface{}{"id": p.ID, "list_price": p.ListPrice.InexactFloat64()})
				}
			}
		case "res.partner":
			for _, id := range ids {
				rows = append(rows, map[string]interface{}{"id": id, "name": "matched"})
			}
		}
		return rows, nil
	}
	erpFake.SearchReadFunc = func(ctx context.Context, model string, domain []ports.ERPDomainTerm, fields []string, limit int) ([]map[string]interface{}, error) {
		if model == "res.partner" {
			return []map[string]interface{}{{"id": 999, "name": "matched"}}, nil
		}
		return nil, nil
	}
	llm := &fake.LLMProvider{}
	chat := &fake.ChatGateway{}

	cln := cleaner.New(&fake.TextExtractor{}, &fake.TextExtractor{})
	extractor := extraction.New(llm, extraction.Config{OwnCompanyAliases: []string{"SDS GmbH"}}, nil)
	retr := retriever.New(store, embedder, index, 0.10, 4)
	conf := confirmer.New(llm, confirmer.Thresholds{AutoThreshold: 0.95, ReviewThreshold: 0.75})
	verifier := erp.New(erpFake, nil)
	writer := orderwriter.New(erpFake, true, nil)
	auditLog := audit.New(GinkgoT().TempDir(), nil)
	notif := notifier.New(chat, "chat-1", true, nil)

	p := pipeline.New(mailbox, store, cln, extractor, retr, conf, verifier, writer, auditLog, notif,
		pipeline.Config{PoolSize: 2, EnableOrderCreation: true, EnableNotifications: true}, nil)

	return &harness{pipeline: p, mailbox: mailbox, erpFake: erpFake, llm: llm, store: store, auditLog: auditLog, chat: chat}
}

// lineItemsJSON builds the raw completion map the fake LLM returns for
// an extraction call.
func lineItemsJSON(customerName string, items ...map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"intent_type":       "order_inquiry",
		"intent_confidence": 0.95,
		"customer":          map[string]interface{}{"name": customerName},
		"line_items":        items,
	}
}

var _ = Describe("Pipeline", func() {
	It("S1: clean order with exact-code matches auto-creates an order", func() {
		h := newHarness(ports.Message{ID: "m1", From: "buyer@example.com", Body: "Please ship 14x L1520-457 and 14x L1520-600."})
		h.llm.CompleteFunc = func(ctx context.Context, prompt string, schema, params map[string]interface{}) (map[string]interface{}, error) {
			return lineItemsJSON("Example Buyer GmbH",
				map[string]interface{}{"raw_name": "L1520-457", "raw_code": "L1520-457", "quantity": 14.0, "unit_price": 10.0},
				map[string]interface{}{"raw_name": "L1520-600", "raw_code": "L1520-600", "quantity": 14.0, "unit_price": 12.0},
			), nil
		}

		summary, err := h.pipeline.ProcessMessage(context.Background(), "m1")
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.Status).To(Equal("ok"))
		Expect(summary.MatchedCount).To(Equal(2))
		Expect(summary.RequiresReview).To(BeFalse())
		Expect(h.chat.Sent).To(HaveLen(1))
	})

	It("S2: a trailing space in the catalog code still exact-matches", func() {
		h := newHarness(ports.Message{ID: "m2", From: "buyer@example.com", Body: "Need 5x 3M9353R please."})
		h.store.Merge([]catalog.Product{{ID: 9001, Code: "3M9353R ", Name: "3M splicing tape 9353R", ListPrice: decimal.NewFromFloat(20), StandardPrice: decimal.NewFromFloat(15)}}, nil)
		h.llm.CompleteFunc = func(ctx context.Context, prompt string, schema, params map[string]interface{}) (map[string]interface{}, error) {
			return lineItemsJSON("Example Buyer GmbH",
				map[string]interface{}{"raw_name": "3M9353R", "raw_code": "3M9353R", "quantity": 5.0, "unit_price": 20.0},
			), nil
		}

		summary, err := h.pipeline.ProcessMessage(context.Background(), "m2")
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.MatchedCount).To(Equal(1))
	})

	It("S5: the signed-by company wins over the addressee in the extracted customer", func() {
		h := newHarness(ports.Message{ID: "m5", From: "ops@schurstarsystems.example", Body: "Dear SDS GmbH,\n\nPlease process.\n\nBest regards,\nSchur Star Systems GmbH"})
		h.llm.CompleteFunc = func(ctx context.Context, prompt string, schema, params map[string]interface{}) (map[string]interface{}, error) {
			return lineItemsJSON("SDS GmbH",
				map[string]interface{}{"raw_name": "widget", "quantity": 1.0, "unit_price": 1.0},
			), nil
		}

		summary, err := h.pipeline.ProcessMessage(context.Background(), "m5")
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.CustomerName).To(Equal("Schur Star Systems GmbH"))
	})

	It("keeps per-line-item matches ordered by position despite concurrent retrieval", func() {
		h := newHarness(ports.Message{ID: "m6", From: "buyer@example.com", Body: "Need 1x L1520-457, 1x L1520-600, 1x 3M9353R, 1x SDS1923."})
		h.llm.CompleteFunc = func(ctx context.Context, prompt string, schema, params map[string]interface{}) (map[string]interface{}, error) {
			return lineItemsJSON("Example Buyer GmbH",
				map[string]interface{}{"raw_name": "L1520-457", "raw_code": "L1520-457", "quantity": 1.0, "unit_price": 10.0},
				map[string]interface{}{"raw_name": "L1520-600", "raw_code": "L1520-600", "quantity": 1.0, "unit_price": 12.0},
				map[string]interface{}{"raw_name": "3M9353R", "raw_code": "3M9353R", "quantity": 1.0, "unit_price": 20.0},
				map[string]interface{}{"raw_name": "SDS1923", "raw_code": "SDS1923", "quantity": 1.0, "unit_price": 30.0},
			), nil
		}

		summary, err := h.pipeline.ProcessMessage(context.Background(), "m6")
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.MatchedCount).To(Equal(4))

		dir, ok := h.auditLog.HasAudited("m6")
		Expect(ok).To(BeTrue())
		data, err := os.ReadFile(filepath.Join(dir, "matches.json"))
		Expect(err).NotTo(HaveOccurred())
		var matches []struct {
			ChosenProductID *int `json:"chosen_product_id"`
		}
		Expect(json.Unmarshal(data, &matches)).To(Succeed())
		Expect(matches).To(HaveLen(4))
		Expect(*matches[0].ChosenProductID).To(Equal(8653))
		Expect(*matches[1].ChosenProductID).To(Equal(8798))
		Expect(*matches[2].ChosenProductID).To(Equal(9001))
		Expect(*matches[3].ChosenProductID).To(Equal(9500))
	})

	It("replays an already-audited message idempotently without resubmitting an order", func() {
		h := newHarness(ports.Message{ID: "m1", From: "buyer@example.com", Body: "Please ship 14x L1520-457 and 14x L1520-600."})
		h.llm.CompleteFunc = func(ctx context.Context, prompt string, schema, params map[string]interface{}) (map[string]interface{}, error) {
			return lineItemsJSON("Example Buyer GmbH",
				map[string]interface{}{"raw_name": "L1520-457", "raw_code": "L1520-457", "quantity": 14.0, "unit_price": 10.0},
				map[string]interface{}{"raw_name": "L1520-600", "raw_code": "L1520-600", "quantity": 14.0, "unit_price": 12.0},
			), nil
		}

		first, err := h.pipeline.ProcessMessage(context.Background(), "m1")
		Expect(err).NotTo(HaveOccurred())

		createCalls := 0
		h.erpFake.CreateFunc = func(ctx context.Context, model string, values map[string]interface{}) (int, error) {
			createCalls++
			return 1, nil
		}

		second, err := h.pipeline.ProcessMessage(context.Background(), "m1")
		Expect(err).NotTo(HaveOccurred())
		Expect(second.OrderID).To(Equal(first.OrderID))
		Expect(createCalls).To(Equal(0))
	})

	It("processes a whole mailbox through ProcessAll with bounded concurrency", func() {
		h := newHarness(
			ports.Message{ID: "m1", From: "buyer@example.com", Body: "Please ship 14x L1520-457."},
			ports.Message{ID: "m2", From: "buyer@example.com", Body: "Need 5x 3M9353R please."},
		)
		h.llm.CompleteFunc = func(ctx context.Context, prompt string, schema, params map[string]interface{}) (map[string]interface{}, error) {
			return lineItemsJSON("Example Buyer GmbH",
				map[string]interface{}{"raw_name": "item", "raw_code": "L1520-457", "quantity": 1.0, "unit_price": 10.0},
			), nil
		}

		stats, err := h.pipeline.ProcessAll(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Processed).To(Equal(2))
		Expect(stats.Failed).To(Equal(0))
	})
})
