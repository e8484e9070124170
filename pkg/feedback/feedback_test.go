package feedback_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sds-orderproc/orderproc/pkg/audit"
	"github.com/sds-orderproc/orderproc/pkg/extraction"
	"github.com/sds-orderproc/orderproc/pkg/feedback"
	"github.com/sds-orderproc/orderproc/pkg/ports/fake"
)

// seedAudit writes a Summary plus extraction.json directly to auditRoot
// so HasAudited/ByMessageID resolve exactly as they would after a real
// pipeline run, without depending on pkg/pipeline.
func seedAudit(auditRoot, messageID string, original extraction.Extraction) *audit.Logger {
	logger := audit.New(auditRoot, nil)
	_, err := logger.Write(audit.Record{
		MessageID:     messageID,
		Timestamp:     time.Now(),
		Extraction:    original,
		Status:        "ok",
		CustomerName:  original.Customer.Name,
		LineItemCount: len(original.LineItems),
		MatchedCount:  len(original.LineItems),
	})
	Expect(err).NotTo(HaveOccurred())
	return logger
}

var _ = Describe("Processor", func() {
	var (
		auditRoot, feedbackDir string
		original               extraction.Extraction
		auditLogger            *audit.Logger
		store                  *feedback.Store
		llm                    *fake.LLMProvider
	)

	BeforeEach(func() {
		auditRoot = GinkgoT().TempDir()
		feedbackDir = filepath.Join(GinkgoT().TempDir(), "feedback")

		original = extraction.Extraction{
			IntentType:       extraction.IntentOrderInquiry,
			IntentConfidence: 0.9,
			Customer:         extraction.Customer{Name: "SDS GmbH"},
			LineItems: []extraction.LineItem{
				{RawName: "widget A", Quantity: 10, UnitPrice: 5},
			},
		}
		auditLogger = seedAudit(auditRoot, "msg-1", original)

		var err error
		store, err = feedback.NewStore(feedbackDir)
		Expect(err).NotTo(HaveOccurred())

		llm = &fake.LLMProvider{}
	})

	It("resolves the order via reply-to, persists a correction, and derives one training example (S7)", func() {
		llm.CompleteFunc = func(ctx context.Context, prompt string, schema, params map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{
				"type":       "company_match",
				"payload":    map[string]interface{}{"name": "Schur Flexibles"},
				"confidence": 0.95,
			}, nil
		}

		p := feedback.New(auditLogger, llm, store, feedback.DefaultConfig(), nil, nil, nil)

		result, err := p.Process(context.Background(), feedback.Inbound{
			ReplyToMessageID: "msg-1",
			UserText:         "Company should be Schur Flexibles",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.ClarificationNeeded).To(BeFalse())
		Expect(result.Correction).NotTo(BeNil())
		Expect(result.Correction.Parsed.Type).To(Equal(feedback.TypeCompanyMatch))

		Expect(result.TrainingExample).NotTo(BeNil())
		expected, ok := result.TrainingExample.ExpectedOutput.(extraction.Extraction)
		Expect(ok).To(BeTrue())
		Expect(expected.Customer.Name).To(Equal("Schur Flexibles"))
		// Other fields are copied from the original extraction untouched.
		Expect(expected.LineItems).To(HaveLen(1))
		Expect(expected.LineItems[0].RawName).To(Equal("widget A"))

		data, err := os.ReadFile(filepath.Join(feedbackDir, "corrections.jsonl"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring("company_match"))

		data, err = os.ReadFile(filepath.Join(feedbackDir, "training_examples.jsonl"))
		Expect(err).NotTo(HaveOccurred())
		var line map[string]interface{}
		Expect(json.Unmarshal(data[:len(data)-1], &line)).To(Succeed())
		Expect(line["derived_from_correction_id"]).To(Equal(result.Correction.CorrectionID))
	})

	It("halts with a clarification question when confidence is below the floor", func() {
		llm.CompleteFunc = func(ctx context.Context, prompt string, schema, params map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{
				"type":             "clarify",
				"confidence":       0.2,
				"clarify_question": "Which line item do you mean?",
			}, nil
		}

		p := feedback.New(auditLogger, llm, store, feedback.DefaultConfig(), nil, nil, nil)

		result, err := p.Process(context.Background(), feedback.Inbound{
			ReplyToMessageID: "msg-1",
			UserText:         "fix it",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.ClarificationNeeded).To(BeTrue())
		Expect(result.Question).To(Equal("Which line item do you mean?"))
		Expect(result.Correction).To(BeNil())

		_, err = os.ReadFile(filepath.Join(feedbackDir, "corrections.jsonl"))
		Expect(err).To(HaveOccurred())
	})

	It("resolves the order via a regex match in the reply text when no reply-to is given", func() {
		llm.CompleteFunc = func(ctx context.Context, prompt string, schema, params map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{
				"type":       "confirm",
				"confidence": 0.9,
			}, nil
		}

		summary, ok := auditLogger.ByMessageID("msg-1")
		Expect(ok).To(BeTrue())

		p := feedback.New(auditLogger, llm, store, feedback.DefaultConfig(), nil, nil, nil)
		result, err := p.Process(context.Background(), feedback.Inbound{
			UserText: "Looks good, confirm " + summary.OrderID,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Correction.OrderID).To(Equal(summary.OrderID))
	})

	It("fails when no strategy resolves an order id", func() {
		p := feedback.New(auditLogger, llm, store, feedback.Config{ConfidenceFloor: 0.6, ResolutionWindow: time.Millisecond}, nil, nil, nil)
		time.Sleep(5 * time.Millisecond)

		_, err := p.Process(context.Background(), feedback.Inbound{UserText: "no reference here"})
		Expect(err).To(HaveOccurred())
	})

	It("runs immediate-learn mode end to end when enabled", func() {
		llm.CompleteFunc = func(ctx context.Context, prompt string, schema, params map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{
				"type":       "company_match",
				"payload":    map[string]interface{}{"name": "Schur Flexibles"},
				"confidence": 0.95,
			}, nil
		}

		cfg := feedback.DefaultConfig()
		cfg.ImmediateRetrain = true

		var retrained []feedback.TrainingExample
		retrainFn := func(ctx context.Context, examples []feedback.TrainingExample) error {
			retrained = append(retrained, examples...)
			return nil
		}
		reprocessFn := func(ctx context.Context, messageID string) (audit.Summary, error) {
			return audit.Summary{OrderID: "ORDER_2_1700000000", MessageID: messageID, CustomerName: "Schur Flexibles"}, nil
		}

		p := feedback.New(auditLogger, llm, store, cfg, retrainFn, reprocessFn, nil)
		result, err := p.Process(context.Background(), feedback.Inbound{
			ReplyToMessageID: "msg-1",
			UserText:         "Company should be Schur Flexibles",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Retrained).To(BeTrue())
		Expect(retrained).To(HaveLen(1))
		Expect(result.ReprocessDigest).To(ContainSubstring("Schur Flexibles"))
	})
})
