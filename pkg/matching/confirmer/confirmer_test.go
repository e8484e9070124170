package confirmer_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sds-orderproc/orderproc/pkg/matching"
	"github.com/sds-orderproc/orderproc/pkg/matching/confirmer"
	"github.com/sds-orderproc/orderproc/pkg/ports/fake"
)

var _ = Describe("Confirmer", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("Confirm", func() {
		It("returns unmatched with requires_review for an empty candidate set", func() {
			c := confirmer.New(&fake.LLMProvider{}, confirmer.Thresholds{AutoThreshold: 0.95, ReviewThreshold: 0.75})
			match, err := c.Confirm(ctx, "some line item", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(match.Method).To(Equal(matching.MethodUnmatched))
			Expect(match.RequiresReview).To(BeTrue())
			Expect(match.ChosenProductID).To(BeNil())
		})

		It("auto-matches an exact-code candidate without calling the LLM", func() {
			called := false
			llm := &fake.LLMProvider{CompleteFunc: func(ctx context.Context, prompt string, schema, params map[string]interface{}) (map[string]interface{}, error) {
				called = true
				return nil, nil
			}}
			c := confirmer.New(llm, confirmer.Thresholds{AutoThreshold: 0.95, ReviewThreshold: 0.75})
			match, err := c.Confirm(ctx, "L1520-457", []matching.Candidate{{ProductID: 8653, Score: 1.0, Explain: "exact_code"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(called).To(BeFalse())
			Expect(*match.ChosenProductID).To(Equal(8653))
			Expect(match.Method).To(Equal(matching.MethodExactCode))
			Expect(match.RequiresReview).To(BeFalse())
		})

		It("auto-matches a high-scoring semantic candidate above auto_threshold", func() {
			c := confirmer.New(&fake.LLMProvider{}, confirmer.Thresholds{AutoThreshold: 0.95, ReviewThreshold: 0.75})
			match, err := c.Confirm(ctx, "gasket seal", []matching.Candidate{{ProductID: 1, Score: 0.97, Explain: "semantic+token"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(match.Method).To(Equal(matching.MethodSemanticToken))
			Expect(match.RequiresReview).To(BeFalse())
		})

		It("invokes the LLM confirmer below auto_threshold and flags low-confidence picks for review", func() {
			llm := &fake.LLMProvider{CompleteFunc: func(ctx context.Context, prompt string, schema, params map[string]interface{}) (map[string]interface{}, error) {
				return map[string]interface{}{"chosen_product_id": float64(2), "rationale": "closest match"}, nil
			}}
			c := confirmer.New(llm, confirmer.Thresholds{AutoThreshold: 0.95, ReviewThreshold: 0.75})
			match, err := c.Confirm(ctx, "some gasket", []matching.Candidate{
				{ProductID: 2, Score: 0.70, Explain: "semantic+token"},
				{ProductID: 3, Score: 0.65, Explain: "semantic+token"},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(match.Method).To(Equal(matching.MethodConfirmer))
			Expect(*match.ChosenProductID).To(Equal(2))
			Expect(match.RequiresReview).To(BeTrue())
		})

		It("treats an LLM 'none' verdict as unmatched", func() {
			llm := &fake.LLMProvider{CompleteFunc: func(ctx context.Context, prompt string, schema, params map[string]interface{}) (map[string]interface{}, error) {
				return map[string]interface{}{"chosen_product_id": "none"}, nil
			}}
			c := confirmer.New(llm, confirmer.Thresholds{AutoThreshold: 0.95, ReviewThreshold: 0.75})
			match, err := c.Confirm(ctx, "some gasket", []matching.Candidate{{ProductID: 2, Score: 0.70, Explain: "semantic+token"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(match.Method).To(Equal(matching.MethodUnmatched))
			Expect(match.RequiresReview).To(BeTrue())
		})
	})
})
