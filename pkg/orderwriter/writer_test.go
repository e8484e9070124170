package orderwriter_test

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sds-orderproc/orderproc/pkg/orderwriter"
	"github.com/sds-orderproc/orderproc/pkg/ports/fake"
)

var _ = Describe("Writer", func() {
	var (
		erp *fake.ERPClient
		req orderwriter.Request
	)

	BeforeEach(func() {
		erp = &fake.ERPClient{}
		req = orderwriter.Request{
			MessageID:        "msg-1",
			OrderRef:         "PO-100",
			CustomerID:       7,
			CustomerVerified: true,
			AllLineItemsOK:   true,
			LineItems: []orderwriter.LineItem{
				{ProductID: 1, Quantity: 2, UnitPrice: decimal.NewFromFloat(9.5)},
			},
		}
	})

	It("declines without calling the ERP when disabled", func() {
		w := orderwriter.New(erp, false, nil)
		order := w.Write(context.Background(), req)
		Expect(order.Status).To(Equal(orderwriter.StatusNotCreated))
	})

	It("declines when the customer is not verified", func() {
		w := orderwriter.New(erp, true, nil)
		req.CustomerVerified = false
		order := w.Write(context.Background(), req)
		Expect(order.Status).To(Equal(orderwriter.StatusNotCreated))
	})

	It("declines when not every line item is verified", func() {
		w := orderwriter.New(erp, true, nil)
		req.AllLineItemsOK = false
		order := w.Write(context.Background(), req)
		Expect(order.Status).To(Equal(orderwriter.StatusNotCreated))
	})

	It("submits and returns created on success", func() {
		erp.CreateFunc = func(ctx context.Context, model string, values map[string]interface{}) (int, error) {
			Expect(model).To(Equal("sale.order"))
			return 555, nil
		}
		w := orderwriter.New(erp, true, nil)
		order := w.Write(context.Background(), req)
		Expect(order.Status).To(Equal(orderwriter.StatusCreated))
		Expect(order.ID).To(Equal(555))
	})

	It("records a submission error without blocking the caller", func() {
		erp.CreateFunc = func(ctx context.Context, model string, values map[string]interface{}) (int, error) {
			return 0, errors.New("erp unavailable")
		}
		w := orderwriter.New(erp, true, nil)
		order := w.Write(context.Background(), req)
		Expect(order.Status).To(Equal(orderwriter.StatusNotCreated))
		Expect(order.Error).To(ContainSubstring("erp unavailable"))
	})

	It("never submits twice for the same natural key", func() {
		calls := 0
		erp.CreateFunc = func(ctx context.Context, model string, values map[string]interface{}) (int, error) {
			calls++
			return 1, nil
		}
		w := orderwriter.New(erp, true, nil)
		first := w.Write(context.Background(), req)
		second := w.Write(context.Background(), req)
		Expect(calls).To(Equal(1))
		Expect(second).To(Equal(first))
	})
})
