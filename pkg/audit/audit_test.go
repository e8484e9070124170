package audit_test

import (
	"path/filepath"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sds-orderproc/orderproc/pkg/audit"
)

var _ = Describe("Logger", func() {
	var (
		dir string
		l   *audit.Logger
		ts  time.Time
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		l = audit.New(dir, nil)
		ts = time.Date(2026, 7, 31, 10, 30, 0, 0, time.UTC)
	})

	It("writes every artifact file and a summary carrying an order id", func() {
		summary, err := l.Write(audit.Record{
			MessageID:     "msg-1",
			Timestamp:     ts,
			Parsing:       map[string]string{"ok": "true"},
			Extraction:    map[string]string{"intent": "order_inquiry"},
			Candidates:    []int{1, 2},
			Matches:       []string{"exact_code"},
			ERP:           map[string]bool{"verified": true},
			Status:        "ok",
			CustomerName:  "Acme GmbH",
			LineItemCount: 2,
			MatchedCount:  2,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.OrderID).To(HavePrefix("ORDER_"))

		auditDir := filepath.Join(dir, "20260731_103000_msg-1")
		for _, f := range []string{"parsing.json", "extraction.json", "candidates.json", "matches.json", "erp.json", "summary.json", "summary.txt"} {
			Expect(filepath.Join(auditDir, f)).To(BeAnExistingFile())
		}
		Expect(filepath.Join(auditDir, "order.json")).NotTo(BeAnExistingFile())
	})

	It("omits order.json when order creation was never attempted", func() {
		_, err := l.Write(audit.Record{MessageID: "msg-2", Timestamp: ts, Status: "ok"})
		Expect(err).NotTo(HaveOccurred())
		Expect(filepath.Join(dir, "20260731_103000_msg-2", "order.json")).NotTo(BeAnExistingFile())
	})

	It("writes order.json when an order was attempted", func() {
		_, err := l.Write(audit.Record{
			MessageID: "msg-3",
			Timestamp: ts,
			Status:    "ok",
			Order:     map[string]interface{}{"status": "created", "id": 42},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(filepath.Join(dir, "20260731_103000_msg-3", "order.json")).To(BeAnExistingFile())
	})

	It("reports HasAudited true once summary.json exists, satisfying replay idempotence", func() {
		_, found := l.HasAudited("msg-4")
		Expect(found).To(BeFalse())

		_, err := l.Write(audit.Record{MessageID: "msg-4", Timestamp: ts, Status: "ok"})
		Expect(err).NotTo(HaveOccurred())

		d, found := l.HasAudited("msg-4")
		Expect(found).To(BeTrue())
		Expect(filepath.Join(d, "summary.json")).To(BeAnExistingFile())
	})

	It("finds an already-audited directory from disk across a fresh Logger (process restart)", func() {
		_, err := l.Write(audit.Record{MessageID: "msg-5", Timestamp: ts, Status: "ok"})
		Expect(err).NotTo(HaveOccurred())

		fresh := audit.New(dir, nil)
		_, found := fresh.HasAudited("msg-5")
		Expect(found).To(BeTrue())
	})

	It("resolves a Summary by order id and by message id", func() {
		summary, err := l.Write(audit.Record{MessageID: "msg-6", Timestamp: ts, Status: "ok", CustomerName: "SDS GmbH"})
		Expect(err).NotTo(HaveOccurred())

		byOrder, ok := l.Lookup(summary.OrderID)
		Expect(ok).To(BeTrue())
		Expect(byOrder.MessageID).To(Equal("msg-6"))

		byMsg, ok := l.ByMessageID("msg-6")
		Expect(ok).To(BeTrue())
		Expect(byMsg.OrderID).To(Equal(summary.OrderID))
	})

	It("resolves the most recent summary only within the bounded window", func() {
		_, err := l.Write(audit.Record{MessageID: "msg-7", Timestamp: ts, Status: "ok"})
		Expect(err).NotTo(HaveOccurred())

		_, ok := l.MostRecent(ts.Add(5*time.Minute), 10*time.Minute)
		Expect(ok).To(BeTrue())

		_, ok = l.MostRecent(ts.Add(20*time.Minute), 10*time.Minute)
		Expect(ok).To(BeFalse())
	})

	It("keeps order ids unique across a fresh Logger by seeding from existing directories", func() {
		_, err := l.Write(audit.Record{MessageID: "msg-8", Timestamp: ts, Status: "ok"})
		Expect(err).NotTo(HaveOccurred())

		fresh := audit.New(dir, nil)
		summary, err := fresh.Write(audit.Record{MessageID: "msg-9", Timestamp: ts.Add(time.Second), Status: "ok"})
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.OrderID).NotTo(Equal("ORDER_1_" + formatUnix(ts.Add(time.Second))))
	})
})

func formatUnix(ts time.Time) string {
	return strconv.FormatInt(ts.Unix(), 10)
}
