package catalog_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/sds-orderproc/orderproc/pkg/catalog"
)

var _ = Describe("WatchFiles", func() {
	It("invokes onChange when the products file is rewritten", func() {
		dir := GinkgoT().TempDir()
		productsPath := filepath.Join(dir, "products.json")
		customersPath := filepath.Join(dir, "customers.json")
		Expect(os.WriteFile(productsPath, []byte(`{"products":[]}`), 0644)).To(Succeed())
		Expect(os.WriteFile(customersPath, []byte(`{"customers":[]}`), 0644)).To(Succeed())

		logger := logrus.New()
		logger.SetLevel(logrus.FatalLevel)

		changed := make(chan struct{}, 4)
		w, err := catalog.WatchFiles(productsPath, customersPath, func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		}, logger)
		Expect(err).ToNot(HaveOccurred())
		defer w.Close()

		// Atomic write-then-rename, matching how Syncer replaces the
		// snapshot file in place.
		tmp := productsPath + ".tmp"
		Expect(os.WriteFile(tmp, []byte(`{"products":[{"id":1,"code":"X","name":"Widget"}]}`), 0644)).To(Succeed())
		Expect(os.Rename(tmp, productsPath)).To(Succeed())

		Eventually(changed, 2*time.Second).Should(Receive())
	})

	It("ignores changes to unrelated files in the same directory", func() {
		dir := GinkgoT().TempDir()
		productsPath := filepath.Join(dir, "products.json")
		customersPath := filepath.Join(dir, "customers.json")
		Expect(os.WriteFile(productsPath, []byte(`{"products":[]}`), 0644)).To(Succeed())
		Expect(os.WriteFile(customersPath, []byte(`{"customers":[]}`), 0644)).To(Succeed())

		logger := logrus.New()
		logger.SetLevel(logrus.FatalLevel)

		changed := make(chan struct{}, 4)
		w, err := catalog.WatchFiles(productsPath, customersPath, func() {
			changed <- struct{}{}
		}, logger)
		Expect(err).ToNot(HaveOccurred())
		defer w.Close()

		Expect(os.WriteFile(filepath.Join(dir, "watermark.txt"), []byte("2026-01-01 00:00:00"), 0644)).To(Succeed())
		Consistently(changed, 300*time.Millisecond).ShouldNot(Receive())
	})
})
