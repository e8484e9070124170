package chatgateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sds-orderproc/orderproc/pkg/chatgateway"
)

var _ = Describe("New", func() {
	It("rejects an empty bot token", func() {
		client, err := chatgateway.New("", "C123", nil)
		Expect(err).To(HaveOccurred())
		Expect(client).To(BeNil())
	})
})

var _ = Describe("Client", func() {
	var server *httptest.Server

	AfterEach(func() {
		if server != nil {
			server.Close()
		}
	})

	It("posts a message and returns the Slack timestamp as message id", func() {
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.URL.Path).To(ContainSubstring("chat.postMessage"))
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"ok":      true,
				"channel": "C123",
				"ts":      "1700000000.000100",
			})
		}))

		client, err := chatgateway.NewWithAPIURL("xoxb-test", "C123", server.URL+"/", nil)
		Expect(err).NotTo(HaveOccurred())

		msgID, err := client.SendMessage(context.Background(), "C123", "hello operators")
		Expect(err).NotTo(HaveOccurred())
		Expect(msgID).To(Equal("1700000000.000100"))
	})

	It("surfaces a thread reply as an update with InReplyTo set", func() {
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if strings.Contains(r.URL.Path, "conversations.history") {
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"ok": true,
					"messages": []map[string]interface{}{
						{"type": "message", "text": "company should be Schur Flexibles", "ts": "1700000100.000200", "thread_ts": "1700000000.000100"},
					},
					"has_more": false,
				})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true})
		}))

		client, err := chatgateway.NewWithAPIURL("xoxb-test", "C123", server.URL+"/", nil)
		Expect(err).NotTo(HaveOccurred())

		updates, err := client.LongPollUpdates(context.Background(), "1700000000.000000")
		Expect(err).NotTo(HaveOccurred())
		Expect(updates).To(HaveLen(1))
		Expect(updates[0].InReplyTo).To(Equal("1700000000.000100"))
		Expect(updates[0].Text).To(ContainSubstring("Schur Flexibles"))
	})
})
