package supervisor_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sds-orderproc/orderproc/pkg/pipeline"
	"github.com/sds-orderproc/orderproc/pkg/ports/fake"
	"github.com/sds-orderproc/orderproc/pkg/supervisor"
)

// scriptedPipeline is a supervisor.Pipeline stub: each ProcessAll call
// consumes the next scripted (Stats, error) pair, repeating the last
// entry once the script is exhausted.
type scriptedPipeline struct {
	mu     sync.Mutex
	script []result
	calls  int
}

type result struct {
	stats pipeline.Stats
	err   error
}

func (p *scriptedPipeline) ProcessAll(ctx context.Context) (pipeline.Stats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}
	p.calls++
	r := p.script[idx]
	return r.stats, r.err
}

var _ = Describe("Supervisor", func() {
	It("runs poll ticks on the configured interval and accumulates success counters", func() {
		fp := &scriptedPipeline{script: []result{{stats: pipeline.Stats{Processed: 2, Failed: 0}}}}
		healthPath := filepath.Join(GinkgoT().TempDir(), "status.txt")

		sup := supervisor.New(supervisor.Config{
			PollInterval:           10 * time.Millisecond,
			HeartbeatInterval:      time.Hour,
			MaxConsecutiveFailures: 3,
			HealthFilePath:         healthPath,
		}, fp, nil, nil, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 45*time.Millisecond)
		defer cancel()

		err := sup.Run(ctx)
		Expect(err).NotTo(HaveOccurred())

		snap := sup.Snapshot()
		Expect(snap.Processed).To(BeNumerically(">=", 2))
		Expect(snap.ConsecutiveFailures).To(Equal(0))
	})

	It("reinitializes the processing graph after consecutive failures cross the threshold", func() {
		fp := &scriptedPipeline{script: []result{
			{stats: pipeline.Stats{}, err: errBoom},
			{stats: pipeline.Stats{}, err: errBoom},
		}}
		recovered := &scriptedPipeline{script: []result{{stats: pipeline.Stats{Processed: 1}}}}

		var rebuildCalls int
		var mu sync.Mutex
		rebuild := func(ctx context.Context) (supervisor.Pipeline, error) {
			mu.Lock()
			rebuildCalls++
			mu.Unlock()
			return recovered, nil
		}

		sup := supervisor.New(supervisor.Config{
			PollInterval:           10 * time.Millisecond,
			HeartbeatInterval:      time.Hour,
			MaxConsecutiveFailures: 2,
		}, fp, rebuild, nil, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 45*time.Millisecond)
		defer cancel()

		err := sup.Run(ctx)
		Expect(err).NotTo(HaveOccurred())

		mu.Lock()
		calls := rebuildCalls
		mu.Unlock()
		Expect(calls).To(BeNumerically(">=", 1))
	})

	It("sends startup and shutdown alerts to the configured admin address", func() {
		fp := &scriptedPipeline{script: []result{{stats: pipeline.Stats{Processed: 1}}}}
		notifier := &fake.MailNotifier{}

		sup := supervisor.New(supervisor.Config{
			PollInterval:           10 * time.Millisecond,
			HeartbeatInterval:      time.Hour,
			MaxConsecutiveFailures: 3,
			AdminAlertAddress:      "ops@example.com",
			AlertCooldown:          time.Hour,
		}, fp, nil, notifier, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		Expect(sup.Run(ctx)).To(Succeed())

		var bodies []string
		for _, sent := range notifier.Sent {
			Expect(sent.To).To(Equal("ops@example.com"))
			bodies = append(bodies, sent.Body)
		}
		Expect(strings.Join(bodies, "|")).To(ContainSubstring("starting"))
		Expect(strings.Join(bodies, "|")).To(ContainSubstring("shut down"))
	})

	It("writes a heartbeat health file on the configured interval", func() {
		fp := &scriptedPipeline{script: []result{{stats: pipeline.Stats{Processed: 3}}}}
		healthPath := filepath.Join(GinkgoT().TempDir(), "status.txt")

		sup := supervisor.New(supervisor.Config{
			PollInterval:           5 * time.Millisecond,
			HeartbeatInterval:      5 * time.Millisecond,
			MaxConsecutiveFailures: 3,
			HealthFilePath:         healthPath,
		}, fp, nil, nil, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
		defer cancel()
		Expect(sup.Run(ctx)).To(Succeed())

		data, err := os.ReadFile(healthPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring("processed="))
	})
})

var errBoom = context.DeadlineExceeded
