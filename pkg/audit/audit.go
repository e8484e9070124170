// Package audit implements the Audit Logger (spec §4.9): for every
// processed message it writes a per-message directory of JSON step
// artifacts plus a human-readable summary, with best-effort atomic
// writes (temp file + rename). Grounded on the teacher's
// pkg/notification/delivery file service (write-then-rename,
// directory-creation errors wrapped retryable) adapted here from
// notification delivery to processing-step audit artifacts.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sds-orderproc/orderproc/pkg/logging"
	"github.com/sds-orderproc/orderproc/pkg/orderrors"
)

// Record carries every artifact one message's processing pass produces.
// Fields left nil are simply not written — e.g. Order is nil unless
// order creation was attempted (spec §4.9: "order.json (only if
// attempted)").
type Record struct {
	MessageID      string
	Timestamp      time.Time
	Parsing        interface{}
	Extraction     interface{}
	Candidates     interface{}
	Matches        interface{}
	ERP            interface{}
	Order          interface{}
	Status         string
	CustomerName   string
	LineItemCount  int
	MatchedCount   int
	RequiresReview bool
}

// Summary is the persisted summary.json content plus the stable order
// id the Notifier and Feedback Processor key off of.
type Summary struct {
	OrderID        string    `json:"order_id"`
	MessageID      string    `json:"message_id"`
	CreatedAt      time.Time `json:"created_at"`
	Status         string    `json:"status"`
	CustomerName   string    `json:"customer_name"`
	LineItemCount  int       `json:"line_item_count"`
	MatchedCount   int       `json:"matched_count"`
	RequiresReview bool      `json:"requires_review"`
}

// Logger writes per-message audit directories under rootDir and keeps
// an in-memory index (order id -> summary, message id -> most recent
// dir) so the Feedback Processor can resolve a correction without
// rescanning the filesystem on every reply.
type Logger struct {
	rootDir string
	logger  *logrus.Logger

	mu          sync.RWMutex
	seq         int
	byOrderID   map[string]Summary
	byMessageID map[string]string // message id -> directory name
	recent      []Summary         // append-only, oldest first
}

// New builds a Logger rooted at rootDir, seeding its sequence counter
// from the directories already on disk so order ids stay unique across
// a supervisor restart.
func New(rootDir string, logger *logrus.Logger) *Logger {
	if logger == nil {
		logger = logrus.New()
	}
	l := &Logger{
		rootDir:     rootDir,
		logger:      logger,
		byOrderID:   make(map[string]Summary),
		byMessageID: make(map[string]string),
	}
	l.seq = countExistingDirs(rootDir)
	return l
}

func countExistingDirs(rootDir string) int {
	entries, err := os.ReadDir(rootDir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			n++
		}
	}
	return n
}

// dirName builds the spec §4.9 directory name
// YYYYMMDD_HHMMSS_{message_id}.
func dirName(ts time.Time, messageID string) string {
	return fmt.Sprintf("%s_%s", ts.Format("20060102_150405"), messageID)
}

// HasAudited reports whether a message already has an audit directory
// with at minimum summary.json present — the idempotence check spec
// invariant 4 requires (and the basis for crash-recovery replay being
// safe: a crash between audit write and mark-read just reprocesses into
// the same, already-complete directory).
func (l *Logger) HasAudited(messageID string) (string, bool) {
	l.mu.RLock()
	dir, ok := l.byMessageID[messageID]
	l.mu.RUnlock()
	if ok {
		return dir, true
	}

	entries, err := os.ReadDir(l.rootDir)
	if err != nil {
		return "", false
	}
	suffix := "_" + messageID
	for _, e := range entries {
		if e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			full := filepath.Join(l.rootDir, e.Name())
			if _, err := os.Stat(filepath.Join(full, "summary.json")); err == nil {
				return full, true
			}
		}
	}
	return "", false
}

// Write persists rec's artifacts and returns the Summary it wrote,
// including a freshly minted order id. Failure on any individual
// artifact is logged and does not stop the rest from being written —
// auditing is observational per spec §4.9, never a reason to roll back
// processing.
func (l *Logger) Write(rec Record) (Summary, error) {
	dir := filepath.Join(l.rootDir, dirName(rec.Timestamp, rec.MessageID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Summary{}, orderrors.Wrapf(err, "create audit directory %s", dir)
	}

	l.writeStep(dir, "parsing.json", rec.Parsing)
	l.writeStep(dir, "extraction.json", rec.Extraction)
	l.writeStep(dir, "candidates.json", rec.Candidates)
	l.writeStep(dir, "matches.json", rec.Matches)
	l.writeStep(dir, "erp.json", rec.ERP)
	if rec.Order != nil {
		l.writeStep(dir, "order.json", rec.Order)
	}

	orderID := l.nextOrderID(rec.Timestamp)
	summary := Summary{
		OrderID:        orderID,
		MessageID:      rec.MessageID,
		CreatedAt:      rec.Timestamp,
		Status:         rec.Status,
		CustomerName:   rec.CustomerName,
		LineItemCount:  rec.LineItemCount,
		MatchedCount:   rec.MatchedCount,
		RequiresReview: rec.RequiresReview,
	}
	l.writeStep(dir, "summary.json", summary)
	if err := writeTextAtomic(filepath.Join(dir, "summary.txt"), summaryText(summary)); err != nil {
		l.logger.WithFields(logging.NewFields().Component("audit").Operation("write_summary_txt").ToLogrus()).
			WithError(err).Warn("audit summary.txt write failed")
	}

	l.mu.Lock()
	l.byOrderID[orderID] = summary
	l.byMessageID[rec.MessageID] = dir
	l.recent = append(l.recent, summary)
	l.mu.Unlock()

	l.logger.WithFields(logging.NewFields().Component("audit").Operation("write").
		Custom("message_id", rec.MessageID).Custom("order_id", orderID).ToLogrus()).
		Info("audit record written")

	return summary, nil
}

func (l *Logger) writeStep(dir, name string, v interface{}) {
	if v == nil {
		return
	}
	if err := writeJSONAtomic(filepath.Join(dir, name), v); err != nil {
		l.logger.WithFields(logging.NewFields().Component("audit").Operation("write_step").
			Custom("artifact", name).ToLogrus()).WithError(err).Warn("audit artifact write failed")
	}
}

// nextOrderID mints an ORDER_{n}_{timestamp} id (spec §4.10).
func (l *Logger) nextOrderID(ts time.Time) string {
	l.mu.Lock()
	l.seq++
	n := l.seq
	l.mu.Unlock()
	return fmt.Sprintf("ORDER_%d_%d", n, ts.Unix())
}

// Lookup resolves a Summary by its order id, the Feedback Processor's
// resolution path for an order id given as a hint or found in the reply
// text (spec §4.11, strategy b).
func (l *Logger) Lookup(orderID string) (Summary, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.byOrderID[orderID]
	return s, ok
}

// ByMessageID resolves the most recently written Summary for a given
// message id, used when a reply references the original message
// rather than an order id.
func (l *Logger) ByMessageID(messageID string) (Summary, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.recent) - 1; i >= 0; i-- {
		if l.recent[i].MessageID == messageID {
			return l.recent[i], true
		}
	}
	return Summary{}, false
}

// MostRecent returns the latest Summary written within the last
// `within` duration before now, for strategy (c): falling back to "most
// recent result within a bounded window" when no explicit reference is
// given.
func (l *Logger) MostRecent(now time.Time, within time.Duration) (Summary, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.recent) == 0 {
		return Summary{}, false
	}
	last := l.recent[len(l.recent)-1]
	if now.Sub(last.CreatedAt) > within {
		return Summary{}, false
	}
	return last, true
}

func summaryText(s Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Order:      %s\n", s.OrderID)
	fmt.Fprintf(&b, "Message:    %s\n", s.MessageID)
	fmt.Fprintf(&b, "Status:     %s\n", s.Status)
	fmt.Fprintf(&b, "Customer:   %s\n", s.CustomerName)
	fmt.Fprintf(&b, "Matched:    %d/%d line items\n", s.MatchedCount, s.LineItemCount)
	if s.RequiresReview {
		b.WriteString("Flagged:    requires review\n")
	}
	fmt.Fprintf(&b, "Created:    %s\n", s.CreatedAt.Format(time.RFC3339))
	return b.String()
}

func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return orderrors.Wrapf(err, "marshal %s", path)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return orderrors.FailedToWithDetails("write audit temp file", "audit", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return orderrors.FailedToWithDetails("rename audit file into place", "audit", path, err)
	}
	return nil
}

func writeTextAtomic(path, text string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(text), 0644); err != nil {
		return orderrors.FailedToWithDetails("write audit temp text file", "audit", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return orderrors.FailedToWithDetails("rename audit text file into place", "audit", path, err)
	}
	return nil
}

// NewCorrelationID mints a random id for contexts that need one
// independent of a message id (e.g. a correction submitted before its
// order id is known).
func NewCorrelationID() string {
	return uuid.NewString()
}
