// Package feedback implements the Feedback Processor (spec §4.11): it
// resolves an inbound chat reply to the ProcessingResult it corrects,
// asks the LLM feedback parser to tag the correction, and — once
// confident enough — persists the Correction and derives exactly one
// TrainingExample from it. Grounded on pkg/extraction's
// call-validate-repair shape (here: call-then-confidence-gate) and on
// pkg/audit's append-only, mutex-serialized artifact writes, adapted
// from per-message directories to flat JSONL logs.
package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sds-orderproc/orderproc/pkg/audit"
	"github.com/sds-orderproc/orderproc/pkg/extraction"
	"github.com/sds-orderproc/orderproc/pkg/logging"
	"github.com/sds-orderproc/orderproc/pkg/orderrors"
	"github.com/sds-orderproc/orderproc/pkg/ports"
)

// CorrectionType is the closed set of tags the feedback parser assigns
// (spec §4.11 step 3).
type CorrectionType string

const (
	TypeCompanyMatch CorrectionType = "company_match"
	TypeProductMatch CorrectionType = "product_match"
	TypeQuantity     CorrectionType = "quantity"
	TypePrice        CorrectionType = "price"
	TypeConfirm      CorrectionType = "confirm"
	TypeReject       CorrectionType = "reject"
	TypeClarify      CorrectionType = "clarify"
)

// ParsedCorrection is the feedback parser's structured output.
type ParsedCorrection struct {
	Type            CorrectionType         `json:"type"`
	Payload         map[string]interface{} `json:"payload"`
	Confidence      float64                `json:"confidence"`
	ClarifyQuestion string                 `json:"clarify_question,omitempty"`
}

// Correction is the persisted record of one operator reply (spec §3).
type Correction struct {
	CorrectionID string           `json:"correction_id"`
	OrderID      string           `json:"order_id"`
	UserText     string           `json:"user_text"`
	Parsed       ParsedCorrection `json:"parsed"`
	CreatedAt    time.Time        `json:"created_at"`
	Applied      bool             `json:"applied"`
}

// TrainingExample is one labeled example derived from a Correction
// (spec §3): input is a function of the original message, expected
// output reflects only the corrected fields with the rest copied from
// the original extraction.
type TrainingExample struct {
	Signature               string      `json:"signature"`
	Input                   interface{} `json:"input"`
	ExpectedOutput          interface{} `json:"expected_output"`
	Weight                  float64     `json:"weight"`
	DerivedFromCorrectionID string      `json:"derived_from_correction_id"`
}

// Inbound is what the chat gateway delivers for one reply.
type Inbound struct {
	OrderIDHint      string
	ReplyToMessageID string
	UserText         string
}

// Result is what Process returns to the caller (which posts it back
// through the chat gateway).
type Result struct {
	Acknowledgement     string
	ClarificationNeeded bool
	Question            string
	Correction          *Correction
	TrainingExample     *TrainingExample
	Retrained           bool
	ReprocessDigest     string
}

// RetrainFunc retrains the extractor with newly derived examples
// (spec §4.11: "bounded, synchronous, single-process").
type RetrainFunc func(ctx context.Context, examples []TrainingExample) error

// ReprocessFunc re-runs the original message through the pipeline and
// returns its new Summary, used by immediate-learn mode to show
// Before/After/Expected.
type ReprocessFunc func(ctx context.Context, messageID string) (audit.Summary, error)

var orderIDPattern = regexp.MustCompile(`ORDER_\d+_\d+`)

// Config carries the tunables spec §4.11 names.
type Config struct {
	ConfidenceFloor  float64
	ResolutionWindow time.Duration
	ImmediateRetrain bool
}

// DefaultConfig mirrors the spec's stated defaults (§4.11: "bounded
// window (default 10 min)").
func DefaultConfig() Config {
	return Config{ConfidenceFloor: 0.6, ResolutionWindow: 10 * time.Minute}
}

// Processor implements the inbound correction flow end to end.
type Processor struct {
	audit  *audit.Logger
	llm    ports.LLMProvider
	store  *Store
	cfg    Config
	logger *logrus.Logger

	retrainFn   RetrainFunc
	reprocessFn ReprocessFunc
}

// New builds a Processor. retrainFn/reprocessFn may be nil; they are
// only consulted when cfg.ImmediateRetrain is set.
func New(auditLogger *audit.Logger, llm ports.LLMProvider, store *Store, cfg Config, retrainFn RetrainFunc, reprocessFn ReprocessFunc, logger *logrus.Logger) *Processor {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.ResolutionWindow == 0 {
		cfg.ResolutionWindow = 10 * time.Minute
	}
	return &Processor{
		audit:       auditLogger,
		llm:         llm,
		store:       store,
		cfg:         cfg,
		logger:      logger,
		retrainFn:   retrainFn,
		reprocessFn: reprocessFn,
	}
}

// Process runs the full inbound correction flow for one reply.
func (p *Processor) Process(ctx context.Context, in Inbound) (Result, error) {
	now := time.Now()

	summary, ok := p.resolveOrderID(in, now)
	if !ok {
		return Result{}, &orderrors.InternalInvariant{
			Invariant: "correction must reference an existing ProcessingResult",
			Detail:    "could not resolve an order id from reply-to, order id hint, regex, or recency window",
		}
	}

	original, err := p.loadExtraction(summary.MessageID)
	if err != nil {
		p.logger.WithFields(logging.FeedbackFields("load_original", "").ToLogrus()).
			WithError(err).Warn("could not load original extraction for feedback context, proceeding without it")
	}

	parsed, err := p.parse(ctx, summary, original, in.UserText)
	if err != nil {
		return Result{}, orderrors.FailedTo("parse operator feedback", err)
	}

	if parsed.Confidence < p.cfg.ConfidenceFloor || parsed.Type == TypeClarify {
		question := parsed.ClarifyQuestion
		if question == "" {
			question = "Could you clarify what should change about this order?"
		}
		return Result{ClarificationNeeded: true, Question: question}, nil
	}

	correction := Correction{
		CorrectionID: uuid.NewString(),
		OrderID:      summary.OrderID,
		UserText:     in.UserText,
		Parsed:       parsed,
		CreatedAt:    now,
		Applied:      true,
	}
	if err := p.store.AppendCorrection(correction); err != nil {
		return Result{}, orderrors.FailedTo("persist correction", err)
	}

	example := deriveTrainingExample(correction, original)
	if err := p.store.AppendTrainingExample(example); err != nil {
		return Result{}, orderrors.FailedTo("persist training example", err)
	}

	p.logger.WithFields(logging.FeedbackFields("persisted", string(parsed.Type)).
		Custom("order_id", summary.OrderID).ToLogrus()).Info("correction persisted")

	result := Result{
		Acknowledgement: fmt.Sprintf("Recorded %s correction for %s.", parsed.Type, summary.OrderID),
		Correction:      &correction,
		TrainingExample: &example,
	}

	if p.cfg.ImmediateRetrain && p.retrainFn != nil && p.reprocessFn != nil {
		p.applyImmediateLearn(ctx, summary, example, &result)
	}

	return result, nil
}

// resolveOrderID implements spec §4.11 step 2's three strategies in
// order: (a) explicit reply-to lookup, (b) a hinted or regex-derived
// order id, (c) most recent result within the configured window.
func (p *Processor) resolveOrderID(in Inbound, now time.Time) (audit.Summary, bool) {
	if in.ReplyToMessageID != "" {
		if s, ok := p.audit.ByMessageID(in.ReplyToMessageID); ok {
			return s, true
		}
	}
	if in.OrderIDHint != "" {
		if s, ok := p.audit.Lookup(in.OrderIDHint); ok {
			return s, true
		}
	}
	if m := orderIDPattern.FindString(in.UserText); m != "" {
		if s, ok := p.audit.Lookup(m); ok {
			return s, true
		}
	}
	return p.audit.MostRecent(now, p.cfg.ResolutionWindow)
}

// loadExtraction reads the extraction.json artifact the Audit Logger
// wrote for this message, so the derived TrainingExample's
// expected_output can copy every field the correction didn't touch.
func (p *Processor) loadExtraction(messageID string) (extraction.Extraction, error) {
	dir, ok := p.audit.HasAudited(messageID)
	if !ok {
		return extraction.Extraction{}, fmt.Errorf("no audit directory for message %s", messageID)
	}
	data, err := os.ReadFile(filepath.Join(dir, "extraction.json"))
	if err != nil {
		return extraction.Extraction{}, orderrors.Wrapf(err, "read extraction.json")
	}
	var ex extraction.Extraction
	if err := json.Unmarshal(data, &ex); err != nil {
		return extraction.Extraction{}, orderrors.Wrapf(err, "parse extraction.json")
	}
	return ex, nil
}

var feedbackSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"type": map[string]interface{}{
			"type": "string",
			"enum": []string{"company_match", "product_match", "quantity", "price", "confirm", "reject", "clarify"},
		},
		"payload":          map[string]interface{}{"type": "object"},
		"confidence":       map[string]interface{}{"type": "number", "minimum": 0, "maximum": 1},
		"clarify_question": map[string]interface{}{"type": "string"},
	},
	"required": []string{"type", "confidence"},
}

// parse calls the LLM feedback parser with the original result and the
// operator's free text (spec §4.11 step 3).
func (p *Processor) parse(ctx context.Context, summary audit.Summary, original extraction.Extraction, userText string) (ParsedCorrection, error) {
	raw, err := json.Marshal(original)
	if err != nil {
		return ParsedCorrection{}, orderrors.Wrapf(err, "marshal original extraction for feedback prompt")
	}
	prompt := fmt.Sprintf(
		"The following order was processed as %s for customer %q.\nOriginal extraction:\n%s\n\nOperator reply:\n%s\n\nClassify the correction.",
		summary.OrderID, summary.CustomerName, string(raw), userText,
	)

	out, err := p.llm.Complete(ctx, prompt, feedbackSchema, map[string]interface{}{"temperature": 0.0})
	if err != nil {
		return ParsedCorrection{}, err
	}

	data, err := json.Marshal(out)
	if err != nil {
		return ParsedCorrection{}, orderrors.Wrapf(err, "marshal feedback parser output")
	}
	var parsed ParsedCorrection
	if err := json.Unmarshal(data, &parsed); err != nil {
		return ParsedCorrection{}, orderrors.ParseError("feedback parser output", "json", err)
	}
	return parsed, nil
}

// deriveTrainingExample builds the one TrainingExample a Correction
// produces: expected_output is the original extraction with only the
// corrected fields overwritten (spec §8's round-trip invariant).
func deriveTrainingExample(c Correction, original extraction.Extraction) TrainingExample {
	expected := applyCorrection(original, c.Parsed)
	return TrainingExample{
		Signature:               fmt.Sprintf("%s:%s", c.Parsed.Type, c.CorrectionID),
		Input:                   original,
		ExpectedOutput:          expected,
		Weight:                  1.0,
		DerivedFromCorrectionID: c.CorrectionID,
	}
}

// applyCorrection patches a copy of original according to parsed's
// type and payload. Unrecognized or malformed payloads leave the
// corresponding field untouched rather than failing the correction.
func applyCorrection(original extraction.Extraction, parsed ParsedCorrection) extraction.Extraction {
	out := original

	switch parsed.Type {
	case TypeCompanyMatch:
		if name, ok := parsed.Payload["name"].(string); ok && name != "" {
			out.Customer.Name = name
		}
	case TypeQuantity:
		idx, qty, ok := lineItemFloatPayload(parsed.Payload, "line_item_index", "quantity")
		if ok && idx >= 0 && idx < len(out.LineItems) {
			items := append([]extraction.LineItem(nil), out.LineItems...)
			items[idx].Quantity = qty
			out.LineItems = items
		}
	case TypePrice:
		idx, price, ok := lineItemFloatPayload(parsed.Payload, "line_item_index", "unit_price")
		if ok && idx >= 0 && idx < len(out.LineItems) {
			items := append([]extraction.LineItem(nil), out.LineItems...)
			items[idx].UnitPrice = price
			out.LineItems = items
		}
	case TypeProductMatch:
		if idxF, ok := parsed.Payload["line_item_index"].(float64); ok {
			idx := int(idxF)
			if code, ok := parsed.Payload["product_code"].(string); ok && idx >= 0 && idx < len(out.LineItems) {
				items := append([]extraction.LineItem(nil), out.LineItems...)
				items[idx].RawCode = &code
				out.LineItems = items
			}
		}
	case TypeReject, TypeConfirm, TypeClarify:
		// no field-level change; these tag the overall result, not a field.
	}

	return out
}

func lineItemFloatPayload(payload map[string]interface{}, idxKey, valueKey string) (int, float64, bool) {
	idxF, ok := payload[idxKey].(float64)
	if !ok {
		return 0, 0, false
	}
	val, ok := payload[valueKey].(float64)
	if !ok {
		return 0, 0, false
	}
	return int(idxF), val, true
}

// applyImmediateLearn implements the optional immediate-learn mode
// (spec §4.11): retrain, re-run the original message, and surface a
// Before/After/Expected digest. Failures here are logged, not
// propagated — the correction itself is already safely persisted.
func (p *Processor) applyImmediateLearn(ctx context.Context, before audit.Summary, example TrainingExample, result *Result) {
	if err := p.retrainFn(ctx, []TrainingExample{example}); err != nil {
		p.logger.WithFields(logging.FeedbackFields("retrain", string(result.Correction.Parsed.Type)).ToLogrus()).
			WithError(err).Warn("immediate-learn retrain failed")
		return
	}

	after, err := p.reprocessFn(ctx, before.MessageID)
	if err != nil {
		p.logger.WithFields(logging.FeedbackFields("reprocess", string(result.Correction.Parsed.Type)).ToLogrus()).
			WithError(err).Warn("immediate-learn reprocess failed")
		return
	}

	result.Retrained = true
	result.ReprocessDigest = fmt.Sprintf(
		"Before: %s (%s)\nAfter:  %s (%s)\nExpected change: %v",
		before.CustomerName, before.OrderID, after.CustomerName, after.OrderID, example.ExpectedOutput,
	)
}

// Store persists Correction and TrainingExample records to append-only
// JSONL files (spec §6: feedback/corrections.jsonl,
// feedback/training_examples.jsonl), serialized on a mutex per spec §5.
type Store struct {
	mu              sync.Mutex
	correctionsPath string
	trainingPath    string
}

// NewStore builds a Store rooted at feedbackDir, creating it if absent.
func NewStore(feedbackDir string) (*Store, error) {
	if err := os.MkdirAll(feedbackDir, 0755); err != nil {
		return nil, orderrors.Wrapf(err, "create feedback directory %s", feedbackDir)
	}
	return &Store{
		correctionsPath: filepath.Join(feedbackDir, "corrections.jsonl"),
		trainingPath:    filepath.Join(feedbackDir, "training_examples.jsonl"),
	}, nil
}

func (s *Store) AppendCorrection(c Correction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendJSONLine(s.correctionsPath, c)
}

func (s *Store) AppendTrainingExample(e TrainingExample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendJSONLine(s.trainingPath, e)
}

func appendJSONLine(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return orderrors.Wrapf(err, "marshal %s record", path)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return orderrors.FailedToWithDetails("open append-only store", "feedback", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return orderrors.FailedToWithDetails("append to store", "feedback", path, err)
	}
	return nil
}
