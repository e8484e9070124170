package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/sds-orderproc/orderproc/pkg/logging"
	"github.com/sds-orderproc/orderproc/pkg/orderrors"
	"github.com/sds-orderproc/orderproc/pkg/ports"
)

// Config carries the own-company guard and generics list the Extractor
// enforces beyond plain schema validation (spec §4.4).
type Config struct {
	OwnCompanyAliases []string
	GenericsList      []string
}

// Extractor drives one LLM extraction call, validates the result
// against the schema plus the cross-field rules spec §4.4 names, and
// allows exactly one repair call before surfacing an ExtractionError.
type Extractor struct {
	llm       ports.LLMProvider
	cfg       Config
	validator *validator.Validate
	logger    *logrus.Logger
}

// New builds an Extractor.
func New(llm ports.LLMProvider, cfg Config, logger *logrus.Logger) *Extractor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Extractor{llm: llm, cfg: cfg, validator: validator.New(), logger: logger}
}

var extractionSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"intent_type":       map[string]interface{}{"type": "string", "enum": []string{"order_inquiry", "invoice_inquiry", "product_inquiry", "general_inquiry", "other"}},
		"intent_confidence": map[string]interface{}{"type": "number", "minimum": 0, "maximum": 1},
		"customer": map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"name": map[string]interface{}{"type": "string"}, "contact": map[string]interface{}{"type": "string"}, "email": map[string]interface{}{"type": "string"}, "phone": map[string]interface{}{"type": "string"}, "address": map[string]interface{}{"type": "string"}},
			"required":   []string{"name"},
		},
		"line_items": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"raw_name":   map[string]interface{}{"type": "string"},
					"raw_code":   map[string]interface{}{"type": []string{"string", "null"}},
					"quantity":   map[string]interface{}{"type": "number"},
					"unit_price": map[string]interface{}{"type": "number"},
				},
				"required": []string{"raw_name", "quantity"},
			},
		},
		"order_ref": map[string]interface{}{"type": "string"},
		"notes":     map[string]interface{}{"type": "string"},
	},
	"required": []string{"intent_type", "intent_confidence", "customer", "line_items"},
}

// Extract runs the single-call-plus-one-repair state machine over
// cleanedText, deriving per-line-item attributes and applying the
// own-company customer guard and generics-list rejection before
// returning.
func (e *Extractor) Extract(ctx context.Context, cleanedText, senderHeader, signatureBlock string) (Extraction, error) {
	result, err := e.call(ctx, cleanedText, nil)
	if err != nil {
		return Extraction{}, &orderrors.ExtractionError{Reason: "initial completion failed", Cause: err}
	}

	extraction, problems := e.validateResult(result)
	if len(problems) > 0 {
		e.logger.WithFields(logging.ExtractionFields("repair", "", 0).ToLogrus()).
			WithField("problems", problems).Warn("extraction validation failed, attempting one repair")

		repaired, err := e.call(ctx, cleanedText, problems)
		if err != nil {
			return Extraction{}, &orderrors.ExtractionError{Reason: "repair completion failed", Cause: err}
		}
		extraction, problems = e.validateResult(repaired)
		if len(problems) > 0 {
			return Extraction{}, &orderrors.ExtractionError{Reason: strings.Join(problems, "; ")}
		}
	}

	if isOwnCompany(extraction.Customer.Name, e.cfg.OwnCompanyAliases) {
		derived := deriveCustomerFromHeader(senderHeader, signatureBlock)
		e.logger.WithFields(logging.ExtractionFields("customer_tie_break", "", extraction.IntentConfidence).ToLogrus()).
			WithField("sender_header", senderHeader).
			WithField("signature_lines", signatureLines(signatureBlock)).
			WithField("chosen_customer", derived.Name).
			Info("own-company name extracted; customer re-derived from signature block and sender header")
		extraction.Customer = derived
	}

	for i := range extraction.LineItems {
		extraction.LineItems[i].Attributes = deriveAttributes(extraction.LineItems[i].RawName)
		if rc := extraction.LineItems[i].RawCode; rc != nil && isGeneric(*rc, e.cfg.GenericsList) {
			extraction.LineItems[i].RawCode = nil
		}
	}

	return extraction, nil
}

func (e *Extractor) call(ctx context.Context, cleanedText string, complaints []string) (map[string]interface{}, error) {
	prompt := buildPrompt(cleanedText, complaints)
	params := map[string]interface{}{"temperature": 0.0}
	return e.llm.Complete(ctx, prompt, extractionSchema, params)
}

func buildPrompt(cleanedText string, complaints []string) string {
	var b strings.Builder
	b.WriteString("Extract the customer order intent from the following message as JSON matching the schema.\n\n")
	if len(complaints) > 0 {
		b.WriteString("The previous attempt failed validation with: ")
		b.WriteString(strings.Join(complaints, "; "))
		b.WriteString("\nCorrect these issues and respond again.\n\n")
	}
	b.WriteString(cleanedText)
	return b.String()
}

// validateResult decodes result into an Extraction, normalizes decimal
// commas, and runs schema plus cross-field validation, returning every
// problem found rather than failing fast on the first.
func (e *Extractor) validateResult(result map[string]interface{}) (Extraction, []string) {
	var problems []string

	normalizeDecimalCommas(result)

	data, err := json.Marshal(result)
	if err != nil {
		return Extraction{}, []string{fmt.Sprintf("could not re-marshal LLM output: %v", err)}
	}
	var extraction Extraction
	if err := json.Unmarshal(data, &extraction); err != nil {
		return Extraction{}, []string{fmt.Sprintf("could not parse LLM output against schema: %v", err)}
	}

	if err := e.validator.Struct(extraction); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	if len(extraction.LineItems) == 0 {
		problems = append(problems, "line_items must not be empty")
	}

	return extraction, problems
}

// normalizeDecimalCommas rewrites European-style "12,5" numeric strings
// to "12.5" in the known price/quantity fields before JSON decoding.
func normalizeDecimalCommas(result map[string]interface{}) {
	items, ok := result["line_items"].([]interface{})
	if !ok {
		return
	}
	for _, raw := range items {
		item, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		for _, field := range []string{"quantity", "unit_price"} {
			if s, ok := item[field].(string); ok {
				normalized := strings.ReplaceAll(s, ",", ".")
				if f, err := strconv.ParseFloat(normalized, 64); err == nil {
					item[field] = f
				}
			}
		}
	}
}

func isOwnCompany(name string, aliases []string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	for _, alias := range aliases {
		if lower == strings.ToLower(strings.TrimSpace(alias)) {
			return true
		}
	}
	return false
}

func isGeneric(code string, generics []string) bool {
	lower := strings.ToLower(strings.TrimSpace(code))
	for _, g := range generics {
		if lower == strings.ToLower(g) {
			return true
		}
	}
	return false
}

// deriveCustomerFromHeader re-derives the customer identity from the
// sender header and signature block when the LLM mistakenly extracted
// the supplier's own company name (spec §4.4). The signature block, if
// it yields a usable company line, wins over the sender header per the
// spec's signed-by-company tie-break (spec §9 open questions); the
// header's display name/email remains the fallback for signatures that
// carry nothing but a greeting.
func deriveCustomerFromHeader(senderHeader, signatureBlock string) Customer {
	name := senderHeader
	if idx := strings.Index(senderHeader, "<"); idx > 0 {
		name = strings.TrimSpace(senderHeader[:idx])
	}

	contact := ""
	if lines := signatureLines(signatureBlock); len(lines) > 0 {
		name = lines[0]
		if len(lines) > 1 {
			contact = lines[1]
		}
	}

	return Customer{
		Name:    name,
		Contact: contact,
		Email:   extractEmail(senderHeader),
	}
}

// signatureClosings are greeting/sign-off lines that precede the actual
// signed-by name in a typical email signature block and must never be
// mistaken for it.
var signatureClosings = map[string]bool{
	"regards":                 true,
	"best regards":            true,
	"kind regards":            true,
	"warm regards":            true,
	"many thanks":             true,
	"thanks":                  true,
	"thank you":               true,
	"sincerely":               true,
	"yours sincerely":         true,
	"yours faithfully":        true,
	"cheers":                  true,
	"best":                    true,
	"mit freundlichen grüßen": true,
	"viele grüße":             true,
}

func isSignatureClosing(line string) bool {
	normalized := strings.ToLower(strings.TrimRight(line, ",.!"))
	return signatureClosings[normalized]
}

// signatureLines returns signatureBlock's non-empty lines with
// greeting/sign-off lines ("Best regards,", "Kind regards,", ...)
// filtered out, so the first remaining line is the signed-by name.
func signatureLines(signatureBlock string) []string {
	var lines []string
	for _, line := range strings.Split(signatureBlock, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || isSignatureClosing(trimmed) {
			continue
		}
		lines = append(lines, trimmed)
	}
	return lines
}

func extractEmail(header string) string {
	start := strings.Index(header, "<")
	end := strings.Index(header, ">")
	if start >= 0 && end > start {
		return header[start+1 : end]
	}
	if strings.Contains(header, "@") {
		return strings.TrimSpace(header)
	}
	return ""
}
