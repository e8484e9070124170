// Package cleaner implements the Message Cleaner component (spec §4.3):
// it decodes attachments to text (PDF, with OCR fallback), strips
// quoted-reply/signature trailers without destroying attachment content
// that happens to follow them in the body, and reduces oversized
// terms-and-conditions attachments to a short business-terms excerpt.
// Grounded on the teacher's pkg/notification/sanitization fallback
// tests for the "best-effort reduce, never silently drop" shape.
package cleaner

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/sds-orderproc/orderproc/pkg/orderrors"
	"github.com/sds-orderproc/orderproc/pkg/ports"
)

const (
	minPDFTextChars  = 20
	tcSizeThreshold  = 10000
	tcExcerptMaxSize = 3000
)

// AttachmentMeta records what happened while decoding one attachment.
type AttachmentMeta struct {
	Filename string
	Size     int
	UsedOCR  bool
	Reduced  bool
}

// Cleaned is the Message Cleaner's output: a single text blob plus
// per-attachment metadata.
type Cleaned struct {
	Text        string
	Attachments []AttachmentMeta
}

var (
	tcFilenamePattern = regexp.MustCompile(`(?i)(terms|agb|conditions|gesch.?ftsbedingungen)`)
	signatureMarkers  = regexp.MustCompile(`(?im)^(--\s*$|best regards|kind regards|mit freundlichen gr.ssen|sent from my)`)
	quotedReplyHeader = regexp.MustCompile(`(?im)^(on .+ wrote:|-----original message-----|>.*)`)
	tcExcerptHeadings = regexp.MustCompile(`(?i)\b(payment|delivery|warranty|liability)\b`)
	tcExcerptTerms    = regexp.MustCompile(`(?i)(net\s*\d+|incoterm|toleranc\w*|warranty|discount)`)

	// orderContentPattern recognizes order-shaped tokens — product codes
	// (letters and digits mixed, e.g. "L1520-457", "3M9353R") and
	// quantity shorthand (e.g. "14x") — that have no business appearing
	// inside a signature or quoted-reply trailer. Its presence past the
	// cut point means the naive cut would destroy real order data.
	orderContentPattern = regexp.MustCompile(`(?i)\b(?:[a-z]+\d+[a-z0-9-]*|\d+[a-z]+[a-z0-9-]*)\b`)
)

// Cleaner decodes and normalizes a raw message into a single text blob.
type Cleaner struct {
	pdf ports.PDFExtractor
	ocr ports.OCRExtractor
}

// New builds a Cleaner backed by the given PDF/OCR collaborators.
func New(pdf ports.PDFExtractor, ocr ports.OCRExtractor) *Cleaner {
	return &Cleaner{pdf: pdf, ocr: ocr}
}

// Clean decodes msg's attachments, strips trailers from the body, and
// appends per-attachment markers with (possibly reduced) attachment
// text, in the teacher's "best effort, never drop input" style.
func (c *Cleaner) Clean(ctx context.Context, msg ports.Message) (Cleaned, error) {
	body := stripTrailers(msg.Body)

	var sections []string
	if strings.TrimSpace(body) != "" {
		sections = append(sections, body)
	}

	metas := make([]AttachmentMeta, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		text, usedOCR, err := c.decodeAttachment(ctx, att)
		if err != nil {
			return Cleaned{}, orderrors.FailedToWithDetails("decode attachment", "cleaner", att.Filename, err)
		}

		reduced := false
		if isTermsAndConditions(att.Filename) && len(text) >= tcSizeThreshold {
			text = excerptBusinessTerms(text)
			reduced = true
		}

		metas = append(metas, AttachmentMeta{
			Filename: att.Filename,
			Size:     len(att.Data),
			UsedOCR:  usedOCR,
			Reduced:  reduced,
		})

		if strings.TrimSpace(text) != "" {
			sections = append(sections, fmt.Sprintf("[attachment:%s]\n%s", att.Filename, text))
		}
	}

	return Cleaned{Text: strings.Join(sections, "\n\n"), Attachments: metas}, nil
}

func (c *Cleaner) decodeAttachment(ctx context.Context, att ports.Attachment) (text string, usedOCR bool, err error) {
	lower := strings.ToLower(att.Filename)
	switch {
	case strings.HasSuffix(lower, ".pdf") || att.ContentType == "application/pdf":
		text, err = c.pdf.PDFToText(ctx, att.Data)
		if err != nil {
			return "", false, err
		}
		if len(strings.TrimSpace(text)) < minPDFTextChars {
			text, err = c.ocr.OCRImage(ctx, att.Data)
			if err != nil {
				return "", false, err
			}
			usedOCR = true
		}
		return text, usedOCR, nil
	case strings.HasPrefix(att.ContentType, "image/"):
		text, err = c.ocr.OCRImage(ctx, att.Data)
		return text, true, err
	default:
		return string(att.Data), false, nil
	}
}

// stripTrailers removes quoted-reply headers and signature blocks, but
// never if order-shaped content (a product code, a quantity token) sits
// past the cut point — a naive cut that ignores this has historically
// destroyed real order data sitting after a signature or inside a
// quoted reply.
func stripTrailers(body string) string {
	if strings.Contains(body, "[attachment:") {
		// Never applied to text that already carries attachment markers;
		// Clean always strips the raw body before appending markers, so
		// this path only matters for callers handing in pre-annotated text.
		return body
	}

	cut := len(body)
	if loc := signatureMarkers.FindStringIndex(body); loc != nil && loc[0] < cut {
		cut = loc[0]
	}
	if loc := quotedReplyHeader.FindStringIndex(body); loc != nil && loc[0] < cut {
		cut = loc[0]
	}
	if cut == len(body) {
		return strings.TrimRight(body, " \t\r\n")
	}

	if orderContentPattern.MatchString(body[cut:]) {
		return strings.TrimRight(body, " \t\r\n")
	}

	return strings.TrimRight(body[:cut], " \t\r\n")
}

func isTermsAndConditions(filename string) bool {
	return tcFilenamePattern.MatchString(filename)
}

// excerptBusinessTerms reduces a large T&C document to the business
// terms that matter downstream: payment/incoterms/tolerance/warranty/
// discount mentions plus headed sections named Payment/Delivery/
// Warranty/Liability, capped at ~3000 characters.
func excerptBusinessTerms(text string) string {
	lines := strings.Split(text, "\n")
	var kept []string
	size := 0
	for _, line := range lines {
		if tcExcerptHeadings.MatchString(line) || tcExcerptTerms.MatchString(line) {
			kept = append(kept, strings.TrimSpace(line))
			size += len(line)
			if size >= tcExcerptMaxSize {
				break
			}
		}
	}
	excerpt := strings.Join(kept, "\n")
	if len(excerpt) > tcExcerptMaxSize {
		excerpt = excerpt[:tcExcerptMaxSize]
	}
	return excerpt
}
