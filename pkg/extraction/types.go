// Package extraction implements the Extractor component (spec §4.4):
// a single LLM completion call against a declarative JSON schema,
// followed by validation and at most one repair call before surfacing
// an ExtractionError.
package extraction

// Customer is the extracted buyer identity from a message.
type Customer struct {
	Name    string `json:"name" validate:"required"`
	Contact string `json:"contact,omitempty"`
	Email   string `json:"email,omitempty" validate:"omitempty,email"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

// Attributes are derived per-line-item product characteristics; every
// field is optional and nil means "not stated", not zero.
type Attributes struct {
	Brand       *string  `json:"brand,omitempty"`
	ProductLine *string  `json:"product_line,omitempty"`
	MachineType *string  `json:"machine_type,omitempty"`
	WidthMM     *float64 `json:"width_mm,omitempty"`
	HeightMM    *float64 `json:"height_mm,omitempty"`
	ThicknessMM *float64 `json:"thickness_mm,omitempty"`
	LengthM     *float64 `json:"length_m,omitempty"`
	Color       *string  `json:"color,omitempty"`
}

// LineItem is one requested product line. RawCode is nil when the
// message gave no code-like token; Attributes are derived from RawName
// by the attribute parser, not supplied directly by the LLM schema.
type LineItem struct {
	RawName    string     `json:"raw_name" validate:"required"`
	RawCode    *string    `json:"raw_code,omitempty"`
	Quantity   float64    `json:"quantity" validate:"required,gt=0"`
	UnitPrice  float64    `json:"unit_price" validate:"gte=0"`
	Attributes Attributes `json:"attributes"`
}

// IntentType is the closed set of message intents spec §4.4 names.
type IntentType string

const (
	IntentOrderInquiry   IntentType = "order_inquiry"
	IntentInvoiceInquiry IntentType = "invoice_inquiry"
	IntentProductInquiry IntentType = "product_inquiry"
	IntentGeneralInquiry IntentType = "general_inquiry"
	IntentOther          IntentType = "other"
)

// Extraction is the Extractor's single output record per message.
type Extraction struct {
	IntentType       IntentType `json:"intent_type" validate:"required,oneof=order_inquiry invoice_inquiry product_inquiry general_inquiry other"`
	IntentConfidence float64    `json:"intent_confidence" validate:"gte=0,lte=1"`
	Customer         Customer   `json:"customer" validate:"required"`
	LineItems        []LineItem `json:"line_items" validate:"dive"`
	OrderRef         string     `json:"order_ref,omitempty"`
	Notes            string     `json:"notes,omitempty"`
}
