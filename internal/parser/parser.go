package parser

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/net/html/charset"

	"fiscal-inbox-go/internal/models"
)

// ErrNotInvoice is returned for feed entries that are not invoices (events,
// cancellations). They are skipped rather than counted as failures.
var ErrNotInvoice = errors.New("document is not an invoice")

// ParseError describes why a payload could not be turned into a document
type ParseError struct {
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return "parse error: " + e.Reason
	}
	return fmt.Sprintf("parse error: %s: %s", e.Field, e.Reason)
}

// Fields are the values extracted from one invoice payload
type Fields struct {
	AccessKey      string
	DocumentNumber string
	IssuerTaxID    string
	IssuerName     string
	TotalAmount    decimal.Decimal
	IssuedAt       time.Time
}

type party struct {
	CNPJ  string `xml:"CNPJ"`
	CPF   string `xml:"CPF"`
	XNome string `xml:"xNome"`
}

type infNFe struct {
	ID  string `xml:"Id,attr"`
	Ide struct {
		NNF   string `xml:"nNF"`
		DhEmi string `xml:"dhEmi"`
		DEmi  string `xml:"dEmi"`
	} `xml:"ide"`
	Emit  party `xml:"emit"`
	Total struct {
		ICMSTot struct {
			VNF string `xml:"vNF"`
		} `xml:"ICMSTot"`
	} `xml:"total"`
}

type nfe struct {
	InfNFe infNFe `xml:"infNFe"`
}

type nfeProc struct {
	NFe  nfe `xml:"NFe"`
	Prot struct {
		Inf struct {
			ChNFe string `xml:"chNFe"`
		} `xml:"infProt"`
	} `xml:"protNFe"`
}

type resNFe struct {
	ChNFe string `xml:"chNFe"`
	CNPJ  string `xml:"CNPJ"`
	CPF   string `xml:"CPF"`
	XNome string `xml:"xNome"`
	DhEmi string `xml:"dhEmi"`
	VNF   string `xml:"vNF"`
}

// Parse extracts the reconciliation fields from a raw invoice payload. Full
// invoices (nfeProc, NFe) and invoice summaries (resNFe) are supported.
func Parse(raw []byte) (*Fields, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &ParseError{Reason: "empty payload"}
	}

	dec := xml.NewDecoder(bytes.NewReader(raw))
	// older issuers still declare ISO-8859-1
	dec.CharsetReader = charset.NewReaderLabel
	root, err := firstElement(dec)
	if err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("malformed xml: %v", err)}
	}

	switch root.Name.Local {
	case "nfeProc":
		var doc nfeProc
		if err := dec.DecodeElement(&doc, &root); err != nil {
			return nil, &ParseError{Reason: fmt.Sprintf("malformed xml: %v", err)}
		}
		return fromInvoice(doc.NFe.InfNFe, doc.Prot.Inf.ChNFe)
	case "NFe":
		var doc nfe
		if err := dec.DecodeElement(&doc, &root); err != nil {
			return nil, &ParseError{Reason: fmt.Sprintf("malformed xml: %v", err)}
		}
		return fromInvoice(doc.InfNFe, "")
	case "resNFe":
		var doc resNFe
		if err := dec.DecodeElement(&doc, &root); err != nil {
			return nil, &ParseError{Reason: fmt.Sprintf("malformed xml: %v", err)}
		}
		return fromSummary(doc)
	case "resEvento", "procEventoNFe", "evento":
		return nil, ErrNotInvoice
	default:
		return nil, &ParseError{Reason: fmt.Sprintf("unsupported root element %q", root.Name.Local)}
	}
}

func firstElement(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return xml.StartElement{}, errors.New("no root element")
		}
		if err != nil {
			return xml.StartElement{}, err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se, nil
		}
	}
}

func fromInvoice(inf infNFe, protocolKey string) (*Fields, error) {
	key := strings.TrimPrefix(strings.TrimSpace(inf.ID), "NFe")
	if key == "" {
		key = strings.TrimSpace(protocolKey)
	}
	issued := inf.Ide.DhEmi
	if issued == "" {
		issued = inf.Ide.DEmi
	}
	return build(key, inf.Ide.NNF, inf.Emit, inf.Total.ICMSTot.VNF, issued)
}

func fromSummary(res resNFe) (*Fields, error) {
	return build(res.ChNFe, "", party{CNPJ: res.CNPJ, CPF: res.CPF, XNome: res.XNome}, res.VNF, res.DhEmi)
}

func build(key, number string, issuer party, total, issued string) (*Fields, error) {
	key = strings.TrimSpace(key)
	if err := ValidateAccessKey(key); err != nil {
		return nil, err
	}

	taxID := strings.TrimSpace(issuer.CNPJ)
	if taxID == "" {
		taxID = strings.TrimSpace(issuer.CPF)
	}
	if taxID == "" {
		return nil, &ParseError{Field: "issuer_tax_id", Reason: "missing"}
	}

	name := strings.TrimSpace(issuer.XNome)
	if name == "" {
		return nil, &ParseError{Field: "issuer_name", Reason: "missing"}
	}

	amount, err := parseAmount(total)
	if err != nil {
		return nil, err
	}

	issuedAt, err := parseTimestamp(issued)
	if err != nil {
		return nil, err
	}

	number = strings.TrimSpace(number)
	if number == "" {
		number = NumberFromAccessKey(key)
	}

	return &Fields{
		AccessKey:      key,
		DocumentNumber: number,
		IssuerTaxID:    taxID,
		IssuerName:     name,
		TotalAmount:    amount,
		IssuedAt:       issuedAt,
	}, nil
}

// ValidateAccessKey checks that key has the fixed length and only digits
func ValidateAccessKey(key string) error {
	if len(key) != models.AccessKeyLength {
		return &ParseError{Field: "access_key", Reason: fmt.Sprintf("expected %d digits, got %d characters", models.AccessKeyLength, len(key))}
	}
	for _, r := range key {
		if r < '0' || r > '9' {
			return &ParseError{Field: "access_key", Reason: "must contain only digits"}
		}
	}
	return nil
}

// NumberFromAccessKey returns the invoice number embedded in an access key
// (positions 26-34), without leading zeros.
func NumberFromAccessKey(key string) string {
	if len(key) != models.AccessKeyLength {
		return ""
	}
	n := strings.TrimLeft(key[25:34], "0")
	if n == "" {
		return "0"
	}
	return n
}

func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, &ParseError{Field: "total_amount", Reason: "missing"}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &ParseError{Field: "total_amount", Reason: fmt.Sprintf("not a decimal: %q", s)}
	}
	if d.IsNegative() {
		return decimal.Zero, &ParseError{Field: "total_amount", Reason: "negative"}
	}
	if !d.Equal(d.Round(2)) {
		return decimal.Zero, &ParseError{Field: "total_amount", Reason: fmt.Sprintf("more than 2 decimal places: %q", s)}
	}
	return d, nil
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, &ParseError{Field: "issued_at", Reason: "missing"}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &ParseError{Field: "issued_at", Reason: fmt.Sprintf("unrecognised timestamp %q", s)}
}
