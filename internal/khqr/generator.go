// Package khqr builds and checks KHQR merchant-presented payment codes: an
// EMV-style tag-length-value string terminated by a CRC-16 field, plus the
// MD5 fingerprint the payment network reports back when the code is paid.
package khqr

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Tags used in the top-level payload and its nested templates.
const (
	TagPayloadFormat   = "00"
	TagPointOfInit     = "01"
	TagMerchantAccount = "29"
	TagCategoryCode    = "52"
	TagCurrency        = "53"
	TagAmount          = "54"
	TagCountry         = "58"
	TagMerchantName    = "59"
	TagMerchantCity    = "60"
	TagAdditionalData  = "62"
	TagCRC             = "63"

	subTagProviderID    = "00"
	subTagAccountID     = "01"
	subTagBillNumber    = "01"
	subTagTerminalLabel = "07"
)

const (
	payloadFormatVersion = "01"
	pointOfInitDynamic   = "12"
	crcHeader            = TagCRC + "04"

	MaxMerchantNameLength = 25
	MaxMerchantCityLength = 15

	DefaultProviderID   = "BAKONG"
	DefaultCategoryCode = "5999"
	DefaultCountryCode  = "KH"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	ErrMissingAccount      = errors.New("merchant account id is required")
	ErrChecksumMismatch    = errors.New("checksum mismatch")
)

// Currency is one of the currencies the network settles in.
type Currency string

const (
	USD Currency = "USD"
	KHR Currency = "KHR"
)

// NumericCode returns the ISO 4217 numeric code.
func (c Currency) NumericCode() (string, error) {
	switch c {
	case USD:
		return "840", nil
	case KHR:
		return "116", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedCurrency, string(c))
}

// Precision is the number of fractional digits carried in the amount field.
// Riel amounts are whole.
func (c Currency) Precision() int32 {
	if c == KHR {
		return 0
	}
	return 2
}

// ParseCurrency accepts a currency code in any case.
func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	if _, err := c.NumericCode(); err != nil {
		return "", err
	}
	return c, nil
}

// Merchant identifies the receiving side of the payment. It is passed in on
// every call; there is no package-level default.
type Merchant struct {
	AccountID     string
	Name          string
	City          string
	ProviderID    string
	CategoryCode  string
	CountryCode   string
	TerminalLabel string
}

func (m Merchant) withDefaults() Merchant {
	if m.ProviderID == "" {
		m.ProviderID = DefaultProviderID
	}
	if m.CategoryCode == "" {
		m.CategoryCode = DefaultCategoryCode
	}
	if m.CountryCode == "" {
		m.CountryCode = DefaultCountryCode
	}
	return m
}

// Request is the input for one checkout attempt.
type Request struct {
	Merchant      Merchant
	Currency      Currency
	Amount        decimal.Decimal
	BillReference string
	// ExpiresAt is not embedded in the payload; reconciliation enforces it.
	ExpiresAt *time.Time
}

// Encoded is a generated payment code and its correlation fingerprint.
type Encoded struct {
	Code          string          `json:"code"`
	Fingerprint   string          `json:"fingerprint"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      Currency        `json:"currency"`
	BillReference string          `json:"bill_reference"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
}

// Generator produces payment codes. The zero value is ready to use.
type Generator struct {
	// NewBillReference supplies a bill reference when the request has none.
	NewBillReference func() string
}

// NewBillReference returns a short unique reference such as "ORD-1F3A9C0D".
func NewBillReference() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "ORD-" + strings.ToUpper(id[:8])
}

// Generate encodes req. On error no partial result is returned.
func (g Generator) Generate(req Request) (*Encoded, error) {
	numeric, err := req.Currency.NumericCode()
	if err != nil {
		return nil, err
	}
	amount, err := RoundAmount(req.Amount, req.Currency)
	if err != nil {
		return nil, err
	}
	m := req.Merchant.withDefaults()
	if strings.TrimSpace(m.AccountID) == "" {
		return nil, ErrMissingAccount
	}

	bill := req.BillReference
	if bill == "" {
		gen := g.NewBillReference
		if gen == nil {
			gen = NewBillReference
		}
		bill = gen()
	}

	account := new(Builder).
		Add(subTagProviderID, m.ProviderID).
		Add(subTagAccountID, m.AccountID)

	b := new(Builder).
		Add(TagPayloadFormat, payloadFormatVersion).
		Add(TagPointOfInit, pointOfInitDynamic).
		AddNested(TagMerchantAccount, account).
		Add(TagCategoryCode, m.CategoryCode).
		Add(TagCurrency, numeric).
		Add(TagAmount, amount.StringFixed(req.Currency.Precision())).
		Add(TagCountry, m.CountryCode).
		Add(TagMerchantName, truncate(m.Name, MaxMerchantNameLength)).
		Add(TagMerchantCity, truncate(m.City, MaxMerchantCityLength))

	additional := new(Builder)
	if bill != "" {
		additional.Add(subTagBillNumber, bill)
	}
	if m.TerminalLabel != "" {
		additional.Add(subTagTerminalLabel, m.TerminalLabel)
	}
	if additional.String() != "" || additional.Err() != nil {
		b.AddNested(TagAdditionalData, additional)
	}

	b.Raw(crcHeader)
	if err := b.Err(); err != nil {
		return nil, err
	}

	body := b.String()
	code := body + FormatCRC(CRC16([]byte(body)))

	return &Encoded{
		Code:          code,
		Fingerprint:   Fingerprint(code),
		Amount:        amount,
		Currency:      req.Currency,
		BillReference: bill,
		ExpiresAt:     req.ExpiresAt,
	}, nil
}

// RoundAmount rounds half away from zero to the currency precision and
// rejects amounts that are not positive afterwards.
func RoundAmount(amount decimal.Decimal, c Currency) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s must be greater than 0", ErrInvalidAmount, amount.String())
	}
	rounded := amount.Round(c.Precision())
	if !rounded.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s rounds to zero in %s", ErrInvalidAmount, amount.String(), c)
	}
	return rounded, nil
}

// Fingerprint is the lowercase hex MD5 of the full code string.
func Fingerprint(code string) string {
	sum := md5.Sum([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Verify decodes code and recomputes its trailing checksum.
func Verify(code string) error {
	fields, err := Decode(code)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	last := fields[len(fields)-1]
	if last.Tag != TagCRC || len(last.Value) != 4 {
		return fmt.Errorf("%w: payload must end with a 4-digit %s field", ErrMalformed, TagCRC)
	}
	body := code[:len(code)-4]
	if want := FormatCRC(CRC16([]byte(body))); want != last.Value {
		return fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, last.Value, want)
	}
	return nil
}

// Summary is the human-readable content of a decoded code.
type Summary struct {
	AccountID     string
	ProviderID    string
	MerchantName  string
	MerchantCity  string
	Currency      string
	Amount        string
	BillReference string
	TerminalLabel string
}

// Parse verifies code and extracts its main fields.
func Parse(code string) (*Summary, error) {
	if err := Verify(code); err != nil {
		return nil, err
	}
	fields, _ := Decode(code)

	s := &Summary{}
	s.MerchantName, _ = Lookup(fields, TagMerchantName)
	s.MerchantCity, _ = Lookup(fields, TagMerchantCity)
	s.Amount, _ = Lookup(fields, TagAmount)
	if num, ok := Lookup(fields, TagCurrency); ok {
		switch num {
		case "840":
			s.Currency = string(USD)
		case "116":
			s.Currency = string(KHR)
		default:
			s.Currency = num
		}
	}
	if v, ok := Lookup(fields, TagMerchantAccount); ok {
		subs, err := Decode(v)
		if err != nil {
			return nil, fmt.Errorf("merchant account template: %w", err)
		}
		s.ProviderID, _ = Lookup(subs, subTagProviderID)
		s.AccountID, _ = Lookup(subs, subTagAccountID)
	}
	if v, ok := Lookup(fields, TagAdditionalData); ok {
		subs, err := Decode(v)
		if err != nil {
			return nil, fmt.Errorf("additional data template: %w", err)
		}
		s.BillReference, _ = Lookup(subs, subTagBillNumber)
		s.TerminalLabel, _ = Lookup(subs, subTagTerminalLabel)
	}
	return s, nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
