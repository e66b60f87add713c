package khqr

import (
	"errors"
	"strings"
	"testing"
)

func TestField(t *testing.T) {
	got, err := Field("59", "Example Shop")
	if err != nil {
		t.Fatal(err)
	}
	if got != "5912Example Shop" {
		t.Errorf("Expected 5912Example Shop, got %s", got)
	}

	if got, _ := Field("62", ""); got != "6200" {
		t.Errorf("Expected empty value to encode as 6200, got %s", got)
	}

	if _, err := Field("5", "x"); !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed for 1-digit tag, got %v", err)
	}

	_, err = Field("62", strings.Repeat("x", 100))
	var fe *FieldError
	if !errors.As(err, &fe) || fe.Tag != "62" || fe.Length != 100 {
		t.Errorf("Expected FieldError for tag 62, got %v", err)
	}
	if _, err := Field("62", strings.Repeat("x", 99)); err != nil {
		t.Errorf("99 characters must fit: %v", err)
	}
}

func TestBuilderNested(t *testing.T) {
	inner := new(Builder).Add("00", "BAKONG").Add("01", "user@bank")
	outer := new(Builder).Add("00", "01").AddNested("29", inner)
	if outer.Err() != nil {
		t.Fatal(outer.Err())
	}
	if got := outer.String(); got != "00020129230006BAKONG0109user@bank" {
		t.Errorf("Unexpected nested encoding %s", got)
	}
}

func TestBuilderStopsAtFirstError(t *testing.T) {
	b := new(Builder).Add("00", "01").Add("59", strings.Repeat("x", 120)).Add("60", "City")
	if !errors.Is(b.Err(), ErrFieldTooLong) {
		t.Fatalf("Expected ErrFieldTooLong, got %v", b.Err())
	}
	if b.String() != "000201" {
		t.Errorf("Expected fields after the error to be skipped, got %s", b.String())
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := map[string]string{
		"truncated header": "000201630",
		"bad length":       "00AB01",
		"value overrun":    "000501",
		"bad tag":          "x00201",
		"signed length":    "00+5hello",
		"negative length":  "00-1",
	}
	for name, in := range tests {
		if _, err := Decode(in); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: expected ErrMalformed, got %v", name, err)
		}
	}
}

func TestDecodeNested(t *testing.T) {
	fields, err := Decode("29230006BAKONG0109user@bank")
	if err != nil {
		t.Fatal(err)
	}
	v, ok := Lookup(fields, "29")
	if !ok {
		t.Fatal("Expected tag 29")
	}
	subs, err := Decode(v)
	if err != nil {
		t.Fatal(err)
	}
	if acct, _ := Lookup(subs, "01"); acct != "user@bank" {
		t.Errorf("Expected user@bank, got %q", acct)
	}
	if _, ok := Lookup(subs, "07"); ok {
		t.Error("Did not expect tag 07")
	}
}
