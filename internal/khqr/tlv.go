package khqr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxValueLength is the largest value a 2-digit length prefix can describe.
const MaxValueLength = 99

// TLV is one decoded tag-length-value field.
type TLV struct {
	Tag   string
	Value string
}

// Field encodes a single field as tag + 2-digit length + value. Lengths are
// counted in characters, not bytes.
func Field(tag, value string) (string, error) {
	if !validTag(tag) {
		return "", fmt.Errorf("%w: tag %q", ErrMalformed, tag)
	}
	n := utf8.RuneCountInString(value)
	if n > MaxValueLength {
		return "", &FieldError{Tag: tag, Length: n}
	}
	return fmt.Sprintf("%s%02d%s", tag, n, value), nil
}

func validTag(tag string) bool {
	return twoDigits(tag)
}

func twoDigits(s string) bool {
	return len(s) == 2 && s[0] >= '0' && s[0] <= '9' && s[1] >= '0' && s[1] <= '9'
}

// Builder appends fields in order. The first error sticks and every later
// call becomes a no-op, so callers check Err once at the end.
type Builder struct {
	sb  strings.Builder
	err error
}

// Add appends tag/value as one field.
func (b *Builder) Add(tag, value string) *Builder {
	if b.err != nil {
		return b
	}
	f, err := Field(tag, value)
	if err != nil {
		b.err = err
		return b
	}
	b.sb.WriteString(f)
	return b
}

// AddNested wraps the output of an inner builder as the value of tag.
func (b *Builder) AddNested(tag string, inner *Builder) *Builder {
	if b.err != nil {
		return b
	}
	if inner.err != nil {
		b.err = inner.err
		return b
	}
	return b.Add(tag, inner.String())
}

// Raw appends pre-encoded text, used for the checksum header.
func (b *Builder) Raw(s string) *Builder {
	if b.err == nil {
		b.sb.WriteString(s)
	}
	return b
}

// Err returns the first error seen by the builder.
func (b *Builder) Err() error { return b.err }

// String returns the fields assembled so far.
func (b *Builder) String() string { return b.sb.String() }

// Decode walks s left to right using only the length prefixes. The whole
// string must be consumed.
func Decode(s string) ([]TLV, error) {
	rs := []rune(s)
	var out []TLV
	for i := 0; i < len(rs); {
		if i+4 > len(rs) {
			return nil, fmt.Errorf("%w: truncated header at offset %d", ErrMalformed, i)
		}
		tag := string(rs[i : i+2])
		if !validTag(tag) {
			return nil, fmt.Errorf("%w: bad tag %q at offset %d", ErrMalformed, tag, i)
		}
		length := string(rs[i+2 : i+4])
		n, err := strconv.Atoi(length)
		if !twoDigits(length) || err != nil {
			return nil, fmt.Errorf("%w: bad length for tag %s", ErrMalformed, tag)
		}
		i += 4
		if i+n > len(rs) {
			return nil, fmt.Errorf("%w: truncated value for tag %s", ErrMalformed, tag)
		}
		out = append(out, TLV{Tag: tag, Value: string(rs[i : i+n])})
		i += n
	}
	return out, nil
}

// Lookup returns the value of the first field with tag.
func Lookup(fields []TLV, tag string) (string, bool) {
	for _, f := range fields {
		if f.Tag == tag {
			return f.Value, true
		}
	}
	return "", false
}

// FieldError reports a value that does not fit the 2-digit length budget.
type FieldError struct {
	Tag    string
	Length int
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %s: value length %d exceeds %d", e.Tag, e.Length, MaxValueLength)
}

// Is lets errors.Is(err, ErrFieldTooLong) match.
func (e *FieldError) Is(target error) bool {
	return target == ErrFieldTooLong
}

var (
	// ErrFieldTooLong is returned when an encoded value exceeds MaxValueLength.
	ErrFieldTooLong = errors.New("field too long")
	// ErrMalformed is returned for strings that are not valid TLV sequences.
	ErrMalformed = errors.New("malformed payload")
)
