// Package keys derives stable cache keys from structured lookups.
//
// A key is the kind followed by one part per schema field, joined by "::".
// Discrete fields are kept verbatim (trimmed, upper-cased) unless they contain
// a colon, in which case they are fingerprinted like text. Free-text fields
// are normalised and fingerprinted, and numeric fields are bucketed into
// bands so that nearby values share an entry.
package keys

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"

	"factcache/config"
	"factcache/internal/core"
)

// Separator joins the parts of a derived key.
const Separator = "::"

// Placeholders for absent values.
const (
	NonePart  = "none"
	EmptyPart = "empty"
)

// DefaultStep is the band width for range fields without explicit bands.
var DefaultStep = decimal.NewFromInt(1000)

// FieldType selects how a field value is rendered into the key.
type FieldType string

const (
	Discrete FieldType = config.FieldDiscrete
	Text     FieldType = config.FieldText
	Range    FieldType = config.FieldRange
)

// Field is one component of a kind's key.
type Field struct {
	Name string
	Type FieldType
	// Step is the band width for range fields; ignored when Bands is set.
	Step decimal.Decimal
	// Bands are ascending lower edges for range fields.
	Bands []decimal.Decimal
}

// Schema lists the fields of a kind in key order.
type Schema struct {
	Fields []Field
}

// Deriver turns (kind, request) pairs into keys.
type Deriver struct {
	schemas map[string]Schema
}

// New validates the schemas and returns a Deriver.
func New(schemas map[string]Schema) (*Deriver, error) {
	d := &Deriver{schemas: make(map[string]Schema, len(schemas))}
	for kind, schema := range schemas {
		if kind == "" || strings.Contains(kind, Separator) {
			return nil, fmt.Errorf("invalid kind name %q", kind)
		}
		fields := make([]Field, 0, len(schema.Fields))
		for _, f := range schema.Fields {
			switch f.Type {
			case Discrete, Text:
			case Range:
				if len(f.Bands) > 0 {
					f.Bands = append([]decimal.Decimal(nil), f.Bands...)
					sort.Slice(f.Bands, func(i, j int) bool { return f.Bands[i].LessThan(f.Bands[j]) })
				} else if f.Step.IsZero() {
					f.Step = DefaultStep
				} else if f.Step.IsNegative() {
					return nil, fmt.Errorf("kind %s field %s: step must be positive", kind, f.Name)
				}
			default:
				return nil, fmt.Errorf("kind %s field %s: unknown field type %q", kind, f.Name, f.Type)
			}
			fields = append(fields, f)
		}
		d.schemas[kind] = Schema{Fields: fields}
	}
	return d, nil
}

// FromConfig builds a Deriver from the kinds section of the configuration.
func FromConfig(kinds map[string]config.KindConfig) (*Deriver, error) {
	schemas := make(map[string]Schema, len(kinds))
	for kind, kc := range kinds {
		fields := make([]Field, 0, len(kc.Fields))
		for _, fc := range kc.Fields {
			f := Field{Name: fc.Name, Type: FieldType(fc.Type)}
			if fc.Step != 0 {
				f.Step = decimal.NewFromFloat(fc.Step)
			}
			for _, b := range fc.Bands {
				f.Bands = append(f.Bands, decimal.NewFromFloat(b))
			}
			fields = append(fields, f)
		}
		schemas[kind] = Schema{Fields: fields}
	}
	return New(schemas)
}

// Has reports whether kind has a schema.
func (d *Deriver) Has(kind string) bool {
	_, ok := d.schemas[kind]
	return ok
}

// Kinds returns the known kinds in sorted order.
func (d *Deriver) Kinds() []string {
	kinds := make([]string, 0, len(d.schemas))
	for k := range d.schemas {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Derive returns the key for req under kind. Fields outside the schema are
// ignored. Unknown kinds and unparseable range values are invalid requests.
func (d *Deriver) Derive(kind string, req core.Request) (string, error) {
	schema, ok := d.schemas[kind]
	if !ok {
		return "", core.NewInvalidRequestError(fmt.Sprintf("unknown kind: %s", kind), nil)
	}

	parts := make([]string, 0, len(schema.Fields)+1)
	parts = append(parts, kind)
	for _, f := range schema.Fields {
		part, err := renderField(f, req[f.Name])
		if err != nil {
			return "", core.NewInvalidRequestError(fmt.Sprintf("field %s: %v", f.Name, err), err)
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, Separator), nil
}

func renderField(f Field, value any) (string, error) {
	if value == nil {
		return NonePart, nil
	}

	switch f.Type {
	case Discrete:
		s := strings.TrimSpace(scalarString(value))
		if s == "" {
			return EmptyPart, nil
		}
		s = strings.ToUpper(s)
		// A colon could shift part boundaries; such values are fingerprinted.
		if strings.Contains(s, ":") {
			return Fingerprint(s) + "_hash", nil
		}
		return s, nil
	case Text:
		s := NormalizeText(scalarString(value))
		if s == "" {
			return EmptyPart, nil
		}
		return Fingerprint(s) + "_hash", nil
	case Range:
		if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
			return EmptyPart, nil
		}
		d, err := toDecimal(value)
		if err != nil {
			return "", err
		}
		return bucket(f, d).String() + "band", nil
	default:
		return "", fmt.Errorf("unknown field type %q", f.Type)
	}
}

// NormalizeText trims, lower-cases and collapses internal whitespace.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Fingerprint returns the 16 hex character xxhash64 of s.
func Fingerprint(s string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(s))
}

func bucket(f Field, v decimal.Decimal) decimal.Decimal {
	if len(f.Bands) > 0 {
		lower := f.Bands[0]
		for _, edge := range f.Bands {
			if edge.GreaterThan(v) {
				break
			}
			lower = edge
		}
		return lower
	}
	return v.Div(f.Step).Floor().Mul(f.Step)
}

func scalarString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

func toDecimal(value any) (decimal.Decimal, error) {
	switch v := value.(type) {
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		return decimal.NewFromString(strings.TrimSpace(v))
	default:
		return decimal.Zero, fmt.Errorf("not a number: %v", value)
	}
}
