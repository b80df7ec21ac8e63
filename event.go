package statehistory

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Event is one timestamped record read from a trace.
type Event struct {
	Timestamp  Time
	Source     string // name of the trace the event came from
	Name       string
	CPU        int
	Fields     map[string]FieldValue
	Attributes map[string]string
}

// Field returns the payload field called name.
func (e *Event) Field(name string) (FieldValue, bool) {
	v, ok := e.Fields[name]
	return v, ok
}

func (e *Event) String() string {
	return fmt.Sprintf("%d %s/%s", e.Timestamp, e.Source, e.Name)
}

// FieldValue is the value of an event payload field. It is one of
// IntegerField, FloatField, StringField, EnumField, ArrayField or
// StructField.
type FieldValue interface {
	// Attributes returns format-specific annotations, or nil.
	Attributes() map[string]string
	String() string
	isFieldValue()
}

// IntegerField is an integer displayed in Base (10 or 16).
type IntegerField struct {
	Value int64
	Base  int
	Attrs map[string]string
}

func (f IntegerField) Attributes() map[string]string { return f.Attrs }
func (IntegerField) isFieldValue()                    {}

func (f IntegerField) String() string {
	if f.Base == 16 {
		return "0x" + strconv.FormatUint(uint64(f.Value), 16)
	}
	return strconv.FormatInt(f.Value, 10)
}

// FloatField is a floating-point value.
type FloatField struct {
	Value float64
	Attrs map[string]string
}

func (f FloatField) Attributes() map[string]string { return f.Attrs }
func (FloatField) isFieldValue()                    {}
func (f FloatField) String() string                 { return strconv.FormatFloat(f.Value, 'g', -1, 64) }

// StringField is a text value.
type StringField struct {
	Value string
	Attrs map[string]string
}

func (f StringField) Attributes() map[string]string { return f.Attrs }
func (StringField) isFieldValue()                    {}
func (f StringField) String() string                 { return f.Value }

// EnumField is an enumeration label together with its numeric value.
type EnumField struct {
	Label string
	Value int64
	Attrs map[string]string
}

func (f EnumField) Attributes() map[string]string { return f.Attrs }
func (EnumField) isFieldValue()                    {}
func (f EnumField) String() string                 { return f.Label + "(" + strconv.FormatInt(f.Value, 10) + ")" }

// ArrayField is an ordered list of values.
type ArrayField struct {
	Elements []FieldValue
	Attrs    map[string]string
}

func (f ArrayField) Attributes() map[string]string { return f.Attrs }
func (ArrayField) isFieldValue()                    {}

func (f ArrayField) String() string {
	parts := make([]string, len(f.Elements))
	for i, e := range f.Elements {
		parts[i] = e.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// StructField is a set of named values.
type StructField struct {
	Elements map[string]FieldValue
	Attrs    map[string]string
}

func (f StructField) Attributes() map[string]string { return f.Attrs }
func (StructField) isFieldValue()                    {}

func (f StructField) String() string {
	names := make([]string, 0, len(f.Elements))
	for name := range f.Elements {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + f.Elements[name].String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// FieldInt returns the integral value of field name, accepting integer
// and enum fields.
func (e *Event) FieldInt(name string) (int64, bool) {
	switch f := e.Fields[name].(type) {
	case IntegerField:
		return f.Value, true
	case EnumField:
		return f.Value, true
	}
	return 0, false
}

// FieldString returns the text of field name, accepting string and enum
// fields.
func (e *Event) FieldString(name string) (string, bool) {
	switch f := e.Fields[name].(type) {
	case StringField:
		return f.Value, true
	case EnumField:
		return f.Label, true
	}
	return "", false
}
