package statehistory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path"
	"sort"
	"strconv"
)

const (
	statedumpFormatVersion = 1
	statedumpDirectory     = ".tc-states"
	statedumpSuffix        = ".statedump.json"
)

const (
	dumpTypeBoolean = "boolean"
	dumpTypeDouble  = "double"
	dumpTypeInt     = "int"
	dumpTypeLong    = "long"
	dumpTypeNull    = "null"
	dumpTypeString  = "string"

	dumpNaN    = "nan"
	dumpPosInf = "+inf"
	dumpNegInf = "-inf"
)

// Statedump is a snapshot of every attribute's value at one point in time.
// It lets a later run seed a new history with the state reached by an
// earlier one.
type Statedump struct {
	Attributes [][]string
	States     []StateValue
	Version    int
}

// NewStatedump pairs attribute paths with their values.
func NewStatedump(attributes [][]string, states []StateValue, version int) (*Statedump, error) {
	if len(attributes) != len(states) {
		return nil, fmt.Errorf("statedump with %d attributes and %d states: %w",
			len(attributes), len(states), ErrInvalidArgument)
	}
	return &Statedump{Attributes: attributes, States: states, Version: version}, nil
}

// StatedumpAt captures the full state of ss at t.
func StatedumpAt(ss StateSystemReader, t Time, version int) (*Statedump, error) {
	full, err := ss.QueryFullState(t)
	if err != nil {
		return nil, err
	}
	d := &Statedump{Version: version}
	for q, iv := range full {
		segs, err := ss.FullAttributePathSegments(q)
		if err != nil {
			return nil, err
		}
		d.Attributes = append(d.Attributes, segs)
		d.States = append(d.States, iv.Value)
	}
	return d, nil
}

// StatedumpKey is the artifact key a statedump for ssid is stored under.
func StatedumpKey(ssid string) string {
	return path.Join(statedumpDirectory, ssid+statedumpSuffix)
}

type statedumpNode struct {
	Children map[string]*statedumpNode `json:"children"`
	Type     string                    `json:"type,omitempty"`
	Value    json.RawMessage           `json:"value,omitempty"`
}

type statedumpFile struct {
	FormatVersion    int            `json:"format-version"`
	ID               string         `json:"id"`
	StatedumpVersion int            `json:"statedump-version"`
	State            *statedumpNode `json:"state"`
}

func encodeDumpValue(v StateValue) (string, json.RawMessage, error) {
	var (
		typ string
		val any
	)
	switch v.Kind() {
	case KindNull:
		return dumpTypeNull, nil, nil
	case KindBoolean:
		typ = dumpTypeBoolean
		val, _ = v.Bool()
	case KindInteger:
		typ = dumpTypeInt
		val, _ = v.Int()
	case KindLong:
		typ = dumpTypeLong
		val, _ = v.Long()
	case KindDouble:
		typ = dumpTypeDouble
		d, _ := v.Double()
		switch {
		case math.IsNaN(d):
			val = dumpNaN
		case math.IsInf(d, 1):
			val = dumpPosInf
		case math.IsInf(d, -1):
			val = dumpNegInf
		default:
			val = d
		}
	case KindString:
		typ = dumpTypeString
		val, _ = v.Str()
	default:
		return "", nil, ErrStateValueType
	}
	raw, err := json.Marshal(val)
	return typ, raw, err
}

func decodeDumpValue(n *statedumpNode) (StateValue, error) {
	switch n.Type {
	case dumpTypeNull:
		return NullValue(), nil
	case dumpTypeBoolean:
		var b bool
		if err := json.Unmarshal(n.Value, &b); err != nil {
			return StateValue{}, fmt.Errorf("boolean value: %w", err)
		}
		return BoolValue(b), nil
	case dumpTypeInt, dumpTypeLong:
		l, err := strconv.ParseInt(string(n.Value), 10, 64)
		if err != nil {
			return StateValue{}, fmt.Errorf("%s value: %w", n.Type, err)
		}
		if n.Type == dumpTypeInt {
			return IntValue(int32(l)), nil
		}
		return LongValue(l), nil
	case dumpTypeDouble:
		if len(n.Value) > 0 && n.Value[0] == '"' {
			var s string
			if err := json.Unmarshal(n.Value, &s); err != nil {
				return StateValue{}, fmt.Errorf("double value: %w", err)
			}
			switch s {
			case dumpNaN:
				return DoubleValue(math.NaN()), nil
			case dumpPosInf:
				return DoubleValue(math.Inf(1)), nil
			case dumpNegInf:
				return DoubleValue(math.Inf(-1)), nil
			}
			return StateValue{}, fmt.Errorf("double value %q: %w", s, ErrInvalidValue)
		}
		d, err := strconv.ParseFloat(string(n.Value), 64)
		if err != nil {
			return StateValue{}, fmt.Errorf("double value: %w", err)
		}
		return DoubleValue(d), nil
	case dumpTypeString:
		var s string
		if err := json.Unmarshal(n.Value, &s); err != nil {
			return StateValue{}, fmt.Errorf("string value: %w", err)
		}
		return StringValue(s)
	}
	return StateValue{}, fmt.Errorf("state node type %q: %w", n.Type, ErrStateValueType)
}

// Marshal renders the statedump as indented JSON.
func (d *Statedump) Marshal(ssid string) ([]byte, error) {
	root := &statedumpNode{Children: map[string]*statedumpNode{}}
	for i, attr := range d.Attributes {
		if len(attr) == 0 {
			return nil, fmt.Errorf("statedump attribute %d has an empty path: %w", i, ErrInvalidArgument)
		}
		node := root
		for _, seg := range attr {
			child, ok := node.Children[seg]
			if !ok {
				child = &statedumpNode{Children: map[string]*statedumpNode{}}
				node.Children[seg] = child
			}
			node = child
		}
		typ, raw, err := encodeDumpValue(d.States[i])
		if err != nil {
			return nil, fmt.Errorf("statedump attribute %q: %w", attr, err)
		}
		node.Type, node.Value = typ, raw
	}
	return json.MarshalIndent(statedumpFile{
		FormatVersion:    statedumpFormatVersion,
		ID:               ssid,
		StatedumpVersion: d.Version,
		State:            root,
	}, "", "  ")
}

// UnmarshalStatedump parses a statedump written for ssid. Attributes come
// back depth first with siblings in name order.
func UnmarshalStatedump(data []byte, ssid string) (*Statedump, error) {
	var f statedumpFile
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&f); err != nil {
		return nil, newStorageError(StorageErrorTypeCorruption, "decode statedump", ssid, err)
	}
	if f.FormatVersion != statedumpFormatVersion {
		return nil, newStorageError(StorageErrorTypeVersion,
			fmt.Sprintf("statedump format version %d, expected %d", f.FormatVersion, statedumpFormatVersion), ssid, nil)
	}
	if f.ID != ssid {
		return nil, fmt.Errorf("statedump belongs to %q, not %q: %w", f.ID, ssid, ErrInvalidArgument)
	}
	if f.State == nil {
		return nil, newStorageError(StorageErrorTypeCorruption, "statedump has no state node", ssid, nil)
	}

	d := &Statedump{Version: f.StatedumpVersion}
	var visit func(n *statedumpNode, stack []string) error
	visit = func(n *statedumpNode, stack []string) error {
		if len(stack) > 0 && n.Type != "" {
			v, err := decodeDumpValue(n)
			if err != nil {
				return fmt.Errorf("attribute %q: %w", stack, err)
			}
			d.Attributes = append(d.Attributes, append([]string(nil), stack...))
			d.States = append(d.States, v)
		}
		names := make([]string, 0, len(n.Children))
		for name := range n.Children {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			child := n.Children[name]
			if child == nil {
				return fmt.Errorf("attribute %q: null child %q: %w", stack, name, ErrStorageCorruption)
			}
			if err := visit(child, append(stack, name)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit(f.State, nil); err != nil {
		return nil, newStorageError(StorageErrorTypeCorruption, "rebuild statedump", ssid, err)
	}
	return d, nil
}

// Save writes the statedump to store under StatedumpKey(ssid).
func (d *Statedump) Save(ctx context.Context, store ArtifactStore, ssid string) error {
	data, err := d.Marshal(ssid)
	if err != nil {
		return err
	}
	return store.Write(ctx, StatedumpKey(ssid), data)
}

// LoadStatedump reads the statedump of ssid. A missing dump returns an
// error matching fs.ErrNotExist.
func LoadStatedump(ctx context.Context, store ArtifactStore, ssid string) (*Statedump, error) {
	data, err := store.Read(ctx, StatedumpKey(ssid))
	if err != nil {
		return nil, err
	}
	return UnmarshalStatedump(data, ssid)
}
