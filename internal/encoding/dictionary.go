package encoding

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// StringDictionary maps repeated strings to small references. Reference 0 is
// reserved for the empty string.
type StringDictionary struct {
	index map[string]uint32
	items []string
}

// NewStringDictionary creates an empty dictionary.
func NewStringDictionary() *StringDictionary {
	return &StringDictionary{index: make(map[string]uint32)}
}

// Add interns value and returns its reference.
func (d *StringDictionary) Add(value string) uint32 {
	if value == "" {
		return 0
	}
	if ref, ok := d.index[value]; ok {
		return ref
	}
	ref := uint32(len(d.items)) + 1
	d.items = append(d.items, value)
	d.index[value] = ref
	return ref
}

// Len returns the number of distinct non-empty strings.
func (d *StringDictionary) Len() int {
	return len(d.items)
}

// Lookup resolves a reference produced by Add.
func (d *StringDictionary) Lookup(ref uint32) (string, error) {
	if ref == 0 {
		return "", nil
	}
	if int(ref-1) >= len(d.items) {
		return "", fmt.Errorf("dictionary reference %d out of range (%d entries)", ref, len(d.items))
	}
	return d.items[ref-1], nil
}

// WriteTo writes the dictionary entries to buf.
func (d *StringDictionary) WriteTo(buf *bytes.Buffer) error {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(d.items)))
	buf.Write(tmp[:n])
	for _, item := range d.items {
		if err := WriteString(buf, item); err != nil {
			return err
		}
	}
	return nil
}

// ReadStringDictionary reads a dictionary written by WriteTo.
func ReadStringDictionary(reader *bytes.Reader) (*StringDictionary, error) {
	count, err := binary.ReadUvarint(reader)
	if err != nil {
		return nil, err
	}
	if count > uint64(reader.Len()) {
		return nil, fmt.Errorf("dictionary: %d entries exceed remaining %d bytes", count, reader.Len())
	}
	dict := NewStringDictionary()
	for i := uint64(0); i < count; i++ {
		value, err := ReadString(reader)
		if err != nil {
			return nil, err
		}
		dict.items = append(dict.items, value)
		dict.index[value] = uint32(len(dict.items))
	}
	return dict, nil
}

// WriteString writes a uvarint length-prefixed string to buf.
func WriteString(buf *bytes.Buffer, s string) error {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(s)))
	if _, err := buf.Write(tmp[:n]); err != nil {
		return err
	}
	_, err := buf.WriteString(s)
	return err
}

// ReadString reads a string written by WriteString.
func ReadString(reader *bytes.Reader) (string, error) {
	length, err := binary.ReadUvarint(reader)
	if err != nil {
		return "", err
	}
	if length == 0 {
		return "", nil
	}
	if length > uint64(reader.Len()) {
		return "", fmt.Errorf("invalid string length %d", length)
	}
	b := make([]byte, length)
	if _, err := reader.Read(b); err != nil {
		return "", err
	}
	return string(b), nil
}
