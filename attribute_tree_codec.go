package statehistory

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/chronicle-db/statehistory/internal/encoding"
)

// attributeTreeVersion is bumped when the serialized tree layout changes.
const attributeTreeVersion = 1

// marshal serializes the tree as a version byte, a node count, then one
// (parent, name) record per quark in quark order.
func (t *attributeTree) marshal() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()

	buf := &bytes.Buffer{}
	buf.WriteByte(attributeTreeVersion)
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(t.nodes)))
	buf.Write(tmp[:n])
	for _, node := range t.nodes {
		n = binary.PutVarint(tmp[:], int64(node.parent))
		buf.Write(tmp[:n])
		_ = encoding.WriteString(buf, node.name)
	}
	return buf.Bytes()
}

func unmarshalAttributeTree(r io.Reader) (*attributeTree, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read attribute tree: %w", err)
	}
	reader := bytes.NewReader(data)
	version, err := reader.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("attribute tree header: %w", err)
	}
	if version != attributeTreeVersion {
		return nil, fmt.Errorf("attribute tree version %d: %w", version, ErrVersionMismatch)
	}
	count, err := binary.ReadUvarint(reader)
	if err != nil {
		return nil, fmt.Errorf("attribute tree count: %w", err)
	}
	if count > uint64(reader.Len()) {
		return nil, fmt.Errorf("attribute tree count %d: %w", count, ErrStorageCorruption)
	}

	t := newAttributeTree()
	for i := uint64(0); i < count; i++ {
		parent, err := binary.ReadVarint(reader)
		if err != nil {
			return nil, fmt.Errorf("attribute %d parent: %w", i, err)
		}
		name, err := encoding.ReadString(reader)
		if err != nil {
			return nil, fmt.Errorf("attribute %d name: %w", i, err)
		}
		if parent < int64(RootQuark) || parent >= int64(i) {
			return nil, fmt.Errorf("attribute %d has parent %d: %w", i, parent, ErrStorageCorruption)
		}
		t.appendNode(Quark(parent), name)
	}
	return t, nil
}
