package statehistory

// CursorPosition remembers where a cursor was, independently of that
// cursor. The original cursor may move or be closed without affecting it.
type CursorPosition struct {
	saved Cursor
}

// PositionOf captures the current position of c.
func PositionOf(c Cursor) *CursorPosition {
	return &CursorPosition{saved: c.Copy()}
}

// NewCursor returns a fresh cursor at the saved position. The caller owns
// and must close it.
func (p *CursorPosition) NewCursor() Cursor {
	return p.saved.Copy()
}

// Close releases the saved position.
func (p *CursorPosition) Close() {
	p.saved.Close()
}
