package statehistory

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
)

// StateSystemReader is the query side of a state system.
type StateSystemReader interface {
	ID() string
	StartTime() Time
	CurrentEndTime() Time
	NbAttributes() int

	QuarkAbsolute(path ...string) (Quark, error)
	QuarkRelative(parent Quark, path ...string) (Quark, error)
	Quarks(pattern ...string) []Quark
	SubAttributes(quark Quark, recursive bool) ([]Quark, error)
	SubAttributesMatching(quark Quark, recursive bool, re *regexp.Regexp) ([]Quark, error)
	AttributeName(quark Quark) (string, error)
	FullAttributePath(quark Quark) (string, error)
	FullAttributePathSegments(quark Quark) ([]string, error)
	ParentQuark(quark Quark) (Quark, error)

	QueryOngoingState(quark Quark) (StateValue, error)
	OngoingStartTime(quark Quark) (Time, error)
	QueryFullState(t Time) ([]*StateInterval, error)
	QuerySingleState(t Time, quark Quark) (*StateInterval, error)
	QueryStates(t Time, quarks []Quark) (map[Quark]*StateInterval, error)

	WaitUntilBuilt(ctx context.Context) error
	IsBuilt() bool
	Dispose()
}

// StateSystemWriter adds the build operations. A state system is built by a
// single goroutine; queries may run concurrently with it.
type StateSystemWriter interface {
	StateSystemReader

	QuarkAbsoluteAndAdd(path ...string) (Quark, error)
	QuarkRelativeAndAdd(parent Quark, path ...string) (Quark, error)

	ModifyAttribute(t Time, quark Quark, value StateValue) error
	UpdateOngoingState(value StateValue, quark Quark) error
	IncrementAttribute(t Time, quark Quark) error
	PushAttribute(t Time, value StateValue, quark Quark) error
	PopAttribute(t Time, quark Quark) (StateValue, bool, error)
	RemoveAttribute(t Time, quark Quark) error
	CloseHistory(end Time) error
}

// StateSystemOption configures a StateSystem.
type StateSystemOption func(*StateSystem)

// WithLogger sets the logger used by the state system.
func WithLogger(l *slog.Logger) StateSystemOption {
	return func(ss *StateSystem) {
		if l != nil {
			ss.logger = l
		}
	}
}

// StateSystem combines an attribute tree with a history backend. While the
// history is being built, the latest value of every attribute lives in a
// transient state and only reaches the backend once it is superseded.
type StateSystem struct {
	backend HistoryBackend
	tree    *attributeTree
	logger  *slog.Logger

	mu        sync.RWMutex
	transient transientState

	built     chan struct{}
	builtOnce sync.Once
	disposed  atomic.Bool
}

// transientState holds the ongoing value of each attribute, indexed by quark.
type transientState struct {
	active bool
	values []StateValue
	starts []Time
	latest Time
}

// NewStateSystem wraps backend. With newHistory set the system starts an
// empty build; otherwise the attribute tree is loaded from the backend and
// the system is immediately built.
func NewStateSystem(backend HistoryBackend, newHistory bool, opts ...StateSystemOption) (*StateSystem, error) {
	if backend == nil {
		return nil, fmt.Errorf("nil backend: %w", ErrInvalidArgument)
	}
	ss := &StateSystem{
		backend: backend,
		tree:    newAttributeTree(),
		logger:  slog.Default(),
		built:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ss)
	}

	if newHistory {
		ss.transient = transientState{active: true, latest: backend.StartTime()}
		return ss, nil
	}

	r, err := backend.AttributeTreeReader()
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, newStorageError(StorageErrorTypeCorruption, "history holds no attribute tree", backend.ID(), nil)
	}
	tree, err := unmarshalAttributeTree(r)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeCorruption, "load attribute tree", backend.ID(), err)
	}
	ss.tree = tree
	ss.markBuilt()
	return ss, nil
}

// Backend returns the history backend.
func (ss *StateSystem) Backend() HistoryBackend { return ss.backend }

func (ss *StateSystem) ID() string      { return ss.backend.ID() }
func (ss *StateSystem) StartTime() Time { return ss.backend.StartTime() }

// CurrentEndTime is the end of the history, or while building, the latest
// time written so far.
func (ss *StateSystem) CurrentEndTime() Time {
	end := ss.backend.EndTime()
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	if ss.transient.active {
		end = max(end, ss.transient.latest)
	}
	return end
}

func (ss *StateSystem) NbAttributes() int {
	return ss.tree.len()
}

func (ss *StateSystem) markBuilt() {
	ss.builtOnce.Do(func() { close(ss.built) })
}

// IsBuilt reports whether CloseHistory has completed.
func (ss *StateSystem) IsBuilt() bool {
	select {
	case <-ss.built:
		return true
	default:
		return false
	}
}

// WaitUntilBuilt blocks until the history is closed, the system is
// disposed, or ctx is done.
func (ss *StateSystem) WaitUntilBuilt(ctx context.Context) error {
	select {
	case <-ss.built:
		if ss.disposed.Load() {
			return ErrStateSystemDisposed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispose releases the backend. Further queries fail with
// ErrStateSystemDisposed and waiters are released.
func (ss *StateSystem) Dispose() {
	if ss.disposed.Swap(true) {
		return
	}
	ss.mu.Lock()
	ss.transient = transientState{}
	ss.mu.Unlock()
	ss.backend.Dispose()
	ss.markBuilt()
}

// Attribute tree.

func (ss *StateSystem) QuarkAbsolute(path ...string) (Quark, error) {
	return ss.QuarkRelative(RootQuark, path...)
}

func (ss *StateSystem) QuarkRelative(parent Quark, path ...string) (Quark, error) {
	if len(path) == 0 {
		return 0, &AttributeError{Op: "lookup", Quark: parent, Cause: ErrInvalidArgument}
	}
	q, ok := ss.tree.lookup(parent, path)
	if !ok {
		return 0, newAttributeNotFound("lookup", path, parent)
	}
	return q, nil
}

// Quarks resolves a path pattern where "*" matches any child and ".."
// steps to the parent.
func (ss *StateSystem) Quarks(pattern ...string) []Quark {
	return ss.tree.match(pattern)
}

func (ss *StateSystem) SubAttributes(quark Quark, recursive bool) ([]Quark, error) {
	return ss.SubAttributesMatching(quark, recursive, nil)
}

// SubAttributesMatching lists the children of quark whose name matches re.
// A nil re matches everything.
func (ss *StateSystem) SubAttributesMatching(quark Quark, recursive bool, re *regexp.Regexp) ([]Quark, error) {
	subs, ok := ss.tree.subAttributes(quark, recursive, re)
	if !ok {
		return nil, newAttributeNotFound("sub-attributes", nil, quark)
	}
	return subs, nil
}

func (ss *StateSystem) AttributeName(quark Quark) (string, error) {
	name, ok := ss.tree.name(quark)
	if !ok {
		return "", newAttributeNotFound("name", nil, quark)
	}
	return name, nil
}

func (ss *StateSystem) FullAttributePath(quark Quark) (string, error) {
	p, ok := ss.tree.fullPath(quark)
	if !ok {
		return "", newAttributeNotFound("path", nil, quark)
	}
	return p, nil
}

func (ss *StateSystem) FullAttributePathSegments(quark Quark) ([]string, error) {
	segs, ok := ss.tree.pathSegments(quark)
	if !ok {
		return nil, newAttributeNotFound("path", nil, quark)
	}
	return segs, nil
}

func (ss *StateSystem) ParentQuark(quark Quark) (Quark, error) {
	p, ok := ss.tree.parent(quark)
	if !ok {
		return 0, newAttributeNotFound("parent", nil, quark)
	}
	return p, nil
}

func (ss *StateSystem) QuarkAbsoluteAndAdd(path ...string) (Quark, error) {
	return ss.QuarkRelativeAndAdd(RootQuark, path...)
}

// QuarkRelativeAndAdd resolves path below parent, creating missing
// attributes. New attributes start out Null at the history start time.
func (ss *StateSystem) QuarkRelativeAndAdd(parent Quark, path ...string) (Quark, error) {
	if ss.disposed.Load() {
		return 0, ErrStateSystemDisposed
	}
	if len(path) == 0 {
		return 0, &AttributeError{Op: "add", Quark: parent, Cause: ErrInvalidArgument}
	}
	if q, ok := ss.tree.lookup(parent, path); ok {
		return q, nil
	}
	// Readers size their results from the tree under mu, so a new quark
	// and its transient slot appear together.
	ss.mu.Lock()
	defer ss.mu.Unlock()
	q, created, ok := ss.tree.add(parent, path)
	if !ok {
		return 0, newAttributeNotFound("add", path, parent)
	}
	if created > 0 {
		ss.growTransient()
	}
	return q, nil
}

// growTransient extends the transient arrays to cover every quark. Callers
// hold mu.
func (ss *StateSystem) growTransient() {
	n := ss.tree.len()
	start := ss.backend.StartTime()
	for len(ss.transient.values) < n {
		ss.transient.values = append(ss.transient.values, NullValue())
		ss.transient.starts = append(ss.transient.starts, start)
	}
}

// Build operations.

// writable checks that quark can be written. Callers hold mu.
func (ss *StateSystem) writable(op string, quark Quark) error {
	if ss.disposed.Load() {
		return ErrStateSystemDisposed
	}
	if !ss.transient.active {
		return fmt.Errorf("%s: history is closed: %w", op, ErrBuildInProgress)
	}
	if quark < 0 || quark >= len(ss.transient.values) {
		return newAttributeNotFound(op, nil, quark)
	}
	return nil
}

// ModifyAttribute makes value the state of quark from t on. The previous
// ongoing state is written to the backend as a completed interval ending
// at t-1.
func (ss *StateSystem) ModifyAttribute(t Time, quark Quark, value StateValue) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if err := ss.writable("modify", quark); err != nil {
		return err
	}
	return ss.modifyLocked(t, quark, value)
}

func (ss *StateSystem) modifyLocked(t Time, quark Quark, value StateValue) error {
	start := ss.transient.starts[quark]
	if t < start {
		return fmt.Errorf("modify quark %d at %d before ongoing start %d: %w", quark, t, start, ErrInvalidTimeRange)
	}
	if start < t {
		if err := ss.backend.InsertPastState(start, t-1, quark, ss.transient.values[quark]); err != nil {
			return err
		}
	}
	ss.transient.values[quark] = value
	ss.transient.starts[quark] = t
	ss.transient.latest = max(ss.transient.latest, t)
	return nil
}

// UpdateOngoingState replaces the ongoing value of quark without starting
// a new interval.
func (ss *StateSystem) UpdateOngoingState(value StateValue, quark Quark) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if err := ss.writable("update", quark); err != nil {
		return err
	}
	ss.transient.values[quark] = value
	return nil
}

// IncrementAttribute adds one to the Integer state of quark at t. A Null
// state counts as zero.
func (ss *StateSystem) IncrementAttribute(t Time, quark Quark) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if err := ss.writable("increment", quark); err != nil {
		return err
	}
	cur := ss.transient.values[quark]
	var n int32
	if !cur.IsNull() {
		v, ok := cur.Int()
		if !ok {
			return &AttributeError{Op: "increment", Quark: quark,
				Cause: fmt.Errorf("ongoing value is %s: %w", cur.Kind(), ErrStateValueType)}
		}
		n = v
	}
	return ss.modifyLocked(t, quark, IntValue(n+1))
}

// stackDepth reads the depth stored in a stack attribute. Callers hold mu.
func (ss *StateSystem) stackDepth(op string, quark Quark) (int32, error) {
	cur := ss.transient.values[quark]
	if cur.IsNull() {
		return 0, nil
	}
	depth, ok := cur.Int()
	if !ok || depth < 0 {
		return 0, &AttributeError{Op: op, Quark: quark,
			Cause: fmt.Errorf("stack depth is %s: %w", cur, ErrStateValueType)}
	}
	return depth, nil
}

// PushAttribute pushes value on the stack rooted at quark. The stack
// attribute holds the depth; element i lives in the sub-attribute named i.
func (ss *StateSystem) PushAttribute(t Time, value StateValue, quark Quark) error {
	ss.mu.Lock()
	if err := ss.writable("push", quark); err != nil {
		ss.mu.Unlock()
		return err
	}
	depth, err := ss.stackDepth("push", quark)
	ss.mu.Unlock()
	if err != nil {
		return err
	}

	sub, err := ss.QuarkRelativeAndAdd(quark, strconv.Itoa(int(depth)+1))
	if err != nil {
		return err
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	if err := ss.modifyLocked(t, quark, IntValue(depth+1)); err != nil {
		return err
	}
	return ss.modifyLocked(t, sub, value)
}

// PopAttribute removes the top of the stack rooted at quark and returns it.
// The boolean is false when the stack was already empty.
func (ss *StateSystem) PopAttribute(t Time, quark Quark) (StateValue, bool, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if err := ss.writable("pop", quark); err != nil {
		return StateValue{}, false, err
	}
	depth, err := ss.stackDepth("pop", quark)
	if err != nil {
		return StateValue{}, false, err
	}
	if depth == 0 {
		return StateValue{}, false, nil
	}

	sub, ok := ss.tree.lookup(quark, []string{strconv.Itoa(int(depth))})
	if !ok {
		return StateValue{}, false, newAttributeNotFound("pop", []string{strconv.Itoa(int(depth))}, quark)
	}
	popped := ss.transient.values[sub]

	next := NullValue()
	if depth > 1 {
		next = IntValue(depth - 1)
	}
	if err := ss.modifyLocked(t, quark, next); err != nil {
		return StateValue{}, false, err
	}
	if err := ss.removeLocked(t, sub); err != nil {
		return StateValue{}, false, err
	}
	return popped, true, nil
}

// RemoveAttribute sets quark and all its sub-attributes to Null at t.
func (ss *StateSystem) RemoveAttribute(t Time, quark Quark) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if err := ss.writable("remove", quark); err != nil {
		return err
	}
	return ss.removeLocked(t, quark)
}

func (ss *StateSystem) removeLocked(t Time, quark Quark) error {
	subs, _ := ss.tree.subAttributes(quark, true, nil)
	for _, sub := range subs {
		if err := ss.modifyLocked(t, sub, NullValue()); err != nil {
			return err
		}
	}
	return ss.modifyLocked(t, quark, NullValue())
}

// CloseHistory writes every ongoing state as an interval ending at end,
// finishes the backend, saves the attribute tree and releases waiters.
func (ss *StateSystem) CloseHistory(end Time) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.disposed.Load() {
		return ErrStateSystemDisposed
	}
	if !ss.transient.active {
		return fmt.Errorf("close: history is closed: %w", ErrBuildInProgress)
	}
	if end < ss.transient.latest {
		return fmt.Errorf("close at %d before latest write %d: %w", end, ss.transient.latest, ErrInvalidTimeRange)
	}

	for q, v := range ss.transient.values {
		if err := ss.backend.InsertPastState(ss.transient.starts[q], end, q, v); err != nil {
			return fmt.Errorf("close quark %d: %w", q, err)
		}
	}
	if err := ss.backend.FinishBuilding(end); err != nil {
		return err
	}
	ss.transient = transientState{}

	sink, err := ss.backend.AttributeTreeWriter()
	if err != nil {
		return err
	}
	if sink != nil {
		if err := sink.Save(ss.tree.marshal()); err != nil {
			return fmt.Errorf("save attribute tree: %w", err)
		}
	}
	ss.logger.Debug("state history closed", "id", ss.ID(), "end", end, "attributes", ss.tree.len())
	ss.markBuilt()
	return nil
}

var (
	_ StateSystemWriter = (*StateSystem)(nil)
	_ StateSystemReader = (*StateSystem)(nil)
)
