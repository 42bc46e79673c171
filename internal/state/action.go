package state

import (
	"github.com/jmgilman/go/errors"
)

// Action kinds produced by the Store itself.
const (
	KindSetState    = "SET_STATE"
	KindBatchUpdate = "BATCH_UPDATE"
	KindReset       = "RESET"
)

var (
	// ErrMutationVetoed is returned when a middleware rejects a transition.
	ErrMutationVetoed = errors.New(errors.CodeConflict, "state mutation vetoed")
	// ErrInvalidUpdate is returned for updates that are not plain JSON
	// objects or address an impossible path.
	ErrInvalidUpdate = errors.New(errors.CodeInvalidInput, "invalid state update")
)

// Action describes a state transition.
type Action struct {
	Kind      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	Source    string `json:"source,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Update produces a patch that is shallow-merged into the root of the
// current state.
type Update interface {
	patch(prev Tree) (Tree, error)
}

// Patch is merged into the root as-is after JSON normalization.
type Patch map[string]any

func (p Patch) patch(Tree) (Tree, error) {
	return normalizeTree(map[string]any(p))
}

// UpdateFunc derives a patch from a copy of the current state.
type UpdateFunc func(prev Tree) Patch

func (f UpdateFunc) patch(prev Tree) (Tree, error) {
	return f(cloneTree(prev)).patch(prev)
}

type nestedUpdate struct {
	parts []string
	value any
}

// At replaces the value at the path given as separate segments. Unlike
// SetNestedState, segments may contain dots, as ticker symbols do.
func At(value any, parts ...string) Update {
	return nestedUpdate{parts: parts, value: value}
}

func (n nestedUpdate) patch(prev Tree) (Tree, error) {
	if len(n.parts) == 0 {
		return nil, errors.New(errors.CodeInvalidInput, "empty path")
	}
	value, err := normalize(n.value)
	if err != nil {
		return nil, err
	}
	root, err := setIn(prev[n.parts[0]], n.parts[1:], value)
	if err != nil {
		return nil, err
	}
	return Tree{n.parts[0]: root}, nil
}

// Middleware inspects a pending transition. Returning false vetoes it.
// Middleware runs while the Store is locked and must not call back into it.
type Middleware func(action Action, prev, next Tree) bool

// Listener receives the new and old value at a subscription's path.
type Listener func(newValue, oldValue any, action Action)

type setOptions struct {
	kind      string
	source    string
	payload   any
	noNotify  bool
	noPersist bool
}

// SetOption adjusts a single write.
type SetOption func(*setOptions)

// WithKind sets the action kind recorded for the write.
func WithKind(kind string) SetOption {
	return func(o *setOptions) { o.kind = kind }
}

// WithSource records which component produced the write.
func WithSource(source string) SetOption {
	return func(o *setOptions) { o.source = source }
}

// WithPayload replaces the default payload (the patch) on the action.
func WithPayload(payload any) SetOption {
	return func(o *setOptions) { o.payload = payload }
}

// WithoutNotify commits without notifying subscribers.
func WithoutNotify() SetOption {
	return func(o *setOptions) { o.noNotify = true }
}

// WithoutPersist commits without writing the persisted projection.
func WithoutPersist() SetOption {
	return func(o *setOptions) { o.noPersist = true }
}
