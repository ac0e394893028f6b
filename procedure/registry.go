// Package procedure holds the table of remotely callable procedures.
//
// A Registry is built once at startup, single threaded, and then frozen.
// After Freeze it is read-only and safe for any number of concurrent callers:
//
//	reg, err := procedure.Build(
//		procedure.Methods{Namespace: "math", Receiver: &Math{}},
//		procedure.System,
//	)
//
// Procedures are plain Go functions:
//
//	func Add(ctx context.Context, a, b int) (int, error)
//
// See Registry.Register for the accepted shapes.
package procedure

import (
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mnehpets/modernrpc/auth"
	"github.com/nuclio/errors"
	"github.com/samber/lo"
)

var (
	ErrDuplicate = errors.New("procedure already registered")
	ErrFrozen    = errors.New("registry is frozen")
	ErrSignature = errors.New("invalid procedure signature")
)

// Option configures a procedure at registration.
type Option func(*Entry)

// WithParams names the parameters of a function that takes positional
// arguments, enabling named (JSON-RPC object) params.
func WithParams(names ...string) Option {
	return func(e *Entry) {
		e.paramNames = names
	}
}

func WithDoc(doc string) Option {
	return func(e *Entry) {
		e.Doc = doc
	}
}

// WithAuth adds predicates that must all pass before the procedure runs.
func WithAuth(predicates ...auth.Predicate) Option {
	return func(e *Entry) {
		e.Predicates = append(e.Predicates, predicates...)
	}
}

// WithProtocols restricts the procedure to the given protocols.
func WithProtocols(protocols ...Protocol) Option {
	return func(e *Entry) {
		e.Protocols = protocols
	}
}

// WithSignature declares XML-RPC type names for introspection, return type first.
func WithSignature(types ...string) Option {
	return func(e *Entry) {
		e.Signature = types
	}
}

// Exclude keeps a method out of a Methods module. Register ignores it.
func Exclude() Option {
	return func(e *Entry) {
		e.excluded = true
	}
}

// Registry maps procedure names to entries.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	frozen  atomic.Bool
}

func New() *Registry {
	return &Registry{entries: map[string]*Entry{}}
}

// Register adds fn under name. It fails with ErrDuplicate when the name is
// taken, ErrFrozen after Freeze and ErrSignature when fn has an unsupported
// shape.
func (r *Registry) Register(name string, fn any, opts ...Option) error {
	if name == "" {
		return errors.Wrap(ErrSignature, "procedure name must not be empty")
	}
	e, err := newEntry(name, reflect.ValueOf(fn), opts)
	if err != nil {
		return err
	}
	return r.add(e)
}

func (r *Registry) add(e *Entry) error {
	if r.frozen.Load() {
		return errors.Wrapf(ErrFrozen, "Cannot register %q", e.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.Name]; exists {
		return errors.Wrapf(ErrDuplicate, "%q", e.Name)
	}
	r.entries[e.Name] = e
	return nil
}

// RegisterModule adds every procedure of m.
func (r *Registry) RegisterModule(m Module) error {
	return m.RegisterTo(r)
}

// Freeze ends the registration phase.
func (r *Registry) Freeze() {
	r.frozen.Store(true)
}

func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

// Lookup returns the entry registered under name.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	if !r.frozen.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	e, ok := r.entries[name]
	return e, ok
}

// Entries returns all entries sorted by name.
func (r *Registry) Entries() []*Entry {
	if !r.frozen.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	entries := lo.Values(r.entries)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
	return entries
}

func (r *Registry) Len() int {
	if !r.frozen.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	return len(r.entries)
}

// Build registers modules in order and freezes the registry.
func Build(modules ...Module) (*Registry, error) {
	r := New()
	for _, m := range modules {
		if err := r.RegisterModule(m); err != nil {
			return nil, err
		}
	}
	r.Freeze()
	return r, nil
}
