package procedure

import (
	"reflect"

	"github.com/nuclio/errors"
)

// Module is a group of procedures registered together.
type Module interface {
	RegisterTo(r *Registry) error
}

// ModuleFunc adapts a function to a Module.
type ModuleFunc func(r *Registry) error

func (f ModuleFunc) RegisterTo(r *Registry) error {
	return f(r)
}

// OptionProvider is implemented by module receivers that attach options,
// such as docs or auth predicates, to their methods.
type OptionProvider interface {
	ProcedureOptions(method string) []Option
}

// Methods registers the exported methods of Receiver.
//
// The namespace prefixes all method names ("math" + "Add" -> "math.Add").
// Use an empty namespace for no prefix. Methods whose first parameter is not
// a context.Context are helpers and are skipped. Any other method must be a
// valid procedure, or be excluded with the Exclude option, otherwise
// registration fails with ErrSignature. A params struct with a blank field
// tagged `rpc:"name"` overrides the method name.
type Methods struct {
	Namespace string
	Receiver  any
}

func (m Methods) RegisterTo(r *Registry) error {
	val := reflect.ValueOf(m.Receiver)
	typ := val.Type()
	provider, _ := m.Receiver.(OptionProvider)

	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		if !method.IsExported() {
			continue
		}

		fn := val.Method(i)
		if fn.Type().NumIn() == 0 || fn.Type().In(0) != contextType {
			continue
		}

		var opts []Option
		if provider != nil {
			opts = provider.ProcedureOptions(method.Name)
		}
		if excluded(opts) {
			continue
		}
		e, err := newEntry(method.Name, fn, opts)
		if err != nil {
			return errors.Wrapf(err, "Failed to register method %s of %T", method.Name, m.Receiver)
		}

		name := method.Name
		if e.alias != "" {
			name = e.alias
		}
		if m.Namespace != "" {
			name = m.Namespace + "." + name
		}
		e.Name = name
		if err := r.add(e); err != nil {
			return err
		}
	}
	return nil
}

func excluded(opts []Option) bool {
	var e Entry
	for _, opt := range opts {
		opt(&e)
	}
	return e.excluded
}
