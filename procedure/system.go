package procedure

import (
	"context"

	"github.com/mnehpets/modernrpc/fault"
)

// System registers the introspection procedures system.listMethods,
// system.methodSignature and system.methodHelp.
var System Module = ModuleFunc(RegisterSystem)

// RegisterSystem adds the introspection procedures to r. They read r when
// called, so they see procedures registered after them.
func RegisterSystem(r *Registry) error {
	if err := r.Register("system.listMethods", func(ctx context.Context, req *Request) ([]string, error) {
		names := []string{}
		for _, e := range r.Entries() {
			if e.Available(req.Protocol) {
				names = append(names, e.Name)
			}
		}
		return names, nil
	},
		WithDoc("Returns the names of all procedures callable over this protocol."),
		WithSignature("array"),
	); err != nil {
		return err
	}

	if err := r.Register("system.methodSignature", func(ctx context.Context, req *Request, name string) (any, error) {
		e, err := r.introspect(req, name)
		if err != nil {
			return nil, err
		}
		if len(e.Signature) == 0 {
			return "undef", nil
		}
		return [][]string{e.Signature}, nil
	},
		WithParams("method_name"),
		WithDoc("Returns the signatures of a procedure, or \"undef\" when none was declared."),
		WithSignature("array", "string"),
	); err != nil {
		return err
	}

	return r.Register("system.methodHelp", func(ctx context.Context, req *Request, name string) (string, error) {
		e, err := r.introspect(req, name)
		if err != nil {
			return "", err
		}
		return e.Doc, nil
	},
		WithParams("method_name"),
		WithDoc("Returns the documentation of a procedure."),
		WithSignature("string", "string"),
	)
}

func (r *Registry) introspect(req *Request, name string) (*Entry, error) {
	e, ok := r.Lookup(name)
	if !ok || !e.Available(req.Protocol) {
		return nil, fault.InvalidParams("unknown method: " + name)
	}
	return e, nil
}
