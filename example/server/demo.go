package main

import (
	"context"
	"time"

	"github.com/mnehpets/modernrpc/auth"
	"github.com/mnehpets/modernrpc/fault"
	"github.com/mnehpets/modernrpc/procedure"
)

// demo holds the procedures served by the example.
type demo struct{}

func (d *demo) Add(ctx context.Context, a, b float64) (float64, error) {
	return a + b, nil
}

func (d *demo) Echo(ctx context.Context, v any) (any, error) {
	return v, nil
}

func (d *demo) Divide(ctx context.Context, a, b float64) (float64, error) {
	if b == 0 {
		return 0, fault.New(1, "division by zero")
	}
	return a / b, nil
}

func (d *demo) Now(ctx context.Context) (time.Time, error) {
	return time.Now().UTC().Truncate(time.Second), nil
}

func (d *demo) Whoami(ctx context.Context, req *procedure.Request) (auth.Identity, error) {
	return req.Identity, nil
}

func (d *demo) ProcedureOptions(method string) []procedure.Option {
	switch method {
	case "Add":
		return []procedure.Option{
			procedure.WithParams("a", "b"),
			procedure.WithSignature("double", "double", "double"),
			procedure.WithDoc("Returns a + b."),
		}
	case "Divide":
		return []procedure.Option{
			procedure.WithParams("a", "b"),
			procedure.WithSignature("double", "double", "double"),
			procedure.WithDoc("Returns a / b. Fails with fault 1 when b is 0."),
		}
	case "Echo":
		return []procedure.Option{procedure.WithParams("value"), procedure.WithDoc("Returns its argument.")}
	case "Now":
		return []procedure.Option{procedure.WithSignature("dateTime.iso8601"), procedure.WithDoc("Returns the server time.")}
	case "Whoami":
		return []procedure.Option{
			procedure.WithAuth(auth.Authenticated),
			procedure.WithDoc("Returns the identity of the caller. Requires authentication."),
		}
	}
	return nil
}
