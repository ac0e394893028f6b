package procedure

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/mnehpets/modernrpc/fault"
	"github.com/mnehpets/modernrpc/metrics"
	"github.com/nuclio/errors"
	"github.com/nuclio/logger"
	"golang.org/x/sync/errgroup"
)

// Invoker is the lookup, auth and invoke pipeline shared by the protocol handlers.
type Invoker struct {
	Registry *Registry
	Logger   logger.Logger
	Metrics  *metrics.Collector

	// AuthFaultCode is the code returned when a predicate rejects the caller.
	AuthFaultCode int
	// Debug exposes internal error details in the fault data.
	Debug bool
	// LogExceptions logs every internal error with its cause.
	LogExceptions bool
}

// NewInvoker creates an Invoker with the default auth fault code and
// exception logging enabled.
func NewInvoker(registry *Registry, parentLogger logger.Logger) *Invoker {
	return &Invoker{
		Registry:      registry,
		Logger:        parentLogger,
		AuthFaultCode: fault.CodeAuthDenied,
		LogExceptions: true,
	}
}

// Invoke runs one call. It never panics; every failure comes back as a fault
// ready to be sent to the caller.
func (inv *Invoker) Invoke(ctx context.Context, req *Request) (any, *fault.Fault) {
	start := time.Now()

	entry, ok := inv.Registry.Lookup(req.Method)
	if !ok || !entry.Available(req.Protocol) {
		inv.observe(req.Protocol, metrics.UnknownMethod, metrics.OutcomeFault, start)
		return nil, fault.MethodNotFound(req.Method)
	}

	if !entry.Allowed(req.Identity) {
		inv.observe(req.Protocol, entry.Name, metrics.OutcomeDenied, start)
		if inv.Logger != nil {
			inv.Logger.DebugWith("Caller rejected by auth predicates",
				"method", req.Method,
				"user", req.Identity.Username)
		}
		return nil, fault.AuthDenied(inv.authCode(), req.Method)
	}

	result, err := entry.Call(ctx, req)
	if err != nil {
		f := inv.Fail(req, err)
		outcome := metrics.OutcomeFault
		if f.Kind == fault.KindInternal {
			outcome = metrics.OutcomeError
		}
		inv.observe(req.Protocol, entry.Name, outcome, start)
		return nil, f
	}

	inv.observe(req.Protocol, entry.Name, metrics.OutcomeSuccess, start)
	return result, nil
}

// Fail converts err into the fault sent to the caller, logging internal errors.
func (inv *Invoker) Fail(req *Request, err error) *fault.Fault {
	f := fault.From(err)
	if f.Kind == fault.KindInternal && inv.LogExceptions && inv.Logger != nil {
		cause := err
		if wrapped := f.Unwrap(); wrapped != nil {
			cause = wrapped
		}
		inv.Logger.ErrorWith("Procedure failed",
			"protocol", req.Protocol,
			"method", req.Method,
			"err", cause.Error())
	}
	return f.Expose(inv.Debug)
}

// Recover converts a panic raised while serving req, such as a result that
// fails to encode, into an internal fault passed to onPanic. It must be
// called directly by defer.
func (inv *Invoker) Recover(req *Request, onPanic func(f *fault.Fault)) {
	if r := recover(); r != nil {
		onPanic(inv.Fail(req, fault.Internal(errors.Errorf("panic serving %s: %v\n%s", req.Method, r, debug.Stack()))))
	}
}

func (inv *Invoker) authCode() int {
	if inv.AuthFaultCode == 0 {
		return fault.CodeAuthDenied
	}
	return inv.AuthFaultCode
}

func (inv *Invoker) observe(protocol Protocol, method, outcome string, start time.Time) {
	inv.Metrics.Observe(string(protocol), method, outcome, time.Since(start))
}

// ForEach calls fn for every index in [0, n). Calls run sequentially unless
// concurrent is set, in which case at most limit run at once (limit <= 0
// means no limit). fn must recover its own panics and must write its result
// by index so that order is kept.
func ForEach(ctx context.Context, n int, concurrent bool, limit int, fn func(ctx context.Context, i int)) {
	if !concurrent || n < 2 {
		for i := 0; i < n; i++ {
			fn(ctx, i)
		}
		return
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if limit > 0 {
		group.SetLimit(limit)
	}
	for i := 0; i < n; i++ {
		i := i
		group.Go(func() error {
			fn(groupCtx, i)
			return nil
		})
	}
	_ = group.Wait()
}
