// Package groutine starts named goroutines. The name is attached as a pprof
// label so radio readers, serial readers and delivery loops can be told apart
// in profiles and stack dumps.
package groutine

import (
	"context"
	"fmt"
	"runtime/debug"
	"runtime/pprof"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// PanicHandler receives a panic recovered inside a goroutine started by Go.
type PanicHandler func(name string, recovered any, stack []byte)

// Go starts fn on a new goroutine labelled with name.
//
//	groutine.Go(ctx, "antusb-reader", func(ctx context.Context) {
//	    // work
//	})
//
// If parentCtx is nil, context.Background() is used. A panic in fn crashes
// the process as usual; use GoRecover to contain it.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GoRecover is Go with the panic contained and reported to onPanic.
func GoRecover(parentCtx context.Context, name string, onPanic PanicHandler, fn func(ctx context.Context)) {
	Go(parentCtx, name, func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil && onPanic != nil {
				onPanic(name, r, debug.Stack())
			}
		}()
		fn(ctx)
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// PanicError wraps a recovered panic value as an error.
type PanicError struct {
	Name      string
	Recovered any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("goroutine %s panicked: %v", e.Name, e.Recovered)
}
