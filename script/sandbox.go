// Package script runs user supplied JavaScript (custom loot classification
// rules and similar hooks) inside a pool of locked-down goja VMs.
package script

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

var (
	// ErrTimeout means the script ran past the sandbox's time limit.
	ErrTimeout = errors.New("script: execution timed out")
	// ErrPanic means the VM itself panicked.
	ErrPanic = errors.New("script: uncaught exception")
)

// blocked globals are replaced with undefined in every VM.
var blocked = []string{"require", "process", "fetch", "XMLHttpRequest", "eval", "Function"}

// Env holds the globals visible to one run. They are deleted again before
// the VM goes back to the pool.
type Env map[string]interface{}

// Program is a compiled script.
type Program struct {
	Name string
	prog *goja.Program
}

// Compile parses src once so it can be run many times.
func Compile(name, src string) (*Program, error) {
	p, err := goja.Compile(name, src, true)
	if err != nil {
		return nil, fmt.Errorf("script: compile %s: %w", name, err)
	}
	return &Program{Name: name, prog: p}, nil
}

// Sandbox runs programs on a fixed set of VMs. A run waits for a free VM.
type Sandbox struct {
	vms     chan *goja.Runtime
	timeout time.Duration
	log     *zap.Logger
}

// NewSandbox builds size VMs, each run capped at timeout. Non-positive
// values fall back to 4 VMs and 200ms.
func NewSandbox(size int, timeout time.Duration, log *zap.Logger) *Sandbox {
	if size <= 0 {
		size = 4
	}
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	sb := &Sandbox{vms: make(chan *goja.Runtime, size), timeout: timeout, log: log}
	for i := 0; i < size; i++ {
		sb.vms <- lockedVM()
	}
	return sb
}

func lockedVM() *goja.Runtime {
	vm := goja.New()
	for _, name := range blocked {
		_ = vm.Set(name, goja.Undefined())
	}
	// Rules must classify the same item the same way every time.
	if m := vm.Get("Math"); m != nil {
		_ = m.ToObject(vm).Set("random", func() float64 { return 0 })
	}
	return vm
}

// Run executes prog with env bound as globals and returns the exported value
// of its last expression, nil for null or undefined. Cancelling ctx
// interrupts a running script.
func (sb *Sandbox) Run(ctx context.Context, prog *Program, env Env) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var vm *goja.Runtime
	select {
	case vm = <-sb.vms:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	out, reuse, err := sb.exec(ctx, vm, prog, env)
	if !reuse {
		vm = lockedVM()
	}
	sb.vms <- vm

	if err != nil {
		sb.log.Warn("script failed", zap.String("script", prog.Name), zap.Error(err))
	}
	return out, err
}

// exec reports reuse=false when vm saw an interrupt and must be replaced.
func (sb *Sandbox) exec(parent context.Context, vm *goja.Runtime, prog *Program, env Env) (out interface{}, reuse bool, err error) {
	for k, v := range env {
		if err := vm.Set(k, v); err != nil {
			return nil, true, err
		}
	}
	defer func() {
		for k := range env {
			_ = vm.GlobalObject().Delete(k)
		}
	}()

	ctx, cancel := context.WithTimeout(parent, sb.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ErrTimeout) })

	var v goja.Value
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = ErrPanic
			}
		}()
		v, err = vm.RunProgram(prog.prog)
	}()
	reuse = stop()

	var interrupted *goja.InterruptedError
	switch {
	case err == nil:
	case errors.Is(err, ErrPanic):
		return nil, false, err
	case errors.As(err, &interrupted):
		reuse = false
		if parent.Err() != nil {
			return nil, false, parent.Err()
		}
		return nil, false, ErrTimeout
	default:
		var ex *goja.Exception
		if errors.As(err, &ex) {
			return nil, reuse, fmt.Errorf("script: %s: %s", prog.Name, ex.Error())
		}
		return nil, reuse, err
	}

	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, reuse, nil
	}
	return v.Export(), reuse, nil
}

// Eval compiles and runs src once.
func (sb *Sandbox) Eval(ctx context.Context, src string, env Env) (interface{}, error) {
	prog, err := Compile("eval", src)
	if err != nil {
		return nil, err
	}
	return sb.Run(ctx, prog, env)
}
