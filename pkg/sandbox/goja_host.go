package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"
	"github.com/google/uuid"
)

var (
	errTimeLimit = errors.New("time limit exceeded")
	errClosed    = errors.New("instance closed")
)

// timerGlobals are removed from every runtime: a verdict must be reached
// synchronously or through promise jobs.
var timerGlobals = []string{"setTimeout", "setInterval", "setImmediate", "clearTimeout", "clearInterval", "clearImmediate"}

// GojaHost runs each program in its own goja runtime and event loop. The
// runtime exposes console (routed to slog) plus three host capabilities:
// createManifestBuilder, parseDocument and postMessage.
type GojaHost struct {
	cfg    Config
	logger *slog.Logger
}

// NewGojaHost creates a script host with the given limits.
func NewGojaHost(cfg Config) *GojaHost {
	cfg = cfg.withDefaults()
	return &GojaHost{cfg: cfg, logger: cfg.Logger.With("component", "sandbox")}
}

// Load compiles program and starts it on a fresh event loop. Syntax errors are
// returned directly; everything else is reported through deliver.
func (h *GojaHost) Load(ctx context.Context, program string, deliver func([]byte)) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prg, err := goja.Compile("prepare.js", program, false)
	if err != nil {
		return nil, &SandboxError{Code: ErrScriptSyntax, Message: err.Error()}
	}

	inst := &gojaInstance{
		id:      uuid.NewString(),
		cfg:     h.cfg,
		deliver: deliver,
	}
	inst.logger = h.logger.With("instance", inst.id)

	reg := new(require.Registry)
	reg.RegisterNativeModule("console", console.RequireWithPrinter(&slogPrinter{logger: inst.logger}))
	inst.loop = eventloop.NewEventLoop(eventloop.WithRegistry(reg))
	inst.loop.Start()
	inst.loop.RunOnLoop(func(vm *goja.Runtime) {
		inst.run(ctx, vm, prg)
	})

	inst.logger.Debug("script loaded", "bytes", len(program))
	return inst, nil
}

type gojaInstance struct {
	id      string
	cfg     Config
	logger  *slog.Logger
	loop    *eventloop.EventLoop
	deliver func([]byte)

	mu     sync.Mutex
	vm     *goja.Runtime
	posted bool
	closed bool
	once   sync.Once
}

func (i *gojaInstance) ID() string { return i.id }

// Close interrupts a running program and stops the loop. Safe to call more
// than once and from any goroutine.
func (i *gojaInstance) Close() error {
	i.once.Do(func() {
		i.mu.Lock()
		i.closed = true
		vm := i.vm
		i.mu.Unlock()
		if vm != nil {
			vm.Interrupt(errClosed)
		}
		i.loop.StopNoWait()
		i.logger.Debug("script instance closed")
	})
	return nil
}

func (i *gojaInstance) run(ctx context.Context, vm *goja.Runtime, prg *goja.Program) {
	defer i.loop.StopNoWait()
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("recovered from panic in script runtime", "panic", r)
			i.post(ErrorEnvelope(ErrScriptException, fmt.Sprintf("panic: %v", r)))
		}
	}()

	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.vm = vm
	i.mu.Unlock()

	if err := i.install(vm); err != nil {
		i.post(ErrorEnvelope(ErrScriptException, err.Error()))
		return
	}

	var timer *time.Timer
	if i.cfg.CPUTimeLimit > 0 {
		timer = time.AfterFunc(i.cfg.CPUTimeLimit, func() { vm.Interrupt(errTimeLimit) })
	}
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })

	_, err := vm.RunProgram(prg)

	stop()
	if timer != nil {
		timer.Stop()
	}

	if err != nil {
		i.fail(err)
		return
	}
	if i.post(ErrorEnvelope(ErrNoVerdict, "program finished without posting a message")) {
		i.logger.Warn("script finished without a verdict")
	}
}

func (i *gojaInstance) install(vm *goja.Runtime) error {
	vm.SetMaxCallStackSize(i.cfg.MaxCallStackSize)
	if err := vm.Set("console", require.Require(vm, "console")); err != nil {
		return err
	}
	global := vm.GlobalObject()
	for _, name := range timerGlobals {
		if err := global.Delete(name); err != nil {
			return err
		}
	}
	if err := vm.Set("createManifestBuilder", createManifestBuilder(vm)); err != nil {
		return err
	}
	if err := vm.Set("parseDocument", parseDocument(vm)); err != nil {
		return err
	}
	return vm.Set("postMessage", i.postMessage(vm))
}

func (i *gojaInstance) fail(err error) {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		switch v := interrupted.Value().(type) {
		case error:
			if errors.Is(v, errTimeLimit) {
				i.logger.Warn("script exceeded time limit", "limit", i.cfg.CPUTimeLimit)
				i.post(ErrorEnvelope(ErrComputeTimeExhausted, fmt.Sprintf("script exceeded time limit (%s)", i.cfg.CPUTimeLimit)))
				return
			}
			i.logger.Debug("script interrupted", "reason", v)
		default:
			i.logger.Debug("script interrupted", "reason", v)
		}
		return
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		i.post(ErrorEnvelope(ErrScriptException, exception.Value().String()))
		return
	}
	i.post(ErrorEnvelope(ErrScriptException, err.Error()))
}

// post hands msg to the host unless a message was already posted or the
// instance is closed. It reports whether msg was accepted.
func (i *gojaInstance) post(msg []byte) bool {
	i.mu.Lock()
	if i.closed || i.posted {
		i.mu.Unlock()
		return false
	}
	i.posted = true
	i.mu.Unlock()

	if i.deliver != nil {
		go i.deliver(msg)
	}
	return true
}

func (i *gojaInstance) postMessage(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		msg, err := messageText(vm, call.Argument(0))
		if err != nil {
			panic(vm.NewGoError(err))
		}
		if len(msg) > i.cfg.MaxMessageBytes {
			i.post(ErrorEnvelope(ErrComputeOutputExhausted, fmt.Sprintf("message size %d exceeds limit %d", len(msg), i.cfg.MaxMessageBytes)))
			return goja.Undefined()
		}
		if !i.post([]byte(msg)) {
			i.logger.Debug("additional message ignored")
		}
		return goja.Undefined()
	}
}

// messageText accepts a string or any JSON-serializable value.
func messageText(vm *goja.Runtime, v goja.Value) (string, error) {
	if s, ok := v.Export().(string); ok {
		return s, nil
	}
	stringify, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("stringify"))
	if !ok {
		return "", errors.New("JSON.stringify unavailable")
	}
	out, err := stringify(goja.Undefined(), v)
	if err != nil {
		return "", err
	}
	if goja.IsUndefined(out) {
		return "", errors.New("postMessage: value is not serializable")
	}
	return out.String(), nil
}

// slogPrinter routes console.log/warn/error to the structured logger.
type slogPrinter struct {
	logger *slog.Logger
}

func (p *slogPrinter) Log(msg string)   { p.logger.Info("[JS Console]", "message", msg) }
func (p *slogPrinter) Warn(msg string)  { p.logger.Warn("[JS Console]", "message", msg) }
func (p *slogPrinter) Error(msg string) { p.logger.Error("[JS Console]", "message", msg) }
