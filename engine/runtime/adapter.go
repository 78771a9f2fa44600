// Package runtime hosts guest applications in a wasm sandbox. The Adapter
// validates and compiles modules, instantiates them against the appsdk host
// import table and invokes their entry points, reporting every failure as a
// classified trap.
package runtime

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/opendlt/accumen-appsdk/engine/abi"
	"github.com/opendlt/accumen-appsdk/engine/host"
	"github.com/opendlt/accumen-appsdk/internal/logz"
	"github.com/opendlt/accumen-appsdk/internal/metrics"
)

// MemoryExport is the export every guest must provide its linear memory under
const MemoryExport = "memory"

// LoadErrorKind classifies a rejected module
type LoadErrorKind uint8

const (
	Malformed LoadErrorKind = iota + 1
	Forbidden
	MissingExport
)

func (k LoadErrorKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case Forbidden:
		return "forbidden"
	case MissingExport:
		return "missing export"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// LoadError is returned when a module cannot be loaded
type LoadError struct {
	Kind    LoadErrorKind
	Reasons []string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s module: %s", e.Kind, strings.Join(e.Reasons, "; "))
}

// InstantiateError is returned when a compiled module cannot be instantiated
type InstantiateError struct {
	Module [32]byte
	Err    error
}

func (e *InstantiateError) Error() string {
	return fmt.Sprintf("instantiate module %x: %v", e.Module[:8], e.Err)
}

func (e *InstantiateError) Unwrap() error { return e.Err }

// Module is a validated, compiled guest module
type Module struct {
	Hash      [32]byte
	Size      int
	Entries   []abi.EntryPoint
	AppSchema []byte
	Report    *AuditReport

	compiled wazero.CompiledModule
	bytecode []byte
}

// Exports reports whether the module implements entry
func (m *Module) Exports(entry abi.EntryPoint) bool {
	for _, e := range m.Entries {
		if e == entry {
			return true
		}
	}
	return false
}

// Instance is one instantiation of a Module, bound to the Env of one frame
type Instance struct {
	module *Module
	mod    api.Module
	env    *host.Env
	meter  *guestMeter
}

// Env returns the frame the instance is bound to
func (i *Instance) Env() *host.Env { return i.env }

// Module returns the module the instance was created from
func (i *Instance) Module() *Module { return i.module }

// Close releases the instance's memory
func (i *Instance) Close(ctx context.Context) error {
	return i.mod.Close(ctx)
}

// Options configures an Adapter
type Options struct {
	CacheSize      int
	MaxMemoryPages uint32
	AllowWASI      bool
	AllowFloat     bool
	// Metering prices guest execution; the zero value selects
	// DefaultMetering
	Metering Metering
	// CallDeadline bounds the wall-clock time of one entry point call. It is
	// a node-local safety valve and zero disables it.
	CallDeadline time.Duration
	Logger       *logz.Logger
}

// Adapter owns a sandbox backend and the registry of modules compiled on it
type Adapter struct {
	backend SandboxBackend
	cache   *ModuleCache
	opts    Options
	logger  *logz.Logger
}

// NewAdapter creates an adapter on backend.
func NewAdapter(backend SandboxBackend, opts Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = logz.Default()
	}
	if opts.Metering == (Metering{}) {
		opts.Metering = DefaultMetering()
	}
	metrics.SetBackend(backend.Kind())
	return &Adapter{
		backend: backend,
		cache:   NewModuleCache(opts.CacheSize),
		opts:    opts,
		logger:  logger.WithPrefix("runtime"),
	}
}

// Backend returns the sandbox backend
func (a *Adapter) Backend() SandboxBackend { return a.backend }

// Stats returns module registry statistics
func (a *Adapter) Stats() CacheStats { return a.cache.GetStats() }

// Inspect audits bytecode and checks its interface hash without compiling it.
func (a *Adapter) Inspect(bytecode []byte) (*AuditReport, error) {
	report := AuditModule(bytecode, a.auditOptions())
	if !report.Ok {
		kind := Forbidden
		if report.Malformed {
			kind = Malformed
		}
		return report, &LoadError{Kind: kind, Reasons: report.Reasons}
	}
	if err := abi.CheckInterface(report.Custom[abi.InterfaceSection]); err != nil {
		return report, err
	}
	return report, nil
}

func (a *Adapter) auditOptions() AuditOptions {
	return AuditOptions{
		MaxMemoryPages: a.opts.MaxMemoryPages,
		AllowWASI:      a.opts.AllowWASI,
		AllowFloat:     a.opts.AllowFloat,
	}
}

// Load validates and compiles bytecode. Modules are cached by content hash so
// loading the same bytecode again is cheap.
func (a *Adapter) Load(ctx context.Context, bytecode []byte) (*Module, error) {
	hash := sha256.Sum256(bytecode)
	if m, ok := a.cache.Get(hash); ok {
		return m, nil
	}

	m, err := a.compile(ctx, hash, bytecode)
	if err != nil {
		metrics.RecordLoad(false)
		a.logger.Debug("Rejected module %x: %v", hash[:8], err)
		return nil, err
	}
	metrics.RecordLoad(true)
	a.logger.Debug("Loaded module %x (%d bytes, %d entry points)", hash[:8], m.Size, len(m.Entries))
	return a.cache.Put(m), nil
}

// Lookup returns the registered module with the given content hash without
// touching the bytecode.
func (a *Adapter) Lookup(hash [32]byte) (*Module, bool) {
	return a.cache.Get(hash)
}

func (a *Adapter) compile(ctx context.Context, hash [32]byte, bytecode []byte) (*Module, error) {
	report, err := a.Inspect(bytecode)
	if err != nil {
		return nil, err
	}

	metered, err := instrument(bytecode, a.opts.Metering, a.auditOptions())
	if err != nil {
		return nil, &LoadError{Kind: Malformed, Reasons: []string{err.Error()}}
	}

	compiled, err := a.backend.Compile(ctx, metered)
	if err != nil {
		return nil, &LoadError{Kind: Malformed, Reasons: []string{err.Error()}}
	}

	var missing []string
	if _, ok := compiled.ExportedMemories()[MemoryExport]; !ok {
		missing = append(missing, "no memory export")
	}
	var entries []abi.EntryPoint
	functions := compiled.ExportedFunctions()
	for _, e := range abi.Entries {
		def, ok := functions[e.ExportName()]
		if !ok {
			continue
		}
		if len(def.ParamTypes()) != 0 || len(def.ResultTypes()) != 0 {
			missing = append(missing, fmt.Sprintf("%s must take and return nothing", e.ExportName()))
			continue
		}
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		missing = append(missing, "no entry point exported")
	}
	if len(missing) > 0 {
		_ = compiled.Close(ctx)
		return nil, &LoadError{Kind: MissingExport, Reasons: missing}
	}

	return &Module{
		Hash:      hash,
		Size:      len(bytecode),
		Entries:   entries,
		AppSchema: report.Custom[abi.AppSchemaSection],
		Report:    report,
		compiled:  compiled,
		bytecode:  bytecode,
	}, nil
}

// Instantiate creates a fresh instance of m bound to env. Instances share
// nothing: each gets its own linear memory. The module's start function and
// _initialize export run metered against env's meter.
func (a *Adapter) Instantiate(ctx context.Context, m *Module, env *host.Env) (*Instance, error) {
	mod, err := a.backend.Instantiate(withFrame(ctx, env, nil), m.compiled)
	if err != nil && !a.cache.Contains(m.Hash) {
		// evicted and closed since it was loaded
		if reloaded, lerr := a.Load(ctx, m.bytecode); lerr == nil {
			m = reloaded
			mod, err = a.backend.Instantiate(withFrame(ctx, env, nil), m.compiled)
		}
	}
	if err != nil {
		return nil, &InstantiateError{Module: m.Hash, Err: err}
	}

	meter, err := newGuestMeter(mod, a.opts.Metering.MaxFrames)
	if err != nil {
		_ = mod.Close(ctx)
		return nil, &InstantiateError{Module: m.Hash, Err: err}
	}
	inst := &Instance{module: m, mod: mod, env: env, meter: meter}

	for _, name := range []string{StartExport, InitializeExport} {
		fn := mod.ExportedFunction(name)
		if fn == nil {
			continue
		}
		if err := a.run(ctx, inst, env.Entry, fn); err != nil {
			_ = mod.Close(ctx)
			return nil, &InstantiateError{Module: m.Hash, Err: err}
		}
	}
	return inst, nil
}

// Call invokes entry on inst with the encoded invocation as input and
// returns the encoded result the guest wrote. Every failure is a
// *TrapError.
func (a *Adapter) Call(ctx context.Context, inst *Instance, entry abi.EntryPoint, input []byte) ([]byte, error) {
	out, err := a.call(ctx, inst, entry, input)
	if trap, ok := IsTrap(err); ok {
		metrics.RecordTrap(trap.Cause.String())
		a.logger.Debug("Application %s trapped: %v", inst.env.Application.Short(), trap)
	}
	return out, err
}

func (a *Adapter) call(ctx context.Context, inst *Instance, entry abi.EntryPoint, input []byte) ([]byte, error) {
	env := inst.env
	env.Input = input

	fn := inst.mod.ExportedFunction(entry.ExportName())
	if fn == nil {
		return nil, &TrapError{Cause: MissingEntryPoint, Entry: entry, Message: entry.ExportName() + " is not exported"}
	}
	if err := env.Meter.Consume(env.Meter.Schedule().Invocation); err != nil {
		return nil, &TrapError{Cause: OutOfBudget, Entry: entry, Message: err.Error()}
	}

	if a.opts.CallDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.CallDeadline)
		defer cancel()
	}

	if err := a.run(ctx, inst, entry, fn); err != nil {
		return nil, err
	}

	out, ok := env.Output()
	if !ok {
		return nil, &TrapError{Cause: MissingOutput, Entry: entry, Message: "returned without writing a result"}
	}
	return out, nil
}

// run calls fn with the guest meter of inst reconciled around the call.
// Whatever the guest spent is charged, also when it traps.
func (a *Adapter) run(ctx context.Context, inst *Instance, entry abi.EntryPoint, fn api.Function) error {
	env := inst.env
	callCtx := withFrame(ctx, env, inst.meter)

	inst.meter.begin(env.Meter)
	_, err := fn.Call(callCtx)
	settleErr := inst.meter.settle(env.Meter)

	if err != nil {
		return classify(callCtx, entry, env, inst.meter, err)
	}
	if settleErr != nil {
		return &TrapError{Cause: OutOfBudget, Entry: entry, Message: settleErr.Error()}
	}
	return nil
}

// Close releases the registry and the backend.
func (a *Adapter) Close(ctx context.Context) error {
	a.cache.Clear()
	return a.backend.Close(ctx)
}
