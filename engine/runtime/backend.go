package runtime

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Backend kinds
const (
	KindCompiler    = "compiler"
	KindInterpreter = "interpreter"
)

// SandboxBackend compiles and instantiates guest modules. Every backend
// exposes the same host import table, feature set and memory limit, so a
// module behaves identically on all of them.
type SandboxBackend interface {
	Kind() string
	Compile(ctx context.Context, bytecode []byte) (wazero.CompiledModule, error)
	Instantiate(ctx context.Context, compiled wazero.CompiledModule) (api.Module, error)
	Close(ctx context.Context) error
}

// BackendOptions configures a backend
type BackendOptions struct {
	// Maximum memory pages (64KB each)
	MemoryPages uint32
	// Expose wasi_snapshot_preview1 with no filesystem, clock or randomness
	AllowWASI bool
}

// features is the wasm 2.0 feature set without SIMD
const features = api.CoreFeaturesV2 &^ api.CoreFeatureSIMD

type wazeroBackend struct {
	kind string
	rt   wazero.Runtime
}

// NewCompilerBackend returns a backend on wazero's optimizing compiler.
func NewCompilerBackend(ctx context.Context, opts BackendOptions) (SandboxBackend, error) {
	return newWazeroBackend(ctx, KindCompiler, wazero.NewRuntimeConfigCompiler(), opts)
}

// NewInterpreterBackend returns a backend on wazero's interpreter.
func NewInterpreterBackend(ctx context.Context, opts BackendOptions) (SandboxBackend, error) {
	return newWazeroBackend(ctx, KindInterpreter, wazero.NewRuntimeConfigInterpreter(), opts)
}

// NewBackend returns the backend of the given kind.
func NewBackend(ctx context.Context, kind string, opts BackendOptions) (SandboxBackend, error) {
	switch kind {
	case KindCompiler, "":
		return NewCompilerBackend(ctx, opts)
	case KindInterpreter:
		return NewInterpreterBackend(ctx, opts)
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", kind)
	}
}

func newWazeroBackend(ctx context.Context, kind string, cfg wazero.RuntimeConfig, opts BackendOptions) (*wazeroBackend, error) {
	if opts.MemoryPages == 0 {
		opts.MemoryPages = 256
	}
	cfg = cfg.
		WithCoreFeatures(features).
		WithMemoryLimitPages(opts.MemoryPages).
		WithCloseOnContextDone(true)

	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := RegisterHostBindings(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	if opts.AllowWASI {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
		}
	}

	return &wazeroBackend{kind: kind, rt: rt}, nil
}

func (b *wazeroBackend) Kind() string { return b.kind }

func (b *wazeroBackend) Compile(ctx context.Context, bytecode []byte) (wazero.CompiledModule, error) {
	return b.rt.CompileModule(ctx, bytecode)
}

// Instantiate creates a fresh anonymous instance. No arguments, environment,
// stdio, clock or randomness are configured, so WASI guests observe the same
// values on every run. No start function is run; the Adapter runs them
// metered.
func (b *wazeroBackend) Instantiate(ctx context.Context, compiled wazero.CompiledModule) (api.Module, error) {
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions()
	return b.rt.InstantiateModule(ctx, compiled, cfg)
}

func (b *wazeroBackend) Close(ctx context.Context) error {
	return b.rt.Close(ctx)
}
