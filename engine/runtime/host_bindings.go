package runtime

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/opendlt/accumen-appsdk/engine/abi"
	"github.com/opendlt/accumen-appsdk/engine/host"
)

type frameKey struct{}

// frame is what a host function needs of the guest calling it
type frame struct {
	env   *host.Env
	meter *guestMeter
}

// withFrame attaches the frame's Env and guest meter to the context the
// guest is called with. Host functions receive the same context and recover
// both from it.
func withFrame(ctx context.Context, env *host.Env, meter *guestMeter) context.Context {
	return context.WithValue(ctx, frameKey{}, &frame{env: env, meter: meter})
}

func frameFrom(ctx context.Context) *frame {
	f, _ := ctx.Value(frameKey{}).(*frame)
	return f
}

// binding adapts one host function to the wazero stack calling convention
type binding func(ctx context.Context, env *host.Env, mem host.Memory, stack []uint64)

func u32(v uint64) uint32 { return api.DecodeU32(v) }

var bindings = map[string]binding{
	abi.ImportInputLen: func(_ context.Context, env *host.Env, _ host.Memory, stack []uint64) {
		stack[0] = api.EncodeI32(env.InputLen())
	},
	abi.ImportReadInput: func(_ context.Context, env *host.Env, mem host.Memory, stack []uint64) {
		env.ReadInput(mem, u32(stack[0]))
	},
	abi.ImportWriteOutput: func(_ context.Context, env *host.Env, mem host.Memory, stack []uint64) {
		env.WriteOutput(mem, u32(stack[0]), u32(stack[1]))
	},
	abi.ImportReadReturn: func(_ context.Context, env *host.Env, mem host.Memory, stack []uint64) {
		env.ReadReturn(mem, u32(stack[0]))
	},
	abi.ImportStorageGet: func(_ context.Context, env *host.Env, mem host.Memory, stack []uint64) {
		stack[0] = api.EncodeI32(env.StorageGet(mem, u32(stack[0]), u32(stack[1])))
	},
	abi.ImportStorageSet: func(_ context.Context, env *host.Env, mem host.Memory, stack []uint64) {
		env.StorageSet(mem, u32(stack[0]), u32(stack[1]), u32(stack[2]), u32(stack[3]))
	},
	abi.ImportStorageDelete: func(_ context.Context, env *host.Env, mem host.Memory, stack []uint64) {
		env.StorageDelete(mem, u32(stack[0]), u32(stack[1]))
	},
	abi.ImportCallApplication: func(ctx context.Context, env *host.Env, mem host.Memory, stack []uint64) {
		status := env.CallApplication(ctx, mem,
			u32(stack[0]), u32(stack[1]), // target
			u32(stack[2]),                // entry
			u32(stack[3]), u32(stack[4]), // args
			u32(stack[5]))
		stack[0] = api.EncodeI32(status)
	},
	abi.ImportLog: func(_ context.Context, env *host.Env, mem host.Memory, stack []uint64) {
		env.Log(mem, u32(stack[0]), u32(stack[1]), u32(stack[2]))
	},
	abi.ImportConsumeGas: func(_ context.Context, env *host.Env, _ host.Memory, stack []uint64) {
		env.ConsumeGas(int64(stack[0]))
	},
	abi.ImportGasRemaining: func(_ context.Context, env *host.Env, _ host.Memory, stack []uint64) {
		stack[0] = api.EncodeI64(env.GasRemaining())
	},
	abi.ImportContextApplication: func(_ context.Context, env *host.Env, mem host.Memory, stack []uint64) {
		stack[0] = api.EncodeI32(env.ContextApplication(mem, u32(stack[0])))
	},
	abi.ImportContextCaller: func(_ context.Context, env *host.Env, mem host.Memory, stack []uint64) {
		stack[0] = api.EncodeI32(env.ContextCaller(mem, u32(stack[0])))
	},
	abi.ImportAbort: func(_ context.Context, env *host.Env, mem host.Memory, stack []uint64) {
		env.Abort(mem, u32(stack[0]), u32(stack[1]))
	},
}

// noMemory stands in for a guest that exports no memory
type noMemory struct{}

func (noMemory) Read(uint32, uint32) ([]byte, bool) { return nil, false }
func (noMemory) Write(uint32, []byte) bool          { return false }

// RegisterHostBindings instantiates the appsdk host module in rt. Every
// function in the import table is exported with the signature the table
// gives it.
func RegisterHostBindings(ctx context.Context, rt wazero.Runtime) (api.Module, error) {
	builder := rt.NewHostModuleBuilder(abi.ImportModule)

	for _, sig := range abi.Imports {
		fn, ok := bindings[sig.Name]
		if !ok {
			return nil, fmt.Errorf("no binding for host function %s", sig.Name)
		}
		name := sig.Name
		builder.NewFunctionBuilder().
			WithName(name).
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				f := frameFrom(ctx)
				if f == nil {
					panic(fmt.Errorf("host function %s called outside an invocation", name))
				}
				env := f.env
				// guest spending is charged before the host function runs
				// and the guest resumes with what is left after it
				if f.meter != nil {
					if err := f.meter.settle(env.Meter); err != nil {
						env.Fail(host.OutOfBudget, "%v", err)
					}
				}
				var mem host.Memory = noMemory{}
				if m := mod.Memory(); m != nil {
					mem = m
				}
				fn(ctx, env, mem, stack)
				if f.meter != nil {
					f.meter.refill(env.Meter)
				}
			}), valueTypes(sig.Params), valueTypes(sig.Results)).
			Export(name)
	}

	mod, err := builder.Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}
	return mod, nil
}

func valueTypes(in []abi.ValueType) []api.ValueType {
	out := make([]api.ValueType, len(in))
	for i, t := range in {
		switch t {
		case abi.I64:
			out[i] = api.ValueTypeI64
		default:
			out[i] = api.ValueTypeI32
		}
	}
	return out
}
