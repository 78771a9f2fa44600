package runtime

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opendlt/accumen-appsdk/engine/abi"
	"github.com/opendlt/accumen-appsdk/internal/wasmtest"
)

// recurseThenSpin builds a guest whose execute_operation recurses depth
// frames deep through a helper and then runs a loop iterations times.
func recurseThenSpin(depth, iterations int32) []byte {
	app := wasmtest.NewApp()
	f := uint32(len(abi.Imports))
	app.Func([]wasmtest.ValType{wasmtest.I32}, nil, nil,
		wasmtest.LocalGet(0), wasmtest.If,
		wasmtest.LocalGet(0), wasmtest.I32Const(1), wasmtest.I32Sub, wasmtest.Call(f),
		wasmtest.End,
	)
	app.Entry(abi.ExecuteOperation.ExportName(), 1,
		wasmtest.I32Const(depth), wasmtest.Call(f),
		wasmtest.I32Const(iterations), wasmtest.LocalSet(0),
		wasmtest.Block,
		wasmtest.LocalGet(0), wasmtest.I32Eqz, wasmtest.BrIf(0),
		wasmtest.Loop,
		wasmtest.LocalGet(0), wasmtest.I32Const(1), wasmtest.I32Sub, wasmtest.LocalTee(0), wasmtest.BrIf(0),
		wasmtest.End,
		wasmtest.End,
		app.OutputValue([]byte("done")),
	)
	return app.Bytes()
}

type outcome struct {
	out      []byte
	trapped  bool
	cause    Cause
	message  string
	consumed uint64
}

// runOn executes bin on a fresh adapter of kind with budget and no call
// deadline.
func runOn(t *testing.T, kind string, bin []byte, budget uint64) outcome {
	t.Helper()
	a := newAdapter(t, kind, Options{})

	// a guard against a guest the meter fails to stop
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	env := newEnv(abi.ExecuteOperation, budget)
	m, err := a.Load(ctx, bin)
	require.NoError(t, err)
	inst, err := a.Instantiate(ctx, m, env)
	require.NoError(t, err)
	defer inst.Close(ctx)

	out, err := a.Call(ctx, inst, abi.ExecuteOperation, nil)
	o := outcome{out: out, consumed: env.Meter.Consumed()}
	if err != nil {
		trap := requireTrapOf(t, err)
		o.trapped, o.cause, o.message = true, trap.Cause, trap.Message
	}
	return o
}

func requireTrapOf(t *testing.T, err error) *TrapError {
	t.Helper()
	trap, ok := IsTrap(err)
	require.True(t, ok, "expected a trap, got %v", err)
	return trap
}

func TestRecursionLimitIsBackendIndependent(t *testing.T) {
	frames := DefaultMetering().MaxFrames
	for _, depth := range []int32{1000, 5000, 20000} {
		t.Run(fmt.Sprint(depth), func(t *testing.T) {
			bin := recurseThenSpin(depth, 0)
			compiled := runOn(t, KindCompiler, bin, 10_000_000)
			interpreted := runOn(t, KindInterpreter, bin, 10_000_000)
			require.Equal(t, compiled, interpreted)

			// the entry point and depth+1 helper frames
			if uint32(depth)+2 <= frames {
				require.False(t, compiled.trapped, compiled.message)
				require.Equal(t, wasmtest.ResultEnvelope([]byte("done")), compiled.out)
				return
			}
			require.Equal(t, StackExhausted, compiled.cause)
			require.Equal(t, fmt.Sprintf("more than %d guest frames", frames), compiled.message)
		})
	}
}

func TestInfiniteLoopRunsOutOfBudget(t *testing.T) {
	app := wasmtest.NewApp()
	app.Entry(abi.ExecuteOperation.ExportName(), 0, wasmtest.Loop, wasmtest.Br(0), wasmtest.End)
	bin := app.Bytes()

	forEachBackend(t, func(t *testing.T, a *Adapter) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		env := newEnv(abi.ExecuteOperation, 10_000)
		m, err := a.Load(ctx, bin)
		require.NoError(t, err)
		inst, err := a.Instantiate(ctx, m, env)
		require.NoError(t, err)
		defer inst.Close(ctx)

		_, err = a.Call(ctx, inst, abi.ExecuteOperation, nil)
		requireTrap(t, err, OutOfBudget)
		require.True(t, env.Meter.Exhausted())
		require.NoError(t, ctx.Err())
	})
}

func TestLoopIterationsAreCharged(t *testing.T) {
	for _, kind := range []string{KindCompiler, KindInterpreter} {
		t.Run(kind, func(t *testing.T) {
			short := runOn(t, kind, recurseThenSpin(0, 50), 1_000_000)
			long := runOn(t, kind, recurseThenSpin(0, 150), 1_000_000)
			require.False(t, short.trapped, short.message)
			require.False(t, long.trapped, long.message)
			require.Equal(t, 100*DefaultMetering().Loop, long.consumed-short.consumed)
		})
	}
}

func TestReturnReleasesFrames(t *testing.T) {
	app := wasmtest.NewApp()
	single := uint32(len(abi.Imports))
	app.Func([]wasmtest.ValType{wasmtest.I32}, []wasmtest.ValType{wasmtest.I32}, nil,
		wasmtest.Block,
		wasmtest.LocalGet(0), wasmtest.If, wasmtest.I32Const(7), wasmtest.Return, wasmtest.End,
		wasmtest.End,
		wasmtest.I32Const(9),
	)
	pair := app.Func(nil, []wasmtest.ValType{wasmtest.I32, wasmtest.I32}, nil,
		wasmtest.Block, wasmtest.I32Const(1), wasmtest.I32Const(2), wasmtest.Return, wasmtest.End,
		wasmtest.Unreachable,
	)
	// each iteration returns early from both helpers
	app.Entry(abi.ExecuteOperation.ExportName(), 1,
		wasmtest.I32Const(3000), wasmtest.LocalSet(0),
		wasmtest.Loop,
		wasmtest.I32Const(1), wasmtest.Call(single), wasmtest.Drop,
		wasmtest.Call(pair), wasmtest.Drop, wasmtest.Drop,
		wasmtest.LocalGet(0), wasmtest.I32Const(1), wasmtest.I32Sub, wasmtest.LocalTee(0), wasmtest.BrIf(0),
		wasmtest.End,
		app.OutputValue(nil),
	)
	bin := app.Bytes()

	forEachBackend(t, func(t *testing.T, a *Adapter) {
		out, err := invoke(t, a, bin, newEnv(abi.ExecuteOperation, 10_000_000), nil)
		require.NoError(t, err)
		require.Equal(t, wasmtest.ResultEnvelope(nil), out)
	})
}

func TestStartFunctionIsMetered(t *testing.T) {
	app := wasmtest.NewApp()
	prefix := wasmtest.ResultPrefix(4)
	off := app.Const(prefix)
	cell := app.Reserve(4)
	start := app.Func(nil, nil, nil,
		wasmtest.I32Const(int32(cell)), wasmtest.I32Const(42), wasmtest.I32Store(0),
	)
	app.Start(start)
	app.Entry(abi.ExecuteOperation.ExportName(), 0,
		wasmtest.I32Const(int32(off)), wasmtest.I32Const(int32(len(prefix)+4)), app.Call(abi.ImportWriteOutput),
	)
	initializes := app.Bytes()

	app = wasmtest.NewApp()
	start = app.Func(nil, nil, nil, wasmtest.Loop, wasmtest.Br(0), wasmtest.End)
	app.Start(start)
	app.Entry(abi.ExecuteOperation.ExportName(), 0, app.OutputValue(nil))
	spins := app.Bytes()

	forEachBackend(t, func(t *testing.T, a *Adapter) {
		ctx := context.Background()

		env := newEnv(abi.ExecuteOperation, 1_000_000)
		out, err := invoke(t, a, initializes, env, nil)
		require.NoError(t, err)
		res, err := abi.DecodeResult(out)
		require.NoError(t, err)
		require.Equal(t, []byte{42, 0, 0, 0}, res.Value)

		m, err := a.Load(ctx, spins)
		require.NoError(t, err)
		env = newEnv(abi.ExecuteOperation, 10_000)
		_, err = a.Instantiate(ctx, m, env)
		var inst *InstantiateError
		require.ErrorAs(t, err, &inst)
		var trap *TrapError
		require.True(t, errors.As(err, &trap))
		require.Equal(t, OutOfBudget, trap.Cause)
		require.True(t, env.Meter.Exhausted())
	})
}

func TestGuestCostsAreDeterministic(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for i := range 24 {
		depth := rng.Int32N(1200)
		iterations := rng.Int32N(4000)
		budget := 5_000 + rng.Uint64N(40_000)

		t.Run(fmt.Sprintf("%d/depth=%d/loops=%d/budget=%d", i, depth, iterations, budget), func(t *testing.T) {
			bin := recurseThenSpin(depth, iterations)
			compiled := runOn(t, KindCompiler, bin, budget)
			interpreted := runOn(t, KindInterpreter, bin, budget)
			require.Equal(t, compiled, interpreted)
			require.LessOrEqual(t, compiled.consumed, budget)
		})
	}
}

func TestInstrumentExportsCounters(t *testing.T) {
	app := wasmtest.NewApp()
	start := app.Func(nil, nil, nil)
	app.Start(start)
	app.Entry(abi.ExecuteOperation.ExportName(), 0, app.OutputValue(nil))
	bin := app.Bytes()

	metered, err := instrument(bin, DefaultMetering(), AuditOptions{})
	require.NoError(t, err)

	sections, err := splitSections(metered)
	require.NoError(t, err)
	for _, s := range sections {
		require.NotEqual(t, byte(SectionTypeStart), s.id)
	}

	// the reserved names are only legal once the host added them
	report := AuditModule(metered, AuditOptions{})
	require.False(t, report.Malformed, report.Reasons)
	require.False(t, report.Ok)

	a := newAdapter(t, KindInterpreter, Options{})
	m, err := a.Load(context.Background(), bin)
	require.NoError(t, err)
	inst, err := a.Instantiate(context.Background(), m, newEnv(abi.ExecuteOperation, 1_000))
	require.NoError(t, err)
	defer inst.Close(context.Background())
	require.NotNil(t, inst.mod.ExportedGlobal(GasGlobalExport))
	require.NotNil(t, inst.mod.ExportedGlobal(DepthGlobalExport))
	require.NotNil(t, inst.mod.ExportedFunction(StartExport))
}

func TestMeteringValidate(t *testing.T) {
	require.NoError(t, DefaultMetering().Validate())
	require.Error(t, Metering{Call: 1, Loop: 1}.Validate())
	require.Error(t, Metering{Call: 1 << 40, Loop: 1, MaxFrames: 10}.Validate())
}
