package exec

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opendlt/accumen-appsdk/engine/abi"
	"github.com/opendlt/accumen-appsdk/engine/router"
	"github.com/opendlt/accumen-appsdk/engine/runtime"
	"github.com/opendlt/accumen-appsdk/engine/state"
	"github.com/opendlt/accumen-appsdk/internal/logz"
	"github.com/opendlt/accumen-appsdk/internal/wasmtest"
	"github.com/opendlt/accumen-appsdk/types"
)

const gasLimit = 10_000_000

var balanceKey = []byte("balance")

func newAdapter(t testing.TB, kind string) *runtime.Adapter {
	t.Helper()
	ctx := context.Background()
	b, err := runtime.NewBackend(ctx, kind, runtime.BackendOptions{MemoryPages: 16})
	require.NoError(t, err)
	a := runtime.NewAdapter(b, runtime.Options{CacheSize: 16, MaxMemoryPages: 16, Logger: logz.Nop()})
	t.Cleanup(func() { _ = a.Close(ctx) })
	return a
}

func newChain(t testing.TB, a *runtime.Adapter, name string, cfg router.Config) *Chain {
	t.Helper()
	c, err := NewChain(Options{
		ID:      types.ChainIDFromString(name),
		Store:   state.NewMemoryKVStore(),
		Adapter: a,
		Router:  cfg,
		Logger:  logz.Nop(),
	})
	require.NoError(t, err)
	return c
}

func forEachBackend(t *testing.T, fn func(t *testing.T, a *runtime.Adapter)) {
	for _, kind := range []string{runtime.KindCompiler, runtime.KindInterpreter} {
		t.Run(kind, func(t *testing.T) {
			fn(t, newAdapter(t, kind))
		})
	}
}

func deploy(t testing.TB, c *Chain, bytecode []byte) types.ApplicationID {
	t.Helper()
	id, _, err := c.CreateApplication(context.Background(), bytecode, nil, nil, gasLimit)
	require.NoError(t, err)
	return id
}

func requireTrap(t *testing.T, err error, cause runtime.Cause) *Failure {
	t.Helper()
	var f *Failure
	require.ErrorAs(t, err, &f)
	trap, ok := runtime.IsTrap(err)
	require.True(t, ok, "expected a trap, got %v", err)
	require.Equal(t, cause, trap.Cause, trap.Error())
	return f
}

// callbackApp calls back into whichever application called it and returns
// the three byte value it gets.
func callbackApp() []byte {
	a := wasmtest.NewApp()
	a.Entry(abi.Instantiate.ExportName(), 0, a.OutputValue(nil))
	slot := a.Reserve(types.ApplicationKeySize)
	a.Entry(abi.HandleCall.ExportName(), 0,
		wasmtest.I32Const(int32(slot)), a.Call(abi.ImportContextCaller), wasmtest.Drop,
		a.CallApp(slot, abi.HandleCall, nil, 0), wasmtest.Drop,
		a.OutputReturn(3),
	)
	return a.Bytes()
}

// bankApp stores a balance of 100 and calls peer, returning what peer
// returned. Its HandleCall and HandleQuery return the stored balance.
func bankApp(peer types.ApplicationID) []byte {
	a := wasmtest.NewApp()
	a.Entry(abi.Instantiate.ExportName(), 0, a.OutputValue(nil))
	slot := a.AppKey(peer)
	a.Entry(abi.ExecuteOperation.ExportName(), 0,
		a.StorageSet(balanceKey, []byte("100")),
		a.CallApp(slot, abi.HandleCall, nil, 0), wasmtest.Drop,
		a.OutputReturn(3),
	)
	read := wasmtest.Seq(a.StorageGet(balanceKey), wasmtest.Drop, a.OutputReturn(3))
	a.Entry(abi.HandleCall.ExportName(), 0, read)
	a.Entry(abi.HandleQuery.ExportName(), 0, read)
	return a.Bytes()
}

// relayApp forwards every operation or call to next and aborts when next
// cannot be called. Without next it returns "leaf".
func relayApp(next *types.ApplicationID) []byte {
	a := wasmtest.NewApp()
	a.Entry(abi.Instantiate.ExportName(), 0, a.OutputValue(nil))

	var body []byte
	if next == nil {
		body = a.OutputValue([]byte("leaf"))
	} else {
		slot := a.AppKey(*next)
		body = wasmtest.Seq(
			a.CallApp(slot, abi.HandleCall, nil, 0),
			wasmtest.I32Const(0), wasmtest.I32LtS,
			wasmtest.If, a.Abort("refused"), wasmtest.End,
			a.OutputReturn(4),
		)
	}
	idx := a.Entry(abi.ExecuteOperation.ExportName(), 0, body)
	a.ExportFunc(abi.HandleCall.ExportName(), idx)
	return a.Bytes()
}

// faultyApp writes a key and then traps. Its query reports whether the key
// exists.
func faultyApp() []byte {
	a := wasmtest.NewApp()
	a.Entry(abi.Instantiate.ExportName(), 0, a.OutputValue(nil))
	a.Entry(abi.ExecuteOperation.ExportName(), 0,
		a.StorageSet([]byte("k"), []byte("v")),
		wasmtest.Unreachable,
	)
	a.Entry(abi.HandleQuery.ExportName(), 0,
		a.StorageGet([]byte("k")),
		wasmtest.I32Const(0), wasmtest.I32LtS,
		wasmtest.If, a.OutputValue([]byte("none")), wasmtest.Return, wasmtest.End,
		a.OutputReturn(1),
	)
	return a.Bytes()
}

// chainOf deploys a leaf and n relays in front of it and returns the first
// relay.
func chainOf(t testing.TB, c *Chain, n int) types.ApplicationID {
	t.Helper()
	next := deploy(t, c, relayApp(nil))
	for i := 0; i < n; i++ {
		id := next
		next = deploy(t, c, relayApp(&id))
	}
	return next
}

func TestCallbackObservesCallerWrites(t *testing.T) {
	forEachBackend(t, func(t *testing.T, a *runtime.Adapter) {
		ctx := context.Background()
		c := newChain(t, a, "bank", router.DefaultConfig())
		peer := deploy(t, c, callbackApp())
		bank := deploy(t, c, bankApp(peer))

		out, err := c.ExecuteOperation(ctx, types.Operation{Application: bank}, gasLimit)
		require.NoError(t, err)
		require.Equal(t, []byte("100"), out.Value)

		require.Len(t, out.Trace, 3)
		for i, tr := range out.Trace {
			require.EqualValues(t, i, tr.Depth)
		}
		require.Equal(t, peer, out.Trace[1].App)
		require.Equal(t, bank, out.Trace[2].App)

		value, err := c.Query(ctx, bank, nil, gasLimit)
		require.NoError(t, err)
		require.Equal(t, []byte("100"), value)
	})
}

func TestCreateApplication(t *testing.T) {
	forEachBackend(t, func(t *testing.T, a *runtime.Adapter) {
		ctx := context.Background()
		c := newChain(t, a, "create", router.DefaultConfig())
		code := relayApp(nil)
		owner := types.Owner{1}

		first, out, err := c.CreateApplication(ctx, code, nil, &owner, gasLimit)
		require.NoError(t, err)
		require.Equal(t, c.ID(), first.Chain)
		require.Equal(t, "instantiate", out.Receipt.Entry)
		require.EqualValues(t, 1, c.Sequence())

		second := deploy(t, c, code)
		require.NotEqual(t, first, second)
		require.Equal(t, first.Bytecode, second.Bytecode)

		desc, err := c.Describe(first)
		require.NoError(t, err)
		require.Equal(t, &owner, desc.Creator)

		list, err := c.Applications()
		require.NoError(t, err)
		require.Len(t, list, 2)

		_, _, err = c.CreateApplication(ctx, []byte("not wasm"), nil, nil, gasLimit)
		var le *runtime.LoadError
		require.ErrorAs(t, err, &le)
		require.EqualValues(t, 2, c.Sequence())
	})
}

func TestFailedInstantiateCreatesNothing(t *testing.T) {
	a := newAdapter(t, runtime.KindInterpreter)
	c := newChain(t, a, "create-fail", router.DefaultConfig())

	app := wasmtest.NewApp()
	app.Entry(abi.Instantiate.ExportName(), 0, app.Abort("no"))
	_, _, err := c.CreateApplication(context.Background(), app.Bytes(), nil, nil, gasLimit)
	requireTrap(t, err, runtime.Abort)

	list, err := c.Applications()
	require.NoError(t, err)
	require.Empty(t, list)
	require.Zero(t, c.Sequence())
}

func TestDepthBound(t *testing.T) {
	const maxDepth = 3
	cfg := router.Config{MaxDepth: maxDepth, Reentrancy: router.ReentrancyAllow}

	forEachBackend(t, func(t *testing.T, a *runtime.Adapter) {
		ctx := context.Background()
		c := newChain(t, a, "depth", cfg)

		ok := chainOf(t, c, maxDepth)
		out, err := c.ExecuteOperation(ctx, types.Operation{Application: ok}, gasLimit)
		require.NoError(t, err)
		require.Equal(t, []byte("leaf"), out.Value)
		require.EqualValues(t, maxDepth, out.Trace[len(out.Trace)-1].Depth)

		tooDeep := chainOf(t, c, maxDepth+1)
		_, err = c.ExecuteOperation(ctx, types.Operation{Application: tooDeep}, gasLimit)
		f := requireTrap(t, err, runtime.Abort)
		last := f.Trace[len(f.Trace)-1]
		require.Equal(t, router.StackOverflow, last.Refused)
		require.EqualValues(t, maxDepth+1, last.Depth)
	})
}

func TestTrapDiscardsTransaction(t *testing.T) {
	forEachBackend(t, func(t *testing.T, a *runtime.Adapter) {
		ctx := context.Background()
		c := newChain(t, a, "faulty", router.DefaultConfig())
		app := deploy(t, c, faultyApp())
		seq := c.Sequence()

		_, err := c.ExecuteOperation(ctx, types.Operation{Application: app}, gasLimit)
		f := requireTrap(t, err, runtime.Unreachable)
		require.NotZero(t, f.GasUsed)
		require.Equal(t, seq, c.Sequence())

		value, err := c.Query(ctx, app, nil, gasLimit)
		require.NoError(t, err)
		require.Equal(t, []byte("none"), value)

		_, err = state.LoadReceipt(c.Store(), seq+1)
		require.ErrorIs(t, err, state.ErrKeyNotFound)
	})
}

func TestQueryCannotWrite(t *testing.T) {
	forEachBackend(t, func(t *testing.T, a *runtime.Adapter) {
		c := newChain(t, a, "query", router.DefaultConfig())
		app := wasmtest.NewApp()
		app.Entry(abi.Instantiate.ExportName(), 0, app.OutputValue(nil))
		app.Entry(abi.HandleQuery.ExportName(), 0,
			app.StorageSet([]byte("k"), []byte("v")),
			app.OutputValue(nil),
		)
		id := deploy(t, c, app.Bytes())

		_, err := c.Query(context.Background(), id, nil, gasLimit)
		requireTrap(t, err, runtime.ReadOnlyViolation)
	})
}

func TestUnknownApplication(t *testing.T) {
	a := newAdapter(t, runtime.KindInterpreter)
	c := newChain(t, a, "unknown", router.DefaultConfig())

	_, err := c.ExecuteOperation(context.Background(), types.Operation{
		Application: types.ApplicationID{Chain: c.ID(), Index: 9},
	}, gasLimit)
	ce, ok := router.AsCallError(err)
	require.True(t, ok, "expected a call error, got %v", err)
	require.Equal(t, router.UnknownApplication, ce.Kind)

	_, err = c.ExecuteOperation(context.Background(), types.Operation{
		Application: types.ApplicationID{Chain: types.ChainIDFromString("elsewhere")},
	}, gasLimit)
	require.ErrorIs(t, err, ErrWrongChain)
}

func TestBackendsProduceIdenticalOutcomes(t *testing.T) {
	run := func(kind string) (*Outcome, *Failure) {
		a := newAdapter(t, kind)
		c := newChain(t, a, "determinism", router.Config{MaxDepth: 2})
		peer := deploy(t, c, callbackApp())
		bank := deploy(t, c, bankApp(peer))
		out, err := c.ExecuteOperation(context.Background(), types.Operation{Application: bank}, gasLimit)
		require.NoError(t, err)

		tooDeep := chainOf(t, c, 3)
		_, err = c.ExecuteOperation(context.Background(), types.Operation{Application: tooDeep}, gasLimit)
		var f *Failure
		require.ErrorAs(t, err, &f)
		return out, f
	}

	compiled, compiledFailure := run(runtime.KindCompiler)
	interpreted, interpretedFailure := run(runtime.KindInterpreter)
	require.Equal(t, compiled, interpreted)
	require.Equal(t, compiledFailure.Trace, interpretedFailure.Trace)
	require.Equal(t, compiledFailure.GasUsed, interpretedFailure.GasUsed)
	require.Equal(t, compiledFailure.Error(), interpretedFailure.Error())
}

func TestBudgetIsMonotonic(t *testing.T) {
	forEachBackend(t, func(t *testing.T, a *runtime.Adapter) {
		c := newChain(t, a, "budget", router.DefaultConfig())
		root := chainOf(t, c, 4)

		out, err := c.ExecuteOperation(context.Background(), types.Operation{Application: root}, gasLimit)
		require.NoError(t, err)

		for i, tr := range out.Trace {
			require.GreaterOrEqual(t, tr.BudgetAtEntry, tr.BudgetAtExit)
			if i > 0 {
				require.Less(t, tr.BudgetAtEntry, out.Trace[i-1].BudgetAtEntry)
			}
		}
		require.Equal(t, uint64(gasLimit)-out.Trace[0].BudgetAtExit, out.GasUsed)
		require.Equal(t, out.GasUsed, out.Receipt.GasUsed)
	})
}

func TestOutOfBudget(t *testing.T) {
	forEachBackend(t, func(t *testing.T, a *runtime.Adapter) {
		c := newChain(t, a, "budget", router.DefaultConfig())
		root := chainOf(t, c, 2)

		_, err := c.ExecuteOperation(context.Background(), types.Operation{Application: root}, 100)
		requireTrap(t, err, runtime.OutOfBudget)
	})
}

func TestReceipts(t *testing.T) {
	a := newAdapter(t, runtime.KindInterpreter)
	c := newChain(t, a, "receipts", router.DefaultConfig())
	peer := deploy(t, c, callbackApp())
	bank := deploy(t, c, bankApp(peer))

	out, err := c.ExecuteOperation(context.Background(), types.Operation{Application: bank}, gasLimit)
	require.NoError(t, err)

	r, err := state.LoadReceiptByHash(c.Store(), out.Receipt.TxHash)
	require.NoError(t, err)
	require.Equal(t, out.Receipt, r)
	require.EqualValues(t, 3, r.Sequence)
	require.Equal(t, bank, r.Application)
	require.Equal(t, 3, r.Calls)
	require.Equal(t, 1, r.Writes, "the balance")

	// the same operation again is a different transaction
	again, err := c.ExecuteOperation(context.Background(), types.Operation{Application: bank}, gasLimit)
	require.NoError(t, err)
	require.NotEqual(t, out.Receipt.TxHash, again.Receipt.TxHash)

	all, err := state.ListReceipts(c.Store(), 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
}

func TestChainResumesSequence(t *testing.T) {
	a := newAdapter(t, runtime.KindInterpreter)
	store := state.NewMemoryKVStore()
	c, err := NewChain(Options{ID: types.ChainIDFromString("resume"), Store: store, Adapter: a, Logger: logz.Nop()})
	require.NoError(t, err)
	app := deploy(t, c, faultyApp())

	reopened, err := NewChain(Options{ID: c.ID(), Store: store, Adapter: a, Logger: logz.Nop()})
	require.NoError(t, err)
	require.Equal(t, c.Sequence(), reopened.Sequence())

	value, err := reopened.Query(context.Background(), app, nil, gasLimit)
	require.NoError(t, err)
	require.Equal(t, []byte("none"), value)
}

type failingStore struct {
	*state.MemoryKVStore
	fail bool
}

func (s *failingStore) Commit(batch *state.Batch) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.MemoryKVStore.Commit(batch)
}

func TestCommitError(t *testing.T) {
	a := newAdapter(t, runtime.KindInterpreter)
	store := &failingStore{MemoryKVStore: state.NewMemoryKVStore()}
	c, err := NewChain(Options{ID: types.ChainIDFromString("commit"), Store: store, Adapter: a, Logger: logz.Nop()})
	require.NoError(t, err)
	peer := deploy(t, c, callbackApp())
	bank := deploy(t, c, bankApp(peer))

	store.fail = true
	_, err = c.ExecuteOperation(context.Background(), types.Operation{Application: bank}, gasLimit)
	var ce *CommitError
	require.ErrorAs(t, err, &ce)
	require.EqualValues(t, 3, ce.Sequence)
	require.EqualValues(t, 2, c.Sequence())

	store.fail = false
	value, err := c.Query(context.Background(), bank, nil, gasLimit)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0}, value, "the balance was never committed")
}
