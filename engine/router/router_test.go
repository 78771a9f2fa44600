package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opendlt/accumen-appsdk/engine/abi"
	"github.com/opendlt/accumen-appsdk/engine/gas"
	"github.com/opendlt/accumen-appsdk/engine/host"
	"github.com/opendlt/accumen-appsdk/engine/runtime"
	"github.com/opendlt/accumen-appsdk/engine/state"
	"github.com/opendlt/accumen-appsdk/internal/logz"
	"github.com/opendlt/accumen-appsdk/types"
)

// script is the native stand-in for a guest application
type script func(ctx context.Context, env *host.Env, inv abi.Invocation) (abi.Result, error)

type fakeInvoker struct {
	apps map[types.ApplicationID]script
	seen []abi.Invocation
}

func (f *fakeInvoker) Exists(app types.ApplicationID) (bool, error) {
	_, ok := f.apps[app]
	return ok, nil
}

func (f *fakeInvoker) Invoke(ctx context.Context, env *host.Env, input []byte) ([]byte, error) {
	inv, err := abi.DecodeInvocation(input)
	if err != nil {
		return nil, err
	}
	f.seen = append(f.seen, inv)
	if err := env.Meter.Consume(100); err != nil {
		return nil, &runtime.TrapError{Cause: runtime.OutOfBudget, Entry: env.Entry}
	}
	res, err := f.apps[env.Application](ctx, env, inv)
	if err != nil {
		return nil, err
	}
	return abi.EncodeResult(res)
}

var chain = types.ChainIDFromString("router-test")

func appID(i uint64) types.ApplicationID {
	return types.ApplicationID{Chain: chain, Index: i}
}

type fixture struct {
	invoker *fakeInvoker
	router  *Router
	store   *state.MemoryKVStore
	txn     *state.Txn
	meter   *gas.Meter
}

func newFixture(cfg Config) *fixture {
	inv := &fakeInvoker{apps: map[types.ApplicationID]script{}}
	store := state.NewMemoryKVStore()
	return &fixture{
		invoker: inv,
		router:  New(cfg, inv, logz.Nop()),
		store:   store,
		txn:     state.NewTxn(store, 1),
		meter:   gas.NewMeter(1_000_000),
	}
}

func (f *fixture) execute(app types.ApplicationID, entry abi.EntryPoint) (*Session, *abi.Result, error) {
	s := f.router.Begin(f.txn, f.meter, chain, 7)
	res, err := s.Execute(context.Background(), Root{Application: app, Entry: entry})
	return s, res, err
}

func (f *fixture) committed(t *testing.T, app types.ApplicationID, key string) (string, bool) {
	t.Helper()
	v, found, err := f.txn.Get(append(state.AppPrefix(app), key...))
	require.NoError(t, err)
	return string(v), found
}

func call(ctx context.Context, env *host.Env, target types.ApplicationID, entry abi.EntryPoint, args []byte) ([]byte, int32) {
	v, err := env.Calls.Dispatch(ctx, env, target, entry, args, false)
	if err != nil {
		if se, ok := err.(host.StatusError); ok {
			return nil, se.Status()
		}
		panic(err)
	}
	return v, int32(len(v))
}

func TestCallbackObservesCallerWrite(t *testing.T) {
	f := newFixture(DefaultConfig())
	a, b := appID(1), appID(2)

	var observed string
	f.invoker.apps[a] = func(ctx context.Context, env *host.Env, inv abi.Invocation) (abi.Result, error) {
		if env.Caller == nil {
			require.NoError(t, env.View.Set([]byte("balance"), []byte("100")))
			v, status := call(ctx, env, b, abi.HandleCall, nil)
			require.Positive(t, status)
			return abi.Result{Value: v}, nil
		}
		v, _, err := env.View.Get([]byte("balance"))
		require.NoError(t, err)
		observed = string(v)
		return abi.Result{Value: v}, nil
	}
	f.invoker.apps[b] = func(ctx context.Context, env *host.Env, inv abi.Invocation) (abi.Result, error) {
		v, status := call(ctx, env, *env.Caller, abi.HandleQuery, nil)
		require.Positive(t, status)
		return abi.Result{Value: v}, nil
	}

	s, res, err := f.execute(a, abi.ExecuteOperation)
	require.NoError(t, err)
	require.Equal(t, "100", observed)
	require.Equal(t, []byte("100"), res.Value)

	v, found := f.committed(t, a, "balance")
	require.True(t, found)
	require.Equal(t, "100", v)

	trace := s.Trace()
	require.Len(t, trace, 3)
	require.Equal(t, []uint32{0, 1, 2}, []uint32{trace[0].Depth, trace[1].Depth, trace[2].Depth})
	require.Equal(t, b, *trace[2].Caller)
}

func TestDepthBound(t *testing.T) {
	const maxDepth = 4
	f := newFixture(Config{MaxDepth: maxDepth})
	a := appID(1)

	var deepest uint32
	var refusedAt int32
	f.invoker.apps[a] = func(ctx context.Context, env *host.Env, inv abi.Invocation) (abi.Result, error) {
		deepest = max(deepest, env.Depth)
		_, status := call(ctx, env, a, abi.HandleCall, nil)
		if status < 0 && refusedAt == 0 {
			refusedAt = status
		}
		return abi.Result{Value: []byte("x")}, nil
	}

	s, _, err := f.execute(a, abi.ExecuteOperation)
	require.NoError(t, err)
	require.EqualValues(t, maxDepth, deepest)
	require.Equal(t, abi.StatusStackOverflow, refusedAt)

	trace := s.Trace()
	refused := trace[len(trace)-1]
	require.Equal(t, StackOverflow, refused.Refused)
	require.EqualValues(t, maxDepth+1, refused.Depth)
	require.Len(t, f.invoker.seen, maxDepth+1, "the refused frame is never entered")
}

func TestTrappedCalleeIsDiscarded(t *testing.T) {
	f := newFixture(DefaultConfig())
	a, b, c := appID(1), appID(2), appID(3)

	var status int32
	f.invoker.apps[a] = func(ctx context.Context, env *host.Env, inv abi.Invocation) (abi.Result, error) {
		require.NoError(t, env.View.Set([]byte("a"), []byte("1")))
		_, status = call(ctx, env, b, abi.HandleCall, nil)
		return abi.Result{}, nil
	}
	f.invoker.apps[b] = func(ctx context.Context, env *host.Env, inv abi.Invocation) (abi.Result, error) {
		require.NoError(t, env.View.Set([]byte("b"), []byte("1")))
		// b carries on after c fails
		_, st := call(ctx, env, c, abi.HandleCall, nil)
		require.Equal(t, abi.StatusSubcallFailed, st)
		return abi.Result{Messages: []types.OutgoingMessage{{Target: a}}}, nil
	}
	f.invoker.apps[c] = func(ctx context.Context, env *host.Env, inv abi.Invocation) (abi.Result, error) {
		require.NoError(t, env.View.Set([]byte("c"), []byte("1")))
		return abi.Result{Messages: []types.OutgoingMessage{{Target: c}}}, &runtime.TrapError{Cause: runtime.Abort, Entry: env.Entry}
	}

	s, res, err := f.execute(a, abi.ExecuteOperation)
	require.NoError(t, err)
	require.Zero(t, status, "b returned an empty value")

	_, found := f.committed(t, a, "a")
	require.True(t, found)
	_, found = f.committed(t, b, "b")
	require.True(t, found)
	_, found = f.committed(t, c, "c")
	require.False(t, found)

	require.Equal(t, []types.OutgoingMessage{{Target: a}}, res.Messages)
	require.Equal(t, []Emission{{Sender: b, Message: types.OutgoingMessage{Target: a}}}, s.Emitted())
	require.Equal(t, "abort", s.Trace()[2].Trap)
}

func TestSubcallFailureCarriesCause(t *testing.T) {
	f := newFixture(DefaultConfig())
	a, b := appID(1), appID(2)

	var callErr error
	f.invoker.apps[a] = func(ctx context.Context, env *host.Env, inv abi.Invocation) (abi.Result, error) {
		_, callErr = env.Calls.Dispatch(ctx, env, b, abi.HandleCall, nil, false)
		return abi.Result{}, nil
	}
	f.invoker.apps[b] = func(ctx context.Context, env *host.Env, inv abi.Invocation) (abi.Result, error) {
		return abi.Result{}, &runtime.TrapError{Cause: runtime.OutOfBudget, Entry: env.Entry}
	}

	_, _, err := f.execute(a, abi.ExecuteOperation)
	require.NoError(t, err)

	var ce *CallError
	require.ErrorAs(t, callErr, &ce)
	require.Equal(t, SubcallFailed, ce.Kind)
	require.Equal(t, runtime.OutOfBudget, ce.Cause.Cause)
	trap, ok := runtime.IsTrap(callErr)
	require.True(t, ok)
	require.Same(t, ce.Cause, trap)
}

func TestRootTrapDiscardsEverything(t *testing.T) {
	f := newFixture(DefaultConfig())
	a, b := appID(1), appID(2)

	f.invoker.apps[a] = func(ctx context.Context, env *host.Env, inv abi.Invocation) (abi.Result, error) {
		require.NoError(t, env.View.Set([]byte("a"), []byte("1")))
		call(ctx, env, b, abi.HandleCall, nil)
		return abi.Result{}, &runtime.TrapError{Cause: runtime.Unreachable, Entry: env.Entry}
	}
	f.invoker.apps[b] = func(ctx context.Context, env *host.Env, inv abi.Invocation) (abi.Result, error) {
		require.NoError(t, env.View.Set([]byte("b"), []byte("1")))
		return abi.Result{Value: []byte("ok")}, nil
	}

	_, _, err := f.execute(a, abi.ExecuteOperation)
	trap, ok := runtime.IsTrap(err)
	require.True(t, ok)
	require.Equal(t, runtime.Unreachable, trap.Cause)
	require.Zero(t, f.txn.Pending())
}

func TestReentrancyPolicies(t *testing.T) {
	a, b := appID(1), appID(2)

	run := func(policy Policy) (direct, indirect int32) {
		f := newFixture(Config{MaxDepth: 8, Reentrancy: policy})
		f.invoker.apps[a] = func(ctx context.Context, env *host.Env, inv abi.Invocation) (abi.Result, error) {
			if env.Depth == 0 {
				_, direct = call(ctx, env, a, abi.HandleQuery, nil)
				_, indirect = call(ctx, env, b, abi.HandleCall, nil)
			}
			return abi.Result{Value: []byte("a")}, nil
		}
		f.invoker.apps[b] = func(ctx context.Context, env *host.Env, inv abi.Invocation) (abi.Result, error) {
			v, status := call(ctx, env, a, abi.HandleQuery, nil)
			if status < 0 {
				return abi.Result{}, &runtime.TrapError{Cause: runtime.Abort, Message: "callback refused"}
			}
			return abi.Result{Value: v}, nil
		}
		_, _, err := f.execute(a, abi.ExecuteOperation)
		require.NoError(t, err)
		return direct, indirect
	}

	direct, indirect := run(ReentrancyAllow)
	require.Positive(t, direct)
	require.Positive(t, indirect)

	direct, indirect = run(ReentrancyDenyDirect)
	require.Equal(t, abi.StatusReentrancy, direct)
	require.Positive(t, indirect)

	direct, indirect = run(ReentrancyDeny)
	require.Equal(t, abi.StatusReentrancy, direct)
	require.Equal(t, abi.StatusSubcallFailed, indirect)
}

func TestCallPermissions(t *testing.T) {
	f := newFixture(DefaultConfig())
	a, b := appID(1), appID(2)

	var statuses []int32
	f.invoker.apps[a] = func(ctx context.Context, env *host.Env, inv abi.Invocation) (abi.Result, error) {
		for _, entry := range []abi.EntryPoint{abi.Instantiate, abi.ExecuteOperation, abi.HandleCall, abi.HandleQuery} {
			_, st := call(ctx, env, b, entry, nil)
			statuses = append(statuses, st)
		}
		return abi.Result{}, nil
	}
	f.invoker.apps[b] = func(ctx context.Context, env *host.Env, inv abi.Invocation) (abi.Result, error) {
		return abi.Result{Value: []byte("b")}, nil
	}

	// a query frame may only query
	_, _, err := f.execute(a, abi.HandleQuery)
	require.NoError(t, err)
	require.Equal(t, []int32{abi.StatusNotPermitted, abi.StatusNotPermitted, abi.StatusNotPermitted, 1}, statuses)

	statuses = nil
	_, _, err = f.execute(a, abi.ExecuteOperation)
	require.NoError(t, err)
	require.Equal(t, []int32{abi.StatusNotPermitted, abi.StatusNotPermitted, 1, 1}, statuses)
}

func TestQueryCannotWriteOrSend(t *testing.T) {
	f := newFixture(DefaultConfig())
	a, b := appID(1), appID(2)

	var setErr error
	var status int32
	f.invoker.apps[a] = func(ctx context.Context, env *host.Env, inv abi.Invocation) (abi.Result, error) {
		_, status = call(ctx, env, b, abi.HandleQuery, nil)
		return abi.Result{}, nil
	}
	f.invoker.apps[b] = func(ctx context.Context, env *host.Env, inv abi.Invocation) (abi.Result, error) {
		setErr = env.View.Set([]byte("k"), []byte("v"))
		return abi.Result{Messages: []types.OutgoingMessage{{Target: a}}}, nil
	}

	_, res, err := f.execute(a, abi.ExecuteOperation)
	require.NoError(t, err)
	require.ErrorIs(t, setErr, state.ErrReadOnly)
	require.Equal(t, abi.StatusSubcallFailed, status)
	require.Empty(t, res.Messages)
}

func TestUnknownApplication(t *testing.T) {
	f := newFixture(DefaultConfig())
	a := appID(1)

	_, _, err := f.execute(a, abi.ExecuteOperation)
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, UnknownApplication, ce.Kind)

	var status int32
	f.invoker.apps[a] = func(ctx context.Context, env *host.Env, inv abi.Invocation) (abi.Result, error) {
		_, status = call(ctx, env, appID(99), abi.HandleCall, nil)
		return abi.Result{}, nil
	}
	_, _, err = f.execute(a, abi.ExecuteOperation)
	require.NoError(t, err)
	require.Equal(t, abi.StatusUnknownApplication, status)
}

func TestSignerForwarding(t *testing.T) {
	f := newFixture(DefaultConfig())
	a, b := appID(1), appID(2)
	signer := types.OwnerFromPublicKey([]byte("alice"))

	var signers []*types.Owner
	f.invoker.apps[a] = func(ctx context.Context, env *host.Env, inv abi.Invocation) (abi.Result, error) {
		require.Equal(t, &signer, inv.Context.Signer)
		_, err := env.Calls.Dispatch(ctx, env, b, abi.HandleCall, nil, true)
		require.NoError(t, err)
		_, err = env.Calls.Dispatch(ctx, env, b, abi.HandleCall, nil, false)
		require.NoError(t, err)
		return abi.Result{}, nil
	}
	f.invoker.apps[b] = func(ctx context.Context, env *host.Env, inv abi.Invocation) (abi.Result, error) {
		signers = append(signers, inv.Context.Signer)
		return abi.Result{}, nil
	}

	s := f.router.Begin(f.txn, f.meter, chain, 1)
	_, err := s.Execute(context.Background(), Root{Application: a, Entry: abi.ExecuteOperation, Signer: &signer})
	require.NoError(t, err)
	require.Equal(t, []*types.Owner{&signer, nil}, signers)
}

func TestBudgetIsMonotonic(t *testing.T) {
	f := newFixture(Config{MaxDepth: 6})
	a, b := appID(1), appID(2)

	f.invoker.apps[a] = func(ctx context.Context, env *host.Env, inv abi.Invocation) (abi.Result, error) {
		if env.Depth < 5 {
			call(ctx, env, b, abi.HandleCall, nil)
		}
		return abi.Result{}, nil
	}
	f.invoker.apps[b] = func(ctx context.Context, env *host.Env, inv abi.Invocation) (abi.Result, error) {
		call(ctx, env, a, abi.HandleCall, nil)
		return abi.Result{}, nil
	}

	s, _, err := f.execute(a, abi.ExecuteOperation)
	require.NoError(t, err)

	// callers are entered before callees, so entry budgets never increase
	trace := s.Trace()
	for i, tr := range trace {
		require.LessOrEqual(t, tr.BudgetAtExit, tr.BudgetAtEntry)
		if i > 0 {
			require.LessOrEqual(t, tr.BudgetAtEntry, trace[i-1].BudgetAtEntry)
		}
	}
	for i := 1; i < len(f.invoker.seen); i++ {
		require.Less(t, f.invoker.seen[i].Context.Budget, f.invoker.seen[i-1].Context.Budget)
	}
}
