// Package exec executes transactions against the state of one chain. A Chain
// serializes its transactions, runs each one as a call tree through the
// router and commits the tree's writes, its receipt and its outbox as one
// atomic batch.
package exec

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/opendlt/accumen-appsdk/engine/abi"
	"github.com/opendlt/accumen-appsdk/engine/gas"
	"github.com/opendlt/accumen-appsdk/engine/host"
	"github.com/opendlt/accumen-appsdk/engine/router"
	"github.com/opendlt/accumen-appsdk/engine/runtime"
	"github.com/opendlt/accumen-appsdk/engine/state"
	"github.com/opendlt/accumen-appsdk/engine/state/apps"
	"github.com/opendlt/accumen-appsdk/internal/logz"
	"github.com/opendlt/accumen-appsdk/internal/metrics"
	"github.com/opendlt/accumen-appsdk/types"
)

var (
	// ErrMessageOutOfOrder is returned for an incoming message whose index is
	// not the next one expected from its sender.
	ErrMessageOutOfOrder = errors.New("message out of order")
	// ErrWrongChain is returned for a transaction addressed to another chain.
	ErrWrongChain = errors.New("transaction addressed to another chain")
)

// Options configures a Chain
type Options struct {
	ID       types.ChainID
	Store    state.KVStore
	Adapter  *runtime.Adapter
	Router   router.Config
	Schedule *gas.Schedule
	Logger   *logz.Logger
}

// Outcome is the result of a committed transaction.
type Outcome struct {
	Value []byte
	// Messages are the messages of the whole call tree in emission order
	Messages []types.OutgoingMessage
	// Outbox holds Messages as their destinations will receive them
	Outbox  []types.IncomingMessage
	Trace   []router.Trace
	GasUsed uint64
	Commit  state.CommitToken
	Receipt *state.Receipt
}

// Failure is returned when a transaction's root frame traps or is refused.
// Nothing of the transaction has been committed.
type Failure struct {
	Err     error
	Trace   []router.Trace
	GasUsed uint64
}

func (f *Failure) Error() string { return f.Err.Error() }

func (f *Failure) Unwrap() error { return f.Err }

// CommitError is returned when the store rejects a transaction's batch. The
// transaction's effects have been discarded.
type CommitError struct {
	Sequence uint64
	Err      error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("failed to commit transaction %d: %v", e.Sequence, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// Chain executes the transactions of one chain. Transactions are serialized;
// queries run concurrently with each other over committed state. Chains that
// share an Adapter run in parallel.
type Chain struct {
	mu       sync.RWMutex
	id       types.ChainID
	store    state.KVStore
	adapter  *runtime.Adapter
	cfg      router.Config
	schedule *gas.Schedule
	logger   *logz.Logger
	seq      uint64
}

// NewChain opens a chain over opts.Store, resuming after the last committed
// transaction.
func NewChain(opts Options) (*Chain, error) {
	if opts.Store == nil {
		return nil, errors.New("chain requires a store")
	}
	if opts.Adapter == nil {
		return nil, errors.New("chain requires a runtime adapter")
	}
	if opts.Router.MaxDepth == 0 {
		opts.Router = router.DefaultConfig()
	}
	if opts.Schedule == nil {
		opts.Schedule = gas.DefaultSchedule()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logz.Default()
	}

	seq, err := state.LoadSequence(opts.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to load chain sequence: %w", err)
	}

	return &Chain{
		id:       opts.ID,
		store:    opts.Store,
		adapter:  opts.Adapter,
		cfg:      opts.Router,
		schedule: opts.Schedule,
		logger:   logger.WithPrefix("exec").With("chain", opts.ID.String()[:8]),
		seq:      seq,
	}, nil
}

// ID returns the chain's identity
func (c *Chain) ID() types.ChainID { return c.id }

// Store returns the chain's durable store
func (c *Chain) Store() state.KVStore { return c.store }

// Sequence returns the sequence of the last committed transaction.
func (c *Chain) Sequence() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seq
}

// Describe returns the committed description of app.
func (c *Chain) Describe(app types.ApplicationID) (*apps.Description, error) {
	return apps.Describe(apps.Committed(c.store), app)
}

// Applications lists the applications deployed on the chain.
func (c *Chain) Applications() ([]*apps.Description, error) {
	return apps.List(c.store, c.id)
}

// CreateApplication validates and stores bytecode, allocates a new
// ApplicationID for it and runs its Instantiate entry point with initArgs.
// The application exists only if instantiation succeeds.
func (c *Chain) CreateApplication(ctx context.Context, bytecode, initArgs []byte, signer *types.Owner, gasLimit uint64) (types.ApplicationID, *Outcome, error) {
	m, err := c.adapter.Load(ctx, bytecode)
	if err != nil {
		return types.ApplicationID{}, nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.seq + 1
	txn := state.NewTxn(c.store, seq)

	hash, err := apps.SaveCode(txn, bytecode)
	if err != nil {
		txn.Discard()
		return types.ApplicationID{}, nil, err
	}
	id, err := apps.Allocate(txn, c.id, hash)
	if err != nil {
		txn.Discard()
		return types.ApplicationID{}, nil, err
	}
	err = apps.Register(txn, &apps.Description{
		ID:        id,
		Creator:   signer,
		AppSchema: m.AppSchema,
		CreatedAt: seq,
		Size:      m.Size,
	})
	if err != nil {
		txn.Discard()
		return types.ApplicationID{}, nil, err
	}

	txHash := hashTx(seq, abi.TagInitArgs, struct {
		Bytecode [32]byte     `cbor:"1,keyasint"`
		Args     []byte       `cbor:"2,keyasint"`
		Signer   *types.Owner `cbor:"3,keyasint,omitempty"`
	}{hash, initArgs, signer})

	out, err := c.execute(ctx, txn, txHash, router.Root{
		Application: id,
		Entry:       abi.Instantiate,
		Payload:     initArgs,
		Signer:      signer,
	}, gasLimit)
	if err != nil {
		return types.ApplicationID{}, nil, err
	}
	c.logger.Info("Created application %s", id.Short())
	return id, out, nil
}

// ExecuteOperation runs op against its application.
func (c *Chain) ExecuteOperation(ctx context.Context, op types.Operation, gasLimit uint64) (*Outcome, error) {
	if op.Application.Chain != c.id {
		return nil, fmt.Errorf("%w: %s", ErrWrongChain, op.Application)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.seq + 1
	txn := state.NewTxn(c.store, seq)
	return c.execute(ctx, txn, hashTx(seq, abi.TagOperation, op), router.Root{
		Application: op.Application,
		Entry:       abi.ExecuteOperation,
		Payload:     op.Payload,
		Signer:      op.Signer,
	}, gasLimit)
}

// ExecuteMessage delivers msg to its target. Messages from one sender to one
// target are accepted strictly in index order; the inbox cursor advances only
// when the message's transaction commits.
func (c *Chain) ExecuteMessage(ctx context.Context, msg types.IncomingMessage, gasLimit uint64) (*Outcome, error) {
	if msg.Target.Chain != c.id {
		return nil, fmt.Errorf("%w: %s", ErrWrongChain, msg.Target)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.seq + 1
	txn := state.NewTxn(c.store, seq)

	cursor := state.InboxKey(msg.Target, msg.Sender)
	raw, _, err := txn.Get(cursor)
	if err != nil {
		txn.Discard()
		return nil, fmt.Errorf("failed to read inbox of %s: %w", msg.Target.Short(), err)
	}
	if next := state.DecodeU64(raw); msg.Index != next {
		txn.Discard()
		return nil, fmt.Errorf("%w: index %d from %s, expected %d", ErrMessageOutOfOrder, msg.Index, msg.Sender.Short(), next)
	}
	if err := txn.Set(cursor, state.EncodeU64(msg.Index+1)); err != nil {
		txn.Discard()
		return nil, err
	}

	return c.execute(ctx, txn, hashTx(seq, abi.TagMessage, msg), router.Root{
		Application: msg.Target,
		Entry:       abi.ExecuteMessage,
		Payload:     msg.Payload,
		Signer:      msg.Signer,
		Message:     &abi.MessageInfo{Origin: msg.Origin, Sender: msg.Sender, Index: msg.Index},
	}, gasLimit)
}

// Query runs app's HandleQuery entry point over committed state. Nothing it
// does is ever committed.
func (c *Chain) Query(ctx context.Context, app types.ApplicationID, query []byte, gasLimit uint64) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	txn := state.NewTxn(c.store, c.seq)
	defer txn.Discard()

	meter := gas.NewMeterWithSchedule(gasLimit, c.schedule)
	sess := router.New(c.cfg, &invoker{chain: c, code: txn}, c.logger).Begin(txn, meter, c.id, c.seq)
	res, err := sess.Execute(ctx, router.Root{Application: app, Entry: abi.HandleQuery, Payload: query})
	if err != nil {
		return nil, &Failure{Err: err, Trace: sess.Trace(), GasUsed: meter.Consumed()}
	}
	return res.Value, nil
}

// execute runs root over txn and commits. txn is always closed on return.
// The caller holds c.mu.
func (c *Chain) execute(ctx context.Context, txn *state.Txn, txHash [32]byte, root router.Root, gasLimit uint64) (*Outcome, error) {
	seq := c.seq + 1
	meter := gas.NewMeterWithSchedule(gasLimit, c.schedule)
	sess := router.New(c.cfg, &invoker{chain: c, code: txn}, c.logger).Begin(txn, meter, c.id, seq)

	res, err := sess.Execute(ctx, root)
	if err != nil {
		txn.Discard()
		metrics.RecordCommit(false, meter.Consumed())
		c.logger.Debug("Transaction %d on %s failed: %v", seq, root.Application.Short(), err)
		return nil, &Failure{Err: err, Trace: sess.Trace(), GasUsed: meter.Consumed()}
	}

	outbox, err := c.stageOutbox(txn, sess.Emitted())
	if err != nil {
		txn.Discard()
		return nil, err
	}

	applied := txn.Token()
	receipt := &state.Receipt{
		Sequence:    seq,
		TxHash:      txHash,
		Application: root.Application,
		Entry:       root.Entry.String(),
		GasUsed:     meter.Consumed(),
		Writes:      applied.Writes,
		Digest:      applied.Digest,
		Messages:    len(res.Messages),
		Calls:       len(sess.Trace()),
	}
	if err := state.StoreReceipt(txn, receipt); err != nil {
		txn.Discard()
		return nil, err
	}

	token, err := txn.Commit()
	if err != nil {
		metrics.RecordCommit(false, meter.Consumed())
		c.logger.Error("Failed to commit transaction %d: %v", seq, err)
		return nil, &CommitError{Sequence: seq, Err: err}
	}
	c.seq = seq
	metrics.RecordCommit(true, meter.Consumed())
	c.logger.Debug("Committed transaction %d: %s.%s, gas %d, %d writes", seq, root.Application.Short(), root.Entry, meter.Consumed(), token.Writes)

	return &Outcome{
		Value:    res.Value,
		Messages: res.Messages,
		Outbox:   outbox,
		Trace:    sess.Trace(),
		GasUsed:  meter.Consumed(),
		Commit:   token,
		Receipt:  receipt,
	}, nil
}

// stageOutbox assigns every emitted message its per sender and target index
// and advances the outbox counters in txn. Authenticated messages carry the
// signer of the frame that sent them.
func (c *Chain) stageOutbox(txn *state.Txn, emitted []router.Emission) ([]types.IncomingMessage, error) {
	if len(emitted) == 0 {
		return nil, nil
	}

	out := make([]types.IncomingMessage, 0, len(emitted))
	for _, e := range emitted {
		key := state.OutboxKey(e.Sender, e.Message.Target)
		raw, _, err := txn.Get(key)
		if err != nil {
			return nil, fmt.Errorf("failed to read outbox of %s: %w", e.Sender.Short(), err)
		}
		index := state.DecodeU64(raw)
		if err := txn.Set(key, state.EncodeU64(index+1)); err != nil {
			return nil, err
		}

		in := types.IncomingMessage{
			Origin:  c.id,
			Sender:  e.Sender,
			Target:  e.Message.Target,
			Index:   index,
			Payload: e.Message.Payload,
		}
		if e.Message.Authenticated {
			in.Signer = e.Signer
		}
		out = append(out, in)
	}
	return out, nil
}

// hashTx identifies a transaction by its sequence and encoded content.
func hashTx(seq uint64, tag abi.Tag, v any) [32]byte {
	h := sha256.New()
	_ = binary.Write(h, binary.BigEndian, seq)
	h.Write(abi.MustMarshal(tag, v))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// invoker runs application code for the router. code is the layer the
// transaction reads the registry through, so applications created by the
// transaction are visible to it.
type invoker struct {
	chain *Chain
	code  apps.Reader
}

func (i *invoker) Exists(app types.ApplicationID) (bool, error) {
	if app.Chain != i.chain.id {
		return false, nil
	}
	_, err := apps.Describe(i.code, app)
	if errors.Is(err, apps.ErrUnknownApplication) {
		return false, nil
	}
	return err == nil, err
}

func (i *invoker) Invoke(ctx context.Context, env *host.Env, input []byte) ([]byte, error) {
	adapter := i.chain.adapter

	m, ok := adapter.Lookup(env.Application.Bytecode)
	if !ok {
		code, err := apps.LoadCode(i.code, env.Application.Bytecode)
		if err != nil {
			return nil, &runtime.TrapError{Cause: runtime.HostFault, Entry: env.Entry, Message: err.Error()}
		}
		m, err = adapter.Load(ctx, code)
		if err != nil {
			return nil, &runtime.TrapError{Cause: runtime.HostFault, Entry: env.Entry, Message: err.Error()}
		}
	}

	inst, err := adapter.Instantiate(ctx, m, env)
	if err != nil {
		var f *host.Fault
		if errors.As(err, &f) {
			return nil, &runtime.TrapError{Cause: f.Cause, Entry: env.Entry, Message: f.Message}
		}
		return nil, &runtime.TrapError{Cause: runtime.HostFault, Entry: env.Entry, Message: err.Error()}
	}
	defer func() { _ = inst.Close(ctx) }()

	return adapter.Call(ctx, inst, env.Entry, input)
}
