// Package sdktest runs sdk applications natively against an in-memory host,
// so application logic can be unit tested without a sandbox.
package sdktest

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/opendlt/accumen-appsdk/engine/abi"
	"github.com/opendlt/accumen-appsdk/sdk"
	"github.com/opendlt/accumen-appsdk/types"
)

// ErrOutOfBudget is the abort of an invocation that exhausts its budget.
var ErrOutOfBudget = errors.New("out of budget")

// AbortError is returned for an invocation that aborted.
type AbortError struct {
	Message string
}

func (e *AbortError) Error() string { return "abort: " + e.Message }

// Callee stands in for another application. It returns the callee's result
// value or a negative status.
type Callee func(entry abi.EntryPoint, args []byte, ctx abi.Context) ([]byte, int32)

// LogLine is one line logged by the application
type LogLine struct {
	Level   sdk.LogLevel
	Message string
}

// Host is an in-memory sdk.Host for one application. Storage writes of an
// invocation are kept only if it completes.
type Host struct {
	Context abi.Context
	// Budget is the budget of each invocation
	Budget  uint64
	Callees map[types.ApplicationID]Callee
	Logs    []LogLine

	store   map[string][]byte
	staged  map[string][]byte
	deleted map[string]bool

	entry     abi.EntryPoint
	input     []byte
	output    []byte
	hasOutput bool
	remaining uint64
}

// New returns a host running app on a chain named after it.
func New(app types.ApplicationID) *Host {
	return &Host{
		Context: abi.Context{Chain: app.Chain, Application: app},
		Budget:  10_000_000,
		Callees: map[types.ApplicationID]Callee{},
		store:   map[string][]byte{},
	}
}

// Invoke runs entry of app with payload and returns its decoded result.
func (h *Host) Invoke(app any, entry abi.EntryPoint, payload []byte) (res abi.Result, err error) {
	ctx := h.Context
	ctx.Budget = h.Budget
	input, err := abi.EncodeInvocation(abi.Invocation{Context: ctx, Entry: entry, Payload: payload})
	if err != nil {
		return abi.Result{}, err
	}

	h.entry = entry
	h.input = input
	h.output, h.hasOutput = nil, false
	h.remaining = h.Budget
	h.staged = map[string][]byte{}
	h.deleted = map[string]bool{}

	defer func() {
		if r := recover(); r != nil {
			ae, ok := r.(*AbortError)
			if !ok {
				panic(r)
			}
			err = ae
		}
		h.staged, h.deleted = nil, nil
	}()

	if err := sdk.Run(h, app, entry); err != nil {
		return abi.Result{}, err
	}
	if !h.hasOutput {
		return abi.Result{}, errors.New("invocation wrote no output")
	}

	for k := range h.deleted {
		delete(h.store, k)
	}
	for k, v := range h.staged {
		h.store[k] = v
	}
	return abi.DecodeResult(h.output)
}

// Used returns the budget the last invocation consumed.
func (h *Host) Used() uint64 {
	return h.Budget - h.remaining
}

// Keys returns the committed storage keys in order.
func (h *Host) Keys() []string {
	keys := make([]string, 0, len(h.store))
	for k := range h.store {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stored returns a committed storage value.
func (h *Host) Stored(key []byte) ([]byte, bool) {
	v, ok := h.store[string(key)]
	return bytes.Clone(v), ok
}

func (h *Host) Input() []byte { return h.input }

func (h *Host) SetOutput(out []byte) {
	h.output = bytes.Clone(out)
	h.hasOutput = true
}

func (h *Host) Get(key []byte) ([]byte, bool) {
	k := string(key)
	if h.deleted[k] {
		return nil, false
	}
	if v, ok := h.staged[k]; ok {
		return bytes.Clone(v), true
	}
	v, ok := h.store[k]
	return bytes.Clone(v), ok
}

func (h *Host) Set(key, value []byte) {
	h.writable()
	k := string(key)
	delete(h.deleted, k)
	h.staged[k] = bytes.Clone(value)
}

func (h *Host) Delete(key []byte) {
	h.writable()
	k := string(key)
	delete(h.staged, k)
	h.deleted[k] = true
}

func (h *Host) writable() {
	if h.entry.ReadOnly() {
		h.Abort(fmt.Sprintf("storage write in %s", h.entry))
	}
}

func (h *Host) Call(target types.ApplicationID, entry abi.EntryPoint, args []byte, flags int32) ([]byte, int32) {
	callee, ok := h.Callees[target]
	if !ok {
		return nil, abi.StatusUnknownApplication
	}
	if h.entry.ReadOnly() && entry != abi.HandleQuery {
		return nil, abi.StatusNotPermitted
	}

	ctx := abi.Context{
		Chain:       h.Context.Chain,
		Application: target,
		Caller:      &h.Context.Application,
		Depth:       h.Context.Depth + 1,
		Budget:      h.remaining,
		Height:      h.Context.Height,
	}
	if flags&abi.CallForwardSigner != 0 {
		ctx.Signer = h.Context.Signer
	}
	return callee(entry, args, ctx)
}

func (h *Host) Log(level int32, msg string) {
	h.Logs = append(h.Logs, LogLine{Level: sdk.LogLevel(level), Message: msg})
}

func (h *Host) ConsumeGas(amount uint64) {
	if amount > h.remaining {
		h.remaining = 0
		h.Abort(ErrOutOfBudget.Error())
	}
	h.remaining -= amount
}

func (h *Host) GasRemaining() uint64 { return h.remaining }

func (h *Host) Abort(msg string) {
	panic(&AbortError{Message: msg})
}

// Operate runs a typed operation.
func Operate[Op, R any](h *Host, app any, op Op) (R, []types.OutgoingMessage, error) {
	var zero R
	sig := abi.NewSignature[Op, R](abi.ExecuteOperation)
	raw, err := sig.EncodeArgs(op)
	if err != nil {
		return zero, nil, err
	}
	res, err := h.Invoke(app, abi.ExecuteOperation, raw)
	if err != nil {
		return zero, nil, err
	}
	out, err := sig.DecodeResult(res.Value)
	return out, res.Messages, err
}

// Query runs a typed query.
func Query[Q, R any](h *Host, app any, q Q) (R, error) {
	var zero R
	sig := abi.NewSignature[Q, R](abi.HandleQuery)
	raw, err := sig.EncodeArgs(q)
	if err != nil {
		return zero, err
	}
	res, err := h.Invoke(app, abi.HandleQuery, raw)
	if err != nil {
		return zero, err
	}
	return sig.DecodeResult(res.Value)
}

// Deliver runs a typed message from sender.
func Deliver[M any](h *Host, app any, sender types.ApplicationID, index uint64, msg M) ([]types.OutgoingMessage, error) {
	raw, err := sdk.EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	saved := h.Context.Message
	h.Context.Message = &abi.MessageInfo{Origin: sender.Chain, Sender: sender, Index: index}
	defer func() { h.Context.Message = saved }()

	res, err := h.Invoke(app, abi.ExecuteMessage, raw)
	if err != nil {
		return nil, err
	}
	return res.Messages, nil
}
