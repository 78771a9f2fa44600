package sdk

import (
	"fmt"

	"github.com/opendlt/accumen-appsdk/engine/abi"
	"github.com/opendlt/accumen-appsdk/types"
)

// LogLevel is the level of a guest log line
type LogLevel int32

const (
	LogDebug = LogLevel(abi.LogDebug)
	LogInfo  = LogLevel(abi.LogInfo)
	LogWarn  = LogLevel(abi.LogWarn)
	LogError = LogLevel(abi.LogError)
)

// runtime is the part shared by the contract and service runtimes.
type runtime struct {
	host  Host
	ctx   abi.Context
	entry abi.EntryPoint
}

func (r *runtime) Chain() types.ChainID { return r.ctx.Chain }

func (r *runtime) Application() types.ApplicationID { return r.ctx.Application }

// Caller returns the calling application, if the invocation is nested.
func (r *runtime) Caller() (types.ApplicationID, bool) {
	if r.ctx.Caller == nil {
		return types.ApplicationID{}, false
	}
	return *r.ctx.Caller, true
}

// Signer returns the authenticated signer, if any.
func (r *runtime) Signer() (types.Owner, bool) {
	if r.ctx.Signer == nil {
		return types.Owner{}, false
	}
	return *r.ctx.Signer, true
}

func (r *runtime) Height() uint64 { return r.ctx.Height }

func (r *runtime) Depth() uint32 { return r.ctx.Depth }

func (r *runtime) Entry() abi.EntryPoint { return r.entry }

// Get reads a key of the application's storage.
func (r *runtime) Get(key []byte) ([]byte, bool) {
	return r.host.Get(key)
}

func (r *runtime) GasRemaining() uint64 { return r.host.GasRemaining() }

// ConsumeGas charges amount against the budget. Exhausting it traps.
func (r *runtime) ConsumeGas(amount uint64) { r.host.ConsumeGas(amount) }

// Logf sends a line to the host log. Logging never fails the invocation.
func (r *runtime) Logf(level LogLevel, format string, args ...any) {
	r.host.Log(int32(level), fmt.Sprintf(format, args...))
}

// Query runs HandleQuery of target.
func (r *runtime) Query(target types.ApplicationID, query []byte) ([]byte, error) {
	return r.call(target, abi.HandleQuery, query, 0)
}

func (r *runtime) call(target types.ApplicationID, entry abi.EntryPoint, args []byte, flags int32) ([]byte, error) {
	value, status := r.host.Call(target, entry, args, flags)
	if status < 0 {
		return nil, &CallError{Target: target, Entry: entry, Status: status}
	}
	return value, nil
}

// ServiceRuntime is handed to query handlers. It reads storage but cannot
// write it or send messages.
type ServiceRuntime struct {
	runtime
}

// ContractRuntime is handed to every mutating entry point.
type ContractRuntime struct {
	runtime
	messages []types.OutgoingMessage
}

// Set writes a key of the application's storage. Writes become durable only
// if the whole transaction succeeds.
func (r *ContractRuntime) Set(key, value []byte) {
	r.host.Set(key, value)
}

// Delete removes a key of the application's storage.
func (r *ContractRuntime) Delete(key []byte) {
	r.host.Delete(key)
}

// Message returns the message being executed, in ExecuteMessage.
func (r *ContractRuntime) Message() (abi.MessageInfo, bool) {
	if r.ctx.Message == nil {
		return abi.MessageInfo{}, false
	}
	return *r.ctx.Message, true
}

// Call runs HandleCall of target. The signer is passed on only when
// forwardSigner is set.
func (r *ContractRuntime) Call(target types.ApplicationID, args []byte, forwardSigner bool) ([]byte, error) {
	var flags int32
	if forwardSigner {
		flags |= abi.CallForwardSigner
	}
	return r.call(target, abi.HandleCall, args, flags)
}

// Send queues a message. Messages are delivered only if the transaction
// commits.
func (r *ContractRuntime) Send(msg types.OutgoingMessage) {
	r.messages = append(r.messages, msg)
}

// Messages returns the messages queued so far
func (r *ContractRuntime) Messages() []types.OutgoingMessage {
	return r.messages
}

// Querier is implemented by both runtimes.
type Querier interface {
	Query(target types.ApplicationID, query []byte) ([]byte, error)
}

// CallTyped calls HandleCall of target through the typed signature.
func CallTyped[A, R any](rt *ContractRuntime, target types.ApplicationID, args A, forwardSigner bool) (R, error) {
	var zero R
	sig := abi.NewSignature[A, R](abi.HandleCall)
	raw, err := sig.EncodeArgs(args)
	if err != nil {
		return zero, err
	}
	out, err := rt.Call(target, raw, forwardSigner)
	if err != nil {
		return zero, err
	}
	return sig.DecodeResult(out)
}

// QueryTyped runs HandleQuery of target through the typed signature.
func QueryTyped[Q, R any](rt Querier, target types.ApplicationID, query Q) (R, error) {
	var zero R
	sig := abi.NewSignature[Q, R](abi.HandleQuery)
	raw, err := sig.EncodeArgs(query)
	if err != nil {
		return zero, err
	}
	out, err := rt.Query(target, raw)
	if err != nil {
		return zero, err
	}
	return sig.DecodeResult(out)
}

// EncodeMessage encodes msg as the payload of an outgoing message.
func EncodeMessage[M any](msg M) ([]byte, error) {
	return abi.Marshal(abi.TagMessage, msg)
}
