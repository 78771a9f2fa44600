package sdk

import (
	"errors"
	"fmt"

	"github.com/opendlt/accumen-appsdk/engine/abi"
	"github.com/opendlt/accumen-appsdk/types"
)

// State is the progress of one invocation through the shim.
type State uint8

const (
	Created State = iota
	Decoding
	Executing
	Encoding
	Completed
	Trapped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Decoding:
		return "decoding"
	case Executing:
		return "executing"
	case Encoding:
		return "encoding"
	case Completed:
		return "completed"
	case Trapped:
		return "trapped"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// ErrShimUsed is returned when a shim is asked to dispatch twice.
var ErrShimUsed = errors.New("shim has already dispatched an invocation")

// TrapError is the failure of an invocation inside the guest. The host sees
// it as an abort carrying Error().
type TrapError struct {
	// State is the state the shim trapped in
	State State
	Entry abi.EntryPoint
	Err   error
}

func (e *TrapError) Error() string {
	return fmt.Sprintf("%s trapped while %s: %v", e.Entry, e.State, e.Err)
}

func (e *TrapError) Unwrap() error { return e.Err }

// Shim dispatches exactly one invocation to an application.
type Shim struct {
	host  Host
	app   any
	state State
	err   error
}

// NewShim returns a shim in the Created state.
func NewShim(host Host, app any) *Shim {
	return &Shim{host: host, app: app}
}

// State returns the shim's current state
func (s *Shim) State() State { return s.state }

// Err returns the trap, once the shim is Trapped.
func (s *Shim) Err() error { return s.err }

// Dispatch decodes raw as an invocation of entry, runs the capability the
// application declares for it and returns the encoded result envelope.
// Malformed input traps; it is never retried.
func (s *Shim) Dispatch(entry abi.EntryPoint, raw []byte) ([]byte, error) {
	if s.state != Created {
		return nil, ErrShimUsed
	}

	s.state = Decoding
	inv, err := abi.DecodeInvocation(raw)
	if err != nil {
		return s.trap(entry, err)
	}
	if inv.Entry != entry {
		return s.trap(entry, &abi.DecodeError{Kind: abi.SchemaMismatch, Detail: fmt.Sprintf("invocation of %s delivered to %s", inv.Entry, entry)})
	}
	if len(inv.Payload) > 0 {
		tag, err := abi.PeekTag(inv.Payload)
		if err != nil {
			return s.trap(entry, err)
		}
		if tag != entry.ArgsTag() {
			return s.trap(entry, &abi.DecodeError{Kind: abi.SchemaMismatch, Expected: entry.ArgsTag(), Detail: fmt.Sprintf("got variant %s", tag)})
		}
	}
	if !implements(s.app, entry) {
		return s.trap(entry, fmt.Errorf("%w: %s", ErrNotImplemented, entry))
	}

	s.state = Executing
	value, msgs, err := s.execute(inv)
	if err != nil {
		return s.trap(entry, err)
	}

	s.state = Encoding
	out, err := abi.EncodeResult(abi.Result{Value: value, Messages: msgs})
	if err != nil {
		return s.trap(entry, err)
	}

	s.state = Completed
	return out, nil
}

func (s *Shim) execute(inv abi.Invocation) (value []byte, msgs []types.OutgoingMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("panic: %w", e)
			} else {
				err = fmt.Errorf("panic: %v", r)
			}
		}
	}()

	base := runtime{host: s.host, ctx: inv.Context, entry: inv.Entry}
	if inv.Entry == abi.HandleQuery {
		value, err = s.app.(QueryHandler).HandleQuery(&ServiceRuntime{runtime: base}, inv.Payload)
		return value, nil, err
	}

	rt := &ContractRuntime{runtime: base}
	switch inv.Entry {
	case abi.Instantiate:
		err = s.app.(Instantiator).Instantiate(rt, inv.Payload)
	case abi.ExecuteOperation:
		value, err = s.app.(OperationHandler).ExecuteOperation(rt, inv.Payload)
	case abi.ExecuteMessage:
		err = s.app.(MessageHandler).ExecuteMessage(rt, inv.Payload)
	case abi.HandleCall:
		value, err = s.app.(CallHandler).HandleCall(rt, inv.Payload)
	}
	if err != nil {
		return nil, nil, err
	}
	return value, rt.messages, nil
}

func (s *Shim) trap(entry abi.EntryPoint, err error) ([]byte, error) {
	s.err = &TrapError{State: s.state, Entry: entry, Err: err}
	s.state = Trapped
	return nil, s.err
}

// Run dispatches the pending invocation of entry to app. The result is
// handed to the host; a trap aborts the invocation through the host, so
// nothing the invocation did is kept.
func Run(host Host, app any, entry abi.EntryPoint) error {
	out, err := NewShim(host, app).Dispatch(entry, host.Input())
	if err != nil {
		host.Abort(err.Error())
		return err
	}
	host.SetOutput(out)
	return nil
}
