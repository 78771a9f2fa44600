// Package router runs the call tree of one transaction. It keeps an explicit
// stack of call frames, enforces the depth bound and reentrancy policy before
// a callee is entered, layers each callee's storage view on its caller's and
// folds the callee's effects into the caller only when it succeeds.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/opendlt/accumen-appsdk/engine/abi"
	"github.com/opendlt/accumen-appsdk/engine/gas"
	"github.com/opendlt/accumen-appsdk/engine/host"
	"github.com/opendlt/accumen-appsdk/engine/runtime"
	"github.com/opendlt/accumen-appsdk/engine/state"
	"github.com/opendlt/accumen-appsdk/internal/logz"
	"github.com/opendlt/accumen-appsdk/internal/metrics"
	"github.com/opendlt/accumen-appsdk/types"
)

// Policy restricts calls into applications that are already executing.
type Policy string

const (
	// ReentrancyAllow permits any reentrant call, bounded only by depth
	ReentrancyAllow Policy = "allow"
	// ReentrancyDenyDirect rejects an application calling itself
	ReentrancyDenyDirect Policy = "deny-direct"
	// ReentrancyDeny rejects calls into any application on the stack
	ReentrancyDeny Policy = "deny"
)

// ParsePolicy parses a policy name. The empty string is ReentrancyAllow.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case "":
		return ReentrancyAllow, nil
	case ReentrancyAllow, ReentrancyDenyDirect, ReentrancyDeny:
		return p, nil
	}
	return "", fmt.Errorf("unknown reentrancy policy %q", s)
}

// Config configures a Router
type Config struct {
	// MaxDepth is the deepest nested frame allowed; the root frame has
	// depth zero
	MaxDepth   uint32
	Reentrancy Policy
}

// DefaultConfig returns the default router configuration
func DefaultConfig() Config {
	return Config{MaxDepth: 16, Reentrancy: ReentrancyAllow}
}

// Invoker runs application code on behalf of the router.
type Invoker interface {
	// Exists reports whether app is deployed in the state the transaction
	// sees
	Exists(app types.ApplicationID) (bool, error)

	// Invoke runs env.Entry of env.Application with the encoded invocation
	// and returns the encoded result. A trap is returned as a
	// *runtime.TrapError.
	Invoke(ctx context.Context, env *host.Env, input []byte) ([]byte, error)
}

// Router executes call trees. It is safe for concurrent use; each
// transaction gets its own Session.
type Router struct {
	cfg     Config
	invoker Invoker
	logger  *logz.Logger
}

// New creates a router.
func New(cfg Config, invoker Invoker, logger *logz.Logger) *Router {
	if cfg.Reentrancy == "" {
		cfg.Reentrancy = ReentrancyAllow
	}
	if logger == nil {
		logger = logz.Default()
	}
	return &Router{cfg: cfg, invoker: invoker, logger: logger.WithPrefix("router")}
}

// Config returns the router's configuration
func (r *Router) Config() Config { return r.cfg }

// CallFrame is the bookkeeping of one level of the call tree.
type CallFrame struct {
	Application   types.ApplicationID
	Caller        *types.ApplicationID
	Depth         uint32
	BudgetAtEntry uint64
	Entry         abi.EntryPoint
	ReadOnly      bool

	env     *host.Env
	emitted []Emission
}

// Emission is an outgoing message together with the frame that sent it.
type Emission struct {
	Sender types.ApplicationID
	// Signer is the sending frame's authenticated signer
	Signer  *types.Owner
	Message types.OutgoingMessage
}

// Trace records one entered or refused call.
type Trace struct {
	App           types.ApplicationID  `json:"app"`
	Caller        *types.ApplicationID `json:"caller,omitempty"`
	Depth         uint32               `json:"depth"`
	Entry         abi.EntryPoint       `json:"entry"`
	BudgetAtEntry uint64               `json:"budgetAtEntry"`
	BudgetAtExit  uint64               `json:"budgetAtExit"`
	// Refused is set when the call was not entered
	Refused ErrorKind `json:"refused,omitempty"`
	// Trap is set when the callee was entered and trapped
	Trap string `json:"trap,omitempty"`
}

// String renders the entry as one line: depth, callee, entry and gas spent,
// then the refusal or trap if any.
func (t Trace) String() string {
	s := fmt.Sprintf("%s%s.%s gas=%d", strings.Repeat("  ", int(t.Depth)), t.App.Short(), t.Entry, t.BudgetAtEntry-t.BudgetAtExit)
	switch {
	case t.Refused != 0:
		s += " refused=" + t.Refused.String()
	case t.Trap != "":
		s += " trap=" + t.Trap
	}
	return s
}

// Root describes the root frame of a transaction.
type Root struct {
	Application types.ApplicationID
	Entry       abi.EntryPoint
	Payload     []byte
	Signer      *types.Owner
	Message     *abi.MessageInfo
}

// Session is the call tree of one transaction. Storage writes of the tree
// land in the session's parent layer only when the root frame succeeds.
type Session struct {
	router  *Router
	parent  state.Parent
	meter   *gas.Meter
	chain   types.ChainID
	height  uint64
	stack   []*CallFrame
	trace   []Trace
	emitted []Emission
}

// Begin starts a session whose root view is layered on parent, typically
// the transaction.
func (r *Router) Begin(parent state.Parent, meter *gas.Meter, chain types.ChainID, height uint64) *Session {
	return &Session{router: r, parent: parent, meter: meter, chain: chain, height: height}
}

// Trace returns every call entered or refused so far, in call order.
func (s *Session) Trace() []Trace { return s.trace }

// Emitted returns the messages of the committed call tree with their
// senders, in emission order. It is empty until Execute succeeds.
func (s *Session) Emitted() []Emission { return s.emitted }

// Depth returns the number of frames on the stack.
func (s *Session) Depth() int { return len(s.stack) }

// Execute runs the root frame. On success its view has been flushed into
// the session's parent and the result carries the messages of the whole
// call tree. On failure nothing has been flushed.
func (s *Session) Execute(ctx context.Context, root Root) (*abi.Result, error) {
	if len(s.stack) != 0 {
		return nil, errors.New("session already executing")
	}

	readOnly := root.Entry.ReadOnly()
	frame := &CallFrame{
		Application:   root.Application,
		Depth:         0,
		BudgetAtEntry: s.meter.Remaining(),
		Entry:         root.Entry,
		ReadOnly:      readOnly,
	}

	if err := s.checkExists(frame); err != nil {
		return nil, err
	}

	frame.env = s.newEnv(frame, state.NewView(s.parent, state.AppPrefix(root.Application), readOnly))
	frame.env.Signer = root.Signer
	frame.env.Message = root.Message

	metrics.RecordInvocation(false)
	res, err := s.run(ctx, frame, root.Payload)
	if err != nil {
		return nil, err
	}
	s.emitted = frame.emitted
	return res, nil
}

// Dispatch implements host.Dispatcher for call_application.
func (s *Session) Dispatch(ctx context.Context, caller *host.Env, target types.ApplicationID, entry abi.EntryPoint, args []byte, forwardSigner bool) ([]byte, error) {
	if len(s.stack) == 0 || s.stack[len(s.stack)-1].env != caller {
		return nil, errors.New("call from a frame that is not executing")
	}
	parent := s.stack[len(s.stack)-1]

	readOnly := parent.ReadOnly || entry.ReadOnly()
	frame := &CallFrame{
		Application:   target,
		Caller:        &parent.Application,
		Depth:         parent.Depth + 1,
		BudgetAtEntry: s.meter.Remaining(),
		Entry:         entry,
		ReadOnly:      readOnly,
	}

	if err := s.admit(parent, frame); err != nil {
		return nil, err
	}

	frame.env = s.newEnv(frame, state.NewView(parent.env.View, state.AppPrefix(target), readOnly))
	if forwardSigner {
		frame.env.Signer = parent.env.Signer
	}

	metrics.RecordInvocation(true)
	res, err := s.run(ctx, frame, args)
	if err != nil {
		if trap, ok := runtime.IsTrap(err); ok {
			return nil, &CallError{Kind: SubcallFailed, Target: target, Entry: entry, Depth: frame.Depth, Cause: trap}
		}
		return nil, err
	}

	parent.emitted = append(parent.emitted, frame.emitted...)
	return res.Value, nil
}

// admit applies the call rules in order: depth, permission, reentrancy and
// finally the existence of the target.
func (s *Session) admit(parent, frame *CallFrame) error {
	cfg := s.router.cfg

	if frame.Depth > cfg.MaxDepth {
		return s.refuse(frame, StackOverflow)
	}

	switch frame.Entry {
	case abi.HandleCall, abi.HandleQuery:
	default:
		return s.refuse(frame, NotPermitted)
	}
	if parent.ReadOnly && frame.Entry != abi.HandleQuery {
		return s.refuse(frame, NotPermitted)
	}

	switch cfg.Reentrancy {
	case ReentrancyDenyDirect:
		if frame.Application == parent.Application {
			return s.refuse(frame, Reentrancy)
		}
	case ReentrancyDeny:
		for _, f := range s.stack {
			if f.Application == frame.Application {
				return s.refuse(frame, Reentrancy)
			}
		}
	}

	return s.checkExists(frame)
}

func (s *Session) checkExists(frame *CallFrame) error {
	ok, err := s.router.invoker.Exists(frame.Application)
	if err != nil {
		return err
	}
	if !ok {
		return s.refuse(frame, UnknownApplication)
	}
	return nil
}

func (s *Session) refuse(frame *CallFrame, kind ErrorKind) error {
	metrics.RecordRefusedCall(kind.String())
	s.trace = append(s.trace, Trace{
		App:           frame.Application,
		Caller:        frame.Caller,
		Depth:         frame.Depth,
		Entry:         frame.Entry,
		BudgetAtEntry: frame.BudgetAtEntry,
		BudgetAtExit:  s.meter.Remaining(),
		Refused:       kind,
	})
	s.router.logger.Debug("Refused call to %s.%s at depth %d: %s", frame.Application.Short(), frame.Entry, frame.Depth, kind)
	return &CallError{Kind: kind, Target: frame.Application, Entry: frame.Entry, Depth: frame.Depth}
}

func (s *Session) newEnv(frame *CallFrame, view *state.View) *host.Env {
	return &host.Env{
		Chain:       s.chain,
		Application: frame.Application,
		Caller:      frame.Caller,
		Depth:       frame.Depth,
		Height:      s.height,
		Entry:       frame.Entry,
		View:        view,
		Meter:       s.meter,
		Calls:       s,
		Logger:      s.router.logger.With("app", frame.Application.Short()),
	}
}

// run pushes frame, invokes it and pops it. The frame's view is flushed into
// its parent layer on success and discarded otherwise.
func (s *Session) run(ctx context.Context, frame *CallFrame, payload []byte) (*abi.Result, error) {
	env := frame.env
	input, err := abi.EncodeInvocation(abi.Invocation{
		Context: env.Context(),
		Entry:   frame.Entry,
		Payload: payload,
	})
	if err != nil {
		env.View.Discard()
		return nil, err
	}

	s.stack = append(s.stack, frame)
	idx := len(s.trace)
	s.trace = append(s.trace, Trace{
		App:           frame.Application,
		Caller:        frame.Caller,
		Depth:         frame.Depth,
		Entry:         frame.Entry,
		BudgetAtEntry: frame.BudgetAtEntry,
	})

	out, err := s.router.invoker.Invoke(ctx, env, input)

	s.stack = s.stack[:len(s.stack)-1]
	s.trace[idx].BudgetAtExit = s.meter.Remaining()

	var res abi.Result
	if err == nil {
		res, err = abi.DecodeResult(out)
		if err != nil {
			err = &runtime.TrapError{Cause: runtime.MissingOutput, Entry: frame.Entry, Message: fmt.Sprintf("malformed result: %v", err)}
		}
	}
	if err == nil && frame.ReadOnly && len(res.Messages) > 0 {
		err = &runtime.TrapError{Cause: runtime.ReadOnlyViolation, Entry: frame.Entry, Message: "messages sent from a read-only frame"}
	}
	if err == nil {
		_, err = env.View.Flush()
		if err != nil {
			err = &runtime.TrapError{Cause: runtime.HostFault, Entry: frame.Entry, Message: err.Error()}
		}
	}
	if err != nil {
		env.View.Discard()
		if trap, ok := runtime.IsTrap(err); ok {
			s.trace[idx].Trap = trap.Cause.String()
		}
		return nil, err
	}

	for _, m := range res.Messages {
		frame.emitted = append(frame.emitted, Emission{Sender: frame.Application, Signer: env.Signer, Message: m})
	}
	res.Messages = nil
	for _, e := range frame.emitted {
		res.Messages = append(res.Messages, e.Message)
	}
	return &res, nil
}
