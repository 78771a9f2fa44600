package sdk

import (
	"errors"

	"github.com/opendlt/accumen-appsdk/engine/abi"
)

// ErrNotImplemented is the trap of an invocation of a capability the
// application does not declare.
var ErrNotImplemented = errors.New("entry point not implemented")

// Instantiator runs once, when the application is created.
type Instantiator interface {
	Instantiate(rt *ContractRuntime, args []byte) error
}

// OperationHandler executes operations submitted to the chain.
type OperationHandler interface {
	ExecuteOperation(rt *ContractRuntime, op []byte) ([]byte, error)
}

// MessageHandler executes messages delivered by other applications.
type MessageHandler interface {
	ExecuteMessage(rt *ContractRuntime, msg []byte) error
}

// CallHandler serves synchronous calls from other applications.
type CallHandler interface {
	HandleCall(rt *ContractRuntime, args []byte) ([]byte, error)
}

// QueryHandler answers read-only queries. It is the service role of an
// application.
type QueryHandler interface {
	HandleQuery(rt *ServiceRuntime, query []byte) ([]byte, error)
}

// Capabilities lists the entry points app implements.
func Capabilities(app any) []abi.EntryPoint {
	var out []abi.EntryPoint
	for _, e := range abi.Entries {
		if implements(app, e) {
			out = append(out, e)
		}
	}
	return out
}

func implements(app any, entry abi.EntryPoint) bool {
	var ok bool
	switch entry {
	case abi.Instantiate:
		_, ok = app.(Instantiator)
	case abi.ExecuteOperation:
		_, ok = app.(OperationHandler)
	case abi.ExecuteMessage:
		_, ok = app.(MessageHandler)
	case abi.HandleCall:
		_, ok = app.(CallHandler)
	case abi.HandleQuery:
		_, ok = app.(QueryHandler)
	}
	return ok
}
