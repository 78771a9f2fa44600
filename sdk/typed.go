package sdk

import "github.com/opendlt/accumen-appsdk/engine/abi"

// Init adapts a typed instantiation function to Instantiator.
type Init[A any] func(rt *ContractRuntime, args A) error

func (f Init[A]) Instantiate(rt *ContractRuntime, raw []byte) error {
	args, err := decodeArgs[A, abi.Unit](abi.Instantiate, raw)
	if err != nil {
		return err
	}
	return f(rt, args)
}

// Operations adapts a typed operation handler to OperationHandler.
type Operations[Op, R any] func(rt *ContractRuntime, op Op) (R, error)

func (f Operations[Op, R]) ExecuteOperation(rt *ContractRuntime, raw []byte) ([]byte, error) {
	sig := abi.NewSignature[Op, R](abi.ExecuteOperation)
	op, err := decodeArgs[Op, R](sig.Entry, raw)
	if err != nil {
		return nil, err
	}
	res, err := f(rt, op)
	if err != nil {
		return nil, err
	}
	return sig.EncodeResult(res)
}

// Messages adapts a typed message handler to MessageHandler.
type Messages[M any] func(rt *ContractRuntime, msg M) error

func (f Messages[M]) ExecuteMessage(rt *ContractRuntime, raw []byte) error {
	msg, err := decodeArgs[M, abi.Unit](abi.ExecuteMessage, raw)
	if err != nil {
		return err
	}
	return f(rt, msg)
}

// Calls adapts a typed call handler to CallHandler.
type Calls[A, R any] func(rt *ContractRuntime, args A) (R, error)

func (f Calls[A, R]) HandleCall(rt *ContractRuntime, raw []byte) ([]byte, error) {
	sig := abi.NewSignature[A, R](abi.HandleCall)
	args, err := decodeArgs[A, R](sig.Entry, raw)
	if err != nil {
		return nil, err
	}
	res, err := f(rt, args)
	if err != nil {
		return nil, err
	}
	return sig.EncodeResult(res)
}

// Queries adapts a typed query handler to QueryHandler.
type Queries[Q, R any] func(rt *ServiceRuntime, query Q) (R, error)

func (f Queries[Q, R]) HandleQuery(rt *ServiceRuntime, raw []byte) ([]byte, error) {
	sig := abi.NewSignature[Q, R](abi.HandleQuery)
	q, err := decodeArgs[Q, R](sig.Entry, raw)
	if err != nil {
		return nil, err
	}
	res, err := f(rt, q)
	if err != nil {
		return nil, err
	}
	return sig.EncodeResult(res)
}

// decodeArgs decodes raw as the argument of entry. An empty payload decodes
// to the zero value.
func decodeArgs[A, R any](entry abi.EntryPoint, raw []byte) (A, error) {
	if len(raw) == 0 {
		var zero A
		return zero, nil
	}
	return abi.NewSignature[A, R](entry).DecodeArgs(raw)
}
