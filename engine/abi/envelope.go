package abi

import "github.com/opendlt/accumen-appsdk/types"

// Context is the execution context handed to every invocation.
type Context struct {
	Chain       types.ChainID        `cbor:"1,keyasint"`
	Application types.ApplicationID  `cbor:"2,keyasint"`
	Caller      *types.ApplicationID `cbor:"3,keyasint,omitempty"`
	Signer      *types.Owner         `cbor:"4,keyasint,omitempty"`
	Depth       uint32               `cbor:"5,keyasint"`
	Budget      uint64               `cbor:"6,keyasint"`
	Height      uint64               `cbor:"7,keyasint"`
	Message     *MessageInfo         `cbor:"8,keyasint,omitempty"`
}

// MessageInfo describes the message being executed by ExecuteMessage.
type MessageInfo struct {
	Origin types.ChainID       `cbor:"1,keyasint"`
	Sender types.ApplicationID `cbor:"2,keyasint"`
	Index  uint64              `cbor:"3,keyasint"`
}

// Invocation is the input envelope the host places in guest memory.
type Invocation struct {
	Context Context    `cbor:"1,keyasint"`
	Entry   EntryPoint `cbor:"2,keyasint"`
	Payload []byte     `cbor:"3,keyasint"`
}

// Result is the output envelope the guest writes back.
type Result struct {
	Value    []byte                  `cbor:"1,keyasint,omitempty"`
	Messages []types.OutgoingMessage `cbor:"2,keyasint,omitempty"`
}

// EncodeInvocation wraps inv in its envelope.
func EncodeInvocation(inv Invocation) ([]byte, error) {
	return Marshal(TagInvocation, inv)
}

// DecodeInvocation unwraps an invocation envelope.
func DecodeInvocation(data []byte) (Invocation, error) {
	var inv Invocation
	if err := Unmarshal(TagInvocation, data, &inv); err != nil {
		return Invocation{}, err
	}
	if !inv.Entry.Valid() {
		return Invocation{}, &DecodeError{Kind: SchemaMismatch, Expected: TagInvocation, Detail: inv.Entry.String()}
	}
	return inv, nil
}

// EncodeResult wraps res in its envelope.
func EncodeResult(res Result) ([]byte, error) {
	return Marshal(TagResult, res)
}

// DecodeResult unwraps a result envelope.
func DecodeResult(data []byte) (Result, error) {
	var res Result
	if err := Unmarshal(TagResult, data, &res); err != nil {
		return Result{}, err
	}
	return res, nil
}
