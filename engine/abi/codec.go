// Package abi is the binding layer shared verbatim by the host and by guest
// applications. It fixes the wire form of every value crossing the sandbox
// boundary, the typed entry point signatures and the host import table.
//
// Every envelope is laid out as
//
//	[version:1][tag:1][payload]
//
// where payload is the core deterministic CBOR encoding of the value. The
// encoding of a given value is byte-identical on every node.
package abi

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Version is the wire format version written in every envelope header.
const Version byte = 1

// HeaderSize is the number of bytes preceding the CBOR payload.
const HeaderSize = 2

// Tag identifies the variant carried by an envelope.
type Tag byte

const (
	TagInvocation Tag = iota + 1
	TagResult
	TagInitArgs
	TagOperation
	TagMessage
	TagQuery
	TagResponse
	TagCallArgs
	TagCallResult
)

var tagNames = map[Tag]string{
	TagInvocation: "invocation",
	TagResult:     "result",
	TagInitArgs:   "init-args",
	TagOperation:  "operation",
	TagMessage:    "message",
	TagQuery:      "query",
	TagResponse:   "response",
	TagCallArgs:   "call-args",
	TagCallResult: "call-result",
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tag(%d)", byte(t))
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("abi: cbor encoder: %v", err))
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("abi: cbor decoder: %v", err))
	}
}

// Marshal encodes v under the given tag.
func Marshal(tag Tag, v any) ([]byte, error) {
	payload, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", tag, err)
	}

	out := make([]byte, 0, HeaderSize+len(payload))
	out = append(out, Version, byte(tag))
	return append(out, payload...), nil
}

// MustMarshal is Marshal for values whose type is known to be encodable.
func MustMarshal(tag Tag, v any) []byte {
	out, err := Marshal(tag, v)
	if err != nil {
		panic(err)
	}
	return out
}

// Unmarshal decodes an envelope carrying the expected tag into v.
func Unmarshal(tag Tag, data []byte, v any) error {
	if len(data) < HeaderSize {
		return &DecodeError{Kind: Truncated, Expected: tag, Detail: "missing header"}
	}
	if data[0] != Version {
		return &DecodeError{Kind: SchemaMismatch, Expected: tag,
			Detail: fmt.Sprintf("wire version %d, want %d", data[0], Version)}
	}
	if Tag(data[1]) != tag {
		return &DecodeError{Kind: SchemaMismatch, Expected: tag,
			Detail: fmt.Sprintf("got variant %s", Tag(data[1]))}
	}

	if err := decMode.Unmarshal(data[HeaderSize:], v); err != nil {
		return classifyDecode(tag, err)
	}
	return nil
}

// PeekTag returns the tag of an envelope without decoding its payload.
func PeekTag(data []byte) (Tag, error) {
	if len(data) < HeaderSize {
		return 0, &DecodeError{Kind: Truncated, Detail: "missing header"}
	}
	if data[0] != Version {
		return 0, &DecodeError{Kind: SchemaMismatch, Detail: fmt.Sprintf("wire version %d", data[0])}
	}
	return Tag(data[1]), nil
}

func classifyDecode(tag Tag, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &DecodeError{Kind: Truncated, Expected: tag, Detail: err.Error(), err: err}
	}
	return &DecodeError{Kind: SchemaMismatch, Expected: tag, Detail: err.Error(), err: err}
}
