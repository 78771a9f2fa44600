package abi

// Signature is the typed form of one entry point. Host and guest both encode
// through the same Signature value, so the argument and result wire forms can
// never drift apart.
type Signature[A, R any] struct {
	Entry EntryPoint
}

// NewSignature returns the signature of entry.
func NewSignature[A, R any](entry EntryPoint) Signature[A, R] {
	return Signature[A, R]{Entry: entry}
}

func (s Signature[A, R]) EncodeArgs(args A) ([]byte, error) {
	return Marshal(s.Entry.ArgsTag(), args)
}

func (s Signature[A, R]) DecodeArgs(data []byte) (A, error) {
	var args A
	if err := Unmarshal(s.Entry.ArgsTag(), data, &args); err != nil {
		var zero A
		return zero, err
	}
	return args, nil
}

func (s Signature[A, R]) EncodeResult(res R) ([]byte, error) {
	return Marshal(s.Entry.ResultTag(), res)
}

func (s Signature[A, R]) DecodeResult(data []byte) (R, error) {
	var res R
	if err := Unmarshal(s.Entry.ResultTag(), data, &res); err != nil {
		var zero R
		return zero, err
	}
	return res, nil
}

// Unit is the argument or result of an entry point that carries no value.
type Unit struct{}
