package wasmtest

const opEnd = 0x0B

// Instruction encoders. Each returns the bytes of one instruction.

func I32Const(v int32) []byte { return appendS64([]byte{0x41}, int64(v)) }
func I64Const(v int64) []byte { return appendS64([]byte{0x42}, v) }
func Call(fn uint32) []byte   { return appendU32([]byte{0x10}, fn) }
func LocalGet(i uint32) []byte {
	return appendU32([]byte{0x20}, i)
}
func LocalSet(i uint32) []byte {
	return appendU32([]byte{0x21}, i)
}
func LocalTee(i uint32) []byte {
	return appendU32([]byte{0x22}, i)
}

// I32Load loads from the address on the stack with the given static offset.
func I32Load(offset uint32) []byte {
	return appendU32([]byte{0x28, 0x02}, offset)
}

// I32Store stores the i32 on top of the stack at the address below it.
func I32Store(offset uint32) []byte {
	return appendU32([]byte{0x36, 0x02}, offset)
}

// Br branches to the enclosing block at depth.
func Br(depth uint32) []byte {
	return appendU32([]byte{0x0C}, depth)
}

// BrIf branches to the enclosing block at depth when the i32 on the stack is
// non-zero.
func BrIf(depth uint32) []byte {
	return appendU32([]byte{0x0D}, depth)
}

var (
	Unreachable = []byte{0x00}
	Drop        = []byte{0x1A}
	Return      = []byte{0x0F}
	I32LtS      = []byte{0x48}
	I32GtS      = []byte{0x4A}
	I32DivS     = []byte{0x6D}
	I32Add      = []byte{0x6A}
	I32Sub      = []byte{0x6B}
	I32Eqz      = []byte{0x45}
	Block       = []byte{0x02, 0x40}
	BlockI32    = []byte{0x02, 0x7F}
	If          = []byte{0x04, 0x40}
	Loop        = []byte{0x03, 0x40}
	Else        = []byte{0x05}
	End         = []byte{opEnd}
	F32Const0   = []byte{0x43, 0, 0, 0, 0}
)
