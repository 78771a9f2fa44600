// Package wasmtest assembles small WebAssembly modules for tests. Modules are
// built from raw instruction bytes so tests do not depend on a guest
// toolchain.
package wasmtest

import (
	"bytes"
	"fmt"

	"github.com/opendlt/accumen-appsdk/engine/abi"
)

// ValType is a wasm value type.
type ValType byte

const (
	I32 ValType = 0x7F
	I64 ValType = 0x7E
	F32 ValType = 0x7D
	F64 ValType = 0x7C
)

type funcType struct {
	params, results []ValType
}

func (f funcType) key() string {
	return fmt.Sprintf("%x>%x", f.params, f.results)
}

type importEntry struct {
	module, name string
	typeIdx      uint32
}

type function struct {
	typeIdx uint32
	locals  []ValType
	body    []byte
}

type export struct {
	name string
	kind byte
	idx  uint32
}

type segment struct {
	offset uint32
	data   []byte
}

type custom struct {
	name string
	data []byte
}

// Module is a wasm module under construction. Imports must be declared before
// functions so function indices are stable.
type Module struct {
	types    []funcType
	typeIdx  map[string]uint32
	imports  []importEntry
	funcs    []function
	exports  []export
	memMin   *uint32
	memMax   *uint32
	start    *uint32
	data     []segment
	customs  []custom
	sections [][]byte
}

// New returns an empty module.
func New() *Module {
	return &Module{typeIdx: map[string]uint32{}}
}

func (m *Module) typeOf(params, results []ValType) uint32 {
	ft := funcType{params: params, results: results}
	if idx, ok := m.typeIdx[ft.key()]; ok {
		return idx
	}
	idx := uint32(len(m.types))
	m.types = append(m.types, ft)
	m.typeIdx[ft.key()] = idx
	return idx
}

// Import declares an imported function and returns its function index.
func (m *Module) Import(module, name string, params, results []ValType) uint32 {
	if len(m.funcs) > 0 {
		panic("wasmtest: imports must precede functions")
	}
	m.imports = append(m.imports, importEntry{module: module, name: name, typeIdx: m.typeOf(params, results)})
	return uint32(len(m.imports) - 1)
}

// Host imports a host function by name with the signature from the import
// table.
func (m *Module) Host(name string) uint32 {
	sig, ok := abi.LookupImport(name)
	if !ok {
		panic("wasmtest: unknown host import " + name)
	}
	return m.Import(abi.ImportModule, name, valTypes(sig.Params), valTypes(sig.Results))
}

func valTypes(in []abi.ValueType) []ValType {
	out := make([]ValType, len(in))
	for i, t := range in {
		if t == abi.I64 {
			out[i] = I64
		} else {
			out[i] = I32
		}
	}
	return out
}

// Func defines a function and returns its index. The trailing end opcode is
// appended automatically.
func (m *Module) Func(params, results, locals []ValType, code ...[]byte) uint32 {
	m.funcs = append(m.funcs, function{
		typeIdx: m.typeOf(params, results),
		locals:  locals,
		body:    append(bytes.Join(code, nil), opEnd),
	})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// Entry defines a ()->() function with optional i32 locals and exports it.
func (m *Module) Entry(name string, locals int, code ...[]byte) uint32 {
	ls := make([]ValType, locals)
	for i := range ls {
		ls[i] = I32
	}
	idx := m.Func(nil, nil, ls, code...)
	m.ExportFunc(name, idx)
	return idx
}

// ExportFunc exports a function.
func (m *Module) ExportFunc(name string, idx uint32) {
	m.exports = append(m.exports, export{name: name, kind: 0x00, idx: idx})
}

// Start makes function idx the module's start function.
func (m *Module) Start(idx uint32) {
	m.start = &idx
}

// Memory declares memory 0 and exports it as "memory".
func (m *Module) Memory(minPages uint32) *Module {
	m.memMin = &minPages
	m.exports = append(m.exports, export{name: "memory", kind: 0x02, idx: 0})
	return m
}

// MemoryMax sets the maximum of memory 0.
func (m *Module) MemoryMax(maxPages uint32) *Module {
	m.memMax = &maxPages
	return m
}

// Data places bytes at offset in memory 0.
func (m *Module) Data(offset uint32, data []byte) {
	m.data = append(m.data, segment{offset: offset, data: data})
}

// Custom appends a custom section.
func (m *Module) Custom(name string, data []byte) {
	m.customs = append(m.customs, custom{name: name, data: data})
}

// Interface embeds the host interface hash.
func (m *Module) Interface() *Module {
	h := abi.InterfaceHash()
	m.Custom(abi.InterfaceSection, h[:])
	return m
}

// RawSection appends an arbitrary section after the standard ones.
func (m *Module) RawSection(id byte, content []byte) {
	m.sections = append(m.sections, section(id, content))
}

// Bytes encodes the module.
func (m *Module) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

	if len(m.types) > 0 {
		var b []byte
		b = appendU32(b, uint32(len(m.types)))
		for _, t := range m.types {
			b = append(b, 0x60)
			b = appendU32(b, uint32(len(t.params)))
			for _, p := range t.params {
				b = append(b, byte(p))
			}
			b = appendU32(b, uint32(len(t.results)))
			for _, r := range t.results {
				b = append(b, byte(r))
			}
		}
		out = append(out, section(1, b)...)
	}

	if len(m.imports) > 0 {
		var b []byte
		b = appendU32(b, uint32(len(m.imports)))
		for _, imp := range m.imports {
			b = appendName(b, imp.module)
			b = appendName(b, imp.name)
			b = append(b, 0x00)
			b = appendU32(b, imp.typeIdx)
		}
		out = append(out, section(2, b)...)
	}

	if len(m.funcs) > 0 {
		var b []byte
		b = appendU32(b, uint32(len(m.funcs)))
		for _, f := range m.funcs {
			b = appendU32(b, f.typeIdx)
		}
		out = append(out, section(3, b)...)
	}

	if m.memMin != nil {
		b := []byte{1}
		if m.memMax != nil {
			b = append(b, 0x01)
			b = appendU32(b, *m.memMin)
			b = appendU32(b, *m.memMax)
		} else {
			b = append(b, 0x00)
			b = appendU32(b, *m.memMin)
		}
		out = append(out, section(5, b)...)
	}

	if len(m.exports) > 0 {
		var b []byte
		b = appendU32(b, uint32(len(m.exports)))
		for _, e := range m.exports {
			b = appendName(b, e.name)
			b = append(b, e.kind)
			b = appendU32(b, e.idx)
		}
		out = append(out, section(7, b)...)
	}

	if m.start != nil {
		out = append(out, section(8, appendU32(nil, *m.start))...)
	}

	if len(m.funcs) > 0 {
		var b []byte
		b = appendU32(b, uint32(len(m.funcs)))
		for _, f := range m.funcs {
			var fb []byte
			fb = appendU32(fb, uint32(len(f.locals)))
			for _, l := range f.locals {
				fb = append(fb, 0x01, byte(l))
			}
			fb = append(fb, f.body...)
			b = appendU32(b, uint32(len(fb)))
			b = append(b, fb...)
		}
		out = append(out, section(10, b)...)
	}

	if len(m.data) > 0 {
		var b []byte
		b = appendU32(b, uint32(len(m.data)))
		for _, d := range m.data {
			b = append(b, 0x00)
			b = append(b, I32Const(int32(d.offset))...)
			b = append(b, opEnd)
			b = appendU32(b, uint32(len(d.data)))
			b = append(b, d.data...)
		}
		out = append(out, section(11, b)...)
	}

	for _, s := range m.sections {
		out = append(out, s...)
	}

	for _, c := range m.customs {
		var b []byte
		b = appendName(b, c.name)
		b = append(b, c.data...)
		out = append(out, section(0, b)...)
	}

	return out
}

func section(id byte, content []byte) []byte {
	out := []byte{id}
	out = appendU32(out, uint32(len(content)))
	return append(out, content...)
}

func appendName(b []byte, s string) []byte {
	b = appendU32(b, uint32(len(s)))
	return append(b, s...)
}

func appendU32(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			b = append(b, c|0x80)
			continue
		}
		return append(b, c)
	}
}

func appendS64(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7F)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}
