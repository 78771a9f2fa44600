package runtime

import (
	"encoding/binary"
	"fmt"
	"slices"
	"strings"

	"github.com/opendlt/accumen-appsdk/engine/abi"
)

// AuditReport contains the results of WASM module analysis
type AuditReport struct {
	Ok bool `json:"ok"`
	// Malformed is set when the module is not structurally valid, as opposed
	// to valid but using something the host does not allow
	Malformed bool              `json:"malformed"`
	Reasons   []string          `json:"reasons"`
	MemPages  uint32            `json:"memPages"`
	MaxPages  uint32            `json:"maxPages,omitempty"`
	Functions int               `json:"functions"`
	Imports   []string          `json:"imports"`
	Exports   []string          `json:"exports"`
	Custom    map[string][]byte `json:"-"`
}

// AuditOptions sets the limits a module is audited against.
type AuditOptions struct {
	MaxMemoryPages uint32
	AllowWASI      bool
	// AllowFloat admits floating point code. NaN bit patterns are not
	// canonicalized, so results may then differ between backends.
	AllowFloat bool
}

// WASM constants
const (
	WASMMagicNumber = 0x6d736100 // "\0asm"
	WASMVersion     = 1

	// Section types
	SectionTypeCustom    = 0
	SectionTypeType      = 1
	SectionTypeImport    = 2
	SectionTypeFunction  = 3
	SectionTypeTable     = 4
	SectionTypeMemory    = 5
	SectionTypeGlobal    = 6
	SectionTypeExport    = 7
	SectionTypeStart     = 8
	SectionTypeElement   = 9
	SectionTypeCode      = 10
	SectionTypeData      = 11
	SectionTypeDataCount = 12

	// Value types
	ValueTypeI32       = 0x7F
	ValueTypeI64       = 0x7E
	ValueTypeF32       = 0x7D // FORBIDDEN
	ValueTypeF64       = 0x7C // FORBIDDEN
	ValueTypeV128      = 0x7B // FORBIDDEN
	ValueTypeFuncref   = 0x70
	ValueTypeExternref = 0x6F

	// External types
	ExternalTypeFunc   = 0x00
	ExternalTypeTable  = 0x01
	ExternalTypeMemory = 0x02
	ExternalTypeGlobal = 0x03

	// Limits
	MaxTableSize = 1024
	MaxExports   = 64
	MaxImports   = 64

	// WASIModule may be imported when the host allows it
	WASIModule = "wasi_snapshot_preview1"
)

// sectionOrder gives the position a known section must appear in. The data
// count section sits between element and code.
var sectionOrder = map[byte]int{
	SectionTypeType:      1,
	SectionTypeImport:    2,
	SectionTypeFunction:  3,
	SectionTypeTable:     4,
	SectionTypeMemory:    5,
	SectionTypeGlobal:    6,
	SectionTypeExport:    7,
	SectionTypeStart:     8,
	SectionTypeElement:   9,
	SectionTypeDataCount: 10,
	SectionTypeCode:      11,
	SectionTypeData:      12,
}

type funcSig struct {
	params, results []byte
}

// auditor walks one module
type auditor struct {
	opts   AuditOptions
	report *AuditReport
	types  []funcSig
}

// AuditModule analyzes a WASM module for structural validity and for the
// host's determinism rules: imports limited to the host module, no floating
// point, no SIMD or threads, and bounded memory, tables and exports.
func AuditModule(wasmBytes []byte, opts AuditOptions) *AuditReport {
	report := &AuditReport{
		Ok:      true,
		Reasons: []string{},
		Imports: []string{},
		Exports: []string{},
		Custom:  map[string][]byte{},
	}
	a := &auditor{opts: opts, report: report}

	if len(wasmBytes) < 8 {
		a.malformed("module too small")
		return report
	}

	// Check magic number and version
	magic := binary.LittleEndian.Uint32(wasmBytes[:4])
	version := binary.LittleEndian.Uint32(wasmBytes[4:8])

	if magic != WASMMagicNumber {
		a.malformed("invalid WASM magic number")
		return report
	}
	if version != WASMVersion {
		a.malformed("unsupported WASM version: %d", version)
		return report
	}

	// Parse sections
	offset := 8
	last := 0
	for offset < len(wasmBytes) {
		sectionType := wasmBytes[offset]
		offset++

		sectionSize, bytesRead := readULEB128(wasmBytes[offset:])
		if bytesRead == 0 {
			a.malformed("invalid section size")
			return report
		}
		offset += bytesRead

		if uint64(offset)+uint64(sectionSize) > uint64(len(wasmBytes)) {
			a.malformed("section %d size exceeds module bounds", sectionType)
			return report
		}
		r := &reader{data: wasmBytes[offset : offset+int(sectionSize)]}
		offset += int(sectionSize)

		if sectionType != SectionTypeCustom {
			pos, known := sectionOrder[sectionType]
			if !known {
				a.malformed("unknown section %d", sectionType)
				return report
			}
			if pos <= last {
				a.malformed("section %d out of order", sectionType)
				return report
			}
			last = pos
		}

		switch sectionType {
		case SectionTypeCustom:
			a.customSection(r)
		case SectionTypeType:
			a.typeSection(r)
		case SectionTypeImport:
			a.importSection(r)
		case SectionTypeFunction:
			n := r.u32()
			for i := uint32(0); i < n && r.err == nil; i++ {
				r.u32()
			}
			report.Functions = int(n)
		case SectionTypeTable:
			a.tableSection(r)
		case SectionTypeMemory:
			a.memorySection(r)
		case SectionTypeGlobal:
			a.globalSection(r)
		case SectionTypeExport:
			a.exportSection(r)
		case SectionTypeCode:
			a.codeSection(r)
		default:
			// start, element, data and data count are validated by the
			// compiler
			r.off = len(r.data)
		}

		if r.err != nil {
			a.malformed("section %d: %v", sectionType, r.err)
			return report
		}
		if r.off != len(r.data) && !report.Malformed {
			a.malformed("section %d has %d trailing bytes", sectionType, len(r.data)-r.off)
			return report
		}
	}

	return report
}

func (a *auditor) malformed(format string, args ...any) {
	a.report.Ok = false
	a.report.Malformed = true
	a.report.Reasons = append(a.report.Reasons, fmt.Sprintf(format, args...))
}

func (a *auditor) forbid(format string, args ...any) {
	a.report.Ok = false
	a.report.Reasons = append(a.report.Reasons, fmt.Sprintf(format, args...))
}

// float reports a floating point use. It returns false when the module is
// rejected for it.
func (a *auditor) float(format string, args ...any) bool {
	if a.opts.AllowFloat {
		return true
	}
	a.forbid(format, args...)
	return false
}

// customSection records the payload of the first section with each name
func (a *auditor) customSection(r *reader) {
	name := r.name()
	payload := r.rest()
	if r.err != nil {
		return
	}
	if _, seen := a.report.Custom[name]; !seen {
		a.report.Custom[name] = payload
	}
}

// typeSection checks function type definitions for forbidden types
func (a *auditor) typeSection(r *reader) {
	n := r.u32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		if form := r.byte(); form != 0x60 {
			r.fail("type %d has form 0x%02X", i, form)
			return
		}
		var sig funcSig
		sig.params = r.valTypes()
		sig.results = r.valTypes()
		for _, t := range slices.Concat(sig.params, sig.results) {
			if isFloatType(t) {
				a.float("type %d uses forbidden float type", i)
				break
			}
		}
		a.types = append(a.types, sig)
	}
}

func (a *auditor) importSection(r *reader) {
	n := r.u32()
	if n > MaxImports {
		a.forbid("too many imports: %d (max %d)", n, MaxImports)
	}
	for i := uint32(0); i < n && r.err == nil; i++ {
		module := r.name()
		field := r.name()
		kind := r.byte()
		if r.err != nil {
			return
		}
		a.report.Imports = append(a.report.Imports, module+"."+field)

		switch kind {
		case ExternalTypeFunc:
			a.checkImport(module, field, r.u32())
		case ExternalTypeTable:
			r.byte()
			r.limits()
			a.forbid("table import %s.%s", module, field)
		case ExternalTypeMemory:
			r.limits()
			a.forbid("memory import %s.%s", module, field)
		case ExternalTypeGlobal:
			r.byte()
			r.byte()
			a.forbid("global import %s.%s", module, field)
		default:
			r.fail("import %s.%s has kind 0x%02X", module, field, kind)
		}
	}
}

// checkImport checks that a function import is one the host provides, with
// the signature the host provides it with
func (a *auditor) checkImport(module, field string, typeIdx uint32) {
	switch module {
	case abi.ImportModule:
	case WASIModule:
		if !a.opts.AllowWASI {
			a.forbid("forbidden import %s.%s: WASI is disabled", module, field)
		}
		return
	default:
		a.forbid("forbidden import %s.%s", module, field)
		return
	}

	want, ok := abi.LookupImport(field)
	if !ok {
		a.forbid("unknown host function %s.%s", module, field)
		return
	}
	if int(typeIdx) >= len(a.types) {
		a.malformed("import %s.%s references type %d", module, field, typeIdx)
		return
	}
	got := a.types[typeIdx]
	if !sameTypes(got.params, want.Params) || !sameTypes(got.results, want.Results) {
		a.forbid("host function %s.%s imported with the wrong signature", module, field)
	}
}

func sameTypes(got []byte, want []abi.ValueType) bool {
	if len(got) != len(want) {
		return false
	}
	for i, t := range want {
		switch {
		case t == abi.I32 && got[i] == ValueTypeI32:
		case t == abi.I64 && got[i] == ValueTypeI64:
		default:
			return false
		}
	}
	return true
}

// tableSection validates table limits
func (a *auditor) tableSection(r *reader) {
	n := r.u32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		r.byte()
		size, _, _ := r.limits()
		if size > MaxTableSize {
			a.forbid("table size %d exceeds maximum %d", size, MaxTableSize)
		}
	}
}

// memorySection validates memory limits
func (a *auditor) memorySection(r *reader) {
	n := r.u32()
	if n > 1 {
		a.malformed("multiple memories declared")
		return
	}
	for i := uint32(0); i < n && r.err == nil; i++ {
		flags := r.peek()
		pages, maxPages, hasMax := r.limits()
		if flags&0x02 != 0 {
			a.forbid("shared memory is forbidden")
		}
		a.report.MemPages = pages
		if hasMax {
			a.report.MaxPages = maxPages
		}
		if a.opts.MaxMemoryPages > 0 && pages > a.opts.MaxMemoryPages {
			a.forbid("memory size %d pages exceeds maximum %d", pages, a.opts.MaxMemoryPages)
		}
	}
}

func (a *auditor) globalSection(r *reader) {
	n := r.u32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		t := r.byte()
		r.byte()
		if isFloatType(t) {
			a.float("global %d uses forbidden float type", i)
		}
		a.expression(r, fmt.Sprintf("global %d", i))
	}
}

func (a *auditor) exportSection(r *reader) {
	n := r.u32()
	if n > MaxExports {
		a.forbid("too many exports: %d (max %d)", n, MaxExports)
	}
	for i := uint32(0); i < n && r.err == nil; i++ {
		name := r.name()
		r.byte()
		r.u32()
		if r.err != nil {
			return
		}
		if strings.HasPrefix(name, reservedExportPrefix) {
			a.forbid("export %s uses the reserved prefix %s", name, reservedExportPrefix)
		}
		if slices.Contains(a.report.Exports, name) {
			a.malformed("duplicate export %s", name)
			continue
		}
		a.report.Exports = append(a.report.Exports, name)
	}
}

func (a *auditor) codeSection(r *reader) {
	n := r.u32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		size := r.u32()
		body := r.bytes(int(size))
		if r.err != nil {
			return
		}
		a.functionCode(&reader{data: body}, i)
	}
}

// functionCode scans function bytecode for forbidden opcodes
func (a *auditor) functionCode(r *reader, fn uint32) {
	where := fmt.Sprintf("function %d", fn)

	groups := r.u32()
	for i := uint32(0); i < groups && r.err == nil; i++ {
		r.u32()
		if isFloatType(r.byte()) && !a.float("%s: local uses forbidden float type", where) {
			return
		}
	}
	if r.err != nil {
		a.malformed("%s: %v", where, r.err)
		return
	}
	if len(r.data) == 0 || r.data[len(r.data)-1] != 0x0B {
		a.malformed("%s: body does not end with end", where)
		return
	}
	for r.off < len(r.data) {
		if !a.instruction(r, where) {
			return
		}
	}
}

// expression scans a constant expression up to its end opcode
func (a *auditor) expression(r *reader, where string) {
	for r.err == nil {
		if r.peek() == 0x0B {
			r.byte()
			return
		}
		if !a.instruction(r, where) {
			return
		}
	}
}

// instruction decodes one instruction, skipping its immediates. It returns
// false once the module has been rejected.
func (a *auditor) instruction(r *reader, where string) bool {
	at := r.off
	op := r.byte()

	if isFloatOp(op) && !a.float("%s: forbidden float opcode 0x%02X at %d", where, op, at) {
		return false
	}

	switch {
	case op == 0x02 || op == 0x03 || op == 0x04:
		t := r.peek()
		switch {
		case t == 0x40 || t == ValueTypeI32 || t == ValueTypeI64:
			r.byte()
		case isFloatType(t):
			if !a.float("%s: block at %d yields a float", where, at) {
				return false
			}
			r.byte()
		default:
			r.s64()
		}
	case op == 0x0C || op == 0x0D || op == 0x10:
		r.u32()
	case op == 0x0E:
		n := r.u32()
		for i := uint32(0); i <= n && r.err == nil; i++ {
			r.u32()
		}
	case op == 0x11:
		r.u32()
		r.u32()
	case op == 0x1C:
		for _, t := range r.valTypes() {
			if isFloatType(t) && !a.float("%s: select at %d on a float", where, at) {
				return false
			}
		}
	case op >= 0x20 && op <= 0x26:
		r.u32()
	case op >= 0x28 && op <= 0x3E:
		r.u32()
		r.u32()
	case op == 0x3F || op == 0x40 || op == 0xD0:
		r.byte()
	case op == 0x41 || op == 0x42:
		r.s64()
	case op == 0x43:
		r.bytes(4)
	case op == 0x44:
		r.bytes(8)
	case op == 0xD2:
		r.u32()
	case op == 0xFC:
		sub := r.u32()
		switch {
		case sub <= 7:
			if !a.float("%s: forbidden float opcode 0xFC %d at %d", where, sub, at) {
				return false
			}
		case sub == 8 || sub == 10 || sub == 12 || sub == 14:
			r.u32()
			r.u32()
		case sub <= 17:
			r.u32()
		default:
			a.malformed("%s: unknown opcode 0xFC %d at %d", where, sub, at)
			return false
		}
	case op == 0xFD:
		a.forbid("%s: forbidden SIMD opcode at %d", where, at)
		return false
	case op == 0xFE:
		a.forbid("%s: forbidden thread/atomic opcode at %d", where, at)
		return false
	case noImmediate(op):
	default:
		a.malformed("%s: unknown opcode 0x%02X at %d", where, op, at)
		return false
	}

	if r.err != nil {
		a.malformed("%s: %v", where, r.err)
		return false
	}
	return true
}

func noImmediate(op byte) bool {
	switch {
	case op <= 0x01, op == 0x05, op == 0x0B, op == 0x0F, op == 0x1A, op == 0x1B, op == 0xD1:
		return true
	case op >= 0x45 && op <= 0xC4:
		return true
	}
	return false
}

func isFloatType(t byte) bool {
	return t == ValueTypeF32 || t == ValueTypeF64 || t == ValueTypeV128
}

// isFloatOp reports whether op loads, stores, computes on or converts
// floating point values
func isFloatOp(op byte) bool {
	switch {
	case op == 0x2A, op == 0x2B, op == 0x38, op == 0x39, op == 0x43, op == 0x44:
		return true
	case op >= 0x5B && op <= 0x66: // comparisons
		return true
	case op >= 0x8B && op <= 0xA6: // arithmetic
		return true
	case op >= 0xA8 && op <= 0xAB, op >= 0xAE && op <= 0xBF: // conversions
		return true
	}
	return false
}

// reader decodes the primitive encodings of a section. The first error
// sticks and later reads return zero values.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf(format, args...)
	}
}

func (r *reader) peek() byte {
	if r.err != nil || r.off >= len(r.data) {
		return 0
	}
	return r.data[r.off]
}

func (r *reader) byte() byte {
	if r.err != nil {
		return 0
	}
	if r.off >= len(r.data) {
		r.fail("unexpected end at %d", r.off)
		return 0
	}
	b := r.data[r.off]
	r.off++
	return b
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.fail("%d bytes at %d exceed bounds", n, r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) rest() []byte {
	return r.bytes(len(r.data) - r.off)
}

func (r *reader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	v, n := readULEB128(r.data[r.off:])
	if n == 0 {
		r.fail("invalid LEB128 at %d", r.off)
		return 0
	}
	r.off += n
	return v
}

// s64 skips a signed LEB128 value of at most 64 bits
func (r *reader) s64() {
	for i := 0; r.err == nil; i++ {
		if i >= 10 {
			r.fail("signed LEB128 too long at %d", r.off)
			return
		}
		if r.byte()&0x80 == 0 {
			return
		}
	}
}

func (r *reader) name() string {
	n := r.u32()
	return string(r.bytes(int(n)))
}

func (r *reader) valTypes() []byte {
	n := r.u32()
	return r.bytes(int(n))
}

func (r *reader) limits() (initial, maximum uint32, hasMax bool) {
	flags := r.byte()
	initial = r.u32()
	if flags&0x01 != 0 {
		maximum = r.u32()
		hasMax = true
	}
	return initial, maximum, hasMax
}

// readULEB128 reads an unsigned LEB128 encoded integer
func readULEB128(data []byte) (uint32, int) {
	var result uint32
	var shift uint

	for i, b := range data {
		if i >= 5 {
			return 0, 0
		}
		// the fifth byte may only carry the top four bits
		if i == 4 && b&0xF0 != 0 {
			return 0, 0
		}

		result |= uint32(b&0x7F) << shift
		if b&0x80 == 0 {
			return result, i + 1
		}
		shift += 7
	}

	return 0, 0
}
