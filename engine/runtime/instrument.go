package runtime

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/tetratelabs/wazero/api"

	"github.com/opendlt/accumen-appsdk/engine/gas"
)

// Guest metering. Load rewrites every module before it is compiled so that
// guest execution is charged and bounded the same way on every backend:
// each defined function charges Metering.Call on entry and counts against
// Metering.MaxFrames while it runs, and each loop charges Metering.Loop per
// iteration. Both counters live in exported mutable globals that the host
// reconciles with the frame's meter around every host call and when the
// call returns.
const (
	GasGlobalExport   = "__appsdk_gas"
	DepthGlobalExport = "__appsdk_depth"
	// StartExport replaces the start section so the start function runs
	// metered, after the host has filled the gas global.
	StartExport = "__appsdk_start"
	// InitializeExport is run after the start function when exported
	InitializeExport = "_initialize"

	reservedExportPrefix = "__appsdk_"
)

// Metering sets what guest execution costs.
type Metering struct {
	// Charged on entry to every guest function
	Call uint64 `yaml:"call"`
	// Charged on every iteration of a loop
	Loop uint64 `yaml:"loop"`
	// Guest frames one entry point call may nest
	MaxFrames uint32 `yaml:"maxFrames"`
}

// DefaultMetering returns the default guest costs. MaxFrames stays well below
// the native stack ceiling of either wazero engine.
func DefaultMetering() Metering {
	return Metering{Call: 4, Loop: 2, MaxFrames: 1024}
}

// Validate checks that the costs fit the instrumented counters.
func (m Metering) Validate() error {
	if m.Call > math.MaxInt32 || m.Loop > math.MaxInt32 {
		return fmt.Errorf("guest costs must fit in 31 bits")
	}
	if m.MaxFrames == 0 || m.MaxFrames > math.MaxInt32 {
		return fmt.Errorf("max frames must be between 1 and %d", math.MaxInt32)
	}
	return nil
}

type rawSection struct {
	id      byte
	content []byte
}

// instrumenter rewrites one audited module
type instrumenter struct {
	metering Metering
	audit    *auditor

	importedFuncs uint32
	funcTypes     []uint32
	globals       uint32
	start         *uint32

	// block types appended for functions with several results
	extraTypes  [][]byte
	resultTypes map[string]uint32
}

// instrument returns bytecode with guest metering added. bytecode must have
// passed the audit with opts.
func instrument(bytecode []byte, m Metering, opts AuditOptions) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	sections, err := splitSections(bytecode)
	if err != nil {
		return nil, err
	}

	in := &instrumenter{
		metering:    m,
		audit:       &auditor{opts: opts, report: &AuditReport{Custom: map[string][]byte{}}},
		resultTypes: map[string]uint32{},
	}
	if err := in.scan(sections); err != nil {
		return nil, err
	}

	// code first: it decides which block types the type section gains
	var code []byte
	for _, s := range sections {
		if s.id == SectionTypeCode {
			if code, err = in.code(&reader{data: s.content}); err != nil {
				return nil, err
			}
		}
	}

	out := append([]byte{}, bytecode[:8]...)
	pending := map[byte][]byte{
		SectionTypeGlobal: in.globalSection(nil),
		SectionTypeExport: in.exportSection(nil),
	}
	flush := func(before int) {
		for _, id := range []byte{SectionTypeGlobal, SectionTypeExport} {
			if content, ok := pending[id]; ok && sectionOrder[id] < before {
				out = appendSection(out, id, content)
				delete(pending, id)
			}
		}
	}

	for _, s := range sections {
		if s.id != SectionTypeCustom {
			flush(sectionOrder[s.id])
		}
		switch s.id {
		case SectionTypeType:
			out = appendSection(out, s.id, in.typeSection(s.content))
		case SectionTypeGlobal:
			delete(pending, s.id)
			out = appendSection(out, s.id, in.globalSection(s.content))
		case SectionTypeExport:
			delete(pending, s.id)
			out = appendSection(out, s.id, in.exportSection(s.content))
		case SectionTypeStart:
		case SectionTypeCode:
			out = appendSection(out, s.id, code)
		default:
			out = appendSection(out, s.id, s.content)
		}
	}
	flush(math.MaxInt)
	return out, nil
}

func splitSections(bytecode []byte) ([]rawSection, error) {
	if len(bytecode) < 8 {
		return nil, errors.New("module too small")
	}
	var sections []rawSection
	for off := 8; off < len(bytecode); {
		id := bytecode[off]
		off++
		size, n := readULEB128(bytecode[off:])
		if n == 0 {
			return nil, errors.New("invalid section size")
		}
		off += n
		if uint64(off)+uint64(size) > uint64(len(bytecode)) {
			return nil, fmt.Errorf("section %d size exceeds module bounds", id)
		}
		sections = append(sections, rawSection{id: id, content: bytecode[off : off+int(size)]})
		off += int(size)
	}
	return sections, nil
}

// scan collects the index spaces the rewrite depends on
func (in *instrumenter) scan(sections []rawSection) error {
	for _, s := range sections {
		r := &reader{data: s.content}
		switch s.id {
		case SectionTypeType:
			in.audit.typeSection(r)
		case SectionTypeImport:
			n := r.u32()
			for i := uint32(0); i < n && r.err == nil; i++ {
				r.name()
				r.name()
				if kind := r.byte(); kind != ExternalTypeFunc {
					return fmt.Errorf("import %d is not a function", i)
				}
				r.u32()
				in.importedFuncs++
			}
		case SectionTypeFunction:
			n := r.u32()
			for i := uint32(0); i < n && r.err == nil; i++ {
				in.funcTypes = append(in.funcTypes, r.u32())
			}
		case SectionTypeGlobal:
			in.globals = r.u32()
		case SectionTypeStart:
			idx := r.u32()
			in.start = &idx
		}
		if r.err != nil {
			return fmt.Errorf("section %d: %w", s.id, r.err)
		}
	}
	return nil
}

func (in *instrumenter) gasGlobal() uint32   { return in.globals }
func (in *instrumenter) depthGlobal() uint32 { return in.globals + 1 }

// extend rewrites a vector section with n more entries appended
func extend(content []byte, entries []byte, n int) []byte {
	var count uint32
	var rest []byte
	if content != nil {
		r := &reader{data: content}
		count = r.u32()
		rest = r.rest()
	}
	out := binary.AppendUvarint(nil, uint64(count)+uint64(n))
	out = append(out, rest...)
	return append(out, entries...)
}

func (in *instrumenter) typeSection(content []byte) []byte {
	if len(in.extraTypes) == 0 {
		return content
	}
	var entries []byte
	for _, results := range in.extraTypes {
		entries = append(entries, 0x60, 0x00)
		entries = binary.AppendUvarint(entries, uint64(len(results)))
		entries = append(entries, results...)
	}
	return extend(content, entries, len(in.extraTypes))
}

func (in *instrumenter) globalSection(content []byte) []byte {
	// mutable i64 gas and i32 depth, both initialized to zero
	entries := []byte{
		ValueTypeI64, 0x01, opI64Const, 0x00, 0x0B,
		ValueTypeI32, 0x01, opI32Const, 0x00, 0x0B,
	}
	return extend(content, entries, 2)
}

func (in *instrumenter) exportSection(content []byte) []byte {
	var entries []byte
	export := func(name string, kind byte, idx uint32) {
		entries = binary.AppendUvarint(entries, uint64(len(name)))
		entries = append(entries, name...)
		entries = append(entries, kind)
		entries = binary.AppendUvarint(entries, uint64(idx))
	}
	export(GasGlobalExport, ExternalTypeGlobal, in.gasGlobal())
	export(DepthGlobalExport, ExternalTypeGlobal, in.depthGlobal())
	n := 2
	if in.start != nil {
		export(StartExport, ExternalTypeFunc, *in.start)
		n++
	}
	return extend(content, entries, n)
}

func (in *instrumenter) code(r *reader) ([]byte, error) {
	n := r.u32()
	if int(n) != len(in.funcTypes) {
		return nil, fmt.Errorf("%d function bodies for %d functions", n, len(in.funcTypes))
	}
	out := binary.AppendUvarint(nil, uint64(n))
	for i := uint32(0); i < n; i++ {
		size := r.u32()
		body := r.bytes(int(size))
		if r.err != nil {
			return nil, r.err
		}
		typeIdx := in.funcTypes[i]
		if int(typeIdx) >= len(in.audit.types) {
			return nil, fmt.Errorf("function %d references type %d", i, typeIdx)
		}
		rewritten, err := in.body(body, in.audit.types[typeIdx].results, in.importedFuncs+i)
		if err != nil {
			return nil, err
		}
		out = binary.AppendUvarint(out, uint64(len(rewritten)))
		out = append(out, rewritten...)
	}
	return out, nil
}

// body wraps a function body in a block so every way out of the function,
// return included, passes the frame count back down:
//
//	charge(Call); enter; block (results) <body> end; leave; end
func (in *instrumenter) body(body, results []byte, fn uint32) ([]byte, error) {
	where := fmt.Sprintf("function %d", fn)
	r := &reader{data: body}
	groups := r.u32()
	for i := uint32(0); i < groups && r.err == nil; i++ {
		r.u32()
		r.byte()
	}
	if r.err != nil {
		return nil, fmt.Errorf("%s: %w", where, r.err)
	}

	out := append([]byte{}, body[:r.off]...)
	out = in.charge(out, in.metering.Call)
	out = in.enter(out)
	out = append(out, 0x02)
	out = append(out, in.blockType(results)...)

	nesting := 0
	for r.off < len(r.data) {
		at := r.off
		if !in.audit.instruction(r, where) {
			return nil, fmt.Errorf("%s: cannot decode instruction at %d", where, at)
		}
		switch op := r.data[at]; op {
		case 0x02, 0x04:
			nesting++
			out = append(out, r.data[at:r.off]...)
		case 0x03:
			nesting++
			out = append(out, r.data[at:r.off]...)
			out = in.charge(out, in.metering.Loop)
		case 0x0B:
			out = append(out, op)
			if nesting == 0 {
				if r.off != len(r.data) {
					return nil, fmt.Errorf("%s: code after the final end", where)
				}
				out = in.leave(out)
				return append(out, 0x0B), nil
			}
			nesting--
		case 0x0F:
			// the wrapping block is the target of a branch out of the body
			out = append(out, 0x0C)
			out = binary.AppendUvarint(out, uint64(nesting))
		default:
			out = append(out, r.data[at:r.off]...)
		}
	}
	return nil, fmt.Errorf("%s: body does not end with end", where)
}

func (in *instrumenter) blockType(results []byte) []byte {
	switch len(results) {
	case 0:
		return []byte{0x40}
	case 1:
		return []byte{results[0]}
	}
	key := string(results)
	idx, ok := in.resultTypes[key]
	if !ok {
		idx = uint32(len(in.audit.types) + len(in.extraTypes))
		in.extraTypes = append(in.extraTypes, results)
		in.resultTypes[key] = idx
	}
	return appendSLEB(nil, int64(idx))
}

// opcodes of the metering snippets
const (
	opGlobalGet = 0x23
	opGlobalSet = 0x24
	opI32Const  = 0x41
	opI64Const  = 0x42
	opI32GtU    = 0x4B
	opI64LtS    = 0x53
	opI32Add    = 0x6A
	opI32Sub    = 0x6B
	opI64Sub    = 0x7D
)

// trapIf traps when the i32 on the stack is non-zero
var trapIf = []byte{0x04, 0x40, 0x00, 0x0B}

func appendGlobal(out []byte, op byte, idx uint32) []byte {
	return binary.AppendUvarint(append(out, op), uint64(idx))
}

// charge subtracts cost from the gas global and traps once it is negative
func (in *instrumenter) charge(out []byte, cost uint64) []byte {
	if cost == 0 {
		return out
	}
	g := in.gasGlobal()
	out = appendGlobal(out, opGlobalGet, g)
	out = appendSLEB(append(out, opI64Const), int64(cost))
	out = append(out, opI64Sub)
	out = appendGlobal(out, opGlobalSet, g)
	out = appendGlobal(out, opGlobalGet, g)
	out = append(out, opI64Const, 0x00, opI64LtS)
	return append(out, trapIf...)
}

// enter counts a frame and traps past MaxFrames
func (in *instrumenter) enter(out []byte) []byte {
	d := in.depthGlobal()
	out = appendGlobal(out, opGlobalGet, d)
	out = append(out, opI32Const, 0x01, opI32Add)
	out = appendGlobal(out, opGlobalSet, d)
	out = appendGlobal(out, opGlobalGet, d)
	out = appendSLEB(append(out, opI32Const), int64(in.metering.MaxFrames))
	out = append(out, opI32GtU)
	return append(out, trapIf...)
}

func (in *instrumenter) leave(out []byte) []byte {
	d := in.depthGlobal()
	out = appendGlobal(out, opGlobalGet, d)
	out = append(out, opI32Const, 0x01, opI32Sub)
	return appendGlobal(out, opGlobalSet, d)
}

func appendSection(out []byte, id byte, content []byte) []byte {
	out = append(out, id)
	out = binary.AppendUvarint(out, uint64(len(content)))
	return append(out, content...)
}

// appendSLEB appends v as signed LEB128
func appendSLEB(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7F)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

// guestMeter connects the metering globals of one instance to the Meter of
// the frame the instance is bound to.
type guestMeter struct {
	gas       api.MutableGlobal
	depth     api.MutableGlobal
	maxFrames uint32
	// the value last written to gas
	last int64
}

func newGuestMeter(mod api.Module, maxFrames uint32) (*guestMeter, error) {
	g, ok := mod.ExportedGlobal(GasGlobalExport).(api.MutableGlobal)
	if !ok {
		return nil, errors.New("module exports no gas counter")
	}
	d, ok := mod.ExportedGlobal(DepthGlobalExport).(api.MutableGlobal)
	if !ok {
		return nil, errors.New("module exports no frame counter")
	}
	return &guestMeter{gas: g, depth: d, maxFrames: maxFrames}, nil
}

// begin prepares a call: no guest frames and the whole remaining budget
func (g *guestMeter) begin(m *gas.Meter) {
	g.depth.Set(0)
	g.refill(m)
}

// refill hands what is left of m to the guest
func (g *guestMeter) refill(m *gas.Meter) {
	left := m.Remaining()
	if left > math.MaxInt64 {
		left = math.MaxInt64
	}
	g.last = int64(left)
	g.gas.Set(api.EncodeI64(g.last))
}

// settle charges m with what the guest spent since the last refill
func (g *guestMeter) settle(m *gas.Meter) error {
	left := int64(g.gas.Get())
	spent := g.last - left
	g.last = left
	if left < 0 {
		m.Exhaust()
		return fmt.Errorf("%w: guest code", gas.ErrOutOfBudget)
	}
	return m.Consume(uint64(spent))
}

func (g *guestMeter) exhausted() bool {
	return int64(g.gas.Get()) < 0
}

func (g *guestMeter) overflowed() bool {
	return api.DecodeU32(g.depth.Get()) > g.maxFrames
}
