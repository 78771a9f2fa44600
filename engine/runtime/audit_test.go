package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opendlt/accumen-appsdk/engine/abi"
	"github.com/opendlt/accumen-appsdk/internal/wasmtest"
)

func opEntry(code ...[]byte) []byte {
	a := wasmtest.NewApp()
	a.Entry(abi.ExecuteOperation.ExportName(), 0, append(code, a.OutputValue(nil))...)
	return a.Bytes()
}

func TestAuditAcceptsApp(t *testing.T) {
	report := AuditModule(wasmtest.Static([]byte("v")), AuditOptions{MaxMemoryPages: 16})
	require.True(t, report.Ok, report.Reasons)
	require.EqualValues(t, 1, report.MemPages)
	require.Len(t, report.Imports, len(abi.Imports))
	require.Contains(t, report.Exports, "memory")
	require.Contains(t, report.Exports, abi.HandleCall.ExportName())

	hash := abi.InterfaceHash()
	require.Equal(t, hash[:], report.Custom[abi.InterfaceSection])
}

func TestAuditDecodesImmediates(t *testing.T) {
	// 42 encodes as the f32.load opcode byte and 0xFC as a bulk memory
	// prefix; neither is an instruction here
	report := AuditModule(opEntry(
		wasmtest.I32Const(42), wasmtest.Drop,
		wasmtest.I64Const(0xFC), wasmtest.Drop,
	), AuditOptions{})
	require.True(t, report.Ok, report.Reasons)
}

func TestAuditRejects(t *testing.T) {
	withImport := func(module, name string, params []wasmtest.ValType) []byte {
		m := wasmtest.New()
		m.Import(module, name, params, nil)
		m.Memory(1).Interface()
		m.Entry(abi.ExecuteOperation.ExportName(), 0)
		return m.Bytes()
	}

	cases := []struct {
		name      string
		bin       []byte
		opts      AuditOptions
		malformed bool
	}{
		{"empty", nil, AuditOptions{}, true},
		{"bad magic", []byte("\x00wasm\x01\x00\x00\x00"), AuditOptions{}, true},
		{"bad version", []byte("\x00asm\x02\x00\x00\x00"), AuditOptions{}, true},
		{"section past end", append(wasmtest.New().Bytes(), 1, 10, 0), AuditOptions{}, true},
		{"overlong LEB128", append(wasmtest.New().Bytes(), 1, 0x80, 0x80, 0x80, 0x80, 0x80, 0x00), AuditOptions{}, true},
		{"unknown section", append(wasmtest.New().Bytes(), 13, 0), AuditOptions{}, true},
		{"float constant", opEntry(wasmtest.F32Const0, wasmtest.Drop), AuditOptions{}, false},
		{"forbidden namespace", withImport("env", "now", nil), AuditOptions{}, false},
		{"unknown host function", withImport(abi.ImportModule, "time", nil), AuditOptions{}, false},
		{"wrong host signature", withImport(abi.ImportModule, abi.ImportInputLen, []wasmtest.ValType{wasmtest.I64}), AuditOptions{}, false},
		{"wasi disabled", withImport(WASIModule, "random_get", []wasmtest.ValType{wasmtest.I32, wasmtest.I32}), AuditOptions{}, false},
		{"float param", withImport(abi.ImportModule, abi.ImportLog, []wasmtest.ValType{wasmtest.F64}), AuditOptions{}, false},
		{"memory too large", func() []byte {
			m := wasmtest.New()
			m.Memory(100).Interface()
			m.Entry(abi.ExecuteOperation.ExportName(), 0)
			return m.Bytes()
		}(), AuditOptions{MaxMemoryPages: 16}, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			report := AuditModule(c.bin, c.opts)
			require.False(t, report.Ok)
			require.Equal(t, c.malformed, report.Malformed, report.Reasons)
			require.NotEmpty(t, report.Reasons)
		})
	}
}

func TestAuditSectionOrder(t *testing.T) {
	m := wasmtest.New()
	m.Memory(1)
	m.RawSection(SectionTypeType, []byte{0})
	report := AuditModule(m.Bytes(), AuditOptions{})
	require.False(t, report.Ok)
	require.True(t, report.Malformed)
}

func TestAuditAllowsWASIWhenEnabled(t *testing.T) {
	m := wasmtest.New()
	m.Import(WASIModule, "random_get", []wasmtest.ValType{wasmtest.I32, wasmtest.I32}, []wasmtest.ValType{wasmtest.I32})
	m.Memory(1).Interface()
	m.Entry(abi.ExecuteOperation.ExportName(), 0)

	report := AuditModule(m.Bytes(), AuditOptions{AllowWASI: true})
	require.True(t, report.Ok, report.Reasons)
}

func TestLoadErrors(t *testing.T) {
	a := newAdapter(t, KindInterpreter, Options{})
	ctx := context.Background()

	loadKind := func(bin []byte) LoadErrorKind {
		_, err := a.Load(ctx, bin)
		var le *LoadError
		require.True(t, errors.As(err, &le), "expected a load error, got %v", err)
		return le.Kind
	}

	require.Equal(t, Malformed, loadKind([]byte("not wasm")))
	require.Equal(t, Forbidden, loadKind(opEntry(wasmtest.F32Const0, wasmtest.Drop)))

	noMemory := wasmtest.New()
	noMemory.Interface()
	noMemory.Entry(abi.ExecuteOperation.ExportName(), 0)
	require.Equal(t, MissingExport, loadKind(noMemory.Bytes()))

	require.Equal(t, MissingExport, loadKind(wasmtest.NewApp().Bytes()))

	// a body that references a function that does not exist passes the
	// audit but not the compiler
	bad := wasmtest.NewApp()
	bad.Entry(abi.ExecuteOperation.ExportName(), 0, wasmtest.Call(500))
	require.Equal(t, Malformed, loadKind(bad.Bytes()))

	stats := a.Stats()
	require.Zero(t, stats.Size)
}

func TestLoadChecksInterface(t *testing.T) {
	a := newAdapter(t, KindInterpreter, Options{})
	ctx := context.Background()

	missing := wasmtest.New()
	missing.Memory(1)
	missing.Entry(abi.ExecuteOperation.ExportName(), 0)
	_, err := a.Load(ctx, missing.Bytes())
	var ie *abi.IncompatibleInterfaceError
	require.ErrorAs(t, err, &ie)
	require.Empty(t, ie.Found)

	stale := wasmtest.New()
	stale.Memory(1)
	stale.Custom(abi.InterfaceSection, make([]byte, 32))
	stale.Entry(abi.ExecuteOperation.ExportName(), 0)
	_, err = a.Load(ctx, stale.Bytes())
	require.ErrorAs(t, err, &ie)
	require.Equal(t, abi.InterfaceHash(), ie.Expected)
}

func TestReadULEB128(t *testing.T) {
	v, n := readULEB128([]byte{0xE5, 0x8E, 0x26})
	require.EqualValues(t, 624485, v)
	require.Equal(t, 3, n)

	v, n = readULEB128([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x0F})
	require.EqualValues(t, ^uint32(0), v)
	require.Equal(t, 5, n)

	_, n = readULEB128([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x1F})
	require.Zero(t, n, "value exceeds 32 bits")

	_, n = readULEB128([]byte{0x80})
	require.Zero(t, n, "truncated")
}

func TestAuditAllowFloat(t *testing.T) {
	bin := opEntry(wasmtest.F32Const0, wasmtest.Drop)
	require.False(t, AuditModule(bin, AuditOptions{}).Ok)

	report := AuditModule(bin, AuditOptions{AllowFloat: true})
	require.True(t, report.Ok, report.Reasons)
}

func TestAuditAllowFloatKeepsScanning(t *testing.T) {
	f64 := []byte{0x44, 0, 0, 0, 0, 0, 0, 0xF0, 0x3F}
	fence := []byte{0xFE, 0x03, 0x00}

	report := AuditModule(opEntry(wasmtest.F32Const0, wasmtest.Drop, f64, wasmtest.Drop), AuditOptions{AllowFloat: true})
	require.True(t, report.Ok, report.Reasons)

	// the atomic after the float constant is still seen
	report = AuditModule(opEntry(f64, wasmtest.Drop, fence), AuditOptions{AllowFloat: true})
	require.False(t, report.Ok)
	require.False(t, report.Malformed)
	require.Contains(t, report.Reasons[0], "thread/atomic")

	a := wasmtest.NewApp()
	a.Func(nil, nil, []wasmtest.ValType{wasmtest.F64}, fence)
	a.Entry(abi.ExecuteOperation.ExportName(), 0, a.OutputValue(nil))
	report = AuditModule(a.Bytes(), AuditOptions{AllowFloat: true})
	require.False(t, report.Ok, "a float local must not end the scan of its function")
}

func TestAuditReservedExport(t *testing.T) {
	a := wasmtest.NewApp()
	idx := a.Entry(abi.ExecuteOperation.ExportName(), 0, a.OutputValue(nil))
	a.ExportFunc(GasGlobalExport, idx)

	report := AuditModule(a.Bytes(), AuditOptions{})
	require.False(t, report.Ok)
	require.False(t, report.Malformed)
}
