package runtime

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opendlt/accumen-appsdk/engine/abi"
	"github.com/opendlt/accumen-appsdk/internal/wasmtest"
)

func TestEmbedInterface(t *testing.T) {
	m := wasmtest.New().Memory(1)
	m.Entry(abi.ExecuteOperation.ExportName(), 0)
	bin := m.Bytes()

	forEachBackend(t, func(t *testing.T, a *Adapter) {
		_, err := a.Inspect(bin)
		var incompatible *abi.IncompatibleInterfaceError
		require.ErrorAs(t, err, &incompatible)

		stamped, err := EmbedInterface(bin, []byte("counter/v1"))
		require.NoError(t, err)
		report, err := a.Inspect(stamped)
		require.NoError(t, err)
		require.Equal(t, []byte("counter/v1"), report.Custom[abi.AppSchemaSection])

		_, err = EmbedInterface(stamped, nil)
		require.ErrorContains(t, err, abi.InterfaceSection)
	})
}

func TestEmbedRejectsMalformed(t *testing.T) {
	_, err := EmbedSection([]byte("not wasm"), "x", nil)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	require.Equal(t, Malformed, le.Kind)
}
