package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opendlt/accumen-appsdk/engine/router"
	"github.com/opendlt/accumen-appsdk/engine/runtime"
)

func TestDefaults(t *testing.T) {
	c, err := Parse([]byte("{}"))
	require.NoError(t, err)
	require.Equal(t, "compiler", c.Runtime.Backend)
	require.EqualValues(t, 16, c.Router.MaxDepth)
	require.Equal(t, "allow", c.Router.Reentrancy)
	require.NotNil(t, c.Gas.Schedule)
	require.Zero(t, c.CallDeadlineDuration())
	require.Equal(t, Default().String(), c.String())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	yml := `
chain: test
runtime:
  backend: interpreter
  callDeadline: 250ms
router:
  maxDepth: 4
  reentrancy: deny-direct
gas:
  limit: 500
  schedule:
    invocation: 7
storage:
  backend: bolt
  path: /tmp/x.db
log:
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "interpreter", c.Runtime.Backend)
	require.Equal(t, 250*time.Millisecond, c.CallDeadlineDuration())
	require.EqualValues(t, 4, c.Router.MaxDepth)
	require.EqualValues(t, 7, c.Gas.Schedule.Invocation)
	require.Equal(t, "bolt", c.Storage.Backend)
}

func TestValidation(t *testing.T) {
	for _, yml := range []string{
		"runtime: {backend: jit}",
		"runtime: {callDeadline: soon}",
		"router: {reentrancy: sometimes}",
		"storage: {backend: leveldb}",
		"log: {format: xml}",
		"runtime: {metering: {maxFrames: 0}}",
		"runtime: {metering: {call: 4294967296}}",
	} {
		_, err := Parse([]byte(yml))
		require.Error(t, err, yml)
	}

	_, err := Load("")
	require.Error(t, err)
}

func TestDerivedOptions(t *testing.T) {
	c, err := Parse([]byte(`
runtime:
  memoryPages: 32
  cacheSize: 4
  callDeadline: 1s
  allowFloat: true
router:
  maxDepth: 5
  reentrancy: deny
`))
	require.NoError(t, err)

	opts := c.AdapterOptions()
	require.EqualValues(t, 32, opts.MaxMemoryPages)
	require.Equal(t, 4, opts.CacheSize)
	require.Equal(t, time.Second, opts.CallDeadline)
	require.True(t, opts.AllowFloat)
	require.False(t, opts.AllowWASI)
	require.Equal(t, runtime.DefaultMetering(), opts.Metering)

	rc := c.RouterConfig()
	require.EqualValues(t, 5, rc.MaxDepth)
	require.Equal(t, router.ReentrancyDeny, rc.Reentrancy)
}

func TestMetering(t *testing.T) {
	c, err := Parse([]byte(`
runtime:
  metering:
    loop: 5
    maxFrames: 256
`))
	require.NoError(t, err)

	// unset costs keep their default
	want := runtime.DefaultMetering()
	want.Loop = 5
	want.MaxFrames = 256
	require.Equal(t, want, c.Runtime.Metering)
	require.Equal(t, want, c.AdapterOptions().Metering)
	require.Equal(t, runtime.DefaultMetering(), Default().Runtime.Metering)
}
