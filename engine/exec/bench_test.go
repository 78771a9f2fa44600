package exec

import (
	"context"
	"testing"

	"github.com/opendlt/accumen-appsdk/engine/router"
	"github.com/opendlt/accumen-appsdk/engine/runtime"
	"github.com/opendlt/accumen-appsdk/types"
)

// BenchmarkExecuteOperation measures a committed transaction whose call tree
// is depth frames deep.
func BenchmarkExecuteOperation(b *testing.B) {
	benchmarks := []struct {
		name  string
		depth int
	}{
		{name: "Leaf", depth: 0},
		{name: "Depth4", depth: 4},
		{name: "Depth12", depth: 12},
	}

	for _, kind := range []string{runtime.KindCompiler, runtime.KindInterpreter} {
		for _, bm := range benchmarks {
			b.Run(kind+"/"+bm.name, func(b *testing.B) {
				ctx := context.Background()
				c := newChain(b, newAdapter(b, kind), "bench", router.DefaultConfig())
				op := types.Operation{Application: chainOf(b, c, bm.depth)}

				b.ResetTimer()
				b.ReportAllocs()
				var gas uint64
				for i := 0; i < b.N; i++ {
					out, err := c.ExecuteOperation(ctx, op, gasLimit)
					if err != nil {
						b.Fatalf("execute failed: %v", err)
					}
					gas = out.GasUsed
				}
				b.ReportMetric(float64(gas), "gas/op")
				b.ReportMetric(float64(bm.depth+1), "frames")
			})
		}
	}
}
