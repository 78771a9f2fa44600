package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opendlt/accumen-appsdk/engine/abi"
	"github.com/opendlt/accumen-appsdk/engine/exec"
	"github.com/opendlt/accumen-appsdk/engine/state"
	"github.com/opendlt/accumen-appsdk/internal/metrics"
	"github.com/opendlt/accumen-appsdk/types"
)

type benchResult struct {
	Chains     int               `json:"chains"`
	Operations int               `json:"operations"`
	Failed     int               `json:"failed"`
	Duration   string            `json:"duration"`
	OpsPerSec  float64           `json:"ops_per_sec"`
	LatencyP50 string            `json:"latency_p50"`
	LatencyP95 string            `json:"latency_p95"`
	LatencyP99 string            `json:"latency_p99"`
	GasPerOp   uint64            `json:"gas_per_op"`
	Metrics    *metrics.Snapshot `json:"metrics"`
}

func benchCommand() *cobra.Command {
	var chains int
	var ops int
	var initArgs string
	var opArgs string
	var signer string

	cmd := &cobra.Command{
		Use:   "bench <wasm>",
		Short: "Run operations against fresh in-memory chains in parallel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			bytecode, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read wasm file: %w", err)
			}
			initPayload, err := envelope(abi.TagInitArgs, initArgs)
			if err != nil {
				return err
			}
			opPayload, err := envelope(abi.TagOperation, opArgs)
			if err != nil {
				return err
			}
			owner, err := parseOwner(signer)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			adapter, err := newAdapter(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer adapter.Close(ctx)

			latencies := make([][]time.Duration, chains)
			failed := make([]int, chains)
			gas := make([]uint64, chains)

			start := time.Now()
			g, gctx := errgroup.WithContext(ctx)
			for i := 0; i < chains; i++ {
				g.Go(func() error {
					chain, err := exec.NewChain(exec.Options{
						ID:       types.ChainIDFromString(fmt.Sprintf("%s-bench-%d", cfg.Chain, i)),
						Store:    state.NewMemoryKVStore(),
						Adapter:  adapter,
						Router:   cfg.RouterConfig(),
						Schedule: cfg.Gas.Schedule,
						Logger:   logger,
					})
					if err != nil {
						return err
					}
					app, _, err := chain.CreateApplication(gctx, bytecode, initPayload, owner, cfg.Gas.Limit)
					if err != nil {
						return fmt.Errorf("chain %d: deploy: %w", i, err)
					}

					op := types.Operation{Application: app, Signer: owner, Payload: opPayload}
					for j := 0; j < ops; j++ {
						began := time.Now()
						outcome, err := chain.ExecuteOperation(gctx, op, cfg.Gas.Limit)
						latencies[i] = append(latencies[i], time.Since(began))
						if err != nil {
							if gctx.Err() != nil {
								return gctx.Err()
							}
							failed[i]++
							continue
						}
						gas[i] += outcome.GasUsed
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			elapsed := time.Since(start)

			prettyPrint(summarize(latencies, failed, gas, elapsed))
			return nil
		},
	}

	cmd.Flags().IntVar(&chains, "chains", 4, "Number of chains run in parallel")
	cmd.Flags().IntVar(&ops, "ops", 1000, "Operations per chain")
	cmd.Flags().StringVar(&initArgs, "init", "", "Instantiation argument as hex CBOR")
	cmd.Flags().StringVar(&opArgs, "args", "", "Operation as hex CBOR")
	cmd.Flags().StringVar(&signer, "signer", "", "Authenticated signer as hex")
	return cmd
}

func summarize(latencies [][]time.Duration, failed []int, gas []uint64, elapsed time.Duration) *benchResult {
	var all []time.Duration
	res := &benchResult{Chains: len(latencies), Duration: elapsed.String(), Metrics: metrics.GetSnapshot()}
	var totalGas uint64
	for i := range latencies {
		all = append(all, latencies[i]...)
		res.Failed += failed[i]
		totalGas += gas[i]
	}
	res.Operations = len(all)
	if len(all) == 0 {
		return res
	}

	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	res.LatencyP50 = percentile(all, 50).String()
	res.LatencyP95 = percentile(all, 95).String()
	res.LatencyP99 = percentile(all, 99).String()
	res.OpsPerSec = float64(len(all)) / elapsed.Seconds()
	if ok := len(all) - res.Failed; ok > 0 {
		res.GasPerOp = totalGas / uint64(ok)
	}
	return res
}

// percentile expects sorted input
func percentile(sorted []time.Duration, p int) time.Duration {
	idx := (len(sorted) - 1) * p / 100
	return sorted[idx]
}
