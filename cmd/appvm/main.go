package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/cobra"

	"github.com/opendlt/accumen-appsdk/engine/abi"
	"github.com/opendlt/accumen-appsdk/engine/exec"
	"github.com/opendlt/accumen-appsdk/engine/runtime"
	"github.com/opendlt/accumen-appsdk/engine/state"
	"github.com/opendlt/accumen-appsdk/internal/config"
	"github.com/opendlt/accumen-appsdk/internal/logz"
	"github.com/opendlt/accumen-appsdk/internal/metrics"
	"github.com/opendlt/accumen-appsdk/types"
)

var version = "dev"

var (
	configPath     string
	storageBackend string
	dataDir        string
	chainName      string
	gasLimit       uint64
	logLevel       string
	metricsAddr    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "appvm",
		Short: "Host and run sandboxed applications",
		Long:  "Command-line interface for deploying, executing and querying wasm applications on a local chain",
		// usage is noise once a command has started running
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if metricsAddr != "" {
				return serveMetrics(metricsAddr)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&storageBackend, "storage", "", "Storage backend: memory, badger or bolt (overrides config)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Storage path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&chainName, "chain", "", "Chain name (overrides config)")
	rootCmd.PersistentFlags().Uint64Var(&gasLimit, "gas", 0, "Gas limit per transaction (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /debug/vars and /metrics on this address while the command runs")

	rootCmd.AddCommand(
		inspectCommand(),
		embedCommand(),
		deployCommand(),
		executeCommand(),
		deliverCommand(),
		queryCommand(),
		appsCommand(),
		receiptsCommand(),
		benchCommand(),
		snapshotCommand(),
		versionCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/debug/vars", metrics.Handler())
	mux.Handle("/metrics", metrics.PrometheusHandler())
	go http.Serve(ln, mux)
	return nil
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}

	if storageBackend != "" {
		cfg.Storage.Backend = storageBackend
	}
	if dataDir != "" {
		cfg.Storage.Path = dataDir
	}
	if cfg.Storage.Path == "" && cfg.Storage.Backend != "memory" {
		cfg.Storage.Path = "data/state"
	}
	if chainName != "" {
		cfg.Chain = chainName
	}
	if gasLimit != 0 {
		cfg.Gas.Limit = gasLimit
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logz.Logger, error) {
	level, err := logz.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return logz.NewWithWriter(os.Stderr, level, cfg.Log.Format), nil
}

func newAdapter(ctx context.Context, cfg *config.Config, logger *logz.Logger) (*runtime.Adapter, error) {
	backend, err := runtime.NewBackend(ctx, cfg.Runtime.Backend, runtime.BackendOptions{
		MemoryPages: cfg.Runtime.MemoryPages,
		AllowWASI:   cfg.Runtime.AllowWASI,
	})
	if err != nil {
		return nil, err
	}
	opts := cfg.AdapterOptions()
	opts.Logger = logger
	return runtime.NewAdapter(backend, opts), nil
}

// node is an opened chain with everything it runs on
type node struct {
	cfg     *config.Config
	store   state.KVStore
	adapter *runtime.Adapter
	chain   *exec.Chain
}

func openNode(ctx context.Context) (*node, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	store, err := state.OpenStore(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Storage.Backend, err)
	}
	adapter, err := newAdapter(ctx, cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	chain, err := exec.NewChain(exec.Options{
		ID:       types.ChainIDFromString(cfg.Chain),
		Store:    store,
		Adapter:  adapter,
		Router:   cfg.RouterConfig(),
		Schedule: cfg.Gas.Schedule,
		Logger:   logger,
	})
	if err != nil {
		adapter.Close(ctx)
		store.Close()
		return nil, err
	}

	return &node{cfg: cfg, store: store, adapter: adapter, chain: chain}, nil
}

func (n *node) Close(ctx context.Context) {
	n.adapter.Close(ctx)
	n.store.Close()
}

func inspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <wasm>",
		Short: "Audit a wasm module against the host's rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bytecode, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read wasm file: %w", err)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			report := runtime.AuditModule(bytecode, runtime.AuditOptions{
				MaxMemoryPages: cfg.Runtime.MemoryPages,
				AllowWASI:      cfg.Runtime.AllowWASI,
				AllowFloat:     cfg.Runtime.AllowFloat,
			})
			result := map[string]interface{}{
				"file":      args[0],
				"size":      len(bytecode),
				"passed":    report.Ok,
				"mem_pages": report.MemPages,
				"functions": report.Functions,
				"imports":   report.Imports,
				"exports":   report.Exports,
			}
			if len(report.Reasons) > 0 {
				result["violations"] = report.Reasons
			}
			if err := abi.CheckInterface(report.Custom[abi.InterfaceSection]); err != nil {
				result["interface"] = err.Error()
			} else {
				result["interface"] = "compatible"
			}
			if schema, ok := report.Custom[abi.AppSchemaSection]; ok {
				h := abi.AppSchemaHash(schema)
				result["app_schema"] = hex.EncodeToString(h[:])
			}

			prettyPrint(result)
			if !report.Ok {
				os.Exit(1)
			}
			return nil
		},
	}
}

func embedCommand() *cobra.Command {
	var out string
	var schema string

	cmd := &cobra.Command{
		Use:   "embed <wasm>",
		Short: "Stamp a module with the host interface hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bytecode, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read wasm file: %w", err)
			}
			stamped, err := runtime.EmbedInterface(bytecode, []byte(schema))
			if err != nil {
				return err
			}
			if out == "" {
				out = args[0]
			}
			if err := os.WriteFile(out, stamped, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", out, err)
			}

			hash := abi.InterfaceHash()
			prettyPrint(map[string]interface{}{
				"file":      out,
				"size":      len(stamped),
				"interface": hex.EncodeToString(hash[:]),
			})
			return nil
		},
	}

	cmd.Flags().StringVar(&out, "out", "", "Output path (defaults to rewriting the input)")
	cmd.Flags().StringVar(&schema, "app-schema", "", "Application payload schema description to embed")
	return cmd
}

func deployCommand() *cobra.Command {
	var initArgs string
	var signer string

	cmd := &cobra.Command{
		Use:   "deploy <wasm>",
		Short: "Create an application from a wasm module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			bytecode, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read wasm file: %w", err)
			}
			payload, err := envelope(abi.TagInitArgs, initArgs)
			if err != nil {
				return err
			}
			owner, err := parseOwner(signer)
			if err != nil {
				return err
			}

			n, err := openNode(ctx)
			if err != nil {
				return err
			}
			defer n.Close(ctx)

			app, outcome, err := n.chain.CreateApplication(ctx, bytecode, payload, owner, n.cfg.Gas.Limit)
			if err != nil {
				return failure(err)
			}

			result := outcomeJSON(outcome)
			result["application"] = app.String()
			prettyPrint(result)
			return nil
		},
	}

	cmd.Flags().StringVar(&initArgs, "init", "", "Instantiation argument as hex CBOR")
	cmd.Flags().StringVar(&signer, "signer", "", "Authenticated signer as hex")
	return cmd
}

func executeCommand() *cobra.Command {
	var opArgs string
	var signer string

	cmd := &cobra.Command{
		Use:   "execute <application>",
		Short: "Execute an operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := types.ParseApplicationID(args[0])
			if err != nil {
				return err
			}
			payload, err := envelope(abi.TagOperation, opArgs)
			if err != nil {
				return err
			}
			owner, err := parseOwner(signer)
			if err != nil {
				return err
			}

			n, err := openNode(ctx)
			if err != nil {
				return err
			}
			defer n.Close(ctx)

			outcome, err := n.chain.ExecuteOperation(ctx, types.Operation{Application: app, Signer: owner, Payload: payload}, n.cfg.Gas.Limit)
			if err != nil {
				return failure(err)
			}
			prettyPrint(outcomeJSON(outcome))
			return nil
		},
	}

	cmd.Flags().StringVar(&opArgs, "args", "", "Operation as hex CBOR")
	cmd.Flags().StringVar(&signer, "signer", "", "Authenticated signer as hex")
	return cmd
}

func deliverCommand() *cobra.Command {
	var msgFile string

	cmd := &cobra.Command{
		Use:   "deliver",
		Short: "Deliver messages from another chain's outbox",
		Long:  "Reads a JSON array of incoming messages, as printed in an outcome's outbox, and executes those addressed to this chain in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			data, err := os.ReadFile(msgFile)
			if err != nil {
				return fmt.Errorf("failed to read messages: %w", err)
			}
			var outbox []types.IncomingMessage
			if err := json.Unmarshal(data, &outbox); err != nil {
				return fmt.Errorf("failed to parse messages: %w", err)
			}

			n, err := openNode(ctx)
			if err != nil {
				return err
			}
			defer n.Close(ctx)

			var results []map[string]interface{}
			for _, msg := range outbox {
				if msg.Target.Chain != n.chain.ID() {
					continue
				}
				outcome, err := n.chain.ExecuteMessage(ctx, msg, n.cfg.Gas.Limit)
				if err != nil {
					return failure(fmt.Errorf("message %d from %s: %w", msg.Index, msg.Sender.Short(), err))
				}
				results = append(results, outcomeJSON(outcome))
			}
			prettyPrint(map[string]interface{}{
				"delivered": len(results),
				"outcomes":  results,
			})
			return nil
		},
	}

	cmd.Flags().StringVar(&msgFile, "messages", "", "Path to the messages file (required)")
	cmd.MarkFlagRequired("messages")
	return cmd
}

func queryCommand() *cobra.Command {
	var queryArgs string

	cmd := &cobra.Command{
		Use:   "query <application>",
		Short: "Run a read-only query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := types.ParseApplicationID(args[0])
			if err != nil {
				return err
			}
			payload, err := envelope(abi.TagQuery, queryArgs)
			if err != nil {
				return err
			}

			n, err := openNode(ctx)
			if err != nil {
				return err
			}
			defer n.Close(ctx)

			value, err := n.chain.Query(ctx, app, payload, n.cfg.Gas.Limit)
			if err != nil {
				return failure(err)
			}
			prettyPrint(valueJSON(value))
			return nil
		},
	}

	cmd.Flags().StringVar(&queryArgs, "args", "", "Query as hex CBOR")
	return cmd
}

func appsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "apps",
		Short: "List the chain's applications",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			n, err := openNode(ctx)
			if err != nil {
				return err
			}
			defer n.Close(ctx)

			descs, err := n.chain.Applications()
			if err != nil {
				return err
			}
			list := make([]map[string]interface{}, 0, len(descs))
			for _, d := range descs {
				list = append(list, map[string]interface{}{
					"application": d.ID.String(),
					"size":        d.Size,
					"created_at":  d.CreatedAt,
					"app_schema":  hex.EncodeToString(d.AppSchema),
				})
			}
			prettyPrint(map[string]interface{}{
				"chain":        n.chain.ID().String(),
				"sequence":     n.chain.Sequence(),
				"applications": list,
			})
			return nil
		},
	}
}

func receiptsCommand() *cobra.Command {
	var from uint64
	var limit int

	cmd := &cobra.Command{
		Use:   "receipts",
		Short: "List transaction receipts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			n, err := openNode(ctx)
			if err != nil {
				return err
			}
			defer n.Close(ctx)

			receipts, err := state.ListReceipts(n.store, from, limit)
			if err != nil {
				return err
			}
			list := make([]map[string]interface{}, 0, len(receipts))
			for _, r := range receipts {
				list = append(list, receiptJSON(r))
			}
			prettyPrint(list)
			return nil
		},
	}

	cmd.Flags().Uint64Var(&from, "from", 1, "First sequence to list")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of receipts")
	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and interface hash",
		Run: func(cmd *cobra.Command, args []string) {
			hash := abi.InterfaceHash()
			prettyPrint(map[string]interface{}{
				"version":      version,
				"wire_version": abi.Version,
				"interface":    hex.EncodeToString(hash[:]),
			})
		},
	}
}

// envelope wraps a hex CBOR value in the argument envelope of tag. An empty
// argument is no payload at all.
func envelope(tag abi.Tag, arg string) ([]byte, error) {
	if arg == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(arg, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid %s hex: %w", tag, err)
	}
	if err := cbor.Wellformed(raw); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", tag, err)
	}
	return append([]byte{abi.Version, byte(tag)}, raw...), nil
}

func parseOwner(s string) (*types.Owner, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(raw) != len(types.Owner{}) {
		return nil, fmt.Errorf("invalid signer %q: want 32 hex bytes", s)
	}
	owner := types.Owner(raw)
	return &owner, nil
}

// failure adds the trace of a failed transaction to its error
func failure(err error) error {
	f, ok := err.(*exec.Failure)
	if !ok {
		return err
	}
	trace := make([]string, 0, len(f.Trace))
	for _, t := range f.Trace {
		trace = append(trace, t.String())
	}
	prettyPrint(map[string]interface{}{
		"error":    f.Err.Error(),
		"gas_used": f.GasUsed,
		"trace":    trace,
	})
	return err
}

func outcomeJSON(o *exec.Outcome) map[string]interface{} {
	trace := make([]string, 0, len(o.Trace))
	for _, t := range o.Trace {
		trace = append(trace, t.String())
	}
	result := map[string]interface{}{
		"gas_used": o.GasUsed,
		"trace":    trace,
		"receipt":  receiptJSON(o.Receipt),
	}
	if o.Value != nil {
		result["value"] = valueJSON(o.Value)
	}
	if len(o.Outbox) > 0 {
		result["outbox"] = o.Outbox
	}
	return result
}

func receiptJSON(r *state.Receipt) map[string]interface{} {
	return map[string]interface{}{
		"sequence":    r.Sequence,
		"tx_hash":     hex.EncodeToString(r.TxHash[:]),
		"application": r.Application.String(),
		"entry":       r.Entry,
		"gas_used":    r.GasUsed,
		"writes":      r.Writes,
		"digest":      hex.EncodeToString(r.Digest[:]),
		"messages":    r.Messages,
		"calls":       r.Calls,
	}
}

// valueJSON shows a result envelope as hex and in CBOR diagnostic notation
func valueJSON(v []byte) map[string]interface{} {
	out := map[string]interface{}{"hex": hex.EncodeToString(v)}
	if tag, err := abi.PeekTag(v); err == nil {
		out["tag"] = tag.String()
		if diag, err := cbor.Diagnose(v[abi.HeaderSize:]); err == nil {
			out["cbor"] = diag
		}
	}
	return out
}

// prettyPrint formats and prints JSON objects with proper indentation
func prettyPrint(data interface{}) {
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		fmt.Printf("Error formatting output: %v\n", err)
		fmt.Printf("%+v\n", data)
		return
	}
	fmt.Println(string(jsonBytes))
}
