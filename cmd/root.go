package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/inference-engine/engine"
	"github.com/inference-sim/inference-engine/engine/backend/synthetic"
	"github.com/inference-sim/inference-engine/engine/workload"
)

var (
	configPath  string // engine YAML config
	logLevel    string // Log verbosity level
	metricsAddr string // serve /metrics here while running; empty disables

	// engine overrides, applied only when set on the command line
	totalKVBlocks       int
	blockSizeTokens     int
	maxBatchTokens      int
	maxSequences        int
	maxModelLength      int
	maxCatchups         int
	concurrentCatchup   bool
	admissionPolicy     string
	evictionPolicy      string
	admissionPreemption bool
	admissionTimeout    time.Duration
	requestLogPath      string
	traceLevel          string

	// synthetic backend
	vocabSize  int
	entryDim   int
	betaCoeffs []float64 // step time coefficients in microseconds

	// GuideLLM-style request generation
	workloadPath      string
	requestsFilePath  string // pre-tokenized ShareGPT file replayed instead of generating
	seed              int64
	rate              float64
	numRequests       int
	promptTokensMean  int
	promptTokensStdev int
	promptTokensMin   int
	promptTokensMax   int
	outputTokensMean  int
	outputTokensStdev int
	outputTokensMin   int
	outputTokensMax   int
	priorityClasses   int
	adapters          []string
	temperature       float64
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "inference-engine",
	Short: "Continuous-batching inference engine with KV cache catch-up",
}

// runCmd drives a generated workload through the engine on the synthetic backend
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a synthetic workload through the engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return errors.Errorf("invalid log level %q", logLevel)
		}
		logrus.SetLevel(level)

		cfg, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		spec, err := resolveWorkload(cmd)
		if err != nil {
			return err
		}
		var items []workload.Item
		if requestsFilePath != "" {
			items, err = workload.LoadShareGPT(requestsFilePath, engine.SamplingConfig{Temperature: spec.Temperature})
		} else {
			items, err = workload.Generate(spec)
		}
		if err != nil {
			return errors.Wrap(err, "building workload")
		}
		backend, err := synthetic.New(synthetic.Config{VocabSize: vocabSize, EntryDim: entryDim, BetaCoeffs: betaCoeffs})
		if err != nil {
			return err
		}
		e, err := engine.New(cfg, backend)
		if err != nil {
			return err
		}

		reg := prometheus.NewRegistry()
		if err := e.Metrics().Register(reg); err != nil {
			return errors.Wrap(err, "registering metrics")
		}
		if metricsAddr != "" {
			srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logrus.Errorf("metrics server: %v", err)
				}
			}()
			defer srv.Close()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		logrus.Infof("Starting run: %d requests at %.2f req/s, %d KV blocks x %d, beta=%v",
			len(items), spec.Rate, cfg.Cache.TotalBlocks, cfg.Cache.BlockSize, betaCoeffs)
		report, err := drive(ctx, e, items)
		if err != nil {
			return err
		}
		report.Print(cmd.OutOrStdout())
		if cfg.TraceLevel != "none" {
			printTraceSummary(cmd.OutOrStdout(), e.Trace())
		}
		logrus.Info("Run complete.")
		return nil
	},
}

// validateConfigCmd checks an engine config file without running anything
var validateConfigCmd = &cobra.Command{
	Use:   "validate-config <path>",
	Short: "Validate an engine YAML config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := engine.LoadConfig(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d blocks x %d positions, admission %s, eviction %s)\n",
			args[0], cfg.Cache.TotalBlocks, cfg.Cache.BlockSize, cfg.Policy.Admission, cfg.Policy.Eviction)
		return nil
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// resolveConfig loads --config (or the defaults) and applies every engine flag the
// user set explicitly. Unset flags never overwrite file values.
func resolveConfig(cmd *cobra.Command) (engine.Config, error) {
	cfg := engine.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = engine.LoadConfig(configPath); err != nil {
			return cfg, err
		}
	}
	f := cmd.Flags()
	if f.Changed("total-kv-blocks") {
		cfg.Cache.TotalBlocks = totalKVBlocks
	}
	if f.Changed("block-size-in-tokens") {
		cfg.Cache.BlockSize = blockSizeTokens
	}
	if f.Changed("max-batch-tokens") {
		cfg.Batch.MaxBatchTokens = maxBatchTokens
	}
	if f.Changed("max-num-seqs") {
		cfg.Batch.MaxSequences = maxSequences
	}
	if f.Changed("max-model-len") {
		cfg.Batch.MaxModelLen = maxModelLength
	}
	if f.Changed("max-concurrent-catchups") {
		cfg.Batch.MaxConcurrentCatchups = maxCatchups
	}
	if f.Changed("concurrent-catchup") {
		cfg.Batch.ConcurrentCatchup = concurrentCatchup
	}
	if f.Changed("admission-policy") {
		cfg.Policy.Admission = admissionPolicy
	}
	if f.Changed("eviction-policy") {
		cfg.Policy.Eviction = evictionPolicy
	}
	if f.Changed("admission-preemption") {
		cfg.Policy.AdmissionPreemption = admissionPreemption
	}
	if f.Changed("admission-timeout") {
		cfg.AdmissionTimeout = admissionTimeout
	}
	if f.Changed("request-log") {
		cfg.RequestLogPath = requestLogPath
	}
	if f.Changed("trace-level") {
		cfg.TraceLevel = traceLevel
	}
	return cfg, errors.Wrap(cfg.Validate(), "invalid engine config")
}

// resolveWorkload loads --workload (or the defaults) and applies explicit flags.
func resolveWorkload(cmd *cobra.Command) (workload.Spec, error) {
	spec := workload.DefaultSpec()
	if workloadPath != "" {
		var err error
		if spec, err = loadWorkloadSpec(workloadPath); err != nil {
			return spec, err
		}
	}
	f := cmd.Flags()
	if f.Changed("seed") {
		spec.Seed = seed
	}
	if f.Changed("rate") {
		spec.Rate = rate
	}
	if f.Changed("num-requests") {
		spec.NumRequests = numRequests
	}
	if f.Changed("prompt-tokens") {
		spec.Prompt.Mean = float64(promptTokensMean)
	}
	if f.Changed("prompt-tokens-stdev") {
		spec.Prompt.StdDev = float64(promptTokensStdev)
	}
	if f.Changed("prompt-tokens-min") {
		spec.Prompt.Min = promptTokensMin
	}
	if f.Changed("prompt-tokens-max") {
		spec.Prompt.Max = promptTokensMax
	}
	if f.Changed("output-tokens") {
		spec.Output.Mean = float64(outputTokensMean)
	}
	if f.Changed("output-tokens-stdev") {
		spec.Output.StdDev = float64(outputTokensStdev)
	}
	if f.Changed("output-tokens-min") {
		spec.Output.Min = outputTokensMin
	}
	if f.Changed("output-tokens-max") {
		spec.Output.Max = outputTokensMax
	}
	if f.Changed("priority-classes") {
		spec.PriorityClasses = priorityClasses
	}
	if f.Changed("adapters") {
		spec.Adapters = adapters
	}
	if f.Changed("temperature") {
		spec.Temperature = temperature
	}
	spec.VocabSize = vocabSize
	return spec, nil
}

// registerRunFlags binds the run flags of c to their package variables, resetting
// each to its default.
func registerRunFlags(c *cobra.Command) {
	c.Flags().StringVar(&configPath, "config", "", "Engine YAML config; flags override its values")
	c.Flags().StringVar(&logLevel, "log", "error", "Log level (trace, debug, info, warn, error, fatal, panic)")
	c.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the run")

	// engine configs
	c.Flags().IntVar(&totalKVBlocks, "total-kv-blocks", 1024, "Total number of KV cache blocks")
	c.Flags().IntVar(&blockSizeTokens, "block-size-in-tokens", 16, "Number of tokens contained in a KV cache block")
	c.Flags().IntVar(&maxBatchTokens, "max-batch-tokens", 2048, "Maximum positions processed in one main step")
	c.Flags().IntVar(&maxSequences, "max-num-seqs", 64, "Maximum sequences holding cache at once")
	c.Flags().IntVar(&maxModelLength, "max-model-len", 4096, "Max request length (input + output tokens); 0 disables")
	c.Flags().IntVar(&maxCatchups, "max-concurrent-catchups", 4, "Catch-up sub-batches executing at once")
	c.Flags().BoolVar(&concurrentCatchup, "concurrent-catchup", true, "Run catch-up alongside the main step and admit mid-step")
	c.Flags().StringVar(&admissionPolicy, "admission-policy", "priority-fcfs", "Admission order: fcfs, priority-fcfs, sjf, aging")
	c.Flags().StringVar(&evictionPolicy, "eviction-policy", "priority-lifo", "Eviction order: priority-lifo, lifo, largest-first")
	c.Flags().BoolVar(&admissionPreemption, "admission-preemption", false, "Let waiting sequences evict strictly lower priorities")
	c.Flags().DurationVar(&admissionTimeout, "admission-timeout", 0, "Error sequences still waiting after this long; 0 waits forever")
	c.Flags().StringVar(&requestLogPath, "request-log", "", "Append JSON-lines request/response records to this file")
	c.Flags().StringVar(&traceLevel, "trace-level", "none", "Decision trace: none, decisions, batches")

	// synthetic backend
	c.Flags().IntVar(&vocabSize, "vocab-size", 32000, "Vocabulary size of the synthetic model")
	c.Flags().IntVar(&entryDim, "kv-entry-dim", 8, "Values per synthetic KV entry")
	c.Flags().Float64SliceVar(&betaCoeffs, "beta-coeffs", nil, "Comma-separated beta coefficients (beta0,beta1,beta2) in microseconds")

	// GuideLLM request generation config
	c.Flags().StringVar(&workloadPath, "workload", "", "Workload YAML spec; flags override its values")
	c.Flags().StringVar(&requestsFilePath, "requests-file", "", "Replay a pre-tokenized ShareGPT JSON file instead of generating requests")
	c.Flags().Int64Var(&seed, "seed", 42, "Seed for random request generation")
	c.Flags().Float64Var(&rate, "rate", 10, "Requests arrival per second; 0 submits all at once")
	c.Flags().IntVar(&numRequests, "num-requests", 100, "Number of requests")
	c.Flags().IntVar(&promptTokensMean, "prompt-tokens", 256, "Average Prompt Token Count")
	c.Flags().IntVar(&promptTokensStdev, "prompt-tokens-stdev", 64, "Stddev Prompt Token Count")
	c.Flags().IntVar(&promptTokensMin, "prompt-tokens-min", 16, "Min Prompt Token Count")
	c.Flags().IntVar(&promptTokensMax, "prompt-tokens-max", 1024, "Max Prompt Token Count")
	c.Flags().IntVar(&outputTokensMean, "output-tokens", 128, "Average Output Token Count")
	c.Flags().IntVar(&outputTokensStdev, "output-tokens-stdev", 32, "Stddev Output Token Count")
	c.Flags().IntVar(&outputTokensMin, "output-tokens-min", 1, "Min Output Token Count")
	c.Flags().IntVar(&outputTokensMax, "output-tokens-max", 512, "Max Output Token Count")
	c.Flags().IntVar(&priorityClasses, "priority-classes", 1, "Spread requests over this many priority classes")
	c.Flags().StringSliceVar(&adapters, "adapters", nil, "LoRA adapter names to draw from; empty entry selects the base model")
	c.Flags().Float64Var(&temperature, "temperature", 0, "Sampling temperature; 0 is greedy")
}

// init sets up CLI flags and subcommands
func init() {
	registerRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateConfigCmd)
}
