package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"firestige.xyz/chains/internal/classifier"
	"firestige.xyz/chains/internal/config"
	"firestige.xyz/chains/internal/log"
	"firestige.xyz/chains/internal/metrics"
	"firestige.xyz/chains/internal/pipeline"
)

var (
	runRead           string
	runInterface      string
	runMax            int
	runMaxPackets     int
	runBPF            string
	runWhere          string
	runFormat         string
	runSummary        bool
	runOnlyClassified bool
	runFlowTimeout    time.Duration
	runKafka          []string
	runTopic          string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Capture and classify traffic",
	Long: `Build the chain from the config file and the flags below and pull records
through it until the source is exhausted, --max records were printed, or
the process receives SIGINT/SIGTERM.

Examples:
  chains run -r capture.pcap
  chains run -i eth0 --bpf "tcp port 80" -m 20
  chains run -r capture.pcap --where 'kind == "HTTP_REQUEST"' --format json
  chains run -r capture.pcap --summary
  chains run -i eth0 --kafka k1:9092,k2:9092 --topic flows`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if err := applyRunFlags(cmd, cfg); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runChain(ctx, cfg, cmd.OutOrStdout())
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runRead, "read", "r", "", "read packets from a pcap file")
	f.StringVarP(&runInterface, "interface", "i", "", "capture from a network interface")
	f.IntVarP(&runMax, "max", "m", 0, "stop after this many records (0 = unlimited)")
	f.IntVar(&runMaxPackets, "max-packets", 0, "stop reading after this many packets (0 = unlimited)")
	f.StringVar(&runBPF, "bpf", "", "capture filter expression")
	f.StringVar(&runWhere, "where", "", "CEL expression records must satisfy")
	f.StringVar(&runFormat, "format", "", "output format: text, json or yaml")
	f.BoolVar(&runSummary, "summary", false, "print aggregate counts instead of records")
	f.BoolVar(&runOnlyClassified, "only-classified", false, "skip records without a classification")
	f.DurationVar(&runFlowTimeout, "flow-timeout", 0, "flush idle TCP connections after this long")
	f.StringSliceVar(&runKafka, "kafka", nil, "publish records to these Kafka brokers")
	f.StringVar(&runTopic, "topic", "", "Kafka topic for --kafka")
}

// applyRunFlags layers the flags the user set on top of cfg and validates
// the result.
func applyRunFlags(cmd *cobra.Command, cfg *config.GlobalConfig) error {
	flags := cmd.Flags()
	if runRead != "" && runInterface != "" {
		return fmt.Errorf("--read and --interface are mutually exclusive")
	}
	if runRead != "" {
		cfg.Source.Type = "pcapfile"
		cfg.Source.Path = runRead
	}
	if runInterface != "" {
		cfg.Source.Type = "live"
		cfg.Source.Interface = runInterface
	}
	if flags.Changed("max") {
		cfg.MaxRecords = runMax
	}
	if flags.Changed("max-packets") {
		cfg.Source.MaxPackets = runMaxPackets
	}
	if flags.Changed("bpf") {
		cfg.Source.BPF = runBPF
	}
	if flags.Changed("where") {
		cfg.Filter.Expression = runWhere
	}
	if flags.Changed("format") {
		cfg.Sink.Format = runFormat
	}
	if runSummary && len(runKafka) > 0 {
		return fmt.Errorf("--summary and --kafka are mutually exclusive")
	}
	if runSummary {
		cfg.Sink.Type = "summary"
	}
	if len(runKafka) > 0 {
		cfg.Sink.Type = "kafka"
		cfg.Sink.Brokers = runKafka
	}
	if flags.Changed("topic") {
		cfg.Sink.Topic = runTopic
	}
	if flags.Changed("only-classified") {
		cfg.Sink.OnlyClassified = runOnlyClassified
	}
	if flags.Changed("flow-timeout") {
		cfg.Flow.Timeout = runFlowTimeout
	}
	return cfg.ValidateAndApplyDefaults()
}

// runChain builds the pipeline for cfg, writing sink output to out, and
// runs it until ctx is done or the source is exhausted.
func runChain(ctx context.Context, cfg *config.GlobalConfig, out io.Writer) error {
	if err := log.Init(cfg.Log); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	logger := log.GetLogger()

	var (
		m        *metrics.Metrics
		observer classifier.Observer
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		m = metrics.New(reg)
		observer = m

		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, reg, logger)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Stop(stopCtx); err != nil {
				logger.WithError(err).Warn("failed to stop metrics server")
			}
		}()
	}

	registries := pipeline.Builtin(out, logger, observer)
	for name, f := range extraSources {
		if err := registries.Sources.Register(name, f(ctx, logger)); err != nil {
			return err
		}
	}

	p, err := pipeline.NewBuilder(registries).
		WithLogger(logger).
		WithMetrics(m).
		Build(cfg)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	return p.Run(ctx)
}
