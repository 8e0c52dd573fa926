package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/newrelic/newrelic-logs-shipper/common"
	"github.com/newrelic/newrelic-logs-shipper/config"
	"github.com/newrelic/newrelic-logs-shipper/dispatcher"
	"github.com/newrelic/newrelic-logs-shipper/intake"
	"github.com/newrelic/newrelic-logs-shipper/logger"
	"github.com/newrelic/newrelic-logs-shipper/unmarshal"
	"github.com/newrelic/newrelic-logs-shipper/vault"
)

var log = logger.NewLogrusLogger(logger.WithDebugLevel())

// options holds the flags shared by every command.
type options struct {
	configFile         string
	debug              bool
	logFormat          string
	endpoint           string
	region             string
	maxRetries         int
	concurrentRequests int
	drainTimeout       time.Duration

	newVaultClient vault.ClientFactory
	dispatcherOpts []dispatcher.Option
}

func main() {
	if err := newRootCmd(&options{newVaultClient: vault.NewOCISecretsManagerClient}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(o *options) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           common.PluginType,
		Short:         "Ship structured log records to the New Relic Logs API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&o.configFile, "config", "", "Path to a YAML configuration file")
	flags.BoolVar(&o.debug, "debug", false, "Enable debug logging")
	flags.StringVar(&o.logFormat, "log-format", "text", "Log format (text or json)")
	flags.StringVar(&o.endpoint, "endpoint", "", "Logs API endpoint, overrides the region")
	flags.StringVar(&o.region, "region", "", "New Relic region (us, eu, staging)")
	flags.IntVar(&o.maxRetries, "max-retries", common.DefaultMaxRetries, "Retries per payload after the first attempt")
	flags.IntVar(&o.concurrentRequests, "concurrent-requests", common.DefaultConcurrentRequests, "Number of delivery workers")
	flags.DurationVar(&o.drainTimeout, "drain-timeout", 5*time.Minute, "Maximum time to wait for pending payloads on exit")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		logger.WithFormat(o.logFormat)(log)
	}
	rootCmd.AddCommand(newShipCmd(o), newServeCmd(o))
	return rootCmd
}

func newShipCmd(o *options) *cobra.Command {
	var batchSize int

	cmd := &cobra.Command{
		Use:   "ship [file...]",
		Short: "Ship NDJSON or JSON array files, or stdin, and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if batchSize < 1 {
				return fmt.Errorf("--batch-size must be at least 1, got %d", batchSize)
			}
			d, err := startDispatcher(cmd, o)
			if err != nil {
				return err
			}

			shipErr := shipInputs(cmd.InOrStdin(), args, batchSize, d.Submit)

			ctx, cancel := context.WithTimeout(cmd.Context(), o.drainTimeout)
			defer cancel()
			if err := d.Drain(ctx); err != nil {
				log.WithFields(d.Stats().Fields()).Warnf("drain incomplete: %v", err)
			}

			stats := d.Stats()
			log.WithFields(stats.Fields()).Info("shipping finished")
			if err := json.NewEncoder(cmd.OutOrStdout()).Encode(stats); err != nil {
				return err
			}
			return shipErr
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", 1000, "Records per submitted batch")
	return cmd
}

func newServeCmd(o *options) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept log records over HTTP until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := startDispatcher(cmd, o)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, intake.NewServer(d, listen, log), d, o.drainTimeout)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":8080", "Address of the HTTP intake")
	return cmd
}

// serve runs the intake until ctx is done, then stops accepting requests and
// drains the dispatcher.
func serve(ctx context.Context, server *intake.Server, d *dispatcher.Dispatcher, drainTimeout time.Duration) error {
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	var err error
	select {
	case <-ctx.Done():
		log.Info("shutting down intake")
	case err = <-serverErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if stopErr := server.Stop(shutdownCtx); stopErr != nil {
		log.Errorf("intake shutdown error: %v", stopErr)
	}
	if drainErr := d.Drain(shutdownCtx); drainErr != nil {
		log.WithFields(d.Stats().Fields()).Warnf("drain incomplete: %v", drainErr)
	}
	log.WithFields(d.Stats().Fields()).Info("shutdown complete")
	return err
}

func startDispatcher(cmd *cobra.Command, o *options) (*dispatcher.Dispatcher, error) {
	cfg, err := loadConfig(cmd, o)
	if err != nil {
		return nil, err
	}
	logger.WithDebug(cfg.Debug)(log)

	d, err := dispatcher.New(cfg, append([]dispatcher.Option{dispatcher.WithLogger(log)}, o.dispatcherOpts...)...)
	if err != nil {
		return nil, err
	}
	return d, d.Start()
}

// loadConfig layers defaults, the config file, the environment and the
// flags that were set explicitly.
func loadConfig(cmd *cobra.Command, o *options) (config.Config, error) {
	cfg := config.Default()
	if o.configFile != "" {
		loaded, err := config.Load(o.configFile)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("endpoint") {
		cfg.BaseURI = o.endpoint
	}
	if flags.Changed("region") {
		cfg.Region = o.region
	}
	if flags.Changed("max-retries") {
		cfg.MaxRetries = o.maxRetries
	}
	if flags.Changed("concurrent-requests") {
		cfg.ConcurrentRequests = o.concurrentRequests
	}
	if flags.Changed("debug") {
		cfg.Debug = o.debug
	}

	if err := cfg.ResolveEndpoint(); err != nil {
		return cfg, err
	}
	if err := vault.ResolveLicenseKey(cmd.Context(), &cfg, o.newVaultClient); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// shipInputs reads every named file, or stdin when there is none or the name
// is "-", and submits its records in batches.
func shipInputs(stdin io.Reader, paths []string, batchSize int, submit func([]common.RawRecord) error) error {
	if len(paths) == 0 {
		paths = []string{"-"}
	}

	for _, path := range paths {
		if path == "-" {
			if err := readRecords(stdin, batchSize, submit); err != nil {
				return fmt.Errorf("stdin: %w", err)
			}
			continue
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		err = readRecords(f, batchSize, submit)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

// readRecords decodes a JSON array when the input starts with '[' and
// streams NDJSON otherwise.
func readRecords(r io.Reader, batchSize int, submit func([]common.RawRecord) error) error {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}

	fn := func(batch []common.RawRecord) error {
		unmarshal.HoistOCIMessage(batch)
		return submit(batch)
	}

	if first != '[' {
		return unmarshal.Stream(br, batchSize, fn)
	}

	data, err := io.ReadAll(br)
	if err != nil {
		return err
	}
	records, err := unmarshal.Records(data)
	if err != nil {
		return err
	}
	for start := 0; start < len(records); start += batchSize {
		end := min(start+batchSize, len(records))
		if err := fn(records[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}
