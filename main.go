package main

import (
	"context"
	"fmt"
	"io"

	"github.com/fnproject/fdk-go"

	"github.com/newrelic/newrelic-logs-shipper/config"
	"github.com/newrelic/newrelic-logs-shipper/dispatcher"
	"github.com/newrelic/newrelic-logs-shipper/logger"
	"github.com/newrelic/newrelic-logs-shipper/unmarshal"
	"github.com/newrelic/newrelic-logs-shipper/vault"
)

var log = logger.NewLogrusLogger(logger.WithDebugLevel(), logger.WithJSONFormatter())

// outputFactory builds the dispatcher used by one invocation.
type outputFactory func(ctx context.Context) (dispatcher.Output, error)

// main function is the entry point for the FDK (Fn Project Development Kit).
func main() {
	fdk.Handle(fdk.HandlerFunc(myHandler))
}

// myHandler is the Fn handler for OCI Logging connector invocations.
func myHandler(ctx context.Context, in io.Reader, out io.Writer) {
	if err := handleFunction(ctx, in, newDispatcher(vault.NewOCISecretsManagerClient)); err != nil {
		log.Errorf("error handling log events: %v", err)
	}
}

// handleFunction decodes the incoming events, submits them to a fresh
// dispatcher and drains it before returning, so every payload reaches a
// terminal state within the invocation.
func handleFunction(ctx context.Context, in io.Reader, newOutput outputFactory) error {
	var event unmarshal.Event
	if err := event.Unmarshal(in); err != nil {
		return err
	}
	if len(event.Records) == 0 {
		log.Debug("no log records in invocation")
		return nil
	}
	unmarshal.HoistOCIMessage(event.Records)

	output, err := newOutput(ctx)
	if err != nil {
		return err
	}
	if err := output.Start(); err != nil {
		return err
	}

	submitErr := output.Submit(event.Records)
	if err := output.Drain(ctx); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	if submitErr != nil {
		return fmt.Errorf("submit: %w", submitErr)
	}

	log.WithField("records", len(event.Records)).Debugf("processed %s event", event.EventType)
	return nil
}

// loadConfig resolves the function configuration from the environment,
// fetching the license key from OCI Vault when one is referenced.
func loadConfig(ctx context.Context, newClient vault.ClientFactory) (config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return cfg, err
	}
	if err := cfg.ResolveEndpoint(); err != nil {
		return cfg, err
	}
	if err := vault.ResolveLicenseKey(ctx, &cfg, newClient); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func newDispatcher(newClient vault.ClientFactory, opts ...dispatcher.Option) outputFactory {
	return func(ctx context.Context) (dispatcher.Output, error) {
		cfg, err := loadConfig(ctx, newClient)
		if err != nil {
			return nil, err
		}
		return dispatcher.New(cfg, append([]dispatcher.Option{dispatcher.WithLogger(log)}, opts...)...)
	}
}
