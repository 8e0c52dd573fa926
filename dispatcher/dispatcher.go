// Package dispatcher is the entry point of the shipper: it normalizes and
// splits submitted batches on the caller's goroutine and hands the resulting
// payloads to background delivery workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/newrelic/newrelic-logs-shipper/common"
	"github.com/newrelic/newrelic-logs-shipper/config"
	"github.com/newrelic/newrelic-logs-shipper/delivery"
	"github.com/newrelic/newrelic-logs-shipper/logger"
	"github.com/newrelic/newrelic-logs-shipper/normalize"
	"github.com/newrelic/newrelic-logs-shipper/payload"
)

var (
	// ErrNotStarted is returned by Submit before Start.
	ErrNotStarted = errors.New("dispatcher has not been started")
	// ErrDraining is returned by Submit and Start once Drain has been called.
	ErrDraining = errors.New("dispatcher is draining and accepts no more batches")
)

// Output is the lifecycle a host pipeline drives.
type Output interface {
	Start() error
	Submit(events []common.RawRecord) error
	Drain(ctx context.Context) error
}

// Deliverer sends one payload to its terminal state.
type Deliverer interface {
	Deliver(ctx context.Context, p payload.Payload) delivery.Result
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateDraining
)

// Dispatcher owns one delivery client and its workers. Payloads are handed to
// the workers through a single FIFO queue, so first attempts are made in the
// order the payloads were submitted.
type Dispatcher struct {
	splitter *payload.Splitter
	client   Deliverer
	workers  int
	log      *logrus.Logger

	mu    sync.Mutex
	cond  *sync.Cond
	state state
	queue []payload.Payload
	wg    sync.WaitGroup
	done  chan struct{}

	stats stats
}

var _ Output = (*Dispatcher)(nil)

type options struct {
	log        *logrus.Logger
	deliverer  Deliverer
	httpClient delivery.HTTPDoer
	splitOpts  []payload.SplitterOption
}

// Option configures a Dispatcher.
type Option func(*options)

// WithLogger sets the logger shared by the dispatcher and its components.
func WithLogger(l *logrus.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithDeliverer replaces the HTTP delivery client.
func WithDeliverer(d Deliverer) Option {
	return func(o *options) {
		o.deliverer = d
	}
}

// WithHTTPClient sets the HTTP client of the default delivery client.
func WithHTTPClient(doer delivery.HTTPDoer) Option {
	return func(o *options) {
		o.httpClient = doer
	}
}

// WithCeiling overrides the maximum compressed payload size.
func WithCeiling(ceiling int) Option {
	return func(o *options) {
		o.splitOpts = append(o.splitOpts, payload.WithCeiling(ceiling))
	}
}

// New validates cfg and builds a Dispatcher. Configuration problems, such as
// a missing credential, are reported here before any traffic is sent.
func New(cfg config.Config, opts ...Option) (*Dispatcher, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.NewLogrusLogger(logger.WithDebugLevel())
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := o.deliverer
	if client == nil {
		deliveryOpts := []delivery.Option{delivery.WithLogger(o.log)}
		if o.httpClient != nil {
			deliveryOpts = append(deliveryOpts, delivery.WithHTTPClient(o.httpClient))
		}
		c, err := delivery.NewClient(cfg, deliveryOpts...)
		if err != nil {
			return nil, err
		}
		client = c
	}

	encoder := payload.NewEncoder(common.PluginType, common.PluginVersion, cfg.CustomAttributes)
	d := &Dispatcher{
		splitter: payload.NewSplitter(encoder, append([]payload.SplitterOption{payload.WithLogger(o.log)}, o.splitOpts...)...),
		client:   client,
		workers:  cfg.ConcurrentRequests,
		log:      o.log,
	}
	d.cond = sync.NewCond(&d.mu)
	return d, nil
}

// Start launches the delivery workers. Calling it again is a no-op.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case stateRunning:
		return nil
	case stateDraining:
		return ErrDraining
	}

	d.state = stateRunning
	d.done = make(chan struct{})
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	go func(done chan struct{}) {
		d.wg.Wait()
		close(done)
	}(d.done)

	d.log.WithField("workers", d.workers).Debug("dispatcher started")
	return nil
}

// Submit normalizes and splits events and queues the payloads for delivery.
// It does not wait for any network activity, and delivery failures are never
// reported through it.
func (d *Dispatcher) Submit(events []common.RawRecord) error {
	if err := d.accepting(); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	result, err := d.splitter.Split(normalize.Records(events))
	if err != nil {
		return fmt.Errorf("failed to build payloads: %w", err)
	}

	d.stats.records.Add(int64(len(events)))
	d.stats.oversized.Add(int64(len(result.Dropped)))

	d.log.WithFields(logrus.Fields{
		"records":  len(events),
		"payloads": len(result.Payloads),
		"dropped":  len(result.Dropped),
	}).Debug("batch submitted")

	if len(result.Payloads) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != stateRunning {
		return ErrDraining
	}
	d.queue = append(d.queue, result.Payloads...)
	d.stats.payloads.Add(int64(len(result.Payloads)))
	d.cond.Broadcast()
	return nil
}

// Drain stops accepting batches and waits until every queued payload has
// reached a terminal state, or until ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	prev := d.state
	d.state = stateDraining
	done := d.done
	d.cond.Broadcast()
	d.mu.Unlock()

	if prev == stateIdle && done == nil {
		return nil
	}

	select {
	case <-done:
		d.log.WithFields(d.Stats().Fields()).Debug("dispatcher drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain interrupted with %d payloads pending: %w", d.Stats().Pending, ctx.Err())
	}
}

func (d *Dispatcher) accepting() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case stateIdle:
		return ErrNotStarted
	case stateDraining:
		return ErrDraining
	}
	return nil
}

// work delivers queued payloads until the dispatcher drains and the queue is empty.
func (d *Dispatcher) work() {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		for len(d.queue) == 0 && d.state == stateRunning {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		p := d.queue[0]
		d.queue[0] = payload.Payload{}
		d.queue = d.queue[1:]
		d.stats.inFlight.Add(1)
		d.mu.Unlock()

		// Deliveries are not cancelled, Drain waits for them.
		result := d.client.Deliver(context.Background(), p)
		d.stats.record(result)
		d.stats.inFlight.Add(-1)
	}
}
