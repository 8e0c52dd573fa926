package payload

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/newrelic/newrelic-logs-shipper/common"
	"github.com/newrelic/newrelic-logs-shipper/logger"
)

// ErrOversizedRecord is reported for a single record whose own payload is
// larger than the ceiling once compressed. Such records are dropped.
var ErrOversizedRecord = errors.New("record exceeds the maximum payload size once compressed")

// Payload is one immutable, gzip compressed request body.
type Payload struct {
	// ID correlates the log lines of every delivery attempt of this payload.
	ID string
	// Body is the gzip compressed JSON envelope.
	Body []byte
	// Offset is the index of the first record of the payload in the split batch.
	Offset int
	// Records is the number of log records in the payload.
	Records int
}

// Size returns the compressed size of the payload.
func (p Payload) Size() int {
	return len(p.Body)
}

// Result is the outcome of splitting one batch.
type Result struct {
	// Payloads in emission order. Concatenating their records reproduces the
	// batch without the dropped records.
	Payloads []Payload
	// Dropped holds the batch indexes of oversized records.
	Dropped []int
}

// Splitter bisects batches until every payload fits under the ceiling.
type Splitter struct {
	encoder *Encoder
	ceiling int
	log     *logrus.Logger
}

// SplitterOption configures a Splitter.
type SplitterOption func(*Splitter)

// WithCeiling overrides the maximum compressed payload size.
func WithCeiling(ceiling int) SplitterOption {
	return func(s *Splitter) {
		s.ceiling = ceiling
	}
}

// WithLogger sets the logger used to report dropped records.
func WithLogger(l *logrus.Logger) SplitterOption {
	return func(s *Splitter) {
		s.log = l
	}
}

// NewSplitter returns a Splitter that encodes with encoder and uses
// common.MaxPayloadSize as ceiling.
func NewSplitter(encoder *Encoder, opts ...SplitterOption) *Splitter {
	s := &Splitter{
		encoder: encoder,
		ceiling: common.MaxPayloadSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.NewLogrusLogger(logger.WithDebugLevel())
	}
	return s
}

// Split encodes records into as few bisected payloads as needed for each of
// them to be at most the ceiling in compressed size. An empty batch yields an
// empty Result.
func (s *Splitter) Split(records common.LogData) (Result, error) {
	if len(records) == 0 {
		return Result{}, nil
	}
	return s.split(records, 0, len(records))
}

// split handles records[lo:hi]. The first half takes the extra record when
// the range has an odd length.
func (s *Splitter) split(records common.LogData, lo, hi int) (Result, error) {
	body, err := s.build(records[lo:hi])
	if err != nil {
		return Result{}, err
	}

	if len(body) <= s.ceiling {
		return Result{Payloads: []Payload{{
			ID:      uuid.NewString(),
			Body:    body,
			Offset:  lo,
			Records: hi - lo,
		}}}, nil
	}

	if hi-lo == 1 {
		s.log.WithError(ErrOversizedRecord).
			WithField("index", lo).
			WithField("compressed_size", len(body)).
			WithField("max_payload_size", s.ceiling).
			Warn("dropping log record")
		return Result{Dropped: []int{lo}}, nil
	}

	mid := lo + (hi-lo+1)/2
	left, err := s.split(records, lo, mid)
	if err != nil {
		return Result{}, err
	}
	right, err := s.split(records, mid, hi)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Payloads: append(left.Payloads, right.Payloads...),
		Dropped:  append(left.Dropped, right.Dropped...),
	}, nil
}

func (s *Splitter) build(records common.LogData) ([]byte, error) {
	data, err := s.encoder.Encode(records)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %d log records: %w", len(records), err)
	}
	body, err := Compress(data)
	if err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	return body, nil
}
