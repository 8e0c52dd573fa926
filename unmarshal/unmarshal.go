// Package unmarshal decodes incoming log events, given as a JSON array, a
// single JSON object or newline delimited JSON, into raw records.
package unmarshal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/valyala/fastjson"

	"github.com/newrelic/newrelic-logs-shipper/common"
)

// Defines the event types
const (
	OCI_LOGGING = "ociLogging" // OCI_LOGGING represents the event type for Oracle Cloud Infrastructure logging events.
	NDJSON      = "ndjson"     // NDJSON represents one JSON object per line.
)

// ociDataField holds the log content of an OCI Logging event.
const ociDataField = "data"

var parsers fastjson.ParserPool

// Event represents the unified event structure.
type Event struct {
	EventType string             // EventType represents the type of the event.
	Records   []common.RawRecord // Records are the decoded events, in input order.
}

// Unmarshal reads the whole of in and decodes it into the Event.
func (event *Event) Unmarshal(in io.Reader) error {
	payloadBytes, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("error reading incoming payload: %w", err)
	}

	records, err := Records(payloadBytes)
	if err == nil {
		event.EventType = OCI_LOGGING
		event.Records = records
		return nil
	}

	records, ndErr := Lines(payloadBytes)
	if ndErr != nil {
		return fmt.Errorf("error decoding incoming log events payload: %w", err)
	}
	event.EventType = NDJSON
	event.Records = records
	return nil
}

// Records decodes a JSON array of objects, or a single object. Empty input and
// null decode to no records.
func Records(data []byte) ([]common.RawRecord, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	p := parsers.Get()
	defer parsers.Put(p)

	v, err := p.ParseBytes(data)
	if err != nil {
		return nil, err
	}

	switch v.Type() {
	case fastjson.TypeNull:
		return nil, nil
	case fastjson.TypeObject:
		record, err := toRecord(v)
		if err != nil {
			return nil, err
		}
		return []common.RawRecord{record}, nil
	case fastjson.TypeArray:
		items, _ := v.Array()
		records := make([]common.RawRecord, 0, len(items))
		for i, item := range items {
			record, err := toRecord(item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			records = append(records, record)
		}
		return records, nil
	default:
		return nil, fmt.Errorf("expected a JSON object or array, got %s", v.Type())
	}
}

// Lines decodes newline delimited JSON objects. Blank lines are skipped.
func Lines(data []byte) ([]common.RawRecord, error) {
	var records []common.RawRecord
	err := Stream(bytes.NewReader(data), 0, func(batch []common.RawRecord) error {
		records = append(records, batch...)
		return nil
	})
	return records, err
}

// Stream decodes newline delimited JSON objects from r and calls fn with
// batches of at most batchSize records. A batchSize below 1 delivers
// everything in one call. Lines longer than common.MaxBufferSize fail.
func Stream(r io.Reader, batchSize int, fn func([]common.RawRecord) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), common.MaxBufferSize)

	p := parsers.Get()
	defer parsers.Put(p)

	var batch []common.RawRecord
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}

		v, err := p.ParseBytes(text)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		record, err := toRecord(v)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		batch = append(batch, record)

		if batchSize > 0 && len(batch) >= batchSize {
			if err := fn(batch); err != nil {
				return err
			}
			batch = nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("line %d: %w", line+1, err)
	}

	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}

// HoistOCIMessage promotes data.message of an OCI Logging event to the record
// message when the record has none of its own.
func HoistOCIMessage(records []common.RawRecord) {
	for _, record := range records {
		if _, ok := record[common.MessageField]; ok {
			continue
		}
		data, ok := record[ociDataField].(map[string]interface{})
		if !ok {
			continue
		}
		if msg, ok := data[common.MessageField]; ok {
			record[common.MessageField] = msg
			delete(data, common.MessageField)
		}
	}
}

func toRecord(v *fastjson.Value) (common.RawRecord, error) {
	if v.Type() != fastjson.TypeObject {
		return nil, errors.New("log event is not a JSON object")
	}
	return common.RawRecord(toInterface(v).(map[string]interface{})), nil
}

// toInterface copies a parsed value out of the parser's memory. Numbers keep
// their exact text as json.Number.
func toInterface(v *fastjson.Value) interface{} {
	switch v.Type() {
	case fastjson.TypeObject:
		o, _ := v.Object()
		m := make(map[string]interface{}, o.Len())
		o.Visit(func(key []byte, child *fastjson.Value) {
			m[string(key)] = toInterface(child)
		})
		return m
	case fastjson.TypeArray:
		items, _ := v.Array()
		out := make([]interface{}, len(items))
		for i, item := range items {
			out[i] = toInterface(item)
		}
		return out
	case fastjson.TypeString:
		b, _ := v.StringBytes()
		return string(b)
	case fastjson.TypeNumber:
		return json.Number(v.String())
	case fastjson.TypeTrue:
		return true
	case fastjson.TypeFalse:
		return false
	default:
		return nil
	}
}
