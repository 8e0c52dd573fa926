// Package normalize turns raw host events into wire ready log records.
package normalize

import (
	"encoding/json"
	"math/big"
	"sort"
	"strconv"
	"time"

	"github.com/newrelic/newrelic-logs-shipper/common"
	"github.com/newrelic/newrelic-logs-shipper/logger"
)

var log = logger.NewLogrusLogger(logger.WithDebugLevel())

// Record converts one raw event into a NormalizedRecord. The message field is
// copied byte for byte and every other field becomes an attribute. Values that
// cannot be represented degrade to null instead of failing the record.
func Record(raw common.RawRecord) common.NormalizedRecord {
	record := common.NormalizedRecord{
		Attributes: make(map[string]common.Value, len(raw)),
	}

	for _, k := range sortedKeys(raw) {
		if k == common.MessageField {
			record.Message = message(raw[k])
			continue
		}
		flatten(k, raw[k], record.Attributes)
	}

	return record
}

// Records normalizes a batch, preserving order.
func Records(raws []common.RawRecord) common.LogData {
	out := make(common.LogData, len(raws))
	for i, raw := range raws {
		out[i] = Record(raw)
	}
	return out
}

func message(v interface{}) *string {
	if s, ok := v.(string); ok {
		return &s
	}
	val := Value(v)
	if val.IsNull() {
		return nil
	}
	s := val.Text()
	return &s
}

// flatten stores v under key, expanding nested maps into dot-separated keys.
// Keys are visited in sorted order, so a flattened name that collides with a
// literal dotted field is always overwritten by the later one in that order.
// Collisions are logged at debug level.
func flatten(key string, v interface{}, result map[string]common.Value) {
	switch nested := v.(type) {
	case map[string]interface{}:
		for _, k := range sortedKeys(nested) {
			flatten(key+"."+k, nested[k], result)
		}
	case common.RawRecord:
		flatten(key, map[string]interface{}(nested), result)
	default:
		if prev, ok := result[key]; ok {
			log.WithField("attribute", key).
				WithField("replaced", prev.Text()).
				Debug("attribute name collision after flattening")
		}
		result[key] = Value(v)
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Value maps a dynamically typed field value onto the closed Value variant.
func Value(v interface{}) common.Value {
	switch val := v.(type) {
	case nil:
		return common.Null()
	case common.Value:
		return val
	case string:
		return common.String(val)
	case []byte:
		return common.String(string(val))
	case bool:
		return common.Bool(val)
	case float64:
		return common.Float(val)
	case float32:
		return common.Float(float64(val))
	case int:
		return common.Float(float64(val))
	case int8:
		return common.Float(float64(val))
	case int16:
		return common.Float(float64(val))
	case int32:
		return common.Float(float64(val))
	case int64:
		return common.Float(float64(val))
	case uint:
		return common.Float(float64(val))
	case uint8:
		return common.Float(float64(val))
	case uint16:
		return common.Float(float64(val))
	case uint32:
		return common.Float(float64(val))
	case uint64:
		return common.Float(float64(val))
	case json.Number:
		return decimal(string(val))
	case *big.Float:
		if val == nil {
			return common.Null()
		}
		f, _ := val.Float64()
		return common.Float(f)
	case *big.Rat:
		if val == nil {
			return common.Null()
		}
		f, _ := val.Float64()
		return common.Float(f)
	case *big.Int:
		if val == nil {
			return common.Null()
		}
		f, _ := new(big.Float).SetInt(val).Float64()
		return common.Float(f)
	case time.Time:
		return common.String(val.UTC().Format(time.RFC3339Nano))
	default:
		return common.Null()
	}
}

// decimal parses the textual form of an arbitrary precision number.
// "NaN" and values outside the float64 range become null.
func decimal(s string) common.Value {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return common.Null()
	}
	return common.Float(f)
}
