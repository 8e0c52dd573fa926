// Package payload encodes normalized log records into gzip compressed Logs API
// payloads and splits batches so that every payload stays under the size limit.
package payload

import (
	"encoding/json"

	"github.com/newrelic/newrelic-logs-shipper/common"
)

// pluginAttribute is the common attribute that identifies the producer.
const pluginAttribute = "plugin"

// Encoder wraps records and the shared metadata into the Detailed JSON envelope.
type Encoder struct {
	common common.Common
}

// NewEncoder returns an Encoder that stamps every payload with the given
// producer identity. Custom attributes are added next to "plugin" and can not
// replace it.
func NewEncoder(pluginType, pluginVersion string, customAttributes map[string]string) *Encoder {
	attributes := common.LogAttributes{}
	for k, v := range customAttributes {
		attributes[k] = v
	}
	attributes[pluginAttribute] = common.PluginInfo{Type: pluginType, Version: pluginVersion}

	return &Encoder{common: common.Common{Attributes: attributes}}
}

// Encode serializes records as a one element DetailedLogsBatch. The output is
// deterministic for identical input.
func (e *Encoder) Encode(records common.LogData) ([]byte, error) {
	if records == nil {
		records = common.LogData{}
	}
	return json.Marshal(common.DetailedLogsBatch{{
		CommonData: e.common,
		Entries:    records,
	}})
}
