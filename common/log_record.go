package common

// DetailedLog represents a detailed log record.
//
// Reference: https://docs.newrelic.com/docs/logs/log-api/introduction-log-api/#detailed-json
type DetailedLog struct {
	CommonData Common  `json:"common"`
	Entries    LogData `json:"logs"`
}

// Common represents the common data shared by all log records.
type Common struct {
	Attributes LogAttributes `json:"attributes"`
}

// PluginInfo identifies the producer of a payload.
type PluginInfo struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

// LogData represents a collection of log records.
type LogData []NormalizedRecord

// LogAttributes represents the common attributes of a payload.
type LogAttributes map[string]interface{}

// DetailedLogsBatch represents a batch of detailed log records. This is the expected payload format in the API call to New Relic.
type DetailedLogsBatch []DetailedLog

// RawRecord is one event as handed over by the host pipeline.
type RawRecord map[string]interface{}

// NormalizedRecord is a wire ready log record.
type NormalizedRecord struct {
	Message    *string          `json:"message,omitempty"`
	Attributes map[string]Value `json:"attributes"`
}
