// Package common provides common constants structs and variables.
package common

import "time"

// PluginType identifies this shipper in the plugin.type common attribute.
const PluginType = "nrlogship"

// PluginVersion is reported in the plugin.version common attribute.
const PluginVersion = "1.4.0"

// MaxPayloadSize is the maximum size of a compressed payload accepted by the Logs API.
// Reference: https://docs.newrelic.com/docs/logs/log-api/introduction-log-api/#limits
const MaxPayloadSize = 1000000

// MaxBufferSize is the maximum buffer size used to read buffer readers. This is the maximum size of a log line, any line larger than this will cause an error.
const MaxBufferSize = 8 * 1024 * 1024 // 8 mb

// MessageField is the record field that is shipped verbatim as the log message.
const MessageField = "message"

// HTTP headers sent with every payload.
const (
	HeaderContentEncoding = "Content-Encoding"
	HeaderContentType     = "Content-Type"
	HeaderEventSource     = "X-Event-Source"
	HeaderInsertKey       = "X-Insert-Key"
	HeaderLicenseKey      = "X-License-Key"
	HeaderUserAgent       = "User-Agent"
)

// Header values.
const (
	EventSourceLogs = "logs"
	EncodingGzip    = "gzip"
	ContentTypeJSON = "application/json"
)

// Delivery defaults.
const (
	DefaultMaxRetries         = 3
	DefaultRetryDelay         = 1 * time.Second
	DefaultMaxDelay           = 30 * time.Second
	DefaultRequestTimeout     = 30 * time.Second
	DefaultConcurrentRequests = 1
)

// Environment variable names.
const (
	// NewRelicRegion is the name of the environment variable for the New Relic region.
	NewRelicRegion = "NEW_RELIC_REGION"
	// NewRelicLogsEndpoint overrides the region derived Logs API endpoint.
	NewRelicLogsEndpoint = "NEW_RELIC_LOGS_ENDPOINT"
	// EnvAPIKey is the name of the environment variable for the insert (api) key.
	EnvAPIKey = "NEW_RELIC_API_KEY"
	// EnvLicenseKey is the name of the environment variable for the license key.
	EnvLicenseKey = "LICENSE_KEY"
	// SecretOCID is the OCID of the OCI Vault secret that holds the license key.
	SecretOCID = "NEW_RELIC_LICENSE_KEY_SECRET_OCID"
	// VaultRegion is the OCI region of the vault holding SecretOCID.
	VaultRegion = "VAULT_REGION"
	// EnvMaxRetries is the name of the environment variable for the retry limit.
	EnvMaxRetries = "MAX_RETRIES"
	// EnvRetryDelay is the first backoff delay.
	EnvRetryDelay = "RETRY_DELAY"
	// EnvMaxDelay caps the backoff delay.
	EnvMaxDelay = "MAX_DELAY"
	// EnvRequestTimeout is the per request HTTP timeout.
	EnvRequestTimeout = "REQUEST_TIMEOUT"
	// EnvConcurrentRequests is the number of delivery workers.
	EnvConcurrentRequests = "CONCURRENT_REQUESTS"
	// CustomMetaData is the name of the environment variable for custom meta data.
	CustomMetaData = "CUSTOM_META_DATA"
	// DebugEnabled is the name of the environment variable for enabling debug mode.
	DebugEnabled = "DEBUG_ENABLED"
)
