package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/newrelic/newrelic-logs-shipper/common"
	"github.com/newrelic/newrelic-logs-shipper/config"
	"github.com/newrelic/newrelic-logs-shipper/dispatcher"
	"github.com/newrelic/newrelic-logs-shipper/vault"
)

const ociAuditEvent = `[
 {
   "data": {
     "additionalDetails": {"X-Real-Port": 14226},
     "compartmentName": "sandbox-beyond-cust-1",
     "eventName": "ListEvents",
     "identity": {"authType": "natv", "ipAddress": "18.118.179.37"},
     "message": "ListEvents succeeded"
   },
   "dataschema": "2.0",
   "id": "b8019a71-2b1c-4a4e-8c3a-b7a1f3a9c7c2",
   "oracle": {"compartmentid": "ocid1.tenancy.oc1..aaaa", "loggroupid": "_Audit"},
   "source": "ListEvents",
   "time": "2025-07-22T08:35:57.533Z",
   "type": "com.oraclecloud.cloudevents.ListEvents"
 }
]`

// MockOutput is a mock implementation of the dispatcher.Output interface
type MockOutput struct {
	mock.Mock
}

func (m *MockOutput) Start() error {
	return m.Called().Error(0)
}

func (m *MockOutput) Submit(events []common.RawRecord) error {
	return m.Called(events).Error(0)
}

func (m *MockOutput) Drain(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func mockFactory(output dispatcher.Output) outputFactory {
	return func(context.Context) (dispatcher.Output, error) {
		return output, nil
	}
}

func noVault() (vault.OCISecretsManagerAPI, error) {
	return nil, errors.New("vault is not available in tests")
}

func clearEnv(t *testing.T) {
	for _, env := range []string{
		common.NewRelicLogsEndpoint, common.NewRelicRegion, common.EnvAPIKey, common.EnvLicenseKey,
		common.SecretOCID, common.VaultRegion, common.EnvMaxRetries, common.EnvRetryDelay,
		common.EnvMaxDelay, common.EnvRequestTimeout, common.EnvConcurrentRequests, common.CustomMetaData,
	} {
		t.Setenv(env, "")
	}
}

// TestHandleFunction tests the main log processing function
func TestHandleFunction(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		submitted   int
		expectError bool
	}{
		{
			name: "successful OCI logging event processing",
			input: `[
				{"timestamp":"2023-01-01T12:00:00Z","level":"INFO","message":"Application started","service":"web-server"},
				{"timestamp":"2023-01-01T12:01:00Z","level":"ERROR","message":"Database error","service":"web-server"}
			]`,
			submitted: 2,
		},
		{
			name:      "single object instead of array",
			input:     `{"timestamp":"2023-01-01T12:00:00Z","level":"WARN","message":"High memory usage"}`,
			submitted: 1,
		},
		{
			name:      "NDJSON input",
			input:     "{\"message\":\"one\"}\n{\"message\":\"two\"}\n",
			submitted: 2,
		},
		{name: "empty log array", input: `[]`},
		{name: "null input", input: `null`},
		{name: "empty input", input: ``},
		{name: "invalid JSON input", input: `{invalid json`, expectError: true},
		{name: "completely invalid input", input: "not json at all", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := new(MockOutput)
			if tt.submitted > 0 {
				output.On("Start").Return(nil).Once()
				output.On("Submit", mock.MatchedBy(func(events []common.RawRecord) bool {
					return len(events) == tt.submitted
				})).Return(nil).Once()
				output.On("Drain", mock.Anything).Return(nil).Once()
			}

			err := handleFunction(context.Background(), bytes.NewReader([]byte(tt.input)), mockFactory(output))

			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			output.AssertExpectations(t)
		})
	}
}

func TestHandleFunctionHoistsOCIMessage(t *testing.T) {
	output := new(MockOutput)
	output.On("Start").Return(nil)
	output.On("Submit", mock.MatchedBy(func(events []common.RawRecord) bool {
		return len(events) == 1 && events[0]["message"] == "ListEvents succeeded"
	})).Return(nil)
	output.On("Drain", mock.Anything).Return(nil)

	err := handleFunction(context.Background(), bytes.NewReader([]byte(ociAuditEvent)), mockFactory(output))

	require.NoError(t, err)
	output.AssertExpectations(t)
}

func TestHandleFunctionDrainsAfterSubmitError(t *testing.T) {
	output := new(MockOutput)
	output.On("Start").Return(nil)
	output.On("Submit", mock.Anything).Return(dispatcher.ErrDraining)
	output.On("Drain", mock.Anything).Return(nil)

	err := handleFunction(context.Background(), bytes.NewReader([]byte(`[{"message":"x"}]`)), mockFactory(output))

	assert.ErrorIs(t, err, dispatcher.ErrDraining)
	output.AssertExpectations(t)
}

func TestHandleFunctionFactoryError(t *testing.T) {
	factory := func(context.Context) (dispatcher.Output, error) {
		return nil, config.ErrConfiguration
	}

	err := handleFunction(context.Background(), bytes.NewReader([]byte(`[{"message":"x"}]`)), factory)

	assert.ErrorIs(t, err, config.ErrConfiguration)
}

func TestLoadConfig(t *testing.T) {
	t.Run("license key from environment", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(common.EnvLicenseKey, "dummy-key")
		t.Setenv(common.NewRelicRegion, "eu")

		cfg, err := loadConfig(context.Background(), noVault)

		require.NoError(t, err)
		assert.Equal(t, "dummy-key", cfg.LicenseKey)
		assert.Contains(t, cfg.BaseURI, "eu")
	})

	t.Run("missing credential", func(t *testing.T) {
		clearEnv(t)

		_, err := loadConfig(context.Background(), noVault)

		assert.ErrorIs(t, err, config.ErrConfiguration)
	})

	t.Run("vault unavailable", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(common.SecretOCID, "ocid1.vaultsecret.oc1..test")
		t.Setenv(common.VaultRegion, "us-ashburn-1")

		_, err := loadConfig(context.Background(), noVault)

		require.Error(t, err)
		assert.ErrorIs(t, err, config.ErrConfiguration)
		assert.Contains(t, err.Error(), "vault is not available")
	})
}

func TestHandleFunctionShipsToLogsAPI(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies [][]byte
		keys   []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		zr, err := gzip.NewReader(r.Body)
		if err == nil {
			body, _ := io.ReadAll(zr)
			mu.Lock()
			bodies = append(bodies, body)
			keys = append(keys, r.Header.Get(common.HeaderLicenseKey))
			mu.Unlock()
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	clearEnv(t)
	t.Setenv(common.NewRelicLogsEndpoint, server.URL)
	t.Setenv(common.EnvLicenseKey, "dummy-key")
	t.Setenv(common.EnvMaxDelay, "0")
	t.Setenv(common.CustomMetaData, "env=test")

	err := handleFunction(context.Background(), bytes.NewReader([]byte(ociAuditEvent)), newDispatcher(noVault))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	assert.Equal(t, []string{"dummy-key"}, keys)

	var batch []struct {
		Common struct {
			Attributes map[string]interface{} `json:"attributes"`
		} `json:"common"`
		Logs []struct {
			Message    string                 `json:"message"`
			Attributes map[string]interface{} `json:"attributes"`
		} `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(bodies[0], &batch))
	require.Len(t, batch, 1)
	require.Len(t, batch[0].Logs, 1)

	assert.Equal(t, "test", batch[0].Common.Attributes["env"])
	entry := batch[0].Logs[0]
	assert.Equal(t, "ListEvents succeeded", entry.Message)
	assert.Equal(t, "18.118.179.37", entry.Attributes["data.identity.ipAddress"])
	assert.Equal(t, float64(14226), entry.Attributes["data.additionalDetails.X-Real-Port"])
	assert.Equal(t, "_Audit", entry.Attributes["oracle.loggroupid"])
	assert.NotContains(t, entry.Attributes, "data.message")
}
