package payload

import (
	"bytes"
	"encoding/json"
	"io"
	"math/rand"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newrelic/newrelic-logs-shipper/common"
	"github.com/newrelic/newrelic-logs-shipper/logger"
)

const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789+/"

type decodedPayload struct {
	Common struct {
		Attributes map[string]interface{} `json:"attributes"`
	} `json:"common"`
	Logs []common.NormalizedRecord `json:"logs"`
}

func gunzip(t *testing.T, body []byte) []byte {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(body))
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	return data
}

func decode(t *testing.T, body []byte) decodedPayload {
	t.Helper()
	var batch []decodedPayload
	require.NoError(t, json.Unmarshal(gunzip(t, body), &batch))
	require.Len(t, batch, 1)
	return batch[0]
}

// randomRecords builds n records with a msgId attribute and an incompressible
// message of msgLen characters.
func randomRecords(n, msgLen int) common.LogData {
	rnd := rand.New(rand.NewSource(1))
	records := make(common.LogData, n)
	buf := make([]byte, msgLen)
	for i := range records {
		for j := range buf {
			buf[j] = letters[rnd.Intn(len(letters))]
		}
		msg := string(buf)
		records[i] = common.NormalizedRecord{
			Message:    &msg,
			Attributes: map[string]common.Value{"msgId": common.Float(float64(i))},
		}
	}
	return records
}

func msgIDs(t *testing.T, payloads []Payload) []int {
	t.Helper()
	var ids []int
	for _, p := range payloads {
		for _, record := range decode(t, p.Body).Logs {
			id, ok := record.Attributes["msgId"].Float64()
			require.True(t, ok)
			ids = append(ids, int(id))
		}
	}
	return ids
}

func quietSplitter(opts ...SplitterOption) *Splitter {
	opts = append([]SplitterOption{WithLogger(logger.NewLogrusLogger(logger.WithOutput(io.Discard)))}, opts...)
	return NewSplitter(NewEncoder("nrlogship", "1.0.0", nil), opts...)
}

func TestEncoderEnvelope(t *testing.T) {
	msg := "Test message"
	encoder := NewEncoder("nrlogship", "1.2.3", map[string]string{"env": "prod", "plugin": "ignored"})

	data, err := encoder.Encode(common.LogData{
		{Message: &msg, Attributes: map[string]common.Value{"other": common.String("Other value")}},
		{Attributes: map[string]common.Value{}},
	})
	require.NoError(t, err)

	assert.JSONEq(t, `[{
		"common": {"attributes": {"env": "prod", "plugin": {"type": "nrlogship", "version": "1.2.3"}}},
		"logs": [
			{"message": "Test message", "attributes": {"other": "Other value"}},
			{"attributes": {}}
		]
	}]`, string(data))
}

func TestEncoderIsDeterministic(t *testing.T) {
	encoder := NewEncoder("nrlogship", "1.0.0", map[string]string{"a": "1", "b": "2", "c": "3"})
	records := randomRecords(50, 20)
	for i := range records {
		records[i].Attributes["z"] = common.Bool(true)
		records[i].Attributes["y"] = common.Null()
	}

	first, err := encoder.Encode(records)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := encoder.Encode(records)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestEncoderEmpty(t *testing.T) {
	data, err := NewEncoder("nrlogship", "1.0.0", nil).Encode(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"common":{"attributes":{"plugin":{"type":"nrlogship","version":"1.0.0"}}},"logs":[]}]`, string(data))
}

func TestCompress(t *testing.T) {
	data := []byte(`[{"common":{},"logs":[]}]`)
	original := append([]byte(nil), data...)

	body, err := Compress(data)
	require.NoError(t, err)

	assert.Equal(t, original, data)
	assert.Equal(t, data, gunzip(t, body))

	again, err := Compress(data)
	require.NoError(t, err)
	assert.Equal(t, body, again)
}

func TestSplitEmpty(t *testing.T) {
	result, err := quietSplitter().Split(nil)
	require.NoError(t, err)
	assert.Empty(t, result.Payloads)
	assert.Empty(t, result.Dropped)
}

func TestSplitSmallBatchIsOnePayload(t *testing.T) {
	records := randomRecords(3, 10)

	result, err := quietSplitter().Split(records)
	require.NoError(t, err)

	require.Len(t, result.Payloads, 1)
	p := result.Payloads[0]
	assert.Equal(t, 0, p.Offset)
	assert.Equal(t, 3, p.Records)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, records, common.LogData(decode(t, p.Body).Logs))
}

func TestSplitPreservesOrderUnderSmallCeiling(t *testing.T) {
	records := randomRecords(101, 200)

	result, err := quietSplitter(WithCeiling(2000)).Split(records)
	require.NoError(t, err)

	assert.Greater(t, len(result.Payloads), 10)
	assert.Empty(t, result.Dropped)

	next := 0
	for _, p := range result.Payloads {
		assert.LessOrEqual(t, p.Size(), 2000)
		assert.Equal(t, next, p.Offset)
		next += p.Records
	}
	assert.Equal(t, 101, next)

	expected := make([]int, 101)
	for i := range expected {
		expected[i] = i
	}
	assert.Equal(t, expected, msgIDs(t, result.Payloads))
}

func TestSplitDropsOversizedSingletons(t *testing.T) {
	records := randomRecords(7, 50)
	oversized := randomRecords(1, 5000)[0]
	records[2] = oversized
	records[5] = oversized

	result, err := quietSplitter(WithCeiling(1500)).Split(records)
	require.NoError(t, err)

	assert.Equal(t, []int{2, 5}, result.Dropped)
	for _, p := range result.Payloads {
		assert.LessOrEqual(t, p.Size(), 1500)
	}
	assert.Equal(t, []int{0, 1, 3, 4, 6}, msgIDs(t, result.Payloads))
}

func TestSplitSeventeenThousandRecordsIntoFourPayloads(t *testing.T) {
	if testing.Short() {
		t.Skip("large payload scenario")
	}
	records := randomRecords(17997, 180)

	result, err := quietSplitter().Split(records)
	require.NoError(t, err)

	require.Len(t, result.Payloads, 4)
	assert.Empty(t, result.Dropped)

	total := 0
	for _, p := range result.Payloads {
		assert.LessOrEqual(t, p.Size(), common.MaxPayloadSize)
		total += p.Size()
	}
	assert.Greater(t, total, 2*common.MaxPayloadSize)

	ids := msgIDs(t, result.Payloads)
	require.Len(t, ids, 17997)
	for i, id := range ids {
		if id != i {
			t.Fatalf("record %d arrived at position %d", id, i)
		}
	}
}

func TestSplitFiveThousandRecordsIntoOnePayload(t *testing.T) {
	if testing.Short() {
		t.Skip("large payload scenario")
	}
	records := randomRecords(5000, 180)

	result, err := quietSplitter().Split(records)
	require.NoError(t, err)

	require.Len(t, result.Payloads, 1)
	assert.Equal(t, 5000, result.Payloads[0].Records)
	assert.Greater(t, result.Payloads[0].Size(), common.MaxPayloadSize/2)
}

func TestSplitSingleRecordAboveOneMegabyte(t *testing.T) {
	if testing.Short() {
		t.Skip("large payload scenario")
	}
	records := randomRecords(1, 2400000)

	result, err := quietSplitter().Split(records)
	require.NoError(t, err)

	assert.Empty(t, result.Payloads)
	assert.Equal(t, []int{0}, result.Dropped)
}
