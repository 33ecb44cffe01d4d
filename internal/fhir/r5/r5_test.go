package r5

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundleAdd(t *testing.T) {
	b := NewCollection("b-1", time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
	require.NoError(t, b.Add("urn:uuid:1", &MedicationRequest{ResourceType: "MedicationRequest", ID: "1"}))
	require.NoError(t, b.Add("urn:uuid:2", NewErrorOutcome("not-found", "missing")))
	assert.Error(t, b.Add("urn:uuid:3", func() {}))

	assert.Equal(t, []string{"MedicationRequest", "OperationOutcome"}, b.ResourceTypes())

	raw, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"collection"`)
	assert.Contains(t, string(raw), `"timestamp":"2025-01-02T03:04:05Z"`)
}

func TestExtractIDFromReference(t *testing.T) {
	assert.Equal(t, "123", extractIDFromReference("Patient/123"))
	assert.Equal(t, "abc", extractIDFromReference("urn:uuid:abc"))
	assert.Equal(t, "plain", extractIDFromReference("plain"))
	assert.Equal(t, "MedicationRequest/9", FormatReference("MedicationRequest", "9"))
}
