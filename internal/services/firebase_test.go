package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusChangePayloadWireFields(t *testing.T) {
	payload, ok := StatusChangePayload(42, "sender", "requested")
	require.True(t, ok)
	assert.Equal(t, "status_change", payload.Data["type"])
	assert.Equal(t, "sender", payload.Data["role"])
	assert.Equal(t, "requested", payload.Data["status"])
	assert.Equal(t, uint(42), payload.Data["requestId"])

	payload, ok = StatusChangePayload(42, "helper", "approved")
	require.True(t, ok)
	assert.Equal(t, "status_change", payload.Data["type"])
	assert.Equal(t, "helper", payload.Data["role"])
}

func TestStatusChangePayloadSkipsUnknownPairs(t *testing.T) {
	// The helper is never told about the requested state; that copy is
	// sender-only.
	_, ok := StatusChangePayload(7, "helper", "requested")
	assert.False(t, ok)

	_, ok = StatusChangePayload(7, "sender", "created")
	assert.False(t, ok)
}
