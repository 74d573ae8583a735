package ingest

import (
	"testing"

	"github.com/harun/beacon/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvents(t *testing.T) {
	v, err := newValidator()
	require.NoError(t, err)

	events, err := v.decodeEvents([]byte(`{"kind":"error","timestamp":"2024-05-01T10:00:00Z","payload":{"message":"x"}}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, telemetry.KindError, events[0].Kind)
	assert.Equal(t, 2024, events[0].Timestamp.Year())
	assert.JSONEq(t, `{"message":"x"}`, string(events[0].Payload))

	events, err = v.decodeEvents([]byte("  \n[{\"kind\":\"action\"},{\"kind\":\"request\"}]"))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, telemetry.KindRequest, events[1].Kind)
}

func TestDecodeEventsInvalid(t *testing.T) {
	v, err := newValidator()
	require.NoError(t, err)

	tests := []struct {
		name string
		data string
	}{
		{"missing kind", `{"payload":{}}`},
		{"empty kind", `{"kind":""}`},
		{"kind not a string", `{"kind":7}`},
		{"empty array", `[]`},
		{"scalar", `"action"`},
		{"array with bad item", `[{"kind":"action"},{}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.decodeEvents([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestDecodeEventsArrayLimit(t *testing.T) {
	v, err := newValidator()
	require.NoError(t, err)

	data := []byte("[")
	for i := 0; i < 501; i++ {
		if i > 0 {
			data = append(data, ',')
		}
		data = append(data, `{"kind":"action"}`...)
	}
	data = append(data, ']')

	_, err = v.decodeEvents(data)
	assert.Error(t, err)
}

func TestDecodeRoute(t *testing.T) {
	v, err := newValidator()
	require.NoError(t, err)

	rc, err := v.decodeRoute([]byte(`{"path":"/cart","fullPath":"/cart#top"}`))
	require.NoError(t, err)
	assert.Equal(t, "/cart", rc.Path)
	assert.Equal(t, "/cart#top", rc.FullPath)

	_, err = v.decodeRoute([]byte(`{"path":""}`))
	assert.Error(t, err)
}
