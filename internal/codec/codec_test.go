package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-archiver/internal/catalog"
)

func TestEncodeUsesWireFieldNames(t *testing.T) {
	t.Parallel()

	data, err := Encode(catalog.WorkItem{
		ID:            "0192",
		Name:          "bulbasaur",
		LastProcessed: catalog.SentinelTime(),
		EnqueuedAt:    time.Date(2026, 10, 17, 0, 13, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.JSONEq(t, `{
		"id": "0192",
		"identifier": "bulbasaur",
		"lastProcessed": "2000-01-01T00:00:00Z",
		"enqueuedAt": "2026-10-17T00:13:00Z"
	}`, string(data))
}

func TestDecodeAcceptsMinimalPayload(t *testing.T) {
	t.Parallel()

	item, err := Decode([]byte(`{"identifier":"charmander","lastProcessed":"2026-10-17T00:13:00Z"}`))
	require.NoError(t, err)
	require.Equal(t, "charmander", item.Name)
	require.True(t, item.LastProcessed.Equal(time.Date(2026, 10, 17, 0, 13, 0, 0, time.UTC)))
}

func TestDecodeRejectsInvalidPayloads(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{`not json`, `{}`, `{"identifier":"../etc"}`} {
		_, err := Decode([]byte(raw))
		require.Error(t, err, raw)
	}
	_, err := Encode(catalog.WorkItem{})
	require.Error(t, err)
}
