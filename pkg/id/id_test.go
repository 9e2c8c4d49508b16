package id_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mt5bridge/pkg/id"
)

func TestAtIsMonotonicWithinMillisecond(t *testing.T) {
	at := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	prev := id.At(at)
	for i := 0; i < 100; i++ {
		next := id.At(at)
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestTimeRoundTrip(t *testing.T) {
	at := time.Date(2026, 1, 5, 10, 0, 0, int(7*time.Millisecond), time.UTC)
	got, err := id.Time(id.At(at))
	require.NoError(t, err)
	assert.Equal(t, at, got)

	_, err = id.Time("not-a-ulid")
	assert.Error(t, err)
}
