package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextRetryIn(t *testing.T) {
	for _, tc := range []struct {
		retries int
		want    time.Duration
	}{
		{retries: 0, want: 15 * time.Second},
		{retries: 1, want: 30 * time.Second},
		{retries: 2, want: time.Minute},
		{retries: 3, want: 2 * time.Minute},
		{retries: 8, want: time.Hour},
		{retries: 20, want: time.Hour},
		{retries: 1000, want: time.Hour},
	} {
		require.Equal(t, tc.want, nextRetryIn(tc.retries), "retries=%d", tc.retries)
	}

	// The curve never decreases.
	previous := time.Duration(0)
	for retries := 0; retries < 16; retries++ {
		delay := nextRetryIn(retries)
		require.GreaterOrEqual(t, delay, previous)
		previous = delay
	}
}
