package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNowIsUTC(t *testing.T) {
	t.Parallel()

	now := New().Now()
	require.Equal(t, time.UTC, now.Location())
	require.WithinDuration(t, time.Now().UTC(), now, time.Second)
}

func TestAfterFires(t *testing.T) {
	t.Parallel()

	select {
	case <-New().After(time.Millisecond):
	case <-time.After(time.Second):
		t.Fatal("After never fired")
	}
}
