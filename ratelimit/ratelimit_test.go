package ratelimit

import (
	"testing"
	"time"

	"github.com/ephemera-project/ephemera/ids"
	"github.com/stretchr/testify/require"
)

func TestOperationRateLimitS5(t *testing.T) {
	l := New(Config{OperationsPerSecond: 100, CreationsPerHour: 10, MaxParticipants: 50, SweepInterval: time.Minute})
	defer l.Close()

	ws := ids.NewWorkspaceID()
	p := ids.NewParticipantID()

	var fakeNow int64
	l.now = func() int64 { return fakeNow }

	for i := 0; i < 100; i++ {
		d := l.CheckOperation(ws, p)
		require.True(t, d.Allowed, "operation %d should be allowed", i)
		l.RecordOperation(ws, p)
	}

	d := l.CheckOperation(ws, p)
	require.False(t, d.Allowed)
	require.Greater(t, d.RetryAfterMs, int64(0))
	require.LessOrEqual(t, d.RetryAfterMs, int64(1000))

	fakeNow += 1100
	d = l.CheckOperation(ws, p)
	require.True(t, d.Allowed)
}

func TestCreationRateLimitPerSource(t *testing.T) {
	l := New(Config{OperationsPerSecond: 100, CreationsPerHour: 2, MaxParticipants: 50, SweepInterval: time.Minute})
	defer l.Close()

	require.True(t, l.CheckCreation("1.2.3.4").Allowed)
	l.RecordCreation("1.2.3.4")
	require.True(t, l.CheckCreation("1.2.3.4").Allowed)
	l.RecordCreation("1.2.3.4")

	d := l.CheckCreation("1.2.3.4")
	require.False(t, d.Allowed)
	require.Greater(t, d.RetryAfterMs, int64(0))

	// a different source is unaffected
	require.True(t, l.CheckCreation("5.6.7.8").Allowed)
}

func TestParticipantCap(t *testing.T) {
	l := New(Config{MaxParticipants: 2})
	defer l.Close()

	require.True(t, l.CheckParticipantCap(0).Allowed)
	require.True(t, l.CheckParticipantCap(1).Allowed)
	d := l.CheckParticipantCap(2)
	require.False(t, d.Allowed)
	require.Contains(t, d.Reason, "Participant limit exceeded")
}
