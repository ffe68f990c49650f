// Package ttesting contains helpers shared by the tests of the ChatBridge
// packages.
package ttesting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Patience is how long the Eventually helpers wait before failing.
const Patience = 5 * time.Second

const tick = 10 * time.Millisecond

// Eventually fails the test immediately unless cond becomes true in time.
func Eventually(t testing.TB, cond func() bool, what string) {
	t.Helper()
	require.Eventually(t, cond, Patience, tick, "waiting for %s", what)
}

// Never fails the test if cond becomes true within d.
func Never(t testing.TB, cond func() bool, d time.Duration, what string) {
	t.Helper()
	assert.Never(t, cond, d, tick, "unexpected %s", what)
}

// AssertPing checks that a ping reading is either unknown or a plausible
// loopback round trip.
func AssertPing(t testing.TB, got time.Duration) {
	t.Helper()
	if got == -1 {
		return
	}
	assert.GreaterOrEqual(t, int64(got), int64(0))
	assert.Less(t, int64(got), int64(Patience))
}

// Recv waits for one value from ch.
func Recv[T any](t testing.TB, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(Patience):
		require.FailNow(t, "timed out waiting for "+what)
	}
	var zero T
	return zero
}

// NoRecv checks that nothing arrives on ch within d.
func NoRecv[T any](t testing.TB, ch chan T, d time.Duration, what string) {
	t.Helper()
	select {
	case v := <-ch:
		assert.Fail(t, "unexpected "+what, "%+v", v)
	case <-time.After(d):
	}
}
