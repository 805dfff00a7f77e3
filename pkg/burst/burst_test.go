package burst

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAckRemovesEntry(t *testing.T) {
	m := NewManager(time.Minute)
	m.Await("job-1")
	assert.Equal(t, 1, m.Len())

	assert.True(t, m.Ack("job-1"))
	assert.Equal(t, 0, m.Len())
}

func TestAckUnknownIsNoop(t *testing.T) {
	m := NewManager(time.Minute)
	assert.False(t, m.Ack("never-awaited"))
}

func TestExpireStale(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	m.Await("job-1")

	time.Sleep(20 * time.Millisecond)

	expired := m.ExpireStale()
	assert.ElementsMatch(t, []string{"job-1"}, expired)
	assert.Equal(t, 0, m.Len())
}

func TestLateAckAfterExpiryIsNoop(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	m.Await("job-1")
	time.Sleep(20 * time.Millisecond)
	m.ExpireStale()

	assert.False(t, m.Ack("job-1"))
}
