package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/linkerd/neurofabric/pkg/fabric"
)

func TestConnectionThrottlesAfterConsecutiveTimeouts(t *testing.T) {
	c := NewConnection(fabric.NewUnitID(), fabric.NewUnitID(), 4, 1.0)
	assert.Equal(t, ConnOpen, c.State())

	c.RecordBackpressureTimeout(time.Minute)
	c.RecordBackpressureTimeout(time.Minute)
	assert.Equal(t, ConnOpen, c.State(), "two timeouts stay Open")

	c.RecordBackpressureTimeout(time.Minute)
	assert.Equal(t, ConnThrottled, c.State())
}

func TestConnectionRecoversOnSuccess(t *testing.T) {
	c := NewConnection(fabric.NewUnitID(), fabric.NewUnitID(), 4, 1.0)
	for i := 0; i < 3; i++ {
		c.RecordBackpressureTimeout(time.Minute)
	}
	assert.Equal(t, ConnThrottled, c.State())

	c.RecordSuccess()
	assert.Equal(t, ConnOpen, c.State())
}

func TestConnectionRecoversAfterCooldown(t *testing.T) {
	c := NewConnection(fabric.NewUnitID(), fabric.NewUnitID(), 4, 1.0)
	for i := 0; i < 3; i++ {
		c.RecordBackpressureTimeout(time.Millisecond)
	}
	assert.Eventually(t, func() bool {
		return c.State() == ConnOpen
	}, time.Second, time.Millisecond)
}

func TestConnectionCloseIsTerminal(t *testing.T) {
	c := NewConnection(fabric.NewUnitID(), fabric.NewUnitID(), 4, 1.0)
	c.Close()
	assert.Equal(t, ConnClosed, c.State())

	c.RecordSuccess()
	assert.Equal(t, ConnClosed, c.State(), "success never reopens a closed connection")
}
