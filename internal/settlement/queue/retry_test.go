package queue

import (
	"testing"
	"time"

	"github.com/smallbiznis/orderledger/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestRetryPolicySchedule(t *testing.T) {
	policy := PolicyFrom(config.DefaultSettlementConfig())

	expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, want := range expected {
		delay, ok := policy.NextDelay(i + 1)
		assert.True(t, ok)
		assert.Equal(t, want, delay, "attempt %d", i+1)
	}

	_, ok := policy.NextDelay(4)
	assert.False(t, ok, "three retries then give up")
	_, ok = policy.NextDelay(0)
	assert.False(t, ok)
}
