package lock

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLockerWithoutClient(t *testing.T) {
	var l *Locker = NewLocker(nil)
	require.Nil(t, l)

	_, ok, err := l.TryLock(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.False(t, ok)
	assert.NoError(t, l.Release(context.Background(), "k", "token"))
}

func TestTryLockValidatesArguments(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()
	l := NewLocker(client)

	_, _, err := l.TryLock(context.Background(), "", time.Second)
	assert.ErrorIs(t, err, ErrEmptyKey)

	_, _, err = l.TryLock(context.Background(), "sweep", 0)
	assert.ErrorIs(t, err, ErrInvalidTTL)

	assert.NoError(t, l.Release(context.Background(), "", "token"))
	assert.NoError(t, l.Release(context.Background(), "sweep", ""))
}
