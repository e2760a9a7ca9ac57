package ble

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialContextReturnsLink(t *testing.T) {
	var hungUp atomic.Int32
	link, err := dialContext(context.Background(),
		func() (string, error) { return "link", nil },
		func(string) { hungUp.Add(1) },
	)
	require.NoError(t, err)
	assert.Equal(t, "link", link)
	assert.Zero(t, hungUp.Load())
}

func TestDialContextReturnsDialError(t *testing.T) {
	_, err := dialContext(context.Background(),
		func() (string, error) { return "", errMockTransport },
		func(string) { t.Error("hang up without a link") },
	)
	assert.ErrorIs(t, err, errMockTransport)
}

func TestDialContextHangsUpLateLink(t *testing.T) {
	release := make(chan struct{})
	hungUp := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := dialContext(ctx,
			func() (string, error) { <-release; return "late", nil },
			func(link string) { hungUp <- link },
		)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("dial did not give up on cancel")
	}

	close(release)
	select {
	case link := <-hungUp:
		assert.Equal(t, "late", link)
	case <-time.After(time.Second):
		t.Fatal("late link was never closed")
	}
}

func TestDialContextLateFailureNeedsNoHangUp(t *testing.T) {
	release := make(chan struct{})
	var hungUp atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := dialContext(ctx,
		func() (string, error) { <-release; return "", errMockTransport },
		func(string) { hungUp.Add(1) },
	)
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, hungUp.Load())
}
