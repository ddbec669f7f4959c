package utils

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"gitlab.com/timkado/api/click-attribution/pkg/logger"
)

// setupTestLogger swaps the global logger and returns a restore function
func setupTestLogger(t *testing.T) func() {
	original := logger.Log
	logger.Log = zaptest.NewLogger(t)
	return func() {
		logger.Log = original
	}
}

func TestSafeGo(t *testing.T) {
	cleanup := setupTestLogger(t)
	defer cleanup()

	done := make(chan bool, 1)
	SafeGo(func() {
		done <- true
	}, nil)

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("function did not execute in time")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var recovered interface{}
	SafeGo(func() {
		panic("test panic")
	}, func(r interface{}, stack []byte) {
		recovered = r
		wg.Done()
	})
	wg.Wait()
	assert.Equal(t, "test panic", recovered)
}

func TestRecoverWithLog(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	ctx := logger.WithLogger(context.Background(), zap.New(core))

	func() {
		defer RecoverWithLog(ctx, "enrichment batch")
		panic("boom")
	}()

	assert.Equal(t, 1, logs.FilterMessage("[panic] Recovered from panic during enrichment batch").Len())
}

func TestWrapWithContextRecovery(t *testing.T) {
	cleanup := setupTestLogger(t)
	defer cleanup()
	ctx := logger.WithLogger(context.Background(), zaptest.NewLogger(t))

	ok := WrapWithContextRecovery(func(ctx context.Context) error { return nil })
	assert.NoError(t, ok(ctx))

	failing := WrapWithContextRecovery(func(ctx context.Context) error { return errors.New("test error") })
	assert.EqualError(t, failing(ctx), "test error")

	panicking := WrapWithContextRecovery(func(ctx context.Context) error { panic("test panic with context") })
	assert.EqualError(t, panicking(ctx), "panic recovered: test panic with context")
}
