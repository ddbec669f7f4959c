package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"gitlab.com/timkado/api/click-attribution/internal/tenant"
)

func TestFromContextAddsRunAndTenantFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := WithLogger(context.Background(), zap.New(core))
	ctx = tenant.WithRunID(ctx, "run-42")
	ctx = tenant.WithTenant(ctx, "degrau")

	FromContext(ctx).Info("hello")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "run-42", fields["run_id"])
	assert.Equal(t, "degrau", fields["tenant"])
}

func TestFromContextOrFallsBack(t *testing.T) {
	fallback := zap.NewNop().Named("fallback")
	assert.Equal(t, fallback, FromContextOr(context.Background(), fallback))

	scoped := zap.NewNop().Named("scoped")
	ctx := WithLogger(context.Background(), scoped)
	assert.Equal(t, scoped, FromContextOr(ctx, fallback))
}

func TestInitializeWritesRotatingFile(t *testing.T) {
	original := Log
	t.Cleanup(func() { Log = original })

	path := filepath.Join(t.TempDir(), "attribution.log")
	require.NoError(t, Initialize("debug", FileOptions{Path: path, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1}))

	Log.Info("written to file", zap.String("raw_id", "IwAR_xyz"))
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"written to file"`)
	assert.Contains(t, string(data), `"raw_id":"IwAR_xyz"`)
}
