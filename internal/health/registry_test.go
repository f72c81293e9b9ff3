package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAll(t *testing.T) {
	r := NewRegistry()
	r.Register("database", CheckFunc(func(context.Context) error { return nil }))
	r.Register("redis", CheckFunc(func(context.Context) error { return errors.New("connection refused") }))

	assert.Equal(t, []string{"database", "redis"}, r.List())

	report := r.CheckAll(context.Background())
	assert.False(t, report.Healthy)
	require.Len(t, report.Checks, 2)
	assert.Equal(t, "ok", report.Checks["database"].Status)
	assert.Equal(t, "error", report.Checks["redis"].Status)
	assert.Equal(t, "connection refused", report.Checks["redis"].Error)
}

func TestCheckAllEmptyIsHealthy(t *testing.T) {
	report := NewRegistry().CheckAll(context.Background())
	assert.True(t, report.Healthy)
	assert.Empty(t, report.Checks)
}
