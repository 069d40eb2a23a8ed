package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metergate/gateway/tenant"
)

type fakeReader struct {
	count int64
	cost  float64
}

func (f *fakeReader) CountSince(ctx context.Context, tenantKeyID uuid.UUID, since time.Time) (int64, error) {
	return f.count, nil
}

func (f *fakeReader) CostSince(ctx context.Context, tenantKeyID uuid.UUID, since time.Time) (float64, error) {
	return f.cost, nil
}

func TestCheckRate_ZeroLimitIsUnlimited(t *testing.T) {
	e := New(&fakeReader{count: 999999})
	key := &tenant.Key{ID: uuid.New(), RateLimit: 0}
	d, err := e.CheckRate(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, d.Unlimited)
	assert.True(t, d.Allowed)
}

func TestCheckRate_RejectsAtOrAboveLimit(t *testing.T) {
	e := New(&fakeReader{count: 100})
	key := &tenant.Key{ID: uuid.New(), RateLimit: 100}
	d, err := e.CheckRate(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0.0, d.Remaining)
}

func TestCheckRate_AllowsBelowLimit(t *testing.T) {
	e := New(&fakeReader{count: 99})
	key := &tenant.Key{ID: uuid.New(), RateLimit: 100}
	d, err := e.CheckRate(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1.0, d.Remaining)
}

func TestCheckCost_RejectsAtOrAboveLimit(t *testing.T) {
	e := New(&fakeReader{cost: 10.0})
	key := &tenant.Key{ID: uuid.New(), CostLimit: 10.0}
	d, err := e.CheckCost(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestCheckDailyQuota_ResetsAtNextMidnightUTC(t *testing.T) {
	e := New(&fakeReader{cost: 1.0})
	key := &tenant.Key{ID: uuid.New(), DailyQuota: 50.0}
	d, err := e.CheckDailyQuota(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.ResetAt.Hour())
	assert.Equal(t, 0, d.ResetAt.Minute())
	assert.True(t, d.ResetAt.After(time.Now().UTC()))
}

func TestCheckAll_ShortCircuitsOnFirstRejection(t *testing.T) {
	e := New(&fakeReader{count: 100, cost: 0})
	key := &tenant.Key{ID: uuid.New(), RateLimit: 100, CostLimit: 10, DailyQuota: 50}
	rej, err := e.CheckAll(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, CheckRateName, rej.Check)
}

func TestCheckAll_PassesWhenAllUnderLimit(t *testing.T) {
	e := New(&fakeReader{count: 1, cost: 0.1})
	key := &tenant.Key{ID: uuid.New(), RateLimit: 100, CostLimit: 10, DailyQuota: 50}
	rej, err := e.CheckAll(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, rej)
}
