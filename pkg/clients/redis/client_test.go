package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	egerr "github.com/edgegate/edgegate-core/pkg/errors"
)

// ===========================================================================
// Mock Cmdable
// ===========================================================================

type mockCmdable struct {
	mock.Mock
}

func (m *mockCmdable) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	args := m.Called(ctx, key, value, expiration)
	cmd := redis.NewStatusCmd(ctx)
	if err := args.Error(0); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal("OK")
	}
	return cmd
}

func (m *mockCmdable) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	args := m.Called(ctx, key, value, expiration)
	cmd := redis.NewBoolCmd(ctx)
	if err := args.Error(1); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(args.Bool(0))
	}
	return cmd
}

func (m *mockCmdable) Get(ctx context.Context, key string) *redis.StringCmd {
	args := m.Called(ctx, key)
	cmd := redis.NewStringCmd(ctx)
	if err := args.Error(1); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(args.String(0))
	}
	return cmd
}

func (m *mockCmdable) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	args := m.Called(ctx, keys)
	cmd := redis.NewIntCmd(ctx)
	if err := args.Error(1); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(args.Get(0).(int64))
	}
	return cmd
}

func (m *mockCmdable) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	args := m.Called(ctx, keys)
	cmd := redis.NewIntCmd(ctx)
	if err := args.Error(1); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(args.Get(0).(int64))
	}
	return cmd
}

func (m *mockCmdable) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	args := m.Called(ctx, key, expiration)
	cmd := redis.NewBoolCmd(ctx)
	if err := args.Error(1); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(args.Bool(0))
	}
	return cmd
}

func (m *mockCmdable) TTL(ctx context.Context, key string) *redis.DurationCmd {
	args := m.Called(ctx, key)
	cmd := redis.NewDurationCmd(ctx, time.Second)
	if err := args.Error(1); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(args.Get(0).(time.Duration))
	}
	return cmd
}

func (m *mockCmdable) Incr(ctx context.Context, key string) *redis.IntCmd {
	args := m.Called(ctx, key)
	cmd := redis.NewIntCmd(ctx)
	if err := args.Error(1); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(args.Get(0).(int64))
	}
	return cmd
}

func (m *mockCmdable) Eval(ctx context.Context, script string, keys []string, evalArgs ...interface{}) *redis.Cmd {
	args := m.Called(ctx, script, keys, evalArgs)
	cmd := redis.NewCmd(ctx)
	if err := args.Error(1); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(args.Get(0))
	}
	return cmd
}

func (m *mockCmdable) Ping(ctx context.Context) *redis.StatusCmd {
	args := m.Called(ctx)
	cmd := redis.NewStatusCmd(ctx)
	if err := args.Error(0); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal("PONG")
	}
	return cmd
}

func (m *mockCmdable) Close() error {
	return m.Called().Error(0)
}

func newTestClient(m *mockCmdable) *Client {
	return NewFromClient(m, &Config{DB: 3})
}

// ===========================================================================
// KV operations
// ===========================================================================

func TestSet_Success(t *testing.T) {
	t.Parallel()

	m := &mockCmdable{}
	m.On("Set", mock.Anything, "auth:spec:/orders", "{}", 5*time.Minute).Return(nil)

	client := newTestClient(m)
	require.NoError(t, client.Set(context.Background(), "auth:spec:/orders", "{}", 5*time.Minute))
	m.AssertExpectations(t)
}

func TestSet_ErrorWrapped(t *testing.T) {
	t.Parallel()

	m := &mockCmdable{}
	m.On("Set", mock.Anything, "k", "v", time.Duration(0)).Return(assert.AnError)

	client := newTestClient(m)
	err := client.Set(context.Background(), "k", "v", 0)
	require.Error(t, err)
	assert.Equal(t, egerr.CodeInternalStore, egerr.GetCode(err))
}

func TestGet_Hit(t *testing.T) {
	t.Parallel()

	m := &mockCmdable{}
	m.On("Get", mock.Anything, "auth:hash:user-1").Return("a1b2c3", nil)

	client := newTestClient(m)
	val, err := client.Get(context.Background(), "auth:hash:user-1")
	require.NoError(t, err)
	assert.Equal(t, "a1b2c3", val)
}

func TestGet_MissReturnsNilSentinel(t *testing.T) {
	t.Parallel()

	m := &mockCmdable{}
	m.On("Get", mock.Anything, "absent").Return("", redis.Nil)

	client := newTestClient(m)
	_, err := client.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, Nil)

	// A miss must stay a sentinel, not be wrapped as a store failure.
	assert.Equal(t, egerr.Code(""), egerr.GetCode(err))
}

func TestGet_DeadlineExceededIsTimeout(t *testing.T) {
	t.Parallel()

	m := &mockCmdable{}
	m.On("Get", mock.Anything, "slow").Return("", context.DeadlineExceeded)

	client := newTestClient(m)
	_, err := client.Get(context.Background(), "slow")
	require.Error(t, err)
	assert.Equal(t, egerr.CodeTimeoutStore, egerr.GetCode(err))
	assert.True(t, egerr.IsRetryable(err))
}

func TestDel_ReturnsRemovedCount(t *testing.T) {
	t.Parallel()

	m := &mockCmdable{}
	m.On("Del", mock.Anything, []string{"a", "b"}).Return(int64(2), nil)

	client := newTestClient(m)
	n, err := client.Del(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestExists(t *testing.T) {
	t.Parallel()

	m := &mockCmdable{}
	m.On("Exists", mock.Anything, []string{"blacklist:tok"}).Return(int64(1), nil)

	client := newTestClient(m)
	n, err := client.Exists(context.Background(), "blacklist:tok")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestExpireAndTTL(t *testing.T) {
	t.Parallel()

	m := &mockCmdable{}
	m.On("Expire", mock.Anything, "k", time.Minute).Return(true, nil)
	m.On("TTL", mock.Anything, "k").Return(42*time.Second, nil)

	client := newTestClient(m)

	ok, err := client.Expire(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ttl, err := client.TTL(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, 42*time.Second, ttl)
}

// ===========================================================================
// Lock and counter primitives
// ===========================================================================

func TestSetNX_AcquiredAndContended(t *testing.T) {
	t.Parallel()

	m := &mockCmdable{}
	m.On("SetNX", mock.Anything, "lock:rotation:u1", "holder-1", 10*time.Second).Return(true, nil).Once()
	m.On("SetNX", mock.Anything, "lock:rotation:u1", "holder-2", 10*time.Second).Return(false, nil).Once()

	client := newTestClient(m)

	ok, err := client.SetNX(context.Background(), "lock:rotation:u1", "holder-1", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.SetNX(context.Background(), "lock:rotation:u1", "holder-2", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire")
}

func TestIncr(t *testing.T) {
	t.Parallel()

	m := &mockCmdable{}
	m.On("Incr", mock.Anything, "ratelimit:login:u1").Return(int64(4), nil)

	client := newTestClient(m)
	n, err := client.Incr(context.Background(), "ratelimit:login:u1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestIncrWithTTL_RunsScriptWithWindowMillis(t *testing.T) {
	t.Parallel()

	m := &mockCmdable{}
	m.On("Eval", mock.Anything, incrWithTTLScript,
		[]string{"ratelimit:ip:10.0.0.1"}, []interface{}{int64(60000)}).
		Return(int64(1), nil)

	client := newTestClient(m)
	n, err := client.IncrWithTTL(context.Background(), "ratelimit:ip:10.0.0.1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	m.AssertExpectations(t)
}

func TestIncrWithTTL_ErrorWrapped(t *testing.T) {
	t.Parallel()

	m := &mockCmdable{}
	m.On("Eval", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, assert.AnError)

	client := newTestClient(m)
	_, err := client.IncrWithTTL(context.Background(), "k", time.Minute)
	require.Error(t, err)
	assert.Equal(t, egerr.CodeInternalStore, egerr.GetCode(err))
}

func TestCompareAndDelete(t *testing.T) {
	t.Parallel()

	m := &mockCmdable{}
	m.On("Eval", mock.Anything, compareAndDeleteScript,
		[]string{"lock:rotation:u1"}, []interface{}{"tok-1"}).
		Return(int64(1), nil).Once()
	m.On("Eval", mock.Anything, compareAndDeleteScript,
		[]string{"lock:rotation:u1"}, []interface{}{"tok-stale"}).
		Return(int64(0), nil).Once()

	client := newTestClient(m)

	ok, err := client.CompareAndDelete(context.Background(), "lock:rotation:u1", "tok-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.CompareAndDelete(context.Background(), "lock:rotation:u1", "tok-stale")
	require.NoError(t, err)
	assert.False(t, ok, "stale token must not delete")
}

func TestCompareAndExpire(t *testing.T) {
	t.Parallel()

	m := &mockCmdable{}
	m.On("Eval", mock.Anything, compareAndExpireScript,
		[]string{"lock:rotation:u1"}, []interface{}{"tok-1", int64(10000)}).
		Return(int64(1), nil)

	client := newTestClient(m)
	ok, err := client.CompareAndExpire(context.Background(), "lock:rotation:u1", "tok-1", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	m.AssertExpectations(t)
}

func TestEval_PassesThroughResult(t *testing.T) {
	t.Parallel()

	m := &mockCmdable{}
	m.On("Eval", mock.Anything, "return 1", []string{"k"}, []interface{}{"tok"}).
		Return(int64(1), nil)

	client := newTestClient(m)
	res, err := client.Eval(context.Background(), "return 1", []string{"k"}, "tok")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res)
}

// ===========================================================================
// Health and lifecycle
// ===========================================================================

func TestHealth_Success(t *testing.T) {
	t.Parallel()

	m := &mockCmdable{}
	m.On("Ping", mock.Anything).Return(nil)

	client := newTestClient(m)
	assert.NoError(t, client.Health(context.Background()))
}

func TestHealth_Failure(t *testing.T) {
	t.Parallel()

	m := &mockCmdable{}
	m.On("Ping", mock.Anything).Return(assert.AnError)

	client := newTestClient(m)
	err := client.Health(context.Background())
	require.Error(t, err)
	assert.Equal(t, egerr.CodeUnavailableDependency, egerr.GetCode(err))
}

func TestClose_Delegates(t *testing.T) {
	t.Parallel()

	m := &mockCmdable{}
	m.On("Close").Return(nil)

	client := newTestClient(m)
	assert.NoError(t, client.Close())
	m.AssertExpectations(t)
}

func TestNewFromClient_NilConfig(t *testing.T) {
	t.Parallel()

	client := NewFromClient(&mockCmdable{}, nil)
	require.NotNil(t, client)
	assert.Equal(t, 0, client.dbIndex)
}

// ===========================================================================
// Config validation
// ===========================================================================

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"valid redis URI", func(c *Config) { c.URI = "redis://:pw@host:6379/2" }, false},
		{"valid rediss URI", func(c *Config) { c.URI = "rediss://host:6380/0" }, false},
		{"bad URI scheme", func(c *Config) { c.URI = "http://host" }, true},
		{"port out of range", func(c *Config) { c.Port = 70000 }, true},
		{"pool smaller than idle", func(c *Config) { c.PoolSize = 2; c.MinIdleConns = 10 }, true},
		{"negative timeout", func(c *Config) { c.ReadTimeout = -time.Second }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSecret_Redaction(t *testing.T) {
	t.Parallel()

	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", s.GoString())
	assert.Equal(t, "hunter2", s.Value())

	text, err := s.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "[REDACTED]", string(text))
}

func TestTruncateStatement(t *testing.T) {
	t.Parallel()

	short := "GET k"
	assert.Equal(t, short, truncateStatement(short))

	long := make([]byte, 0, 200)
	for i := 0; i < 200; i++ {
		long = append(long, 'x')
	}
	got := truncateStatement(string(long))
	assert.Len(t, got, maxStatementTruncateLen+3)
	assert.Equal(t, "...", got[maxStatementTruncateLen:])
}
