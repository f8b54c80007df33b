package core

import (
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestPool(t *testing.T, n int, strategy string) *CredentialPool {
	t.Helper()

	seeds := make([]CredentialSeed, 0, n)
	names := []string{"A", "B", "C", "D", "E"}
	for i := 0; i < n; i++ {
		seeds = append(seeds, CredentialSeed{
			SecretPrimary:   "psid-" + names[i],
			SecretSecondary: "psidts-" + names[i],
			DisplayName:     names[i],
		})
	}

	pool, err := NewCredentialPool(seeds, strategy, testLogger())
	assert.NoError(t, err)
	return pool
}

func TestZeroCredentialsIsConfigError(t *testing.T) {
	_, err := NewCredentialPool(nil, StrategyRoundRobin, testLogger())
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestRegisterDuplicateSecretPair(t *testing.T) {
	pool := newTestPool(t, 1, StrategyRoundRobin)

	_, err := pool.Register("psid-A", "psidts-A", "A again")
	assert.ErrorIs(t, err, ErrDuplicateCredential)

	// 同 primary 不同 secondary 不算重复
	id, err := pool.Register("psid-A", "psidts-other", "A variant")
	assert.NoError(t, err)
	assert.Equal(t, "cred-2", id)
}

func TestRoundRobinVisitsAllInRegistrationOrder(t *testing.T) {
	pool := newTestPool(t, 3, StrategyRoundRobin)

	// 三次连续选择按注册顺序各访问一次，第四次回到起点
	var got []string
	for i := 0; i < 4; i++ {
		cred, err := pool.Select(nil)
		assert.NoError(t, err)
		got = append(got, cred.DisplayName)
	}
	assert.Equal(t, []string{"A", "B", "C", "A"}, got)
}

func TestThreeFailuresDisableCredential(t *testing.T) {
	pool := newTestPool(t, 3, StrategyRoundRobin)

	// A 连续失败 3 次
	pool.ReportFailure("cred-1")
	pool.ReportFailure("cred-1")

	status := pool.Status()
	assert.True(t, status.Credentials[0].IsAvailable, "two failures must not disable")
	assert.Equal(t, 2, status.Credentials[0].ErrorCount)

	pool.ReportFailure("cred-1")

	status = pool.Status()
	assert.False(t, status.Credentials[0].IsAvailable)
	assert.Equal(t, 3, status.Credentials[0].ErrorCount)
	assert.Equal(t, 2, status.AvailableCredentials)

	// 游标仍在 A，轮询应跳过不可用的 A 返回 B
	cred, err := pool.Select(nil)
	assert.NoError(t, err)
	assert.Equal(t, "B", cred.DisplayName)
}

func TestSuccessRestoresAvailability(t *testing.T) {
	pool := newTestPool(t, 2, StrategyRoundRobin)

	for i := 0; i < 3; i++ {
		pool.ReportFailure("cred-1")
	}
	assert.Equal(t, 1, pool.AvailableCount())

	// 一次成功立即恢复并清零计数
	pool.ReportSuccess("cred-1")

	status := pool.Status()
	assert.True(t, status.Credentials[0].IsAvailable)
	assert.Equal(t, 0, status.Credentials[0].ErrorCount)
	assert.Equal(t, 2, status.AvailableCredentials)
}

func TestSelectExhaustedWhenAllUnavailable(t *testing.T) {
	for _, strategy := range []string{StrategyRoundRobin, StrategyRandom, StrategyLeastUsed} {
		pool := newTestPool(t, 2, strategy)
		for i := 0; i < 3; i++ {
			pool.ReportFailure("cred-1")
			pool.ReportFailure("cred-2")
		}

		_, err := pool.Select(nil)
		assert.ErrorIs(t, err, ErrExhausted, "strategy %s", strategy)
	}
}

func TestSelectExhaustedWhenAllExcluded(t *testing.T) {
	pool := newTestPool(t, 2, StrategyRoundRobin)

	exclude := map[string]struct{}{
		"cred-1": {},
		"cred-2": {},
	}
	_, err := pool.Select(exclude)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestSelectRespectsExclusionSet(t *testing.T) {
	pool := newTestPool(t, 3, StrategyRoundRobin)

	exclude := map[string]struct{}{"cred-1": {}}
	cred, err := pool.Select(exclude)
	assert.NoError(t, err)
	assert.Equal(t, "B", cred.DisplayName)
}

func TestReportOnUnknownIDIsNoOp(t *testing.T) {
	pool := newTestPool(t, 1, StrategyRoundRobin)

	assert.NotPanics(t, func() {
		pool.ReportFailure("cred-99")
		pool.ReportSuccess("cred-99")
	})

	status := pool.Status()
	assert.Equal(t, 0, status.Credentials[0].ErrorCount)
}

func TestLeastUsedNeverRepeatsWithTwoEligible(t *testing.T) {
	pool := newTestPool(t, 3, StrategyLeastUsed)

	var prev string
	for i := 0; i < 10; i++ {
		cred, err := pool.Select(nil)
		assert.NoError(t, err)
		if i > 0 {
			assert.NotEqual(t, prev, cred.ID, "least_used must not pick the same credential twice in a row")
		}
		prev = cred.ID
	}
}

func TestLeastUsedTieBreaks(t *testing.T) {
	// last_used 全部相等（从未使用）时，error_count 更小者胜出
	pool := newTestPool(t, 3, StrategyLeastUsed)
	pool.ReportFailure("cred-1")
	pool.ReportFailure("cred-3")

	cred, err := pool.Select(nil)
	assert.NoError(t, err)
	assert.Equal(t, "cred-2", cred.ID)

	// last_used 与 error_count 都相等时按注册顺序取先注册者
	pool = newTestPool(t, 3, StrategyLeastUsed)
	cred, err = pool.Select(nil)
	assert.NoError(t, err)
	assert.Equal(t, "cred-1", cred.ID)
}

func TestRandomSelectsOnlyEligible(t *testing.T) {
	pool := newTestPool(t, 3, StrategyRandom)

	for i := 0; i < 3; i++ {
		pool.ReportFailure("cred-1")
		pool.ReportFailure("cred-3")
	}

	for i := 0; i < 20; i++ {
		cred, err := pool.Select(nil)
		assert.NoError(t, err)
		assert.Equal(t, "cred-2", cred.ID)
	}
}

func TestStatusIsSnapshot(t *testing.T) {
	pool := newTestPool(t, 2, StrategyRoundRobin)

	before := pool.Status()
	pool.ReportFailure("cred-1")

	// 快照不随后续变更移动
	assert.Equal(t, 0, before.Credentials[0].ErrorCount)
	assert.Equal(t, 1, pool.Status().Credentials[0].ErrorCount)
}

func TestConcurrentSelectAndReport(t *testing.T) {
	pool := newTestPool(t, 3, StrategyRoundRobin)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				cred, err := pool.Select(nil)
				if err != nil {
					continue
				}
				if (i+j)%5 == 0 {
					pool.ReportFailure(cred.ID)
				} else {
					pool.ReportSuccess(cred.ID)
				}
				pool.Status()
			}
		}(i)
	}
	wg.Wait()

	status := pool.Status()
	assert.Equal(t, 3, status.TotalCredentials)
	for _, c := range status.Credentials {
		// 不变式: error_count >= 3 当且仅当不可用
		if c.ErrorCount >= MaxErrorCount {
			assert.False(t, c.IsAvailable)
		} else {
			assert.True(t, c.IsAvailable)
		}
	}
}
