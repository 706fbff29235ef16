package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rubbishmail/relay/internal/domain"
)

// fakeChannel 测试用推送通道
type fakeChannel struct {
	mu   sync.Mutex
	sent []*domain.PushMessage
	fail bool
}

func (c *fakeChannel) Send(msg *domain.PushMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("send failed")
	}
	c.sent = append(c.sent, msg)
	return nil
}

func testRules() []domain.Rule {
	rules := []domain.Rule{{Kind: domain.RuleKeyword, Patterns: []string{"code"}}}
	rules[0].Normalize()
	return rules
}

// TestAdd 测试订阅创建
func TestAdd(t *testing.T) {
	r := New(zap.NewNop())

	t.Run("mailbox is case-normalized", func(t *testing.T) {
		id := r.Add("Alice@Allowed.Test", testRules(), time.Minute, &fakeChannel{})

		ids := r.SubscriptionsFor("alice@allowed.test")
		assert.Contains(t, ids, id)

		sub, ok := r.Get(id)
		require.True(t, ok)
		assert.Equal(t, "alice@allowed.test", sub.Mailbox)
	})

	t.Run("multiple subscriptions per mailbox", func(t *testing.T) {
		id2 := r.Add("alice@allowed.test", testRules(), time.Minute, &fakeChannel{})

		ids := r.SubscriptionsFor("alice@allowed.test")
		assert.Len(t, ids, 2)
		assert.Contains(t, ids, id2)
	})

	t.Run("introspection", func(t *testing.T) {
		r.Add("bob@allowed.test", testRules(), time.Minute, &fakeChannel{})

		assert.Equal(t, 3, r.ActiveCount())
		assert.Equal(t, []string{"alice@allowed.test", "bob@allowed.test"}, r.MonitoredMailboxes())
	})
}

// TestTryAdd 测试容量受限的准入
func TestTryAdd(t *testing.T) {
	t.Run("rejects beyond limit", func(t *testing.T) {
		r := New(zap.NewNop())

		id, ok := r.TryAdd("alice@allowed.test", testRules(), time.Minute, &fakeChannel{}, 1)
		require.True(t, ok)
		require.NotEmpty(t, id)

		_, ok = r.TryAdd("bob@allowed.test", testRules(), time.Minute, &fakeChannel{}, 1)
		assert.False(t, ok)
		assert.Equal(t, 1, r.ActiveCount())

		// 移除后容量释放
		require.True(t, r.Remove(id))
		_, ok = r.TryAdd("bob@allowed.test", testRules(), time.Minute, &fakeChannel{}, 1)
		assert.True(t, ok)
	})

	t.Run("zero limit means unlimited", func(t *testing.T) {
		r := New(zap.NewNop())

		for i := 0; i < 10; i++ {
			_, ok := r.TryAdd("alice@allowed.test", testRules(), time.Minute, &fakeChannel{}, 0)
			require.True(t, ok)
		}
		assert.Equal(t, 10, r.ActiveCount())
	})

	t.Run("concurrent admissions never exceed limit", func(t *testing.T) {
		r := New(zap.NewNop())
		const limit = 4

		var wg sync.WaitGroup
		var admitted int32
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, ok := r.TryAdd("alice@allowed.test", testRules(), time.Minute, &fakeChannel{}, limit); ok {
					atomic.AddInt32(&admitted, 1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(limit), admitted)
		assert.Equal(t, limit, r.ActiveCount())
	})
}

// TestRemove 测试订阅移除
func TestRemove(t *testing.T) {
	r := New(zap.NewNop())

	t.Run("remove deletes from both indexes", func(t *testing.T) {
		id := r.Add("alice@allowed.test", testRules(), time.Minute, &fakeChannel{})

		assert.True(t, r.Remove(id))
		assert.NotContains(t, r.SubscriptionsFor("alice@allowed.test"), id)
		assert.Zero(t, r.ActiveCount())
		assert.Empty(t, r.MonitoredMailboxes())

		_, ok := r.Get(id)
		assert.False(t, ok)
	})

	t.Run("second remove returns false", func(t *testing.T) {
		id := r.Add("alice@allowed.test", testRules(), time.Minute, &fakeChannel{})

		assert.True(t, r.Remove(id))
		assert.False(t, r.Remove(id))
	})

	t.Run("remove unknown id is a no-op", func(t *testing.T) {
		assert.False(t, r.Remove("never-existed_123"))
	})
}

// TestTimeout 测试超时自动移除
func TestTimeout(t *testing.T) {
	r := New(zap.NewNop())

	t.Run("subscription expires after its timeout", func(t *testing.T) {
		id := r.Add("alice@allowed.test", testRules(), 20*time.Millisecond, &fakeChannel{})

		require.Eventually(t, func() bool {
			_, ok := r.Get(id)
			return !ok
		}, time.Second, 5*time.Millisecond)

		assert.Empty(t, r.SubscriptionsFor("alice@allowed.test"))
	})

	t.Run("explicit remove cancels the timer", func(t *testing.T) {
		id := r.Add("bob@allowed.test", testRules(), 20*time.Millisecond, &fakeChannel{})

		assert.True(t, r.Remove(id))
		// 定时器到期后不应再次触发清理
		time.Sleep(50 * time.Millisecond)
		assert.False(t, r.Remove(id))
	})
}

// TestSnapshot 测试快照语义
func TestSnapshot(t *testing.T) {
	r := New(zap.NewNop())

	id1 := r.Add("alice@allowed.test", testRules(), time.Minute, &fakeChannel{})
	id2 := r.Add("alice@allowed.test", testRules(), time.Minute, &fakeChannel{})

	snapshot := r.SubscriptionsFor("alice@allowed.test")
	require.Len(t, snapshot, 2)

	// 快照拿到后移除一个订阅，快照本身不变，逐个解析时容忍缺失
	r.Remove(id1)
	assert.Len(t, snapshot, 2)

	_, ok := r.Get(id1)
	assert.False(t, ok)
	_, ok = r.Get(id2)
	assert.True(t, ok)
}

// TestConcurrentRemoval 测试并发移除安全
func TestConcurrentRemoval(t *testing.T) {
	r := New(zap.NewNop())

	ids := make([]string, 50)
	for i := range ids {
		ids[i] = r.Add("stress@allowed.test", testRules(), 10*time.Millisecond, &fakeChannel{})
	}

	// 显式移除与定时器到期竞争，清理必须恰好发生一次
	var wg sync.WaitGroup
	removed := make([]bool, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			removed[i] = r.Remove(id)
		}(i, id)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return r.ActiveCount() == 0
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, r.SubscriptionsFor("stress@allowed.test"))
}
