package reputation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// 测试辅助函数：在临时目录创建存储
func setupTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "blacklist.json")
	return NewStore(path, zap.NewNop()), path
}

// TestAddIP 测试 IP 黑名单
func TestAddIP(t *testing.T) {
	store, _ := setupTestStore(t)

	t.Run("first add returns true", func(t *testing.T) {
		assert.True(t, store.AddIP("192.0.2.1", "spam", true))
		assert.True(t, store.IsIPBlocked("192.0.2.1"))
	})

	t.Run("second add increments count and returns false", func(t *testing.T) {
		assert.False(t, store.AddIP("192.0.2.1", "spam", true))

		detail := store.GetDetail()
		assert.Equal(t, 2, detail.BlockedIPs["192.0.2.1"].Count)
	})

	t.Run("unknown ip not blocked", func(t *testing.T) {
		assert.False(t, store.IsIPBlocked("198.51.100.9"))
	})
}

// TestAddRemoveDomain 测试域名黑名单
func TestAddRemoveDomain(t *testing.T) {
	store, _ := setupTestStore(t)

	t.Run("domain is lower-cased before storage", func(t *testing.T) {
		assert.True(t, store.AddDomain("SPAM.Example", "junk", true))
		assert.True(t, store.IsDomainBlocked("spam.example"))
		assert.True(t, store.IsDomainBlocked("Spam.EXAMPLE"))
	})

	t.Run("sender blocked via domain", func(t *testing.T) {
		assert.True(t, store.IsSenderBlocked("anyone@spam.example"))
		assert.False(t, store.IsSenderBlocked("anyone@clean.example"))
	})

	t.Run("sender without domain part never blocked", func(t *testing.T) {
		assert.False(t, store.IsSenderBlocked("no-at-sign"))
		assert.False(t, store.IsSenderBlocked("trailing@"))
	})

	t.Run("remove existing domain", func(t *testing.T) {
		assert.True(t, store.RemoveDomain("spam.example"))
		assert.False(t, store.IsDomainBlocked("spam.example"))
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		assert.False(t, store.RemoveDomain("spam.example"))
	})
}

// TestWhitelist 测试白名单学习
func TestWhitelist(t *testing.T) {
	store, _ := setupTestStore(t)

	store.LearnWhitelistDomain("Bank.Example")
	store.LearnWhitelistDomain("bank.example") // 幂等

	stats := store.GetStats()
	assert.Equal(t, 1, stats.WhitelistCount)
	assert.Equal(t, []string{"bank.example"}, stats.WhitelistDomains)
}

// TestAutoBlockStranger 测试陌生发件人自动拉黑
func TestAutoBlockStranger(t *testing.T) {
	t.Run("blocks ip and domain in one shot", func(t *testing.T) {
		store, _ := setupTestStore(t)

		blocked := store.AutoBlockStranger("192.0.2.7", "spammer@junk.example")
		assert.True(t, blocked)
		assert.True(t, store.IsIPBlocked("192.0.2.7"))
		assert.True(t, store.IsDomainBlocked("junk.example"))
	})

	t.Run("whitelisted domain is a no-op even for unseen ip", func(t *testing.T) {
		store, _ := setupTestStore(t)
		store.LearnWhitelistDomain("bank.example")

		blocked := store.AutoBlockStranger("203.0.113.9", "notify@bank.example")
		assert.False(t, blocked)
		assert.False(t, store.IsIPBlocked("203.0.113.9"))
		assert.False(t, store.IsDomainBlocked("bank.example"))
	})

	t.Run("sender without domain is a no-op", func(t *testing.T) {
		store, _ := setupTestStore(t)

		assert.False(t, store.AutoBlockStranger("192.0.2.8", "nodomain"))
		assert.False(t, store.IsIPBlocked("192.0.2.8"))
	})
}

// TestPersistence 测试持久化往返
func TestPersistence(t *testing.T) {
	t.Run("save then load reproduces identical collections", func(t *testing.T) {
		store, path := setupTestStore(t)

		store.AddIP("192.0.2.1", "spam", true)
		store.AddIP("192.0.2.1", "spam", true) // count -> 2
		store.AddDomain("junk.example", "junk", true)
		store.LearnWhitelistDomain("bank.example")

		reloaded := NewStore(path, zap.NewNop())

		before := store.GetDetail()
		after := reloaded.GetDetail()
		assert.Equal(t, before.WhitelistDomains, after.WhitelistDomains)
		assert.Equal(t, len(before.BlockedIPs), len(after.BlockedIPs))
		assert.Equal(t, before.BlockedIPs["192.0.2.1"].Count, after.BlockedIPs["192.0.2.1"].Count)
		assert.Equal(t, before.BlockedIPs["192.0.2.1"].Reason, after.BlockedIPs["192.0.2.1"].Reason)
		assert.Equal(t, before.BlockedDomains["junk.example"].Reason, after.BlockedDomains["junk.example"].Reason)
	})

	t.Run("missing file starts empty", func(t *testing.T) {
		store := NewStore(filepath.Join(t.TempDir(), "nope", "blacklist.json"), zap.NewNop())
		stats := store.GetStats()
		assert.Zero(t, stats.BlockedIPCount)
	})

	t.Run("corrupt file starts empty, not fatal", func(t *testing.T) {
		tempDir := t.TempDir()
		path := filepath.Join(tempDir, "blacklist.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

		store := NewStore(path, zap.NewNop())
		stats := store.GetStats()
		assert.Zero(t, stats.BlockedIPCount)

		// 仍然可以正常写入
		assert.True(t, store.AddIP("192.0.2.1", "spam", true))
		assert.NoError(t, store.Health())
	})
}
