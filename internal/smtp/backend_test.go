package smtp

import (
	"net"
	netsmtp "net/smtp"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rubbishmail/relay/internal/config"
	"rubbishmail/relay/internal/registry"
	"rubbishmail/relay/internal/relay"
	"rubbishmail/relay/internal/reputation"
)

func newTestBackend(t *testing.T) (*Backend, *reputation.Store) {
	t.Helper()

	log := zap.NewNop()
	store := reputation.NewStore(filepath.Join(t.TempDir(), "blacklist.json"), log)
	handler := relay.NewHandler(relay.Options{
		Registry:       registry.New(log),
		Reputation:     store,
		AllowedDomain:  "relay.test",
		MaxMessageSize: 1024,
		AutoBlock:      false,
		Logger:         log,
	})

	return NewBackend(handler, nil, log), store
}

func TestSession_Mail(t *testing.T) {
	t.Run("正常发件人通过", func(t *testing.T) {
		backend, _ := newTestBackend(t)
		s := &session{backend: backend, clientIP: "10.0.0.1"}

		err := s.Mail("alice@example.com", nil)
		require.NoError(t, err)
		assert.Equal(t, "alice@example.com", s.fromAddress)
	})

	t.Run("黑名单IP在MAIL阶段被拒", func(t *testing.T) {
		backend, store := newTestBackend(t)
		store.AddIP("10.0.0.2", "manual", false)

		s := &session{backend: backend, clientIP: "10.0.0.2"}
		err := s.Mail("alice@example.com", nil)

		var smtpErr *gosmtp.SMTPError
		require.ErrorAs(t, err, &smtpErr)
		assert.Equal(t, 554, smtpErr.Code)
	})
}

func TestSession_Rcpt(t *testing.T) {
	backend, _ := newTestBackend(t)

	t.Run("记录并规范化收件人", func(t *testing.T) {
		s := &session{backend: backend, clientIP: "10.0.0.1"}

		require.NoError(t, s.Rcpt("<Bob@Relay.Test>", nil))
		require.NoError(t, s.Rcpt("other@elsewhere.com", nil))

		assert.Equal(t, []string{"bob@relay.test", "other@elsewhere.com"}, s.recipients)
	})

	t.Run("非法地址返回501", func(t *testing.T) {
		s := &session{backend: backend, clientIP: "10.0.0.1"}

		err := s.Rcpt("not-an-address", nil)
		var smtpErr *gosmtp.SMTPError
		require.ErrorAs(t, err, &smtpErr)
		assert.Equal(t, 501, smtpErr.Code)
	})
}

func TestSession_Data(t *testing.T) {
	rawMail := "From: alice@example.com\r\n" +
		"To: bob@relay.test\r\n" +
		"Subject: hello\r\n" +
		"\r\n" +
		"hello world\r\n"

	t.Run("正常邮件返回250", func(t *testing.T) {
		backend, _ := newTestBackend(t)
		s := &session{backend: backend, clientIP: "10.0.0.1"}
		require.NoError(t, s.Mail("alice@example.com", nil))
		require.NoError(t, s.Rcpt("bob@relay.test", nil))

		err := s.Data(strings.NewReader(rawMail))
		assert.NoError(t, err)
	})

	t.Run("超大邮件返回552", func(t *testing.T) {
		backend, _ := newTestBackend(t)
		s := &session{backend: backend, clientIP: "10.0.0.1"}
		require.NoError(t, s.Mail("alice@example.com", nil))
		require.NoError(t, s.Rcpt("bob@relay.test", nil))

		big := rawMail + strings.Repeat("x", 2048)
		err := s.Data(strings.NewReader(big))

		var smtpErr *gosmtp.SMTPError
		require.ErrorAs(t, err, &smtpErr)
		assert.Equal(t, 552, smtpErr.Code)
	})

	t.Run("黑名单发件域名返回554", func(t *testing.T) {
		backend, store := newTestBackend(t)
		store.AddDomain("example.com", "manual", false)

		s := &session{backend: backend, clientIP: "10.0.0.1"}
		require.NoError(t, s.Mail("alice@example.com", nil))
		require.NoError(t, s.Rcpt("bob@relay.test", nil))

		err := s.Data(strings.NewReader(rawMail))
		var smtpErr *gosmtp.SMTPError
		require.ErrorAs(t, err, &smtpErr)
		assert.Equal(t, 554, smtpErr.Code)
	})

	t.Run("解析失败静默接收", func(t *testing.T) {
		backend, _ := newTestBackend(t)
		s := &session{backend: backend, clientIP: "10.0.0.1"}
		require.NoError(t, s.Mail("alice@example.com", nil))
		require.NoError(t, s.Rcpt("bob@relay.test", nil))

		err := s.Data(strings.NewReader("not a valid mail message"))
		assert.NoError(t, err)
	})
}

// TestServer_OversizedAutoBlock 通过真实 SMTP 会话验证超大邮件的自动拉黑：
// 传输层上限必须高于策略上限，超限邮件才能完整读入并进入处理流程。
func TestServer_OversizedAutoBlock(t *testing.T) {
	backend, store := newTestBackend(t)
	server := NewServer(config.SMTPConfig{
		Domain:         "relay.test",
		MaxMessageSize: 1024,
	}, backend)
	defer server.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go server.Serve(ln)

	big := []byte("From: attacker@evil.example\r\n" +
		"To: bob@relay.test\r\n" +
		"Subject: big\r\n" +
		"\r\n" +
		strings.Repeat("x", 4096))

	err = netsmtp.SendMail(ln.Addr().String(), nil,
		"attacker@evil.example", []string{"bob@relay.test"}, big)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "552")

	assert.True(t, store.IsIPBlocked("127.0.0.1"))
}

func TestTransportCeiling(t *testing.T) {
	// 默认策略上限远低于硬上限
	assert.Equal(t, int64(hardMessageCeiling), transportCeiling(10*1024*1024))
	// 策略上限逼近硬上限时仍保留一倍余量
	assert.Equal(t, int64(64<<20), transportCeiling(32<<20))
}

func TestConnectionLimiter(t *testing.T) {
	t.Run("超出并发上限拒绝", func(t *testing.T) {
		limiter := NewConnectionLimiter(2, 100)

		assert.True(t, limiter.Acquire())
		assert.True(t, limiter.Acquire())
		assert.False(t, limiter.Acquire())
		assert.Equal(t, 2, limiter.Current())

		limiter.Release()
		assert.True(t, limiter.Acquire())
	})

	t.Run("超出速率拒绝", func(t *testing.T) {
		limiter := NewConnectionLimiter(100, 2)

		assert.True(t, limiter.Acquire())
		assert.True(t, limiter.Acquire())
		assert.False(t, limiter.Acquire())

		// 令牌桶随时间补充
		time.Sleep(600 * time.Millisecond)
		assert.True(t, limiter.Acquire())
	})

	t.Run("会话结束后释放许可", func(t *testing.T) {
		backend, _ := newTestBackend(t)
		limiter := NewConnectionLimiter(1, 100)
		backend.limiter = limiter

		require.True(t, limiter.Acquire())
		s := &session{backend: backend, clientIP: "10.0.0.1"}

		require.NoError(t, s.Logout())
		assert.Equal(t, 0, limiter.Current())

		// 重复 Logout 不会重复释放
		require.NoError(t, s.Logout())
		assert.Equal(t, 0, limiter.Current())
	})
}
