package domain

import "time"

// Envelope 表示解析后的入站邮件。
//
// Envelope 是临时对象：路由完成后即丢弃，系统不存储任何邮件内容。
type Envelope struct {
	Sender     string    // 发件人邮箱地址（纯地址）
	SenderName string    // 发件人显示名称（可能为空）
	Subject    string    // 邮件主题
	Body       string    // 纯文本正文
	HTMLBody   string    // HTML 正文（可能为空）
	ReceivedAt time.Time // 接收时间
}
