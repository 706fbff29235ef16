package mailparser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"

	"rubbishmail/relay/internal/domain"
)

// Parse 解析原始邮件字节流为 Envelope。
//
// 整体结构损坏时返回错误，由调用方按"静默丢弃、照常确认"处理；
// 头部与正文的字符集问题不会导致失败，始终产出尽力而为的文本。
func Parse(raw []byte) (*domain.Envelope, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse mail: %w", err)
	}

	sender, senderName := splitAddress(decodeHeader(msg.Header.Get("From")))

	env := &domain.Envelope{
		Sender:     sender,
		SenderName: senderName,
		Subject:    decodeHeader(msg.Header.Get("Subject")),
		ReceivedAt: time.Now(),
	}

	contentType := msg.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// 没有 Content-Type 或解析失败，当作纯文本处理
		body, _ := io.ReadAll(msg.Body)
		env.Body = decodeWithFallback(body, "")
		return env, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message without boundary")
		}
		parseMultipart(multipart.NewReader(msg.Body, boundary), env)
		return env, nil
	}

	// 单部分邮件
	body := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), params["charset"])
	if strings.HasPrefix(mediaType, "text/html") {
		env.HTMLBody = body
		env.Body = body
	} else {
		env.Body = body
	}

	return env, nil
}

// parseMultipart 递归解析多部分邮件，取第一个 text/plain 作正文、
// 第一个 text/html 作 HTML 正文。损坏的部分跳过，不影响其余部分。
func parseMultipart(mr *multipart.Reader, env *domain.Envelope) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			return
		}

		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			mediaType = "text/plain"
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if boundary := params["boundary"]; boundary != "" {
				parseMultipart(multipart.NewReader(part, boundary), env)
			}
			continue
		}

		switch {
		case strings.HasPrefix(mediaType, "text/plain"):
			if env.Body == "" {
				env.Body = decodeBody(part, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
			}
		case strings.HasPrefix(mediaType, "text/html"):
			if env.HTMLBody == "" {
				env.HTMLBody = decodeBody(part, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
			}
		}
	}
}

// ExtractRecipient 从 RCPT TO 或 To 头原始值中提取纯收件地址（小写）。
//
// 类似发件人解析，"Name <user@example.com>" 只取尖括号内的地址。
func ExtractRecipient(rawTo string) string {
	rawTo = strings.TrimSpace(rawTo)
	if rawTo == "" {
		return ""
	}

	if start := strings.Index(rawTo, "<"); start >= 0 {
		if end := strings.Index(rawTo[start:], ">"); end > 0 {
			return strings.ToLower(strings.TrimSpace(rawTo[start+1 : start+end]))
		}
	}

	return strings.ToLower(rawTo)
}

// splitAddress 从解码后的 From 头中分离地址与显示名称。
// 无尖括号时整个值视为地址。
func splitAddress(from string) (addr, name string) {
	from = strings.TrimSpace(from)
	start := strings.Index(from, "<")
	end := strings.LastIndex(from, ">")
	if start >= 0 && end > start {
		addr = strings.TrimSpace(from[start+1 : end])
		name = strings.Trim(strings.TrimSpace(from[:start]), `"`)
		return addr, name
	}
	return from, ""
}

// decodeHeader 解码 MIME encoded-word 头部值，失败时回退到原始值。
func decodeHeader(value string) string {
	if value == "" {
		return value
	}

	decoder := mime.WordDecoder{
		CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
			enc := charsetEncoding(charset)
			if enc == nil {
				// 未知字符集交给回退链处理
				raw, err := io.ReadAll(input)
				if err != nil {
					return nil, err
				}
				return strings.NewReader(decodeWithFallback(raw, "")), nil
			}
			return transform.NewReader(input, enc.NewDecoder()), nil
		},
	}

	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// decodeBody 按传输编码与字符集解码邮件体，永不失败。
func decodeBody(reader io.Reader, transferEncoding, charset string) string {
	var decoded io.Reader = reader

	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		decoded = base64.NewDecoder(base64.StdEncoding, reader)
	case "quoted-printable":
		decoded = quotedprintable.NewReader(reader)
	default:
		// 7bit/8bit/binary 或未知编码，直接读取
	}

	body, err := io.ReadAll(decoded)
	if err != nil {
		// 传输解码中途失败时保留已解出的部分
		if len(body) == 0 {
			return ""
		}
	}

	return decodeWithFallback(body, charset)
}

// decodeWithFallback 按固定顺序尝试字符集解码，返回第一个成功结果：
// 声明字符集 → 严格 UTF-8 → GBK → 宽松 UTF-8（丢弃非法字节）。
// 这是针对不受控外部输入的显式回退链，最后一级保证总能产出文本。
func decodeWithFallback(data []byte, charset string) string {
	if len(data) == 0 {
		return ""
	}

	charset = strings.ToLower(strings.TrimSpace(charset))
	if enc := charsetEncoding(charset); enc != nil {
		if converted, _, err := transform.Bytes(enc.NewDecoder(), data); err == nil {
			return string(converted)
		}
	}

	if utf8.Valid(data) {
		return string(data)
	}

	if converted, _, err := transform.Bytes(simplifiedchinese.GBK.NewDecoder(), data); err == nil && utf8.Valid(converted) {
		return string(converted)
	}

	return strings.ToValidUTF8(string(data), "�")
}

// charsetEncoding 根据字符集名称返回编码器，UTF-8/ASCII 及未知字符集返回 nil。
func charsetEncoding(charset string) encoding.Encoding {
	switch strings.ToLower(strings.TrimSpace(charset)) {
	case "gb2312", "gbk", "gb18030":
		return simplifiedchinese.GBK
	case "big5":
		return traditionalchinese.Big5
	case "iso-2022-jp", "shift_jis", "euc-jp":
		return japanese.ShiftJIS
	case "euc-kr", "ks_c_5601-1987":
		return korean.EUCKR
	default:
		return nil
	}
}
