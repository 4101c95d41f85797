package apiclient

import (
	"mime"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	apperr "cbmgrc/pkg/error"
)

// decodeCharset 按 Content-Type 的 charset 把响应体转换为 UTF-8。
// 部分旧的导出接口返回 windows-1252 或 ISO-8859-1 编码的 JSON。
func decodeCharset(contentType string, body []byte) ([]byte, error) {
	if contentType == "" {
		return body, nil
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return body, nil
	}
	charset := strings.ToLower(strings.TrimSpace(params["charset"]))
	if charset == "" || charset == "utf-8" || charset == "utf8" {
		return body, nil
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, apperr.WrapError(apperr.ErrDecodeFailed, "unsupported response charset", err).
			WithContext("charset", charset)
	}
	out, _, err := transform.Bytes(enc.NewDecoder(), body)
	if err != nil {
		return nil, apperr.WrapError(apperr.ErrDecodeFailed, "failed to decode response charset", err).
			WithContext("charset", charset)
	}
	return out, nil
}
