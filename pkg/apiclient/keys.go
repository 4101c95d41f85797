package apiclient

import (
	"net/url"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CacheKey 生成缓存键 api:<METHOD>:<path>:<params>。
// 参数按键排序编码，并做 NFC 规范化，使组合字符与预组合字符得到相同的键。
func CacheKey(method, path string, params url.Values) string {
	var b strings.Builder
	b.WriteString("api:")
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(':')
	b.WriteString(norm.NFC.String(path))
	b.WriteByte(':')
	if len(params) > 0 {
		normalized := make(url.Values, len(params))
		for k, vs := range params {
			nk := norm.NFC.String(k)
			for _, v := range vs {
				normalized.Add(nk, norm.NFC.String(v))
			}
		}
		b.WriteString(normalized.Encode())
	}
	return b.String()
}

// ResourceRoot 返回路径的第一段，例如 /products/12/stock -> /products
func ResourceRoot(path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return ""
	}
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[:i]
	}
	if i := strings.IndexByte(trimmed, '?'); i >= 0 {
		trimmed = trimmed[:i]
	}
	return "/" + trimmed
}
