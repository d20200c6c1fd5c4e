package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"reflect"
	"strings"

	"github.com/google/go-querystring/query"
)

// Fingerprint 计算请求指纹：规范化后的方法、URL、参数和请求体的 SHA-256 十六进制串。
// URL 自带的查询参数与 params 合并后按键排序，JSON 请求体按键排序后再参与计算，
// 因此语义相同的请求在不同进程、不同运行之间得到相同的指纹。
func Fingerprint(method, rawURL string, params url.Values, body []byte) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(strings.TrimSpace(method)))
	b.WriteByte('\n')
	b.WriteString(canonicalURL(rawURL, params))
	b.WriteByte('\n')
	b.Write(canonicalBody(body))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// KeyFingerprint 对任意字符串片段计算指纹，用于非 HTTP 的操作。
func KeyFingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Params 将请求参数转换为 url.Values。
// 支持 url.Values、map[string]string、map[string][]string、map[string]any，
// 以及带 `url:"..."` 标签的结构体（由 go-querystring 编码）。
func Params(v any) (url.Values, error) {
	switch p := v.(type) {
	case nil:
		return url.Values{}, nil
	case url.Values:
		return p, nil
	case map[string][]string:
		return url.Values(p), nil
	case map[string]string:
		out := make(url.Values, len(p))
		for k, val := range p {
			out.Set(k, val)
		}
		return out, nil
	case map[string]any:
		out := make(url.Values, len(p))
		for k, val := range p {
			out.Set(k, fmt.Sprint(val))
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return url.Values{}, nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("unsupported params type %T", v)
	}
	return query.Values(v)
}

func canonicalURL(rawURL string, params url.Values) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		// 无法解析时按原样参与计算，仍然是确定性的
		return rawURL + "?" + params.Encode()
	}
	merged := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			merged.Add(k, v)
		}
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawQuery = merged.Encode()
	return u.String()
}

func canonicalBody(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	// 数字保留原始文本，超出 float64 精度的整数不会被合并为同一指纹
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return body
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return body
	}
	out, err := json.Marshal(v)
	if err != nil {
		return body
	}
	return out
}
