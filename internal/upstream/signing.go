package upstream

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// Sign computes the request signature: uppercase hex MD5 of
// secret + "k1=v1&k2=v2..." (keys sorted) + secret. The "sign" key itself is excluded.
func Sign(params url.Values, secret string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "sign" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(secret)
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params.Get(k))
	}
	b.WriteString(secret)

	sum := md5.Sum([]byte(b.String()))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// ResponseKey derives the envelope key of a successful response:
// "pdd.order.list.get" -> "order_list_get_response".
func ResponseKey(operation string) string {
	name := strings.TrimPrefix(operation, "pdd.")
	return strings.ReplaceAll(name, ".", "_") + "_response"
}

var redactedParams = map[string]bool{
	"access_token":      true,
	"refresh_token":     true,
	"client_secret":     true,
	"sign":              true,
	"code":              true,
	"verification_code": true,
	"goods_info":        true,
}

// redact returns a copy of params safe to log.
func redact(params url.Values) map[string]string {
	out := make(map[string]string, len(params))
	for k := range params {
		if redactedParams[k] {
			out[k] = "***"
			continue
		}
		out[k] = params.Get(k)
	}
	return out
}
