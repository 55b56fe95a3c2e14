// Package urlnorm はURLの正規化とコンテンツハッシュの計算を行う。
// ブックマークとインボックスアイテムの同一性はここで計算したハッシュで判定する。
package urlnorm

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ErrMalformedURL はスキームまたはホストを持たない入力に対して返される。
var ErrMalformedURL = errors.New("malformed url")

// trackingParams はutm_*以外のトラッキングパラメータ（小文字）。
var trackingParams = map[string]struct{}{
	"fbclid": {},
	"gclid":  {},
	"mc_cid": {},
	"mc_eid": {},
}

// IsTrackingParam はクエリパラメータ名がトラッキング用かを大文字小文字を区別せずに判定する。
func IsTrackingParam(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "utm_") {
		return true
	}
	_, ok := trackingParams[lower]
	return ok
}

// Normalize はURLを正規形に変換する。
// スキームとホストを小文字化し、デフォルトポートを除去し、
// ルート以外のパス末尾の "/" を1つ取り除き、トラッキングパラメータを除去した上で
// 残りのクエリパラメータを名前順に安定ソートする。フラグメントは保持する。
func Normalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("%w: scheme is missing", ErrMalformedURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: host is missing", ErrMalformedURL)
	}

	scheme := strings.ToLower(u.Scheme)

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	if u.User != nil {
		b.WriteString(u.User.String())
		b.WriteByte('@')
	}
	b.WriteString(normalizeHost(scheme, u))
	b.WriteString(normalizePath(u.EscapedPath()))

	if q := normalizeQuery(u.RawQuery); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	if frag := u.EscapedFragment(); frag != "" {
		b.WriteByte('#')
		b.WriteString(frag)
	}
	return b.String(), nil
}

// Hash は文字列のSHA-256を64文字の16進数で返す。
func Hash(s string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(s)))
}

// Canonicalize は正規形URLとそのハッシュを返す。
// 正規化に失敗した場合も、生の入力に対するハッシュをErrMalformedURLと共に返す。
func Canonicalize(raw string) (canonical, hash string, err error) {
	canonical, err = Normalize(raw)
	if err != nil {
		return raw, Hash(raw), err
	}
	return canonical, Hash(canonical), nil
}

func normalizeHost(scheme string, u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	if port == "" || (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		return host
	}
	return host + ":" + port
}

func normalizePath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	return strings.TrimSuffix(p, "/")
}

type queryParam struct {
	name string
	raw  string
}

// normalizeQuery は生のクエリ文字列を分割し、値をエンコードし直さずに並べ替える。
// "k=" のような空値パラメータは保持する。
func normalizeQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	var params []queryParam
	for _, seg := range strings.Split(rawQuery, "&") {
		if seg == "" {
			continue
		}
		name, _, _ := strings.Cut(seg, "=")
		if decoded, err := url.QueryUnescape(name); err == nil {
			name = decoded
		}
		if IsTrackingParam(name) {
			continue
		}
		params = append(params, queryParam{name: name, raw: seg})
	}
	sort.SliceStable(params, func(i, j int) bool {
		return params[i].name < params[j].name
	})

	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = p.raw
	}
	return strings.Join(parts, "&")
}
