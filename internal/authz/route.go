package authz

import (
	"fmt"
	"strings"
)

const (
	// methodAny はすべてのHTTPメソッドにマッチするルールの指定。
	methodAny = "ANY"
	// deepSuffix はパス配下すべてにマッチするルールの接尾辞。
	deepSuffix = "/**"
)

// knownMethods はルールに指定できるHTTPメソッド。
var knownMethods = map[string]struct{}{
	"GET":     {},
	"HEAD":    {},
	"POST":    {},
	"PUT":     {},
	"PATCH":   {},
	"DELETE":  {},
	"OPTIONS": {},
	"TRACE":   {},
	"CONNECT": {},
	methodAny: {},
}

// DefaultOpenRoutes は認証不要なルートの初期設定。
// トークンを発行するエンドポイントは必ず含める必要がある。
var DefaultOpenRoutes = []string{
	"POST /auth/register",
	"POST /auth/login",
}

// RouteRule は認証不要なルートを表すルール。起動時に一度だけ生成される。
type RouteRule struct {
	// Method は大文字のHTTPメソッド、または "ANY"。
	Method string
	// Path はルールのパス。Deepの場合は "/**" で終わる。
	Path string
	// Deep はPath配下のすべてのパスにマッチするかどうか。
	Deep bool
}

// ParseRouteRule は "METHOD PATH" 形式の文字列をルールに変換する。
func ParseRouteRule(s string) (RouteRule, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return RouteRule{}, fmt.Errorf("ルールは \"METHOD PATH\" 形式で指定してください: %q", s)
	}

	method := strings.ToUpper(fields[0])
	if _, ok := knownMethods[method]; !ok {
		return RouteRule{}, fmt.Errorf("未知のHTTPメソッド: %q", fields[0])
	}

	path := fields[1]
	if !strings.HasPrefix(path, "/") {
		return RouteRule{}, fmt.Errorf("パスは '/' で始まる必要があります: %q", path)
	}

	return RouteRule{
		Method: method,
		Path:   path,
		Deep:   strings.HasSuffix(path, deepSuffix),
	}, nil
}

// ParseRouteRules は複数のルール文字列をまとめて変換する。
// 1つでも不正なルールがあればエラーを返す。
func ParseRouteRules(specs []string) ([]RouteRule, error) {
	rules := make([]RouteRule, 0, len(specs))
	for _, s := range specs {
		r, err := ParseRouteRule(s)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// String はルールを "METHOD PATH" 形式で返す。
func (r RouteRule) String() string {
	return r.Method + " " + r.Path
}

// matches はリクエストがこのルールにマッチするかを判定する。
func (r RouteRule) matches(method, path string) bool {
	if r.Method != methodAny && !strings.EqualFold(r.Method, method) {
		return false
	}
	if path == r.Path {
		return true
	}
	return r.Deep && strings.HasPrefix(path, strings.TrimSuffix(r.Path, deepSuffix))
}

// Classifier はリクエストが認証を必要とするかを判定する。
// ルールは生成後に変更されないため、複数のgoroutineから同時に利用できる。
type Classifier struct {
	rules []RouteRule
}

// NewClassifier は認証不要なルールの一覧から判定器を生成する。
func NewClassifier(rules []RouteRule) *Classifier {
	return &Classifier{rules: append([]RouteRule(nil), rules...)}
}

// IsSecured はリクエストが認証を必要とするときにtrueを返す。
// どのルールにもマッチしないリクエストは認証必須として扱う。
func (c *Classifier) IsSecured(method, path string) bool {
	for _, r := range c.rules {
		if r.matches(method, path) {
			return false
		}
	}
	return true
}

// Rules は設定されているルールのコピーを返す。
func (c *Classifier) Rules() []RouteRule {
	return append([]RouteRule(nil), c.rules...)
}
