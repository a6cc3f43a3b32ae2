package utils

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

func UrlQuery(s string) string { return url.QueryEscape(strings.TrimSpace(s)) }

func Str(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

// Truncate cuts s to at most n runes, appending an ellipsis when shortened.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

// Host returns the hostname of a URL, or the raw string when it does not parse.
func Host(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return strings.TrimPrefix(u.Host, "www.")
}
