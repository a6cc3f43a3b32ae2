package helpers

import (
	"errors"
	"net/url"
	"path"
	"sort"
	"strings"
)

var trackingQueryParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"utm_id":       {},
	"gclid":        {},
	"dclid":        {},
	"fbclid":       {},
	"msclkid":      {},
	"igshid":       {},
}

// CanonicalURL normalises a URL so that the same page cited twice compares equal.
// Scheme and host are lowercased, default ports, fragments and tracking
// parameters dropped, the path cleaned and the query sorted. A missing scheme
// defaults to https.
func CanonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" && u.Host == "" {
		if strings.HasPrefix(raw, "//") {
			raw = "https:" + raw
		} else {
			raw = "https://" + raw
		}
		if u, err = url.Parse(raw); err != nil {
			return "", err
		}
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", errors.New("url missing host")
	}
	if port := u.Port(); port != "" && !(u.Scheme == "http" && port == "80") && !(u.Scheme == "https" && port == "443") {
		host += ":" + port
	}
	u.Host = host

	clean := path.Clean("/" + u.Path)
	if clean != "/" && strings.HasSuffix(u.Path, "/") {
		clean += "/"
	}
	u.Path, u.RawPath = clean, ""
	u.Fragment = ""

	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		if _, drop := trackingQueryParams[strings.ToLower(k)]; !drop {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			if v != "" {
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
	}
	u.RawQuery = b.String()
	return u.String(), nil
}

// DedupeURLs keeps the first occurrence of each canonical URL, preserving order.
// Entries that do not parse are kept verbatim and deduplicated by exact match.
func DedupeURLs(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		key, err := CanonicalURL(raw)
		if err != nil {
			key = raw
		}
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, raw)
	}
	return out
}
