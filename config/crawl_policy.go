package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// CrawlPolicyConfig restricts which hosts the page tools may open.
// An empty allow list permits every host that is not disallowed.
type CrawlPolicyConfig struct {
	Allow    []string `mapstructure:"allow"`
	Disallow []string `mapstructure:"disallow"`
}

// Normalize cleans entries and removes duplicates.
func (c CrawlPolicyConfig) Normalize() CrawlPolicyConfig {
	return CrawlPolicyConfig{
		Allow:    sanitizeDomainList(c.Allow),
		Disallow: sanitizeDomainList(c.Disallow),
	}
}

// Validate rejects hosts listed as both allowed and disallowed.
func (c CrawlPolicyConfig) Validate() error {
	norm := c.Normalize()
	allow := make(map[string]struct{}, len(norm.Allow))
	for _, host := range norm.Allow {
		allow[host] = struct{}{}
	}
	for _, host := range norm.Disallow {
		if _, ok := allow[host]; ok {
			return fmt.Errorf("fetch.policy conflict: host %q present in both allow and disallow lists", host)
		}
	}
	return nil
}

// Permits reports whether rawURL may be fetched. Entries match the host and its subdomains.
func (c CrawlPolicyConfig) Permits(rawURL string) bool {
	host := normalizeHost(rawURL)
	if i := strings.IndexAny(host, "/:?#"); i >= 0 {
		host = host[:i]
	}
	if host == "" {
		return false
	}
	for _, d := range c.Disallow {
		if matchesDomain(host, normalizeHost(d)) {
			return false
		}
	}
	if len(c.Allow) == 0 {
		return true
	}
	for _, a := range c.Allow {
		if matchesDomain(host, normalizeHost(a)) {
			return true
		}
	}
	return false
}

func matchesDomain(host, domain string) bool {
	if domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func sanitizeDomainList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	for _, raw := range values {
		host := normalizeHost(raw)
		if host == "" {
			continue
		}
		seen[host] = struct{}{}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for host := range seen {
		out = append(out, host)
	}
	sort.Strings(out)
	return out
}

func normalizeHost(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		if u, err := url.Parse(value); err == nil && u.Host != "" {
			return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		}
	}
	return strings.TrimPrefix(value, "www.")
}
