package helpers

import (
	"html"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicyOnce sync.Once
	strictPolicy     *bluemonday.Policy
)

// StrictHTMLPolicy returns a shared bluemonday policy that strips every element and attribute.
func StrictHTMLPolicy() *bluemonday.Policy {
	strictPolicyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return strictPolicy
}

// PlainText removes markup from provider-supplied text such as search snippets
// and decodes entities, collapsing whitespace.
func PlainText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	clean := html.UnescapeString(StrictHTMLPolicy().Sanitize(s))
	return strings.Join(strings.Fields(clean), " ")
}
