package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// ResolveURL resolves ref against base. Absolute refs are returned as-is,
// fragments are dropped.
func ResolveURL(base, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("resolve url: empty reference")
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if base != "" {
		b, err := url.Parse(base)
		if err != nil {
			return "", fmt.Errorf("parse base url: %w", err)
		}
		r = b.ResolveReference(r)
	}
	r.Fragment = ""
	return r.String(), nil
}

// Host returns the lowercase host of raw, or "" when it cannot be parsed.
func Host(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
