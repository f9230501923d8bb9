// internal/github/link.go
package github

import (
	"regexp"
	"strings"
)

var nextLinkPattern = regexp.MustCompile(`(?i)<([^>]+)>\s*;\s*rel="next"`)

// nextLink extracts the rel="next" URL from a Link header.
func nextLink(header string) string {
	m := nextLinkPattern.FindStringSubmatch(header)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}
