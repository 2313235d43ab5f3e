package export

import (
	"regexp"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	policyOnce sync.Once
	policy     *bluemonday.Policy
)

// Policy is the sanitizer applied to collected marker markup: the
// bluemonday user-generated-content policy, which keeps inline formatting,
// links and lists and drops scripts, event handlers and styles.
func Policy() *bluemonday.Policy {
	policyOnce.Do(func() {
		policy = bluemonday.UGCPolicy()
	})
	return policy
}

// Sanitize cleans markup with Policy.
func Sanitize(s string) string {
	if s == "" {
		return ""
	}
	return Policy().Sanitize(s)
}

var cssColor = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

func safeColor(c string) string {
	if cssColor.MatchString(c) {
		return c
	}
	return "#FFD3B6"
}
