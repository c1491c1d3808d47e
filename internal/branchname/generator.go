// Package branchname synthesizes deterministic, collision-resistant branch names.
package branchname

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"branchflow.dev/branchflow/internal/routing"
)

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)

// ExistsFunc reports whether a branch name is already taken, against local or
// remote refs.
type ExistsFunc func(name string) bool

// Slugify lowercases the title, replaces every run of non-alphanumeric
// characters with a single hyphen and trims leading/trailing hyphens.
func Slugify(title string) string {
	slug := strings.ToLower(title)
	slug = nonAlphanumeric.ReplaceAllString(slug, "-")
	return strings.Trim(slug, "-")
}

// Generate composes {prefix}{slug}-{taskID}-{epochMillis}. On collision it
// appends -2, -3, ... until exists reports the name free. The function is
// pure aside from the injected exists check.
func Generate(strategy routing.BranchStrategy, taskID, title string, now time.Time, exists ExistsFunc) string {
	slug := Slugify(title)
	base := fmt.Sprintf("%s%s-%s-%d", strategy.NamePrefix, slug, taskID, now.UnixMilli())
	if slug == "" {
		base = fmt.Sprintf("%s%s-%d", strategy.NamePrefix, taskID, now.UnixMilli())
	}

	name := base
	for suffix := 2; exists != nil && exists(name); suffix++ {
		name = fmt.Sprintf("%s-%d", base, suffix)
	}
	return name
}
