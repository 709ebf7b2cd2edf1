// Package build holds the application identity and version information
// stamped at link time.
package build

import "strings"

var (
	// Version is overridden via -ldflags at release build time.
	Version = "dev"

	// Commit is the git revision the binary was built from.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"

	// AppName is the human-readable application name.
	AppName = "CCJK"

	// Slug is the lowercase identifier used for env prefixes and paths.
	Slug = ""
)

func init() {
	if Slug == "" {
		Slug = strings.ToLower(AppName)
	}
}
