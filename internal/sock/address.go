// Package sock provides the daemon's admin channel: an HTTP server and
// client over a unix domain socket.
package sock

import (
	"crypto/md5" // nolint:gosec
	"fmt"
	"path/filepath"
)

const sockDir = "/tmp"

// Addr derives the socket path for a configuration home. Socket paths have a
// tight OS length limit, so the home path is hashed into a short /tmp name
// instead of being embedded.
func Addr(configHome string) string {
	h := md5.Sum([]byte(configHome)) // nolint:gosec
	return filepath.Join(sockDir, fmt.Sprintf("@ccjk-daemon-%x.sock", h[:8]))
}
