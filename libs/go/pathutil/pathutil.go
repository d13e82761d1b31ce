package pathutil

import (
	"net"
	"path"
	"strconv"
	"strings"
)

// Remote paths are always slash-separated regardless of the local OS, so
// these helpers use package path rather than path/filepath.

// JoinRemote joins remote path components.
func JoinRemote(base string, parts ...string) string {
	return path.Join(append([]string{base}, parts...)...)
}

// CleanRemote normalizes a remote path. Empty input maps to ".", which sftp
// servers resolve to the login directory.
func CleanRemote(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "."
	}
	return path.Clean(p)
}

// HostPort formats host and port for dialing, bracketing IPv6 literals.
func HostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// LastPathComponent returns the last component of a slash-separated path
func LastPathComponent(p string) string {
	p = strings.TrimSuffix(p, "/")
	if idx := strings.LastIndex(p, "/"); idx != -1 {
		return p[idx+1:]
	}
	return p
}
