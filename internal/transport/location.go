package transport

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Location is a parsed destination argument: a local directory or
// [user@]host:/path.
type Location struct {
	Host string
	User string
	Path string
}

// IsRemote returns true if the location refers to a remote host.
func (l Location) IsRemote() bool {
	return l.Host != ""
}

// String returns a human-readable representation.
func (l Location) String() string {
	if !l.IsRemote() {
		return l.Path
	}
	if l.User != "" {
		return fmt.Sprintf("%s@%s:%s", l.User, l.Host, l.Path)
	}
	return fmt.Sprintf("%s:%s", l.Host, l.Path)
}

// SameEndpoint reports whether o is reached on the same host as the same
// user. Local locations all share one endpoint.
func (l Location) SameEndpoint(o Location) bool {
	return l.Host == o.Host && l.User == o.User
}

// Join returns the path of elem under the location's root, using the
// separator of the side it lives on. An absolute elem on a remote location
// replaces the root.
func (l Location) Join(elem ...string) string {
	if l.IsRemote() {
		if len(elem) > 0 && path.IsAbs(elem[0]) {
			return path.Join(elem...)
		}
		return path.Join(append([]string{l.Path}, elem...)...)
	}
	if len(elem) > 0 && filepath.IsAbs(elem[0]) {
		return filepath.Join(elem...)
	}
	return filepath.Join(append([]string{l.Path}, elem...)...)
}

// ParseLocation parses a CLI argument into a Location.
//
// Supported formats:
//   - /absolute/path          → local
//   - relative/path           → local
//   - host:path               → SSH remote (current user)
//   - user@host:path          → SSH remote
//
// A bare word with no colon is always local. A path containing ":" is only
// treated as remote if the part before the colon contains no path
// separators, so "/foo:bar" and "./host:path" are local.
func ParseLocation(arg string) Location {
	if filepath.IsAbs(arg) || strings.HasPrefix(arg, "./") || strings.HasPrefix(arg, "../") {
		return Location{Path: arg}
	}

	hostPart, pathPart, ok := strings.Cut(arg, ":")
	if !ok || hostPart == "" || strings.ContainsAny(hostPart, "/"+string(filepath.Separator)) {
		return Location{Path: arg}
	}

	var user, host string
	if at := strings.LastIndexByte(hostPart, '@'); at >= 0 {
		user, host = hostPart[:at], hostPart[at+1:]
	} else {
		host = hostPart
	}
	if host == "" {
		return Location{Path: arg}
	}
	if pathPart == "" {
		pathPart = "."
	}
	return Location{Host: host, User: user, Path: pathPart}
}
