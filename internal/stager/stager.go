// Package stager moves data files between deck locations and the local
// filesystem. Data lines may name bare paths, file:// URIs or s3://
// objects; staging turns each into a local path before a step builder
// sees it, and delivery copies produced artifacts into the sink.
package stager

import (
	"context"
	"strings"
)

// Location schemes recognized on data lines.
const (
	SchemeFile = "file"
	SchemeS3   = "s3"
)

// Stager stages data files in and delivers artifacts out.
type Stager interface {
	// StageIn makes the file at location available locally, placing a
	// copy under destDir when the location is remote, and returns the
	// local path.
	StageIn(ctx context.Context, location, destDir string) (string, error)

	// Deliver copies a local artifact into destDir and returns its
	// final path.
	Deliver(ctx context.Context, localPath, destDir string) (string, error)
}

// ParseLocation splits a location into scheme and path. Bare paths report
// an empty scheme.
func ParseLocation(location string) (scheme, path string) {
	if i := strings.Index(location, "://"); i > 0 {
		scheme = strings.ToLower(location[:i])
		path = location[i+3:]
		// Normalize file:///path to /path.
		if scheme == SchemeFile {
			path = "/" + strings.TrimLeft(path, "/")
		}
		return scheme, path
	}
	return "", location
}

// IsRemote reports whether a location needs network staging.
func IsRemote(location string) bool {
	scheme, _ := ParseLocation(location)
	return scheme != "" && scheme != SchemeFile
}
