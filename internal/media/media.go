// Package media stores uploaded videos and violation screenshots and turns
// videos into frames.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// Buckets used by the gateway.
const (
	BucketVideos      = "videos"
	BucketScreenshots = "screenshots"
)

// Buckets lists every bucket a store must provide.
var Buckets = []string{BucketVideos, BucketScreenshots}

// ErrNotFound is returned by Get when the referenced object does not exist.
var ErrNotFound = errors.New("media object not found")

// Store persists media objects. A ref is "<bucket>/<name>".
type Store interface {
	Put(ctx context.Context, bucket, name string, r io.Reader, size int64, contentType string) (string, error)
	Get(ctx context.Context, ref string, w io.Writer) error
	URL(ctx context.Context, ref string) (string, error)
}

// Ref joins a bucket and object name.
func Ref(bucket, name string) string {
	return bucket + "/" + name
}

// ParseRef splits a ref into bucket and object name, rejecting anything that
// could escape the bucket.
func ParseRef(ref string) (bucket, name string, err error) {
	bucket, name, ok := strings.Cut(ref, "/")
	if !ok || bucket == "" || name == "" {
		return "", "", fmt.Errorf("invalid media ref %q", ref)
	}
	if !knownBucket(bucket) {
		return "", "", fmt.Errorf("unknown media bucket %q", bucket)
	}
	if strings.HasPrefix(name, "/") || path.Clean(name) != name || strings.Contains(name, "..") {
		return "", "", fmt.Errorf("invalid media object name %q", name)
	}
	return bucket, name, nil
}

func knownBucket(b string) bool {
	for _, k := range Buckets {
		if k == b {
			return true
		}
	}
	return false
}

// IsRef reports whether s looks like a ref in one of the known buckets.
func IsRef(s string) bool {
	_, _, err := ParseRef(s)
	return err == nil
}
