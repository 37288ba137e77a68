// Package objectstore moves files between local disk and the bucket
// storage holding source videos and published outputs.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Failures are surfaced as one of these sentinels (wrapped) so callers
// can distinguish a missing object from a permission problem from a
// network/service outage.
var (
	ErrNotFound    = errors.New("object not found")
	ErrPermission  = errors.New("object access denied")
	ErrUnavailable = errors.New("object store unavailable")
	// ErrInvalidRef is returned for references that cannot name an object.
	ErrInvalidRef = errors.New("invalid object reference")
)

// Store is the object store capability the pipeline depends on.
type Store interface {
	// Download writes the object at ref to the local path dst.
	Download(ctx context.Context, ref, dst string) error
	// Upload copies the local file src to ref, replacing any existing object.
	Upload(ctx context.Context, src, ref string) error
	// MakePublic marks ref as publicly readable.
	MakePublic(ctx context.Context, ref string) error
}

// Location is a parsed object reference.
type Location struct {
	Bucket string
	Key    string
}

func (l Location) String() string {
	return l.Bucket + "/" + l.Key
}

// ParseRef resolves ref into a bucket and key. Accepted forms are
// gs://bucket/key and bucket/key. When defaultBucket is set, a ref
// without a gs:// scheme is treated entirely as a key in that bucket.
func ParseRef(ref, defaultBucket string) (Location, error) {
	raw := strings.TrimSpace(ref)
	if raw == "" {
		return Location{}, fmt.Errorf("%w: empty", ErrInvalidRef)
	}

	if rest, ok := strings.CutPrefix(raw, "gs://"); ok {
		bucket, key, found := strings.Cut(rest, "/")
		if !found || bucket == "" || key == "" {
			return Location{}, fmt.Errorf("%w: %q", ErrInvalidRef, ref)
		}
		return Location{Bucket: bucket, Key: key}, nil
	}

	raw = strings.TrimPrefix(raw, "/")
	if defaultBucket != "" {
		return Location{Bucket: defaultBucket, Key: raw}, nil
	}

	bucket, key, found := strings.Cut(raw, "/")
	if !found || bucket == "" || key == "" {
		return Location{}, fmt.Errorf("%w: %q, expected bucket/key", ErrInvalidRef, ref)
	}
	return Location{Bucket: bucket, Key: key}, nil
}

// validKey rejects keys that could escape the bucket root.
func validKey(key string) bool {
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." {
			return false
		}
	}
	return key != ""
}
