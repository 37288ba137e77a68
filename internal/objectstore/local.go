package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
)

const aclDir = ".public"

// Local stores objects as files under Root/<bucket>/<key>. Public
// objects are tracked with marker files under Root/<bucket>/.public.
// It stands in for cloud storage in development and tests.
type Local struct {
	Root          string
	DefaultBucket string
	PublicBaseURL string
}

func NewLocal(root, defaultBucket, publicBaseURL string) *Local {
	return &Local{Root: root, DefaultBucket: defaultBucket, PublicBaseURL: publicBaseURL}
}

func (l *Local) objectPath(ref string) (Location, string, error) {
	loc, err := ParseRef(ref, l.DefaultBucket)
	if err != nil {
		return Location{}, "", err
	}
	if !validKey(loc.Key) || !validKey(loc.Bucket) {
		return Location{}, "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return loc, filepath.Join(l.Root, loc.Bucket, filepath.FromSlash(loc.Key)), nil
}

func (l *Local) Download(ctx context.Context, ref, dst string) error {
	_, src, err := l.objectPath(ref)
	if err != nil {
		return err
	}
	if err := copyFile(ctx, src, dst, true); err != nil {
		return fmt.Errorf("download %s: %w", ref, err)
	}
	return nil
}

func (l *Local) Upload(ctx context.Context, src, ref string) error {
	_, dst, err := l.objectPath(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("upload %s: %w", ref, classify(err))
	}
	if err := copyFile(ctx, src, dst, false); err != nil {
		return fmt.Errorf("upload %s: %w", ref, err)
	}
	return nil
}

func (l *Local) MakePublic(_ context.Context, ref string) error {
	loc, path, err := l.objectPath(ref)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("make public %s: %w", ref, classify(err))
	}

	marker := l.markerPath(loc)
	if err := os.MkdirAll(filepath.Dir(marker), 0o755); err != nil {
		return fmt.Errorf("make public %s: %w", ref, classify(err))
	}
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		return fmt.Errorf("make public %s: %w", ref, classify(err))
	}
	return nil
}

// IsPublic reports whether MakePublic has been applied to ref.
func (l *Local) IsPublic(ref string) bool {
	loc, _, err := l.objectPath(ref)
	if err != nil {
		return false
	}
	_, err = os.Stat(l.markerPath(loc))
	return err == nil
}

// Exists reports whether an object is stored at ref.
func (l *Local) Exists(ref string) bool {
	_, path, err := l.objectPath(ref)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// PublicURL returns the URL a public object is served from, or "" if
// no public base URL is configured.
func (l *Local) PublicURL(ref string) string {
	loc, _, err := l.objectPath(ref)
	if err != nil || l.PublicBaseURL == "" {
		return ""
	}
	u, err := url.JoinPath(l.PublicBaseURL, loc.Bucket, loc.Key)
	if err != nil {
		return ""
	}
	return u
}

func (l *Local) markerPath(loc Location) string {
	return filepath.Join(l.Root, loc.Bucket, aclDir, filepath.FromSlash(loc.Key))
}

// copyFile copies src to dst through a temporary file. Errors on the
// bucket side (src when downloading, dst when uploading) are classified;
// errors on the local side are returned unchanged.
func copyFile(ctx context.Context, src, dst string, fromBucket bool) error {
	local := func(err error) error { return err }
	srcErr, dstErr := classify, local
	if !fromBucket {
		srcErr, dstErr = local, classify
	}

	in, err := os.Open(src)
	if err != nil {
		return srcErr(err)
	}
	defer in.Close()

	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return dstErr(err)
	}

	_, err = io.Copy(out, &ctxReader{ctx: ctx, r: in})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return dstErr(err)
	}
	return nil
}

// classify maps filesystem errors onto the package sentinels while
// keeping the original error in the chain.
func classify(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return errors.Join(ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return errors.Join(ErrPermission, err)
	default:
		return err
	}
}

// ctxReader aborts a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
