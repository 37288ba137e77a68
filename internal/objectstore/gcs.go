package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCS is the Google Cloud Storage backed Store. Credentials come from
// the environment (Application Default Credentials).
type GCS struct {
	client        *storage.Client
	defaultBucket string
}

func NewGCS(ctx context.Context, defaultBucket string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCS{client: client, defaultBucket: defaultBucket}, nil
}

func (g *GCS) object(ref string) (*storage.ObjectHandle, error) {
	loc, err := ParseRef(ref, g.defaultBucket)
	if err != nil {
		return nil, err
	}
	return g.client.Bucket(loc.Bucket).Object(loc.Key), nil
}

func (g *GCS) Download(ctx context.Context, ref, dst string) error {
	obj, err := g.object(ref)
	if err != nil {
		return err
	}

	r, err := obj.NewReader(ctx)
	if err != nil {
		return fmt.Errorf("download %s: %w", ref, classifyGCS(err))
	}
	defer r.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("download %s: %w", ref, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("download %s: %w", ref, classifyGCS(err))
	}
	return out.Close()
}

func (g *GCS) Upload(ctx context.Context, src, ref string) error {
	obj, err := g.object(ref)
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("upload %s: %w", ref, err)
	}
	defer in.Close()

	w := obj.NewWriter(ctx)
	w.ContentType = "video/mp4"
	if _, err := io.Copy(w, in); err != nil {
		_ = w.Close()
		return fmt.Errorf("upload %s: %w", ref, classifyGCS(err))
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upload %s: %w", ref, classifyGCS(err))
	}
	return nil
}

func (g *GCS) MakePublic(ctx context.Context, ref string) error {
	obj, err := g.object(ref)
	if err != nil {
		return err
	}
	if err := obj.ACL().Set(ctx, storage.AllUsers, storage.RoleReader); err != nil {
		return fmt.Errorf("make public %s: %w", ref, classifyGCS(err))
	}
	return nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}

func classifyGCS(err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return errors.Join(ErrNotFound, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusNotFound:
			return errors.Join(ErrNotFound, err)
		case apiErr.Code == http.StatusForbidden || apiErr.Code == http.StatusUnauthorized:
			return errors.Join(ErrPermission, err)
		case apiErr.Code >= 500 || apiErr.Code == http.StatusTooManyRequests:
			return errors.Join(ErrUnavailable, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return errors.Join(ErrUnavailable, err)
	}
	return err
}
