// Package storage holds the backends that artifacts and logs are stored in.
// A backend is chosen by URL: file://<dir> or s3://<bucket>/<prefix>.
package storage

import (
	"context"
	"fmt"
	"net/url"
)

// Backend stores bytes under a name and resolves the returned reference.
type Backend interface {
	Store(ctx context.Context, name string, data []byte) (string, error)
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Open returns the backend for rawURL, scoped to one run.
func Open(ctx context.Context, rawURL, runID string, s3 S3Config) (Backend, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing storage url: %w", err)
	}
	switch u.Scheme {
	case "file", "":
		return NewFS(localPath(u), runID)
	case "s3":
		client, err := NewMinIOClient(s3)
		if err != nil {
			return nil, fmt.Errorf("s3 storage: %w", err)
		}
		store, err := NewS3Store(client, u.Host, u.Path, runID)
		if err != nil {
			return nil, fmt.Errorf("s3 storage: %w", err)
		}
		if err := store.EnsureBucket(ctx, s3.Region); err != nil {
			return nil, fmt.Errorf("s3 storage: %w", err)
		}
		return store, nil
	}
	return nil, fmt.Errorf("unsupported storage scheme %q", u.Scheme)
}

// Fetch resolves a reference produced by any backend.
func Fetch(ctx context.Context, ref string, s3 S3Config) ([]byte, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parsing reference: %w", err)
	}
	switch u.Scheme {
	case "file", "":
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return fetchFile(ref)
	case "s3":
		client, err := NewMinIOClient(s3)
		if err != nil {
			return nil, err
		}
		store, err := NewS3Store(client, u.Host, "", "")
		if err != nil {
			return nil, err
		}
		return store.Fetch(ctx, ref)
	}
	return nil, fmt.Errorf("unsupported reference scheme %q", u.Scheme)
}

// localPath accepts both file:///abs and file://relative/dir.
func localPath(u *url.URL) string {
	if u.Scheme == "" {
		return u.Path
	}
	return u.Host + u.Path
}
