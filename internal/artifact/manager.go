// Package artifact collects declared artifacts and the captured log after a
// run and hands them to storage.
package artifact

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	dagerrors "github.com/stevehiehn/testagent/internal/errors"
	"github.com/stevehiehn/testagent/internal/retry"
)

const (
	LogName     = "full_execution.log"
	ArchiveName = "workspace.tar.gz"
	Algorithm   = "sha256"
)

// Storage stores bytes under a name and returns a stable reference.
type Storage interface {
	Store(ctx context.Context, name string, data []byte) (string, error)
}

// Reference points at one stored object.
type Reference struct {
	Name     string `json:"name"`
	Ref      string `json:"reference"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// Request describes what to collect for a finished run.
type Request struct {
	WorkDir          string
	Patterns         []string
	Log              []byte
	ArchiveWorkspace bool
}

// Collection is everything a Collect call produced. Warnings and failures
// never stop collection of the remaining items.
type Collection struct {
	Artifacts []Reference           `json:"artifacts"`
	Logs      []Reference           `json:"logs"`
	Warnings  []*dagerrors.RunError `json:"warnings,omitempty"`
	Failures  []*dagerrors.RunError `json:"failures,omitempty"`
}

// All returns logs followed by artifacts.
func (c Collection) All() []Reference {
	out := make([]Reference, 0, len(c.Logs)+len(c.Artifacts))
	out = append(out, c.Logs...)
	return append(out, c.Artifacts...)
}

type Manager struct {
	storage Storage
	policy  retry.Policy
	logger  *slog.Logger
}

func NewManager(storage Storage, policy retry.Policy, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{storage: storage, policy: policy, logger: logger}
}

// Collect must only be called after the process has terminated. The log is
// stored unconditionally; each declared pattern is then resolved against
// the working directory.
func (m *Manager) Collect(ctx context.Context, req Request) Collection {
	var c Collection

	if ref, err := m.store(ctx, LogName, "logs/"+LogName, req.Log); err != nil {
		c.Failures = append(c.Failures, err)
	} else {
		c.Logs = append(c.Logs, ref)
	}

	root := req.WorkDir
	if root == "" {
		root = "."
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		if len(req.Patterns) > 0 || req.ArchiveWorkspace {
			c.Failures = append(c.Failures, dagerrors.NewArtifactError(root, "resolving working directory", err))
		}
		return c
	}
	fsys := os.DirFS(realRoot)

	seen := make(map[string]bool)
	for _, pattern := range req.Patterns {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			c.Failures = append(c.Failures, dagerrors.NewArtifactError(pattern, "matching pattern", err))
			continue
		}
		if len(matches) == 0 {
			m.logger.Warn("artifact pattern matched no files", "artifact", pattern)
			c.Warnings = append(c.Warnings, dagerrors.NewArtifactError(pattern, "pattern matched no files", nil))
			continue
		}
		for _, name := range matches {
			if seen[name] {
				continue
			}
			seen[name] = true
			ref, err := m.collectFile(ctx, realRoot, fsys, name)
			if err != nil {
				m.logger.Warn("artifact not collected", "artifact", name, "error", err)
				c.Failures = append(c.Failures, err)
				continue
			}
			c.Artifacts = append(c.Artifacts, ref)
		}
	}

	if req.ArchiveWorkspace {
		data, err := Archive(realRoot)
		if err != nil {
			c.Failures = append(c.Failures, dagerrors.NewArtifactError(ArchiveName, "archiving workspace", err))
		} else if ref, err := m.store(ctx, ArchiveName, ArchiveName, data); err != nil {
			c.Failures = append(c.Failures, err)
		} else {
			c.Artifacts = append(c.Artifacts, ref)
		}
	}
	return c
}

func (m *Manager) collectFile(ctx context.Context, root string, fsys fs.FS, name string) (Reference, *dagerrors.RunError) {
	if err := within(root, filepath.Join(root, filepath.FromSlash(name))); err != nil {
		return Reference{}, dagerrors.NewArtifactError(name, "outside working directory", err)
	}
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return Reference{}, dagerrors.NewArtifactError(name, "reading artifact", err)
	}
	if len(data) == 0 {
		return Reference{}, dagerrors.NewArtifactError(name, "artifact is empty", nil)
	}
	return m.store(ctx, name, "files/"+name, data)
}

// store computes the checksum first and then stores under the retry policy.
func (m *Manager) store(ctx context.Context, name, key string, data []byte) (Reference, *dagerrors.RunError) {
	sum := sha256.Sum256(data)
	var ref string
	attempts, err := m.policy.Do(ctx, func(ctx context.Context) error {
		r, err := m.storage.Store(ctx, key, data)
		if err != nil {
			return dagerrors.NewStorageError(err)
		}
		ref = r
		return nil
	})
	if err != nil {
		return Reference{}, dagerrors.NewArtifactError(name, fmt.Sprintf("storing artifact after %d attempts", attempts), err)
	}
	m.logger.Debug("artifact stored", "artifact", name, "reference", ref, "attempt", attempts)
	return Reference{
		Name:     name,
		Ref:      ref,
		Size:     int64(len(data)),
		Checksum: hex.EncodeToString(sum[:]),
	}, nil
}

func within(root, path string) error {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil {
		return err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%s resolves to %s", path, resolved)
	}
	return nil
}

// Archive packs the regular files and directories under root into a
// gzip-compressed tarball. Symlinks and special files are skipped.
func Archive(root string) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
