package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FSStore keeps a run's stored objects under <root>/runs/<run_id>.
type FSStore struct {
	RunID   string
	BaseDir string
}

// NewFS creates the run directory under root.
func NewFS(root, runID string) (*FSStore, error) {
	base, err := filepath.Abs(filepath.Join(root, "runs", runID))
	if err != nil {
		return nil, fmt.Errorf("resolving storage dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(base, "artifacts"), 0o755); err != nil {
		return nil, fmt.Errorf("creating storage dir: %w", err)
	}
	return &FSStore{RunID: runID, BaseDir: base}, nil
}

// Store writes data under artifacts/<name> and returns a file:// reference.
// name may contain slashes but must stay inside the run directory.
func (s *FSStore) Store(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rel, err := cleanName(name)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.BaseDir, "artifacts", filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating artifact dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String(), nil
}

// Fetch reads back an object by the reference Store returned.
func (s *FSStore) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fetchFile(ref)
}

// WriteReport writes the run report as report.json next to the artifacts.
func (s *FSStore) WriteReport(report any) (string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.BaseDir, "report.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func fetchFile(ref string) ([]byte, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parsing reference: %w", err)
	}
	if u.Scheme != "file" && u.Scheme != "" {
		return nil, fmt.Errorf("not a file reference: %s", ref)
	}
	return os.ReadFile(filepath.FromSlash(localPath(u)))
}

func cleanName(name string) (string, error) {
	rel := filepath.ToSlash(filepath.Clean(filepath.FromSlash(name)))
	if name == "" || rel == "." || strings.HasPrefix(rel, "/") || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	return rel, nil
}
