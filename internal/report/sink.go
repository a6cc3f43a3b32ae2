package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileSink writes reports as <dir>/<slug>-<session>.md with a JSON sidecar.
type FileSink struct {
	Dir string
}

func (f FileSink) Save(_ context.Context, r Report) (string, error) {
	dir := f.Dir
	if dir == "" {
		dir = "reports"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	base := sanitize(slugify(r.Topic))
	if len(base) > 60 {
		base = base[:60]
	}
	if r.SessionID != "" {
		base += "-" + sanitize(r.SessionID)
	}
	path := filepath.Join(dir, base+".md")
	if err := os.WriteFile(path, []byte(r.Markdown), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	meta, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(strings.TrimSuffix(path, ".md")+".json", meta, 0o644); err != nil {
		return "", fmt.Errorf("write sidecar: %w", err)
	}
	return path, nil
}

// Load reads the JSON sidecar saved next to a report.
func (f FileSink) Load(path string) (Report, error) {
	b, err := os.ReadFile(strings.TrimSuffix(path, ".md") + ".json")
	if err != nil {
		return Report{}, err
	}
	var r Report
	if err := json.Unmarshal(b, &r); err != nil {
		return Report{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return r, nil
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "..", "_")
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, "\\", "-")
	if s == "" {
		s = "_"
	}
	return s
}
