package recording

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/teleclinic/consult/internal/media"
)

const manifestName = "manifest.json"

// Artifact is one finalized recording of a session.
type Artifact struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
	Tracks    []Track   `json:"tracks"`

	// Dir holds the track files and the manifest.
	Dir string `json:"-"`
}

type Track struct {
	Class       media.Class `json:"class"`
	Codec       string      `json:"codec"`
	File        string      `json:"file"`
	ContentType string      `json:"contentType"`
	Bytes       int64       `json:"bytes"`
	Samples     int         `json:"samples"`
}

func (a Artifact) Manifest() string {
	return filepath.Join(a.Dir, manifestName)
}

// Files lists the track files in manifest order.
func (a Artifact) Files() []string {
	out := make([]string, 0, len(a.Tracks))
	for _, t := range a.Tracks {
		out = append(out, filepath.Join(a.Dir, t.File))
	}
	return out
}

func writeManifest(a Artifact) error {
	b, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	tmp := a.Manifest() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return os.Rename(tmp, a.Manifest())
}
