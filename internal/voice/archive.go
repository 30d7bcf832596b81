package voice

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/discord-voice-assistant/internal/logging"
)

// Archive persists captured utterances for debugging: each utterance is a
// WAV plus a JSON sidecar keyed by correlation id, and later pipeline
// stages merge their results (transcript, response artifact) into the
// sidecar. A nil *Archive is a no-op, so callers never branch on whether
// archiving is configured.
type Archive struct {
	dir string
}

// NewArchive returns nil when dir is empty.
func NewArchive(dir string) *Archive {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	return &Archive{dir: dir}
}

// SaveUtterance writes the WAV and its sidecar. Failures are logged, not
// returned: archiving must never interfere with the live session.
func (a *Archive) SaveUtterance(speakerID, correlationID string, wav []byte) {
	if a == nil {
		return
	}
	base := fmt.Sprintf("%s-%s-cid%s",
		time.Now().UTC().Format("20060102T150405.000Z"), speakerID, correlationID)
	base = strings.ReplaceAll(base, ".", "_")
	wavPath := filepath.Join(a.dir, base+".wav")
	if err := saveFileAtomic(wavPath, wav, 0o644); err != nil {
		logging.Warnw("archive: failed to save utterance wav", "path", wavPath, "err", err)
		return
	}
	sidecar := map[string]interface{}{
		"correlation_id": correlationID,
		"speaker_id":     speakerID,
		"wav_path":       wavPath,
		"wav_bytes":      len(wav),
		"saved_at":       time.Now().UTC().Format(time.RFC3339),
	}
	b, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		logging.Warnw("archive: failed to marshal sidecar", "correlation_id", correlationID, "err", err)
		return
	}
	jsonPath := filepath.Join(a.dir, base+".json")
	if err := saveFileAtomic(jsonPath, b, 0o644); err != nil {
		logging.Warnw("archive: failed to save sidecar", "path", jsonPath, "err", err)
	}
}

// MergeByCID merges updates into the sidecar for the correlation id and
// rewrites it atomically.
func (a *Archive) MergeByCID(correlationID string, updates map[string]interface{}) error {
	if a == nil {
		return nil
	}
	path := a.findByCID(correlationID)
	if path == "" {
		return fmt.Errorf("no sidecar for correlation id %s in %s", correlationID, a.dir)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read sidecar %s: %w", path, err)
	}
	var sc map[string]interface{}
	if err := json.Unmarshal(b, &sc); err != nil {
		return fmt.Errorf("invalid sidecar %s: %w", path, err)
	}
	for k, v := range updates {
		sc[k] = v
	}
	nb, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar %s: %w", path, err)
	}
	if err := saveFileAtomic(path, nb, 0o644); err != nil {
		return fmt.Errorf("rewrite sidecar %s: %w", path, err)
	}
	return nil
}

// findByCID locates the sidecar by filename first (archives name their
// files after the correlation id) and falls back to scanning sidecar
// contents for files written by older builds.
func (a *Archive) findByCID(correlationID string) string {
	if a == nil || correlationID == "" {
		return ""
	}
	files, err := os.ReadDir(a.dir)
	if err != nil {
		logging.Warnw("archive: failed to list dir", "dir", a.dir, "err", err)
		return ""
	}
	for _, fi := range files {
		name := fi.Name()
		if strings.HasSuffix(name, ".json") && strings.Contains(name, "cid"+correlationID) {
			return filepath.Join(a.dir, name)
		}
	}
	for _, fi := range files {
		name := fi.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(a.dir, name)
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var sc map[string]interface{}
		if err := json.Unmarshal(b, &sc); err != nil {
			continue
		}
		if v, ok := sc["correlation_id"].(string); ok && v == correlationID {
			return path
		}
	}
	return ""
}

// StartSweeper runs the retention loop: sidecar/wav pairs older than
// retention are removed each interval, and the oldest pairs beyond maxFiles
// are dropped. Caller must wg.Add(1) first.
func (a *Archive) StartSweeper(done <-chan struct{}, wg *sync.WaitGroup, retention, interval time.Duration, maxFiles int) {
	if a == nil {
		wg.Done()
		return
	}
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				a.sweep(retention, maxFiles)
			}
		}
	}()
}

func (a *Archive) sweep(retention time.Duration, maxFiles int) {
	files, err := os.ReadDir(a.dir)
	if err != nil {
		logging.Debugw("archive: sweep readdir failed", "dir", a.dir, "err", err)
		return
	}
	type pair struct {
		jsonPath string
		wavPath  string
		mod      time.Time
	}
	var pairs []pair
	for _, fi := range files {
		name := fi.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := fi.Info()
		if err != nil {
			continue
		}
		jsonPath := filepath.Join(a.dir, name)
		pairs = append(pairs, pair{
			jsonPath: jsonPath,
			wavPath:  strings.TrimSuffix(jsonPath, ".json") + ".wav",
			mod:      info.ModTime(),
		})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].mod.Before(pairs[j].mod) })

	cutoff := time.Now().Add(-retention)
	removed := 0
	for _, p := range pairs {
		if p.mod.Before(cutoff) {
			_ = os.Remove(p.jsonPath)
			_ = os.Remove(p.wavPath)
			removed++
		}
	}
	if maxFiles > 0 && len(pairs)-removed > maxFiles {
		excess := len(pairs) - removed - maxFiles
		for _, p := range pairs[removed:] {
			if excess == 0 {
				break
			}
			_ = os.Remove(p.jsonPath)
			_ = os.Remove(p.wavPath)
			excess--
			removed++
		}
	}
	if removed > 0 {
		logging.Debugw("archive: sweep removed pairs", "dir", a.dir, "removed", removed)
	}
}

// saveFileAtomic writes data via a same-directory tmp file, fsyncs, and
// renames into place.
func saveFileAtomic(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
