// Package store manages the on-disk recordings directory used to hand WAV
// segments to the recognizers.
package store

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/user/discord-livecaption/internal/audio"
)

// Recordings owns a directory of short-lived WAV files. Files are named by
// uuid so concurrent sessions never collide.
type Recordings struct {
	dir string
}

func NewRecordings(dir string) (*Recordings, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Recordings{dir: dir}, nil
}

func (r *Recordings) Dir() string {
	return r.dir
}

// WriteWAV persists samples as a mono 16-bit WAV and returns its path. The
// caller removes the file once transcription finished.
func (r *Recordings) WriteWAV(samples []int16) (string, error) {
	path := filepath.Join(r.dir, uuid.NewString()+".wav")
	if err := audio.WriteWAVFile(path, samples, audio.SampleRate); err != nil {
		return "", err
	}
	return path, nil
}

// Remove deletes a recording, tolerating files already gone.
func (r *Recordings) Remove(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", path).Msg("Failed to remove recording")
	}
}

// CleanupStale deletes WAV files older than maxAge, catching leftovers from
// crashed runs. Returns the number of files removed.
func (r *Recordings) CleanupStale(maxAge time.Duration) int {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		log.Warn().Err(err).Str("dir", r.dir).Msg("Failed to scan recordings dir")
		return 0
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".wav" {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(r.dir, entry.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("Cleaned up stale recordings")
	}
	return removed
}

// StartSweeper runs CleanupStale on a ticker until ctx is done.
func (r *Recordings) StartSweeper(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.CleanupStale(maxAge)
			}
		}
	}()
}
