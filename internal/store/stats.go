package store

import (
	"os"
	"path/filepath"
	"time"

	"github.com/hyperjump/semdex/internal/models"
)

// Stats summarizes the embedding database for status reporting.
type Stats struct {
	TitlesIndexed   int
	HeadingsIndexed int
	ContentIndexed  int
	TotalNotes      int // unique paths across all three collections
	SizeBytes       int64
	LastUpdate      time.Time
	// Active is the collection currently indexing, empty when idle.
	Active   models.Collection
	Progress int
	Total    int
}

// Stats computes per-collection counts, the unique-path union, on-disk size,
// and the active pass's progress if any collection is indexing.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	paths := make(map[string]struct{}, len(s.env.Titles))
	for p := range s.env.Titles {
		paths[p] = struct{}{}
	}
	for p := range s.env.Headings {
		paths[p] = struct{}{}
	}
	for p := range s.env.Content {
		paths[p] = struct{}{}
	}

	st := Stats{
		TitlesIndexed:   len(s.env.Titles),
		HeadingsIndexed: len(s.env.Headings),
		ContentIndexed:  len(s.env.Content),
		TotalNotes:      len(paths),
	}
	if s.env.LastUpdate > 0 {
		st.LastUpdate = time.UnixMilli(s.env.LastUpdate)
	}
	st.SizeBytes, _ = DiskUsageBytes(s.path)
	for _, c := range models.Collections {
		is := s.env.IndexingStates.ByCollection(c)
		if is.IsIndexing {
			st.Active = c
			st.Progress = is.Progress
			st.Total = is.Total
			break
		}
	}
	return st
}

// DiskUsageBytes returns the total size in bytes of the given paths.
// Each path may be a file or a directory (recursively summed).
// Missing or inaccessible paths are skipped (contribute 0); errors during walk are returned.
func DiskUsageBytes(paths ...string) (int64, error) {
	var total int64
	for _, p := range paths {
		if p == "" {
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		if info.IsDir() {
			n, err := dirSize(p)
			if err != nil {
				return 0, err
			}
			total += n
		} else {
			total += info.Size()
		}
	}
	return total, nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info != nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
