// Package cli provides output formatting for the Semdex command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hyperjump/semdex/internal/models"
	"github.com/hyperjump/semdex/internal/store"
	"github.com/hyperjump/semdex/pkg/utils"
)

// OutputFormat is the format for CLI output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// WriteSearchResults writes similarity results to w in the given format.
func WriteSearchResults(w io.Writer, results []models.SearchResult, format OutputFormat) error {
	switch format {
	case OutputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	default:
		writeSearchResultsText(w, results)
		return nil
	}
}

func writeSearchResultsText(w io.Writer, results []models.SearchResult) {
	fmt.Fprintf(w, "\nFound %d results\n\n", len(results))
	for i, res := range results {
		fmt.Fprintf(w, "%2d. %.4f [%s] %s\n", i+1, res.Score, res.Source, res.Path)
		if res.Excerpt != "" {
			fmt.Fprintf(w, "    %s\n", utils.TruncateRunes(res.Excerpt, 120))
		}
	}
}

// statsJSON is the machine-readable shape of WriteStats.
type statsJSON struct {
	TitlesIndexed   int    `json:"titles_indexed"`
	HeadingsIndexed int    `json:"headings_indexed"`
	ContentIndexed  int    `json:"content_indexed"`
	TotalNotes      int    `json:"total_notes"`
	SizeBytes       int64  `json:"size_bytes"`
	LastUpdate      string `json:"last_update,omitempty"`
	Active          string `json:"active_collection,omitempty"`
	Progress        int    `json:"progress,omitempty"`
	Total           int    `json:"total,omitempty"`
}

// WriteStats writes embedding database stats to w in the given format.
func WriteStats(w io.Writer, stats store.Stats, format OutputFormat) error {
	lastUpdate := ""
	if !stats.LastUpdate.IsZero() {
		lastUpdate = stats.LastUpdate.Format("2006-01-02 15:04:05")
	}
	switch format {
	case OutputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(statsJSON{
			TitlesIndexed:   stats.TitlesIndexed,
			HeadingsIndexed: stats.HeadingsIndexed,
			ContentIndexed:  stats.ContentIndexed,
			TotalNotes:      stats.TotalNotes,
			SizeBytes:       stats.SizeBytes,
			LastUpdate:      lastUpdate,
			Active:          string(stats.Active),
			Progress:        stats.Progress,
			Total:           stats.Total,
		})
	default:
		fmt.Fprintf(w, "Titles indexed:   %d\n", stats.TitlesIndexed)
		fmt.Fprintf(w, "Headings indexed: %d\n", stats.HeadingsIndexed)
		fmt.Fprintf(w, "Content indexed:  %d\n", stats.ContentIndexed)
		fmt.Fprintf(w, "Total notes:      %d\n", stats.TotalNotes)
		fmt.Fprintf(w, "Database size:    %s\n", utils.HumanBytes(stats.SizeBytes))
		if lastUpdate != "" {
			fmt.Fprintf(w, "Last update:      %s\n", lastUpdate)
		}
		if stats.Active != "" {
			fmt.Fprintf(w, "Indexing:         %s (%d/%d)\n", stats.Active, stats.Progress, stats.Total)
		}
		return nil
	}
}
