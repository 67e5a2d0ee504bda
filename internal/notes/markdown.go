package notes

import (
	"path/filepath"
	"strings"
)

// markdownExtensions are the formats whose headings we can scan structurally.
var markdownExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
}

// IsMarkdown reports whether path has a markdown extension.
func IsMarkdown(path string) bool {
	return markdownExtensions[strings.ToLower(filepath.Ext(path))]
}

// TitleFromPath derives a note title from its file name, without the extension.
func TitleFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ScanHeadings returns the text of all ATX headings (# through ######) in
// order of appearance, skipping fenced code blocks. This is a line scan, not
// a markdown parse; it is cheap enough to run on every incremental update.
func ScanHeadings(content string) []string {
	var headings []string
	inFence := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			continue
		}
		if inFence || !strings.HasPrefix(trimmed, "#") {
			continue
		}
		level := 0
		for level < len(trimmed) && trimmed[level] == '#' {
			level++
		}
		if level > 6 || level == len(trimmed) || trimmed[level] != ' ' {
			continue
		}
		text := strings.TrimSpace(trimmed[level:])
		// Trailing closing hashes are allowed in ATX headings.
		text = strings.TrimRight(text, "#")
		text = strings.TrimSpace(text)
		if text != "" {
			headings = append(headings, text)
		}
	}
	return headings
}
