package models

import "sort"

// ProgressStats summarizes task progress across a session.
type ProgressStats struct {
	Done                int      `json:"done"`
	Total               int      `json:"total"`
	RemainingFiles      []string `json:"remainingFiles,omitempty"`
	RemainingFilesCount int      `json:"remainingFilesCount"`
}

// ComputeProgress derives completion counts and the deduplicated union of
// remaining files from a taskProgress map. RemainingFiles is sorted so the
// output is deterministic regardless of map iteration order.
func ComputeProgress(taskProgress map[string]*TaskProgress) ProgressStats {
	stats := ProgressStats{}
	seen := make(map[string]bool)
	for _, tp := range taskProgress {
		if tp == nil {
			continue
		}
		stats.Total++
		if tp.Status == TaskCompleted {
			stats.Done++
		}
		for _, f := range tp.RemainingFiles {
			n := NormalizePath(f)
			if n == "" || seen[n] {
				continue
			}
			seen[n] = true
			stats.RemainingFiles = append(stats.RemainingFiles, n)
		}
	}
	sort.Strings(stats.RemainingFiles)
	stats.RemainingFilesCount = len(stats.RemainingFiles)
	return stats
}
