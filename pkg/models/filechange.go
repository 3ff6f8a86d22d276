package models

import "strings"

// DefaultFileChangesLimit caps the file-change history kept per session and
// per task. Oldest entries are evicted first.
const DefaultFileChangesLimit = 400

// FileChange records line deltas for one file touched by one task.
type FileChange struct {
	Path         string `json:"path"`
	AddedLines   int    `json:"addedLines"`
	RemovedLines int    `json:"removedLines"`
	StageID      string `json:"stageId,omitempty"`
	TaskID       string `json:"taskId,omitempty"`
}

// NormalizePath trims whitespace and converts backslashes to forward slashes
// so path set-equality holds across operating systems.
func NormalizePath(p string) string {
	return strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
}

// NormalizePaths normalizes every path, drops empties, and deduplicates
// preserving first occurrence.
func NormalizePaths(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	out := make([]string, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		n := NormalizePath(p)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// MergeFileChanges merges incoming changes into current. Entries are keyed by
// (path, stageId, taskId); on collision added and removed lines are summed
// and the entry moves to the newest position. The result is truncated to the
// limit most recent entries (DefaultFileChangesLimit when limit <= 0).
func MergeFileChanges(current, incoming []FileChange, limit int) []FileChange {
	if limit <= 0 {
		limit = DefaultFileChangesLimit
	}

	type key struct{ path, stageID, taskID string }
	merged := make([]FileChange, 0, len(current)+len(incoming))
	index := make(map[key]int, len(current)+len(incoming))

	insert := func(fc FileChange) {
		fc.Path = NormalizePath(fc.Path)
		if fc.Path == "" {
			return
		}
		k := key{fc.Path, fc.StageID, fc.TaskID}
		if i, ok := index[k]; ok {
			fc.AddedLines += merged[i].AddedLines
			fc.RemovedLines += merged[i].RemovedLines
			merged = append(merged[:i], merged[i+1:]...)
			for mk, mi := range index {
				if mi > i {
					index[mk] = mi - 1
				}
			}
		}
		index[k] = len(merged)
		merged = append(merged, fc)
	}

	for _, fc := range current {
		insert(fc)
	}
	for _, fc := range incoming {
		insert(fc)
	}

	if len(merged) > limit {
		drop := len(merged) - limit
		merged = append([]FileChange(nil), merged[drop:]...)
	}
	return merged
}

// StampFileChanges fills in empty stage and task ids on the given changes.
// Workers are not required to echo those ids back.
func StampFileChanges(changes []FileChange, stageID, taskID string) []FileChange {
	out := make([]FileChange, len(changes))
	for i, fc := range changes {
		if fc.StageID == "" {
			fc.StageID = stageID
		}
		if fc.TaskID == "" {
			fc.TaskID = taskID
		}
		out[i] = fc
	}
	return out
}
