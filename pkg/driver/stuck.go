package driver

import (
	"fmt"
	"hash/fnv"
	"io"

	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

// stuckDetector counts consecutive observations of an unchanged progress
// signature. It backs the no-progress warning and abort thresholds; a
// threshold of 0 disables that threshold.
type stuckDetector struct {
	warn  int
	limit int
	last  string
	count int
}

// observe records the signature and reports whether this observation crossed
// the warning or the abort threshold. The warning fires exactly once per
// streak.
func (s *stuckDetector) observe(sig string) (warned, aborted bool) {
	if sig != s.last {
		s.last = sig
		s.count = 1
		return false, false
	}
	s.count++
	warned = s.warn > 0 && s.count == s.warn
	aborted = s.limit > 0 && s.count >= s.limit
	return warned, aborted
}

func (s *stuckDetector) reset() {
	s.last = ""
	s.count = 0
}

// Tool-loop thresholds: toolLoopRepeats identical calls in a row is a doom
// loop, readOnlyStallLimit consecutive read-only calls is a read stall.
const (
	toolLoopRepeats    = 4
	readOnlyStallLimit = 12
)

// toolLoopDetector flags two failure shapes in one turn's stream of tool
// calls: the doom loop, where the agent repeats the same call with identical
// arguments, and the read-only stall, where it keeps reading without ever
// writing. Each signal fires at most once per streak.
type toolLoopDetector struct {
	lastSig  string
	repeats  int
	readOnly int
}

func (t *toolLoopDetector) observe(call models.ToolCall) (doomLoop, readStall bool) {
	sig := toolSignature(call)
	if sig == t.lastSig {
		t.repeats++
	} else {
		t.lastSig = sig
		t.repeats = 1
	}
	if call.ReadOnly {
		t.readOnly++
	} else {
		t.readOnly = 0
	}
	return t.repeats == toolLoopRepeats, t.readOnly == readOnlyStallLimit
}

func (t *toolLoopDetector) reset() {
	*t = toolLoopDetector{}
}

// toolSignature fingerprints one call. Arguments are hashed so signatures
// stay cheap to compare no matter how large the payload was.
func toolSignature(c models.ToolCall) string {
	h := fnv.New64a()
	io.WriteString(h, c.Args)
	return fmt.Sprintf("%s:%x", c.Tool, h.Sum64())
}

// stageSignature fingerprints the current stage's progress: the stage index,
// how many of its tasks completed, and how many files they completed. Two
// consecutive recovery cycles with the same signature made no progress.
func stageSignature(st *models.SessionState) string {
	done, files := 0, 0
	if st.StagePlan != nil && st.StageIndex < len(st.StagePlan.Stages) {
		for _, id := range st.StagePlan.Stages[st.StageIndex].TaskIDs() {
			tp := st.TaskProgress[id]
			if tp == nil {
				continue
			}
			if tp.Status == models.TaskCompleted {
				done++
			}
			files += len(tp.CompletedFiles)
		}
	}
	return fmt.Sprintf("%d:%d:%d", st.StageIndex, done, files)
}
