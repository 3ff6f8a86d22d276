package gitops

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGit scripts per-subcommand outputs and records every invocation.
type fakeGit struct {
	calls   [][]string
	outputs map[string]string
	errs    map[string]error
}

func newFakeGit() *fakeGit {
	return &fakeGit{outputs: make(map[string]string), errs: make(map[string]error)}
}

func (f *fakeGit) run(_ context.Context, _ string, args ...string) (string, error) {
	f.calls = append(f.calls, args)
	key := strings.Join(args, " ")
	for prefix, err := range f.errs {
		if strings.HasPrefix(key, prefix) {
			return f.outputs[prefix], err
		}
	}
	for prefix, out := range f.outputs {
		if strings.HasPrefix(key, prefix) {
			return out, nil
		}
	}
	return "", nil
}

func (f *fakeGit) called(prefix string) bool {
	for _, call := range f.calls {
		if strings.HasPrefix(strings.Join(call, " "), prefix) {
			return true
		}
	}
	return false
}

func newTestRunner(f *fakeGit) *Runner {
	r := NewRunner("/repo")
	r.runGit = f.run
	return r
}

func TestIsRepo(t *testing.T) {
	f := newFakeGit()
	f.outputs["rev-parse --is-inside-work-tree"] = "true\n"
	assert.True(t, newTestRunner(f).IsRepo(context.Background()))

	f2 := newFakeGit()
	f2.errs["rev-parse"] = errors.New("not a git repository")
	assert.False(t, newTestRunner(f2).IsRepo(context.Background()))
}

func TestCurrentBranchAndDirty(t *testing.T) {
	f := newFakeGit()
	f.outputs["rev-parse --abbrev-ref HEAD"] = "main\n"
	f.outputs["status --porcelain"] = " M pkg/a.go\n"

	r := newTestRunner(f)
	branch, err := r.CurrentBranch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "main", branch)

	dirty, err := r.IsDirty(context.Background())
	require.NoError(t, err)
	assert.True(t, dirty)
}

func TestCommitTreatsEmptyTreeAsSuccess(t *testing.T) {
	f := newFakeGit()
	f.outputs["commit"] = "nothing to commit, working tree clean"
	f.errs["commit"] = errors.New("exit status 1")

	res := newTestRunner(f).Commit(context.Background(), "kkcode: stage s1 complete")
	assert.True(t, res.OK)
	assert.Equal(t, "nothing to commit", res.Message)
	assert.True(t, f.called("add -A"))
}

func TestCommitFailure(t *testing.T) {
	f := newFakeGit()
	f.outputs["commit"] = "fatal: unable to write index"
	f.errs["commit"] = errors.New("exit status 128")

	res := newTestRunner(f).Commit(context.Background(), "msg")
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "unable to write index")
}

func TestMergeAbortsOnFailure(t *testing.T) {
	f := newFakeGit()
	f.outputs["merge --no-ff"] = "CONFLICT (content): a.go"
	f.errs["merge --no-ff"] = errors.New("exit status 1")

	res := newTestRunner(f).Merge(context.Background(), "kkcode/feature-abc")
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "CONFLICT")
	assert.True(t, f.called("merge --abort"), "failed merges are aborted to keep the tree clean")
}

func TestBranchLifecycleSteps(t *testing.T) {
	f := newFakeGit()
	r := newTestRunner(f)

	assert.True(t, r.Stash(context.Background(), "kkcode auto-stash").OK)
	assert.True(t, r.CreateBranch(context.Background(), "kkcode/x-123").OK)
	assert.True(t, r.Checkout(context.Background(), "main").OK)
	assert.True(t, r.DeleteBranch(context.Background(), "kkcode/x-123").OK)

	assert.True(t, f.called("stash push --include-untracked"))
	assert.True(t, f.called("checkout -b kkcode/x-123"))
	assert.True(t, f.called("checkout main"))
	assert.True(t, f.called("branch -D kkcode/x-123"))
}

func TestBranchName(t *testing.T) {
	name := BranchName("0f5b2c9e-aaaa-bbbb", "Fix the Login FLOW!!")
	assert.Equal(t, "kkcode/fix-the-login-flow-0f5b2c9e", name)

	assert.Equal(t, "kkcode/run-12345678", BranchName("123456789", "???"))

	long := BranchName("abcdefgh", "a very long objective that keeps going and going and going")
	assert.LessOrEqual(t, len(long), len("kkcode/")+branchSlugMax+1+8)
}
