package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/redcell/kernel/pkg/kernelerrors"
)

// GitProvider snapshots a workspace using a git repository whose object
// store lives outside the workspace (in gitDir) while its worktree is the
// workspace itself. This keeps checkpoint bookkeeping invisible to tools
// that walk the workspace, and out of the way of a target application's
// own git metadata if the workspace happens to contain one.
type GitProvider struct {
	repo     *git.Repository
	worktree *git.Worktree
	author   *object.Signature
}

// NewGitProvider opens or initialises the checkpoint repository for
// workspace, storing git objects under gitDir.
func NewGitProvider(workspace, gitDir string) (*GitProvider, error) {
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, kernelerrors.WrapRetryable(kernelerrors.Filesystem, err, false)
	}
	if err := os.MkdirAll(gitDir, 0o755); err != nil {
		return nil, kernelerrors.WrapRetryable(kernelerrors.Filesystem, err, false)
	}

	wt := osfs.New(workspace)
	dot := osfs.New(gitDir)
	storer := filesystem.NewStorage(dot, cache.NewObjectLRUDefault())

	repo, err := git.Open(storer, wt)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.Init(storer, wt)
	}
	if err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.Filesystem, fmt.Errorf("open checkpoint repo: %w", err))
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.Filesystem, fmt.Errorf("open checkpoint worktree: %w", err))
	}

	return &GitProvider{
		repo:     repo,
		worktree: worktree,
		author:   &object.Signature{Name: "redcell-kernel", Email: "kernel@redcell.local", When: time.Now()},
	}, nil
}

// Snapshot stages every file in the workspace and commits it. An unchanged
// workspace produces an empty commit, which go-git refuses by default; in
// that case the previous HEAD is returned so identical consecutive
// snapshots collapse to one Snapshot (testable property: idempotent
// checkpointing).
func (g *GitProvider) Snapshot(ctx context.Context, message string) (Snapshot, error) {
	if err := g.worktree.AddGlob("."); err != nil {
		return "", kernelerrors.Wrap(kernelerrors.Filesystem, fmt.Errorf("stage workspace: %w", err))
	}

	sig := *g.author
	sig.When = time.Now()
	hash, err := g.worktree.Commit(message, &git.CommitOptions{Author: &sig, AllowEmptyCommits: false})
	if errors.Is(err, git.ErrEmptyCommit) {
		head, herr := g.repo.Head()
		if herr != nil {
			return "", kernelerrors.Wrap(kernelerrors.Filesystem, fmt.Errorf("resolve HEAD after empty commit: %w", herr))
		}
		return Snapshot(head.Hash().String()), nil
	}
	if err != nil {
		return "", kernelerrors.Wrap(kernelerrors.Filesystem, fmt.Errorf("commit snapshot: %w", err))
	}
	return Snapshot(hash.String()), nil
}

// Restore resets the worktree and index hard to snap, then removes
// untracked files and directories written since.
func (g *GitProvider) Restore(ctx context.Context, snap Snapshot) error {
	hash := plumbing.NewHash(string(snap))
	if err := g.worktree.Reset(&git.ResetOptions{Commit: hash, Mode: git.HardReset}); err != nil {
		return kernelerrors.Wrap(kernelerrors.Filesystem, fmt.Errorf("reset to checkpoint %s: %w", snap, err))
	}
	if err := g.worktree.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return kernelerrors.Wrap(kernelerrors.Filesystem, fmt.Errorf("clean workspace after rollback: %w", err))
	}
	return nil
}

// Diff renders a unified line-diff summary between two snapshots' full
// tree contents, grounded on the pack's diffmatchpatch-based attribution
// reporting: concatenate each tree's tracked files and run a line-level
// diff over the concatenation.
func (g *GitProvider) Diff(ctx context.Context, from, to Snapshot) (string, error) {
	fromText, err := g.concatTree(plumbing.NewHash(string(from)))
	if err != nil {
		return "", err
	}
	toText, err := g.concatTree(plumbing.NewHash(string(to)))
	if err != nil {
		return "", err
	}

	dmp := diffmatchpatch.New()
	text1, text2, lineArray := dmp.DiffLinesToChars(fromText, toText)
	diffs := dmp.DiffMain(text1, text2, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	return dmp.DiffPrettyText(diffs), nil
}

func (g *GitProvider) concatTree(hash plumbing.Hash) (string, error) {
	commit, err := g.repo.CommitObject(hash)
	if err != nil {
		return "", kernelerrors.Wrap(kernelerrors.Filesystem, fmt.Errorf("resolve commit %s: %w", hash, err))
	}
	tree, err := commit.Tree()
	if err != nil {
		return "", kernelerrors.Wrap(kernelerrors.Filesystem, fmt.Errorf("resolve tree for %s: %w", hash, err))
	}

	var out []byte
	walker := object.NewTreeWalker(tree, true, nil)
	defer walker.Close()
	for {
		name, entry, err := walker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", kernelerrors.Wrap(kernelerrors.Filesystem, err)
		}
		if entry.Mode.IsFile() {
			blob, err := g.repo.BlobObject(entry.Hash)
			if err != nil {
				continue
			}
			reader, err := blob.Reader()
			if err != nil {
				continue
			}
			out = append(out, []byte(fmt.Sprintf("--- %s\n", name))...)
			buf := make([]byte, blob.Size)
			_, _ = reader.Read(buf)
			_ = reader.Close()
			out = append(out, buf...)
			out = append(out, '\n')
		}
	}
	return string(out), nil
}

var _ Provider = (*GitProvider)(nil)

// GitDir returns the default checkpoint-repository directory for a
// workspace. It is a sibling of workspace, never a subdirectory of it:
// the checkpoint repo's own object store must not itself be staged by
// Snapshot's AddGlob(".") over the workspace.
func GitDir(workspace string) string {
	parent := filepath.Dir(workspace)
	base := filepath.Base(workspace)
	return filepath.Join(parent, "."+base+".redcell-checkpoints")
}
