package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Repo wraps a single on-disk Git clone (template or burner) with the
// subset of plumbing the materialisation protocol needs (spec 4.1 steps
// 1 and 5): fetch mainline, branch, commit, diff stats, push. Every
// operation shells out to the git(1) binary, matching the rest of the
// module's preference for driving real external tools over vendoring a
// Git implementation (commitfest and cirrus do the analogous thing over
// HTTP).
type Repo struct {
	dir       string
	sshCmd    string
	remote    string
	committer string
}

// NewRepo wraps the working copy at dir. remote is the named remote
// configured for the hosted repo (config GIT_REMOTE_NAME); sshCmd is
// GIT_SSH_COMMAND, applied to every network operation.
func NewRepo(dir, remote, sshCmd string) *Repo {
	return &Repo{dir: dir, remote: remote, sshCmd: sshCmd, committer: "cfbot <cfbot@localhost>"}
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	if r.sshCmd != "" {
		cmd.Env = append(cmd.Environ(), "GIT_SSH_COMMAND="+r.sshCmd)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err != nil {
		return out.String(), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, out.String())
	}
	return out.String(), nil
}

// UpdateMainline implements step 1: fetch the configured remote's default
// branch and fast-forward the template repo's working tree to it,
// returning the resulting commit id.
func (r *Repo) UpdateMainline(ctx context.Context, mainlineBranch string) (string, error) {
	if _, err := r.git(ctx, "fetch", "--quiet", r.remote, mainlineBranch); err != nil {
		return "", err
	}
	if _, err := r.git(ctx, "reset", "--hard", r.remote+"/"+mainlineBranch); err != nil {
		return "", err
	}
	out, err := r.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CommitMeta is the material the deterministic merge commit message is
// composed from (spec 4.1 step 5).
type CommitMeta struct {
	SubmissionID int
	Name         string
	CommitfestID int
	MessageID    string
	Authors      []string
}

// CommitMessage composes the deterministic commit message described by
// spec 4.1 step 5: submission id, name, commitfest id, source message id,
// author list.
func CommitMessage(m CommitMeta) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", m.Name)
	fmt.Fprintf(&b, "This commit merges the patch set for Commitfest submission %d\n", m.SubmissionID)
	fmt.Fprintf(&b, "(commitfest %d) as of mail message %s,\n", m.CommitfestID, m.MessageID)
	fmt.Fprintf(&b, "applied by cfbot for continuous integration testing.\n\n")
	if len(m.Authors) > 0 {
		fmt.Fprintf(&b, "Authors: %s\n", strings.Join(m.Authors, ", "))
	}
	return b.String()
}

// CreateBranchAndCommit implements the branching and commit half of step
// 5: create cf/<submission_id> at the current HEAD (the applied patch
// set), stage everything, and record a commit with the given message.
// Returns the new commit id.
func (r *Repo) CreateBranchAndCommit(ctx context.Context, submissionID int, message string) (string, error) {
	branch := "cf/" + strconv.Itoa(submissionID)
	if _, err := r.git(ctx, "checkout", "-B", branch); err != nil {
		return "", err
	}
	if _, err := r.git(ctx, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := r.git(ctx, "-c", "user.name=cfbot", "-c", "user.email=cfbot@localhost",
		"commit", "--quiet", "--allow-empty", "-m", message); err != nil {
		return "", err
	}
	out, err := r.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// DiffStat is the set of numbers spec 4.1 step 5 stores on the branch
// row: patch_count (number of non-merge commits applied), the
// added/removed line counts of just the first applied commit, and the
// totals across all of them.
type DiffStat struct {
	PatchCount     int
	FirstAdditions int
	FirstDeletions int
	AllAdditions   int
	AllDeletions   int
}

// ComputeDiffStat implements the diff-stats computation of step 5: it
// walks the commits added on top of baseCommit (the template's mainline
// head before the merge commit), using `git diff --numstat` per commit to
// total additions/deletions, and separately for the first applied commit.
func (r *Repo) ComputeDiffStat(ctx context.Context, baseCommit, headCommit string) (DiffStat, error) {
	out, err := r.git(ctx, "rev-list", "--reverse", baseCommit+".."+headCommit)
	if err != nil {
		return DiffStat{}, err
	}
	commits := strings.Fields(out)
	stat := DiffStat{PatchCount: len(commits)}

	prev := baseCommit
	for i, c := range commits {
		add, del, err := r.numstat(ctx, prev, c)
		if err != nil {
			return DiffStat{}, err
		}
		if i == 0 {
			stat.FirstAdditions, stat.FirstDeletions = add, del
		}
		stat.AllAdditions += add
		stat.AllDeletions += del
		prev = c
	}
	return stat, nil
}

func (r *Repo) numstat(ctx context.Context, from, to string) (added, removed int, err error) {
	out, err := r.git(ctx, "diff", "--numstat", from, to)
	if err != nil {
		return 0, 0, err
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		a, errA := strconv.Atoi(fields[0])
		d, errD := strconv.Atoi(fields[1])
		if errA != nil || errD != nil {
			continue // binary file, numstat prints "-"
		}
		added += a
		removed += d
	}
	return added, removed, nil
}

// Push force-pushes the named branch to the configured remote (spec 4.1
// step 5, "push the branch force-mode to the configured remote").
func (r *Repo) Push(ctx context.Context, branch string) error {
	_, err := r.git(ctx, "push", "--force", r.remote, branch)
	return err
}
