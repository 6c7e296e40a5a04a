// Package sandbox drives the external patchburner subprocess (spec section
// 6) and the Git operations of the materialisation protocol (spec 4.1):
// template repo maintenance, the disposable burner workspace, branch
// creation, the deterministic merge commit, diff stats, and the force-push
// to the hosted repo.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Patchburner invokes the external sandbox subprocess contract of spec
// section 6: template-repo-path, burner-repo-path, burner-patch-path,
// create, destroy, apply. The script itself, and the chroot/container it
// manages, are out of scope (spec section 1, "Explicit non-goals");
// this type is the thin adapter around its command-line interface.
type Patchburner struct {
	ctl string
}

// New wraps the script at ctl (config PATCHBURNER_CTL).
func New(ctl string) *Patchburner {
	return &Patchburner{ctl: ctl}
}

func (p *Patchburner) run(ctx context.Context, workspaceID string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, p.ctl, append(args, workspaceID)...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

// TemplateRepoPath returns the on-disk path of the shared template clone.
func (p *Patchburner) TemplateRepoPath(ctx context.Context, workspaceID string) (string, error) {
	out, err := p.run(ctx, workspaceID, "template-repo-path")
	return strings.TrimSpace(out), err
}

// Create provisions a disposable sandbox workspace for workspaceID.
func (p *Patchburner) Create(ctx context.Context, workspaceID string) error {
	_, err := p.run(ctx, workspaceID, "create")
	return err
}

// Destroy tears down the workspace, releasing its chroot/container.
func (p *Patchburner) Destroy(ctx context.Context, workspaceID string) error {
	_, err := p.run(ctx, workspaceID, "destroy")
	return err
}

// BurnerRepoPath returns the on-disk path of the isolated working clone
// inside the workspace, where patches are applied.
func (p *Patchburner) BurnerRepoPath(ctx context.Context, workspaceID string) (string, error) {
	out, err := p.run(ctx, workspaceID, "burner-repo-path")
	return strings.TrimSpace(out), err
}

// BurnerPatchPath returns the on-disk directory the caller should populate
// with the patch files to apply.
func (p *Patchburner) BurnerPatchPath(ctx context.Context, workspaceID string) (string, error) {
	out, err := p.run(ctx, workspaceID, "burner-patch-path")
	return strings.TrimSpace(out), err
}

// ApplyResult is the outcome of an apply invocation: combined stdout+stderr
// output (always captured, win or lose, per spec 4.1 step 3) and whether
// the patch set applied cleanly.
type ApplyResult struct {
	Log     string
	Success bool
}

// Apply asks the sandbox to apply the patch files previously written to
// BurnerPatchPath, in the isolated filesystem at BurnerRepoPath. Zero exit
// means success; non-zero means the patch set does not apply (spec
// section 6).
func (p *Patchburner) Apply(ctx context.Context, workspaceID string) (ApplyResult, error) {
	out, err := p.run(ctx, workspaceID, "apply")
	if err != nil {
		var exitErr *exec.ExitError
		if asExitError(err, &exitErr) {
			return ApplyResult{Log: out, Success: false}, nil
		}
		return ApplyResult{}, fmt.Errorf("patchburner apply: %w", err)
	}
	return ApplyResult{Log: out, Success: true}, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}
