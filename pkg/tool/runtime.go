package tool

import (
	"path/filepath"
	"strings"

	"github.com/redcell/kernel/pkg/kernelerrors"
)

// Runtime is the sandbox boundary every filesystem- and shell-touching
// tool is built against: the workspace root no tool call may escape
// (spec.md §5, "repo-root sandbox").
type Runtime struct {
	Workspace string

	// HTTPProxy/HTTPSProxy propagate to child shells per spec.md §4.3's
	// resource policy.
	HTTPProxy  string
	HTTPSProxy string

	// Target is the assessment target's origin (scheme://host[:port]),
	// used by the api-fuzzer localhost-block pre-execute policy
	// (spec.md §4.5 item 8).
	Target string
}

// NewRuntime roots a Runtime at workspace, resolved to an absolute path.
func NewRuntime(workspace, target string) (*Runtime, error) {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.Filesystem, err)
	}
	return &Runtime{Workspace: abs, Target: target}, nil
}

// ResolvePath joins rel onto the workspace root and refuses any path whose
// normalised absolute form escapes it (spec.md §5 / testable property #9).
func (r *Runtime) ResolvePath(rel string) (string, error) {
	var candidate string
	if filepath.IsAbs(rel) {
		candidate = filepath.Clean(rel)
	} else {
		candidate = filepath.Join(r.Workspace, rel)
	}

	root := filepath.Clean(r.Workspace)
	if candidate != root && !strings.HasPrefix(candidate, root+string(filepath.Separator)) {
		return "", kernelerrors.Newf(kernelerrors.Filesystem, "path %q escapes workspace root %q", rel, r.Workspace)
	}
	return candidate, nil
}
