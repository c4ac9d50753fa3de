// Package checkpoint implements the Checkpoint Manager (spec.md §4.6):
// per-agent content-addressed snapshots of the workspace, taken after an
// agent completes, restorable on rollback.
package checkpoint

import "context"

// Snapshot is an opaque content-addressed identifier for one workspace
// state. Any versioning backend satisfying Provider can produce these;
// the kernel never inspects their structure.
type Snapshot string

// Provider is the "snapshot provider" abstraction spec.md §4.6 requires:
// any content-addressed versioning backend satisfies the contract.
type Provider interface {
	// Snapshot captures the current state of workspace and returns its
	// content-addressed identifier. Capturing an unchanged workspace
	// twice returns the same Snapshot.
	Snapshot(ctx context.Context, message string) (Snapshot, error)

	// Restore resets workspace to the state captured by snap, removing
	// any files written since.
	Restore(ctx context.Context, snap Snapshot) error

	// Diff returns a human-readable unified summary of what changed
	// between two snapshots, for rollback reporting.
	Diff(ctx context.Context, from, to Snapshot) (string, error)
}
