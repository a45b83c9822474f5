package worker

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
)

// RestorePlan is the set of file restores implied by rolling back to a
// checkpoint: for every file touched at or after the checkpoint, the
// content it had just before its first touch.
type RestorePlan map[string]FileSnapshot

// PlanRollback builds the restore plan for the checkpoint with the given ID.
// Checkpoints must be in creation order, as returned by ListCheckpoints.
func PlanRollback(checkpoints []*Checkpoint, checkpointID string) (RestorePlan, error) {
	start := -1
	for i, cp := range checkpoints {
		if cp.ID == checkpointID {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, fmt.Errorf("checkpoint %s: %w", checkpointID, ErrNotFound)
	}

	// Earliest snapshot of each path wins: that is the content the file
	// had before the rollback window began.
	plan := make(RestorePlan)
	for _, cp := range checkpoints[start:] {
		for _, f := range cp.Files {
			if _, seen := plan[f.Path]; !seen {
				plan[f.Path] = f
			}
		}
	}
	return plan, nil
}

// Apply restores every file in the plan. With dryRun it mutates nothing and
// only counts the files whose current content differs from the snapshot, so
// applying the same plan twice changes files only on the first call.
func (p RestorePlan) Apply(dryRun bool) (filesChanged int, err error) {
	for path, snap := range p {
		changed, aerr := applySnapshot(path, snap, dryRun)
		if aerr != nil {
			return filesChanged, fmt.Errorf("restore %s: %w", path, aerr)
		}
		if changed {
			filesChanged++
		}
	}
	return filesChanged, nil
}

func applySnapshot(path string, snap FileSnapshot, dryRun bool) (bool, error) {
	cur, err := os.ReadFile(path)
	exists := err == nil
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}

	if !snap.Existed {
		// File did not exist before the checkpoint: restoring means removing it.
		if !exists {
			return false, nil
		}
		if dryRun {
			return true, nil
		}
		return true, os.Remove(path)
	}

	if exists && bytes.Equal(cur, snap.Prior) {
		return false, nil
	}
	if dryRun {
		return true, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	return true, os.WriteFile(path, snap.Prior, 0o644)
}
