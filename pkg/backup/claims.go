package backup

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/stratus/pkg/pool"
	"github.com/cuemby/stratus/pkg/types"
	"github.com/hashicorp/go-multierror"
)

// processBackupVMs moves the VM claims of job from oldIDs to newIDs. Added
// VMs must be unclaimed or already claimed by job; on the first conflict the
// claims taken so far are given back and nothing else changes. Claims of
// removed VMs are cleared.
func (m *Manager) processBackupVMs(ctx context.Context, jobID int, newIDs, oldIDs types.IntSet) error {
	added, removed := types.DiffIDs(newIDs, oldIDs)

	var claimed []int
	for _, id := range added {
		if err := m.claim(ctx, jobID, id); err != nil {
			return m.rollback(ctx, jobID, claimed, err)
		}
		claimed = append(claimed, id)
	}

	var result *multierror.Error
	for _, id := range removed {
		if err := m.unclaim(ctx, jobID, id); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		m.logger.Warn().Err(err).Int("backup_job_id", jobID).Msg("Failed to clear claims of removed VMs")
	}
	return nil
}

func (m *Manager) claim(ctx context.Context, jobID, vmID int) error {
	h, err := m.vms.Get(ctx, vmID)
	if err != nil {
		return fmt.Errorf("vm %d: %w", vmID, err)
	}
	defer h.Release()

	vm := h.Object()
	switch vm.Backup.JobID {
	case jobID:
		return nil
	case types.NoneID:
	default:
		return fmt.Errorf("%w: vm %d is already in backup job %d", ErrConflict, vmID, vm.Backup.JobID)
	}
	if vm.State == types.StateDone {
		return fmt.Errorf("vm %d is done", vmID)
	}

	vm.Backup.JobID = jobID
	return h.Update(ctx)
}

// unclaim clears the claim of vmID if it still points at jobID
func (m *Manager) unclaim(ctx context.Context, jobID, vmID int) error {
	h, err := m.vms.Get(ctx, vmID)
	if errors.Is(err, pool.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("vm %d: %w", vmID, err)
	}
	defer h.Release()

	vm := h.Object()
	if vm.Backup.JobID != jobID {
		return nil
	}
	vm.Backup.JobID = types.NoneID
	return h.Update(ctx)
}

func (m *Manager) rollback(ctx context.Context, jobID int, claimed []int, cause error) error {
	result := multierror.Append(nil, cause)
	for _, id := range claimed {
		if err := m.unclaim(ctx, jobID, id); err != nil {
			result = multierror.Append(result, fmt.Errorf("rollback: %w", err))
		}
	}
	if len(result.Errors) == 1 {
		return cause
	}
	return result
}

// revertBackupVMs undoes processBackupVMs(newIDs, oldIDs) when the job could
// not be saved: added VMs are released and removed VMs claimed again.
func (m *Manager) revertBackupVMs(ctx context.Context, jobID int, newIDs, oldIDs types.IntSet, cause error) error {
	added, removed := types.DiffIDs(newIDs, oldIDs)

	result := multierror.Append(nil, cause)
	for _, id := range added {
		if err := m.unclaim(ctx, jobID, id); err != nil {
			result = multierror.Append(result, fmt.Errorf("rollback: %w", err))
		}
	}
	for _, id := range removed {
		if err := m.claim(ctx, jobID, id); err != nil {
			result = multierror.Append(result, fmt.Errorf("rollback: %w", err))
		}
	}
	if len(result.Errors) == 1 {
		return cause
	}
	return result
}
