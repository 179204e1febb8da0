package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/kvmtools/kvmsync/utils"
)

const lockRetryDelay = 100 * time.Millisecond

// holder is one process currently reading from a snapshot mount.
type holder struct {
	ID     string    `json:"id"`
	PID    int       `json:"pid"`
	Binary string    `json:"binary"`
	Since  time.Time `json:"since"`
}

// holderRegistry records which processes use a snapshot mount, in a JSON
// file beside the mount point. It only informs teardown diagnostics; it is
// not a lock on the snapshot itself, and registration failures never block
// snapshot use. The flock guards the registry file's read-modify-write.
type holderRegistry struct {
	path string
	fl   *flock.Flock
}

func newHolderRegistry(mountPoint string) *holderRegistry {
	return &holderRegistry{
		path: mountPoint + ".holders.json",
		fl:   flock.New(mountPoint + ".holders.lock"),
	}
}

// Register adds the current process and returns its registration ID.
// Entries whose PID is gone, or reused by a different binary, are pruned.
func (r *holderRegistry) Register(ctx context.Context) (string, error) {
	entry := holder{
		ID:     uuid.NewString(),
		PID:    os.Getpid(),
		Binary: processBinary(),
		Since:  time.Now(),
	}
	err := r.withLock(ctx, func() error {
		holders, err := r.load()
		if err != nil {
			return err
		}
		return r.save(append(pruneDead(holders), entry))
	})
	if err != nil {
		return "", err
	}
	return entry.ID, nil
}

// Deregister removes the registration and reports how many live holders
// remain.
func (r *holderRegistry) Deregister(ctx context.Context, id string) (remaining int, err error) {
	err = r.withLock(ctx, func() error {
		holders, err := r.load()
		if err != nil {
			return err
		}
		var kept []holder
		for _, h := range pruneDead(holders) {
			if h.ID != id {
				kept = append(kept, h)
			}
		}
		remaining = len(kept)
		return r.save(kept)
	})
	return remaining, err
}

func (r *holderRegistry) withLock(ctx context.Context, fn func() error) error {
	locked, err := r.fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("acquire flock %s: %w", r.fl.Path(), err)
	}
	if !locked {
		return fmt.Errorf("failed to acquire flock %s: context done", r.fl.Path())
	}
	defer r.fl.Unlock() //nolint:errcheck
	return fn()
}

func (r *holderRegistry) load() ([]holder, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read holder registry %s: %w", r.path, err)
	}
	var holders []holder
	if err := json.Unmarshal(data, &holders); err != nil {
		// Corrupt registry data is discarded.
		return nil, nil
	}
	return holders, nil
}

func (r *holderRegistry) save(holders []holder) error {
	data, err := json.Marshal(holders)
	if err != nil {
		return err
	}
	if err := os.WriteFile(r.path, data, 0o600); err != nil {
		return fmt.Errorf("write holder registry %s: %w", r.path, err)
	}
	return nil
}

// pruneDead drops entries whose process no longer runs the recorded binary.
func pruneDead(holders []holder) []holder {
	var live []holder
	for _, h := range holders {
		if utils.VerifyProcess(h.PID, h.Binary) {
			live = append(live, h)
		}
	}
	return live
}

func processBinary() string {
	exe, err := os.Executable()
	if err != nil {
		return filepath.Base(os.Args[0])
	}
	return filepath.Base(exe)
}
