package lanes

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hellmai/lumenflow/internal/lferrors"
	"github.com/hellmai/lumenflow/internal/procprobe"
)

// DefaultStaleness is the default lock staleness threshold.
const DefaultStaleness = 24 * time.Hour

// LockRecord is the JSON body of a lane lock file.
type LockRecord struct {
	WUID      string    `json:"wuId"`
	Lane      string    `json:"lane"`
	PID       int32     `json:"pid"`
	Timestamp time.Time `json:"timestamp"`
}

// LockManager acquires and releases lane locks under a locks directory.
type LockManager struct {
	dir       string
	probe     procprobe.Prober
	staleness time.Duration
}

// NewLockManager binds a LockManager to a locks directory.
func NewLockManager(dir string, probe procprobe.Prober) *LockManager {
	return &LockManager{dir: dir, probe: probe, staleness: DefaultStaleness}
}

// WithStaleness overrides the default staleness threshold.
func (m *LockManager) WithStaleness(d time.Duration) *LockManager {
	m.staleness = d
	return m
}

func (m *LockManager) path(lane string) string {
	return filepath.Join(m.dir, lane+".lock")
}

// Acquire exclusively creates a lock file for lane, holding wuID/pid. Fails
// with LOCK_ERROR if a live, non-zombie lock already exists.
func (m *LockManager) Acquire(lane, wuID string, pid int32) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("lanes: ensure locks dir: %w", err)
	}
	if existing, ok, err := m.Read(lane); err != nil {
		return err
	} else if ok {
		if !m.isZombie(existing) {
			return lferrors.New(lferrors.LockError, "acquire", nil).WithLane(lane).WithWU(wuID)
		}
		// Zombie: the owning process is gone or the lock is stale. Claim
		// reclaims it automatically rather than requiring the privileged
		// unlock command first; the operator-reclaim command remains for
		// operators who want to clear a zombie without immediately
		// claiming it.
		if err := os.Remove(m.path(lane)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("lanes: reclaim zombie lock %s: %w", lane, err)
		}
	}

	rec := LockRecord{WUID: wuID, Lane: lane, PID: pid, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("lanes: encode lock: %w", err)
	}
	f, err := os.OpenFile(m.path(lane), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return lferrors.New(lferrors.LockError, "acquire", err).WithLane(lane).WithWU(wuID)
		}
		return fmt.Errorf("lanes: create lock: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("lanes: write lock: %w", err)
	}
	return nil
}

// Release removes a lane's lock file. Missing files are not an error.
func (m *LockManager) Release(lane string) error {
	if err := os.Remove(m.path(lane)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lanes: release %s: %w", lane, err)
	}
	return nil
}

// Read loads a lane's lock record, if one exists.
func (m *LockManager) Read(lane string) (LockRecord, bool, error) {
	data, err := os.ReadFile(m.path(lane))
	if err != nil {
		if os.IsNotExist(err) {
			return LockRecord{}, false, nil
		}
		return LockRecord{}, false, fmt.Errorf("lanes: read lock %s: %w", lane, err)
	}
	var rec LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return LockRecord{}, false, fmt.Errorf("lanes: parse lock %s: %w", lane, err)
	}
	return rec, true, nil
}

// isZombie: a dead PID is always zombie regardless of timestamp; a live
// PID with a timestamp past the staleness threshold is also zombie.
func (m *LockManager) isZombie(rec LockRecord) bool {
	if !m.probe.Alive(rec.PID, time.Time{}) {
		return true
	}
	return time.Since(rec.Timestamp) > m.staleness
}

// IsZombie is the public form used by the monitor to report zombie locks
// without acquiring them.
func (m *LockManager) IsZombie(rec LockRecord) bool {
	return m.isZombie(rec)
}

// ListLocks returns every currently held lock, keyed by lane name.
func (m *LockManager) ListLocks() (map[string]LockRecord, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("lanes: list locks: %w", err)
	}
	out := map[string]LockRecord{}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lock" {
			continue
		}
		lane := entry.Name()[:len(entry.Name())-len(".lock")]
		rec, ok, err := m.Read(lane)
		if err != nil {
			return nil, err
		}
		if ok {
			out[lane] = rec
		}
	}
	return out, nil
}

// Unlock forcibly removes a lane's lock regardless of zombie status; used
// by the privileged unlock command.
func (m *LockManager) Unlock(lane string) error {
	return m.Release(lane)
}
