// Package persist owns the on-disk layout of the control plane: the main
// state snapshot, retained labelled snapshots, and the append-only audit
// log. All writes are atomic temp+rename.
package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"missionctl/internal/domain/state"
	"missionctl/internal/infra/filestore"
	jsonx "missionctl/internal/shared/json"
	"missionctl/internal/shared/logging"
)

const (
	stateFileName = "state.json"
	snapshotsDir  = "snapshots"
	auditDir      = "audit"
	storageDir    = "storage"

	snapshotStamp = "20060102T150405Z"
)

// Store persists state snapshots under a state root directory.
type Store struct {
	root   string
	logger logging.Logger
	mu     sync.Mutex
}

// NewStore creates a snapshot store rooted at the given directory.
func NewStore(root string, logger logging.Logger) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("state root is required")
	}
	for _, dir := range []string{root, filepath.Join(root, snapshotsDir), filepath.Join(root, auditDir), filepath.Join(root, storageDir)} {
		if err := filestore.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("create state dir %s: %w", dir, err)
		}
	}
	return &Store{root: root, logger: logging.OrNop(logger)}, nil
}

// Root returns the state root directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) statePath() string {
	return filepath.Join(s.root, stateFileName)
}

// Load reads the main snapshot, returning a fresh empty state when none
// exists yet. A present-but-unreadable snapshot is state corruption and is
// returned as an error rather than silently replaced.
func (s *Store) Load() (*state.State, error) {
	data, err := filestore.ReadFileOrEmpty(s.statePath())
	if err != nil {
		return nil, fmt.Errorf("read state snapshot: %w", err)
	}
	if len(data) == 0 {
		return state.NewState(), nil
	}
	loaded := state.NewState()
	if err := jsonx.Unmarshal(data, loaded); err != nil {
		return nil, fmt.Errorf("decode state snapshot: %w", err)
	}
	if loaded.RiskThreshold == "" {
		loaded.RiskThreshold = state.RiskMedium
	}
	return loaded, nil
}

// Save atomically replaces the main snapshot.
func (s *Store) Save(st *state.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := filestore.WriteJSON(s.statePath(), st); err != nil {
		return fmt.Errorf("write state snapshot: %w", err)
	}
	return nil
}

// SnapshotInfo describes one retained snapshot.
type SnapshotInfo struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
}

// WriteSnapshot retains a labelled copy under state/snapshots. Retained
// snapshots are never deleted by the control plane.
func (s *Store) WriteSnapshot(st *state.State, label string) (SnapshotInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	label = sanitizeLabel(label)
	name := fmt.Sprintf("%s_%s.json", now.Format(snapshotStamp), label)
	path := filepath.Join(s.root, snapshotsDir, name)
	if err := filestore.WriteJSON(path, st); err != nil {
		return SnapshotInfo{}, fmt.Errorf("write retained snapshot: %w", err)
	}
	info := SnapshotInfo{
		ID:        strings.TrimSuffix(name, ".json"),
		Label:     label,
		Path:      path,
		CreatedAt: now,
	}
	s.logger.Info("retained snapshot %s", info.ID)
	return info, nil
}

// ListSnapshots returns retained snapshots, newest first.
func (s *Store) ListSnapshots() ([]SnapshotInfo, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, snapshotsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var infos []SnapshotInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		stamp, label, ok := strings.Cut(id, "_")
		if !ok {
			continue
		}
		createdAt, err := time.Parse(snapshotStamp, stamp)
		if err != nil {
			continue
		}
		infos = append(infos, SnapshotInfo{
			ID:        id,
			Label:     label,
			Path:      filepath.Join(s.root, snapshotsDir, entry.Name()),
			CreatedAt: createdAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.After(infos[j].CreatedAt) })
	return infos, nil
}

func sanitizeLabel(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return "snapshot"
	}
	var b strings.Builder
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
