package persist

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	jsonx "missionctl/internal/shared/json"
)

// Outcome classifies an audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeBlocked Outcome = "blocked"
)

// AuditRecord is one line of the append-only audit log. Records are never
// rewritten or deleted.
type AuditRecord struct {
	Timestamp        time.Time `json:"timestamp"`
	Action           string    `json:"action"`
	Actor            string    `json:"actor"`
	ArmedMode        bool      `json:"armedMode"`
	ApprovedBy       string    `json:"approvedBy,omitempty"`
	ParamsHash       string    `json:"paramsHash"`
	BeforeSnapshotID string    `json:"beforeSnapshotId,omitempty"`
	ResultArtifactID string    `json:"resultArtifactId,omitempty"`
	Outcome          Outcome   `json:"outcome"`
}

// AuditLog appends one JSON record per line to a daily-rotated file.
type AuditLog struct {
	dir string

	mu   sync.Mutex
	day  string
	file *os.File
}

// NewAuditLog opens an audit log under <root>/audit.
func NewAuditLog(root string) (*AuditLog, error) {
	dir := filepath.Join(root, auditDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &AuditLog{dir: dir}, nil
}

func auditFileName(day string) string {
	return fmt.Sprintf("audit_%s.jsonl", day)
}

// Append writes one record, rotating to a new file at the UTC day boundary.
// The write is flushed before returning so the caller may acknowledge the
// mutation only after its audit record is durable.
func (l *AuditLog) Append(rec AuditRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.Timestamp = rec.Timestamp.UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	day := rec.Timestamp.Format("2006-01-02")
	if l.file == nil || l.day != day {
		if l.file != nil {
			_ = l.file.Close()
		}
		path := filepath.Join(l.dir, auditFileName(day))
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open audit file: %w", err)
		}
		l.file = file
		l.day = day
	}

	line, err := jsonx.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	line = append(line, '\n')
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return l.file.Sync()
}

// Close releases the current audit file handle.
func (l *AuditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadDay returns all records for a UTC day (YYYY-MM-DD), oldest first.
func (l *AuditLog) ReadDay(day string) ([]AuditRecord, error) {
	path := filepath.Join(l.dir, auditFileName(day))
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	defer file.Close()

	var records []AuditRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec AuditRecord
		if err := jsonx.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("decode audit record: %w", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit file: %w", err)
	}
	return records, nil
}

// HashParams produces the stable digest recorded as paramsHash. Keys are
// sorted so equal params always hash equally.
func HashParams(params map[string]any) string {
	if len(params) == 0 {
		return "empty"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	hasher := sha256.New()
	for _, k := range keys {
		value, err := jsonx.Marshal(params[k])
		if err != nil {
			value = []byte(fmt.Sprintf("%v", params[k]))
		}
		fmt.Fprintf(hasher, "%s=%s;", k, value)
	}
	return hex.EncodeToString(hasher.Sum(nil))[:16]
}
