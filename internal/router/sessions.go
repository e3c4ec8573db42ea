package router

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"missionctl/internal/infra/filestore"
	"missionctl/internal/shared/id"
	jsonx "missionctl/internal/shared/json"
	"missionctl/internal/shared/logging"
)

// maxSessions bounds the handoff sidecar; the oldest sessions are
// evicted first.
const maxSessions = 100

// Session tracks one caller connection across tool calls.
type Session struct {
	ID           string    `json:"id"`
	Caller       string    `json:"caller"`
	StartedAt    time.Time `json:"startedAt"`
	LastSeen     time.Time `json:"lastSeen"`
	ToolCalls    int       `json:"toolCalls"`
	FilesTouched []string  `json:"filesTouched,omitempty"`
	LastTool     string    `json:"lastTool,omitempty"`
	LastOutcome  string    `json:"lastOutcome,omitempty"`
}

// HandoffPacket is the serialized session state written to the sidecar.
// It improves resume UX and is never required for correctness.
type HandoffPacket struct {
	SavedAt  time.Time `json:"savedAt"`
	Sessions []Session `json:"sessions"`
}

// Sessions tracks live sessions and persists handoff packets.
type Sessions struct {
	path   string
	logger logging.Logger

	mu   sync.Mutex
	byID map[string]*Session
	now  func() time.Time
}

// NewSessions opens the tracker and restores any persisted handoff
// packet from a previous run.
func NewSessions(stateRoot string, logger logging.Logger) *Sessions {
	s := &Sessions{
		path:   filepath.Join(stateRoot, "storage", "sessions.json"),
		logger: logging.OrNop(logger),
		byID:   make(map[string]*Session),
		now:    func() time.Time { return time.Now().UTC() },
	}
	s.restore()
	return s
}

func (s *Sessions) restore() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var packet HandoffPacket
	if err := jsonx.Unmarshal(data, &packet); err != nil {
		s.logger.Warn("handoff packet unreadable, starting fresh: %v", err)
		return
	}
	for i := range packet.Sessions {
		sess := packet.Sessions[i]
		s.byID[sess.ID] = &sess
	}
}

// Note records one tool call against the session, creating it on first
// sight. An empty session id is ignored.
func (s *Sessions) Note(sessionID string, meta Meta, tool, outcome string, files []string) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[sessionID]
	if !ok {
		sess = &Session{ID: sessionID, Caller: string(meta.Caller), StartedAt: s.now()}
		s.byID[sessionID] = sess
		s.evictLocked()
	}
	sess.LastSeen = s.now()
	sess.ToolCalls++
	sess.LastTool = tool
	sess.LastOutcome = outcome
	for _, f := range files {
		if !contains(sess.FilesTouched, f) {
			sess.FilesTouched = append(sess.FilesTouched, f)
		}
	}
}

// Open allocates a fresh session id.
func (s *Sessions) Open(caller string) *Session {
	sess := &Session{ID: id.New(id.KindSession), Caller: caller, StartedAt: s.now(), LastSeen: s.now()}
	s.mu.Lock()
	s.byID[sess.ID] = sess
	s.evictLocked()
	s.mu.Unlock()
	out := *sess
	return &out
}

// Get returns a copy of the session, or nil.
func (s *Sessions) Get(sessionID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[sessionID]
	if !ok {
		return nil
	}
	out := *sess
	return &out
}

// List returns all sessions, most recently seen first.
func (s *Sessions) List() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

func (s *Sessions) listLocked() []Session {
	out := make([]Session, 0, len(s.byID))
	for _, sess := range s.byID {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

func (s *Sessions) evictLocked() {
	if len(s.byID) <= maxSessions {
		return
	}
	sessions := s.listLocked()
	for _, sess := range sessions[maxSessions:] {
		delete(s.byID, sess.ID)
	}
}

// Handoff persists every live session to the sidecar.
func (s *Sessions) Handoff() error {
	s.mu.Lock()
	packet := HandoffPacket{SavedAt: s.now(), Sessions: s.listLocked()}
	s.mu.Unlock()
	return filestore.WriteJSON(s.path, packet)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
