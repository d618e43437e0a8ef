package bot

import (
	"sync"
	"time"
)

// wizard states for multi-step commands. One session per private chat.
type sessionState int

const (
	stateNone         sessionState = iota
	stateAwaitChannel              // /subscribe: waiting for a channel reference
	stateAwaitDest                 // /subscribe: waiting for destination list
	stateAwaitPick                 // /remove: waiting for a list index
)

const sessionTTL = 10 * time.Minute

type session struct {
	state     sessionState
	channelID string   // subscribe wizard
	subs      []string // remove wizard: snapshot of the numbered list
	touchedAt time.Time
}

type sessionStore struct {
	mu       sync.Mutex
	sessions map[int64]*session
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: map[int64]*session{}}
}

// get returns the active session for a chat. Stale sessions and sessions
// without a wizard state count as absent and are dropped.
func (s *sessionStore) get(chatID int64) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[chatID]
	if !ok {
		return nil
	}
	if sess.state == stateNone || time.Since(sess.touchedAt) > sessionTTL {
		delete(s.sessions, chatID)
		return nil
	}
	return sess
}

func (s *sessionStore) put(chatID int64, sess *session) {
	sess.touchedAt = time.Now()
	s.mu.Lock()
	s.sessions[chatID] = sess
	s.mu.Unlock()
}

func (s *sessionStore) clear(chatID int64) {
	s.mu.Lock()
	delete(s.sessions, chatID)
	s.mu.Unlock()
}
