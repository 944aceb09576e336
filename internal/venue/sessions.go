package venue

import (
	"sort"
	"sync"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/observability"
	"github.com/coachpo/tradegate/internal/stream"
)

// SessionFactory builds the session serving an endpoint key.
type SessionFactory func(key string) (*stream.Session, error)

// Sessions opens one stream.Session per endpoint key on first use.
type Sessions struct {
	exchange string
	factory  SessionFactory
	logger   observability.Logger

	mu       sync.Mutex
	closed   bool
	sessions map[string]*stream.Session
}

// NewSessions constructs an empty set.
func NewSessions(exchange string, factory SessionFactory, logger observability.Logger) *Sessions {
	return &Sessions{
		exchange: exchange,
		factory:  factory,
		logger:   observability.OrNop(logger),
		sessions: make(map[string]*stream.Session),
	}
}

// Get returns the session for key, creating it when missing.
func (s *Sessions) Get(key string) (*stream.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errs.New(s.exchange, errs.CodeUnavailable, errs.WithMessage("connector closed"))
	}
	if sess, ok := s.sessions[key]; ok {
		return sess, nil
	}
	sess, err := s.factory(key)
	if err != nil {
		return nil, err
	}
	s.sessions[key] = sess
	return sess, nil
}

// Keys returns the opened endpoint keys, sorted.
func (s *Sessions) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.sessions))
	for key := range s.sessions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Close closes every session. It is idempotent.
func (s *Sessions) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := make([]*stream.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var errList []error
	for _, sess := range sessions {
		errList = append(errList, sess.Close())
	}
	return observability.AggregateErrors(s.logger, s.exchange+" close", errList)
}
