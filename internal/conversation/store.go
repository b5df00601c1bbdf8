package conversation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/intervoice/internal/protocol"
)

// CodeEditor receives coding questions verbatim.
type CodeEditor interface {
	ShowQuestion(q protocol.CodingQuestion)
}

// StoreOption configures a [Store].
type StoreOption func(*Store)

// WithCodeEditor forwards every coding_question to e.
func WithCodeEditor(e CodeEditor) StoreOption {
	return func(s *Store) { s.editor = e }
}

// WithNow overrides the timestamp source.
func WithNow(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// Store is the concurrency-safe owner of the conversation [Snapshot].
//
// Subscribers are called synchronously, in Apply order, after each change.
// They may read the store but must not call [Store.Apply] or
// [Store.SetError].
type Store struct {
	editor CodeEditor
	now    func() time.Time

	// applyMu serialises updates together with their notifications.
	applyMu sync.Mutex

	mu       sync.RWMutex
	snapshot Snapshot
	subs     map[int]func(Snapshot)
	nextSub  int
	question *protocol.CodingQuestion
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		now:  time.Now,
		subs: make(map[int]func(Snapshot)),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Question returns the most recent coding question, if any.
func (s *Store) Question() (protocol.CodingQuestion, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.question == nil {
		return protocol.CodingQuestion{}, false
	}
	return *s.question, true
}

// Subscribe registers fn for change notifications and returns a function
// that removes it.
func (s *Store) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Apply reduces msg into the snapshot and notifies subscribers. A
// coding_question is forwarded to the code editor instead.
func (s *Store) Apply(msg protocol.Inbound) {
	if q, ok := msg.(protocol.CodingQuestion); ok {
		s.mu.Lock()
		s.question = &q
		s.mu.Unlock()
		if s.editor != nil {
			s.editor.ShowQuestion(q)
		} else {
			slog.Debug("conversation: coding question without editor", "language", q.Language)
		}
		return
	}

	s.update(func(cur Snapshot) Snapshot {
		next := Reduce(cur, msg, s.now())
		if len(next.Messages) > len(cur.Messages) {
			next.Messages[len(next.Messages)-1].ID = uuid.NewString()
		}
		return next
	})
}

// SetError shows a locally detected failure, such as a lost connection, and
// stops the processing indicator. The message log is untouched.
func (s *Store) SetError(err error) {
	if err == nil {
		return
	}
	s.update(func(cur Snapshot) Snapshot {
		cur.Error = err.Error()
		cur.Processing = false
		return cur
	})
}

func (s *Store) update(fn func(Snapshot) Snapshot) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	next := fn(s.snapshot)
	s.snapshot = next
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub(next)
	}
}
