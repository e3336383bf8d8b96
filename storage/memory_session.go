package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"meetingIntel/core"
	"meetingIntel/utils"
)

// MemorySessionStore 进程内存储，重启后数据丢失
type MemorySessionStore struct {
	mu          sync.RWMutex
	locks       *keyedMutex
	transcripts map[string]*core.Transcript
	sessions    map[string]*core.ChatSession
	tombstones  map[string]struct{} // 已删除的 id，保证不被复用
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		locks:       newKeyedMutex(),
		transcripts: make(map[string]*core.Transcript),
		sessions:    make(map[string]*core.ChatSession),
		tombstones:  make(map[string]struct{}),
	}
}

func (s *MemorySessionStore) Create(_ context.Context, t *core.Transcript) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := utils.NewID()
	for s.taken(id) {
		id = utils.NewID()
	}
	s.transcripts[id] = prepareNew(t, id)
	return id, nil
}

func (s *MemorySessionStore) taken(id string) bool {
	if _, ok := s.transcripts[id]; ok {
		return true
	}
	_, ok := s.tombstones[id]
	return ok
}

func (s *MemorySessionStore) Get(_ context.Context, id string) (*core.Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transcripts[id]
	if !ok {
		return nil, core.NotFound(id)
	}
	return t.Clone(), nil
}

func (s *MemorySessionStore) Update(_ context.Context, id string, mutate func(*core.Transcript) error) (*core.Transcript, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.RLock()
	current, ok := s.transcripts[id]
	s.mu.RUnlock()
	if !ok {
		return nil, core.NotFound(id)
	}
	next, err := applyMutation(current, mutate)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// 持锁期间被删除
	if _, ok := s.transcripts[id]; !ok {
		return nil, core.NotFound(id)
	}
	s.transcripts[id] = next
	return next.Clone(), nil
}

func (s *MemorySessionStore) Delete(_ context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transcripts[id]; !ok {
		return core.NotFound(id)
	}
	delete(s.transcripts, id)
	delete(s.sessions, id)
	s.tombstones[id] = struct{}{}
	return nil
}

func (s *MemorySessionStore) AppendChatTurn(_ context.Context, id string, turn core.ChatTurn) (*core.ChatSession, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transcripts[id]; !ok {
		return nil, core.NotFound(id)
	}
	sess, ok := s.sessions[id]
	if !ok {
		sess = &core.ChatSession{TranscriptID: id}
		s.sessions[id] = sess
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	sess.History = append(sess.History, turn)
	return sess.Clone(), nil
}

func (s *MemorySessionStore) ChatSession(_ context.Context, id string) (*core.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.transcripts[id]; !ok {
		return nil, core.NotFound(id)
	}
	if sess, ok := s.sessions[id]; ok {
		return sess.Clone(), nil
	}
	return &core.ChatSession{TranscriptID: id, History: []core.ChatTurn{}}, nil
}

func (s *MemorySessionStore) ListExpired(_ context.Context, before time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, t := range s.transcripts {
		if t.CreatedAt.Before(before) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemorySessionStore) Close() error { return nil }
