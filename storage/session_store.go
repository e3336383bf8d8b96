package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"meetingIntel/config"
	"meetingIntel/core"
)

// SessionStore 转录和聊天记录的唯一持有者。返回值都是副本，调用方修改不会影响存储
type SessionStore interface {
	Create(ctx context.Context, t *core.Transcript) (string, error)
	Get(ctx context.Context, id string) (*core.Transcript, error)
	Update(ctx context.Context, id string, mutate func(*core.Transcript) error) (*core.Transcript, error)
	Delete(ctx context.Context, id string) error
	AppendChatTurn(ctx context.Context, id string, turn core.ChatTurn) (*core.ChatSession, error)
	ChatSession(ctx context.Context, id string) (*core.ChatSession, error)
	ListExpired(ctx context.Context, before time.Time) ([]string, error)
	Close() error
}

// NewSessionStore 按配置创建会话存储
func NewSessionStore(ctx context.Context, cfg *config.Config) (SessionStore, error) {
	switch cfg.SessionStore {
	case "", "memory":
		return NewMemorySessionStore(), nil
	case "sqlite":
		return OpenSQLiteSessionStore(ctx, cfg.SQLitePath)
	case "postgres":
		return NewPgSessionStore(ctx, cfg.PostgresURL)
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.SessionStore)
	}
}

// keyedMutex 按 id 加锁：同一 id 的操作串行，不同 id 互不阻塞
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

// Lock 返回解锁函数，最后一个持有者释放时回收锁对象
func (k *keyedMutex) Lock(id string) func() {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &refLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

// prepareNew 补齐新转录的字段，返回待写入的副本
func prepareNew(t *core.Transcript, id string) *core.Transcript {
	c := t.Clone()
	c.ID = id
	if c.SpeakerMapping == nil {
		c.SpeakerMapping = map[string]string{}
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	return c
}

// applyMutation 在副本上执行修改，id 和创建时间不允许被改写
func applyMutation(current *core.Transcript, mutate func(*core.Transcript) error) (*core.Transcript, error) {
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	return next, nil
}
