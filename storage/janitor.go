package storage

import (
	"context"
	"log"
	"sync"
	"time"

	"meetingIntel/core"
)

// Janitor 定期删除超过保留期的转录及其检索索引
type Janitor struct {
	sessions SessionStore
	vectors  VectorStore
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	stop     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// NewJanitor ttl 为 0 时 Start 不做任何事
func NewJanitor(sessions SessionStore, vectors VectorStore, ttl time.Duration) *Janitor {
	interval := ttl / 10
	if interval < time.Minute {
		interval = time.Minute
	}
	if interval > time.Hour {
		interval = time.Hour
	}
	return &Janitor{
		sessions: sessions,
		vectors:  vectors,
		ttl:      ttl,
		interval: interval,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Start 启动后台清理
func (j *Janitor) Start(ctx context.Context) {
	if j.ttl <= 0 {
		return
	}
	j.wg.Add(1)
	go j.run(ctx)
	log.Printf("[JANITOR] started, retention %s, interval %s", j.ttl, j.interval)
}

// Stop 等待当前一轮清理结束
func (j *Janitor) Stop() {
	j.once.Do(func() { close(j.stop) })
	j.wg.Wait()
}

func (j *Janitor) run(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stop:
			return
		case <-ticker.C:
			if n, err := j.Sweep(ctx); err != nil {
				log.Printf("[JANITOR] sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("[JANITOR] removed %d expired transcript(s)", n)
			}
		}
	}
}

// Sweep 执行一轮清理，返回删除的数量
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	ids, err := j.sessions.ListExpired(ctx, j.now().Add(-j.ttl))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		if err := j.sessions.Delete(ctx, id); err != nil {
			// 并发删除
			if core.IsKind(err, core.KindNotFound) {
				continue
			}
			return removed, err
		}
		if j.vectors != nil {
			if err := j.vectors.Drop(ctx, id); err != nil {
				log.Printf("[JANITOR] drop index %s: %v", id, err)
			}
		}
		removed++
	}
	return removed, nil
}
