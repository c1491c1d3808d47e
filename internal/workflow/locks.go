package workflow

import (
	"context"
	"sync"
)

// projectLocks serializes branch-create/push/merge operations per project
// path. Tickets are granted in Enqueue order, so within one project branch
// creations happen in submission order; different projects proceed fully in
// parallel.
type projectLocks struct {
	mu     sync.Mutex
	queues map[string]*lockQueue
}

type lockQueue struct {
	locked  bool
	waiters []*lockTicket
}

// lockTicket is one position in a project's queue.
type lockTicket struct {
	parent      *projectLocks
	projectPath string
	granted     chan struct{}
}

func newProjectLocks() *projectLocks {
	return &projectLocks{queues: make(map[string]*lockQueue)}
}

// Enqueue reserves the caller's position in the project's queue and returns
// immediately. The position is fixed at this call, not at Wait.
func (p *projectLocks) Enqueue(projectPath string) *lockTicket {
	t := &lockTicket{
		parent:      p,
		projectPath: projectPath,
		granted:     make(chan struct{}),
	}

	p.mu.Lock()
	q, ok := p.queues[projectPath]
	if !ok {
		q = &lockQueue{}
		p.queues[projectPath] = q
	}
	if !q.locked {
		q.locked = true
		close(t.granted)
	} else {
		q.waiters = append(q.waiters, t)
	}
	p.mu.Unlock()

	return t
}

// Acquire is Enqueue followed by Wait.
func (p *projectLocks) Acquire(ctx context.Context, projectPath string) (*lockTicket, error) {
	t := p.Enqueue(projectPath)
	if err := t.Wait(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Wait blocks until the ticket holds the lock or ctx is done. On ctx
// expiry the ticket is abandoned and must not be released.
func (t *lockTicket) Wait(ctx context.Context) error {
	select {
	case <-t.granted:
		return nil
	case <-ctx.Done():
		t.abandon()
		return ctx.Err()
	}
}

// Release passes the lock to the next ticket in the queue.
func (t *lockTicket) Release() {
	p := t.parent
	p.mu.Lock()
	defer p.mu.Unlock()

	q := p.queues[t.projectPath]
	if q == nil {
		return
	}
	if len(q.waiters) > 0 {
		next := q.waiters[0]
		q.waiters = q.waiters[1:]
		close(next.granted)
		return
	}
	q.locked = false
	delete(p.queues, t.projectPath)
}

// abandon removes a waiting ticket from the queue. If the grant raced the
// abandonment, the lock is held and gets passed on.
func (t *lockTicket) abandon() {
	p := t.parent
	p.mu.Lock()
	q := p.queues[t.projectPath]
	if q != nil {
		for i, w := range q.waiters {
			if w == t {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				p.mu.Unlock()
				return
			}
		}
	}
	p.mu.Unlock()

	t.Release()
}
