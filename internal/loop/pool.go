package loop

import (
	"context"
	"sync"

	"github.com/stupiduntilnot/skychat/internal/router"
)

const shardQueueSize = 32

// pool runs one goroutine per shard. Events of one user always land on
// the same shard, so they are handled in arrival order.
type pool struct {
	shards []chan router.Event
	wg     sync.WaitGroup
}

func newPool(ctx context.Context, workers int, handle func(context.Context, router.Event)) *pool {
	p := &pool{shards: make([]chan router.Event, workers)}
	for i := range p.shards {
		ch := make(chan router.Event, shardQueueSize)
		p.shards[i] = ch
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for ev := range ch {
				handle(ctx, ev)
			}
		}()
	}
	return p
}

func shardFor(userID int64, n int) int {
	return int(uint64(userID) % uint64(n))
}

// submit blocks while the user's shard is full or until ctx is done.
func (p *pool) submit(ctx context.Context, ev router.Event) error {
	select {
	case p.shards[shardFor(ev.UserID, len(p.shards))] <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting events and waits for queued ones to finish.
func (p *pool) close() {
	for _, ch := range p.shards {
		close(ch)
	}
	p.wg.Wait()
}
