package strategy

import (
	"context"
	"sync"
)

// refresher bounds and tracks background refreshes.
type refresher struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func newRefresher(max int) *refresher {
	return &refresher{sem: make(chan struct{}, max)}
}

// try runs fn in a goroutine unless the limit is reached.
func (r *refresher) try(fn func()) bool {
	select {
	case r.sem <- struct{}{}:
	default:
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.sem }()
		fn()
	}()
	return true
}

func (r *refresher) wait() {
	r.wg.Wait()
}

// refreshAsync fetches the invocation's request in the background and
// overwrites the stored entry on success. It is detached from the request
// context: the client going away does not cancel the refresh.
func (e *Executor) refreshAsync(ctx context.Context, inv Invocation) {
	log := e.logger(inv)
	bg := context.WithoutCancel(ctx)
	req := inv.Request.Clone(bg)
	started := e.refresher.try(func() {
		p, err := e.fetcher.Fetch(bg, req)
		if err != nil {
			log.Warn().Err(err).Msg("Background refresh failed")
			e.metrics.BackgroundRefresh("failed")
			return
		}
		if e.store(bg, inv, p) {
			e.metrics.BackgroundRefresh("stored")
			return
		}
		e.metrics.BackgroundRefresh("skipped")
	})
	if !started {
		log.Trace().Msg("Background refresh limit reached, skipping")
		e.metrics.BackgroundRefresh("dropped")
		return
	}
	log.Trace().Msg("Background refresh started")
}
