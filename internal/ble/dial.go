package ble

import (
	"context"
	"sync"
)

// dialContext runs a blocking dial until it returns or ctx is done. A link
// that comes up after the caller gave up is passed to hangUp.
func dialContext[T any](ctx context.Context, dial func() (T, error), hangUp func(T)) (T, error) {
	type result struct {
		link T
		err  error
	}

	var (
		mu        sync.Mutex
		abandoned bool
	)
	ch := make(chan result, 1)
	go func() {
		link, err := dial()
		mu.Lock()
		defer mu.Unlock()
		if abandoned {
			if err == nil {
				hangUp(link)
			}
			return
		}
		ch <- result{link, err}
	}()

	select {
	case res := <-ch:
		return res.link, res.err
	case <-ctx.Done():
		mu.Lock()
		abandoned = true
		mu.Unlock()
		var zero T
		// the dial may have finished while ctx was being cancelled
		select {
		case res := <-ch:
			if res.err == nil {
				hangUp(res.link)
			}
		default:
		}
		return zero, ctx.Err()
	}
}
