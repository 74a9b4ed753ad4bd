package l2api

import "context"

// Forward copies events from in to the returned channel, queueing them so
// the sender never waits for a slow receiver. The returned channel is closed
// when ctx is done or in is closed and drained.
func Forward(ctx context.Context, in <-chan PeerEvent) <-chan PeerEvent {
	out := make(chan PeerEvent)
	go func() {
		defer close(out)
		var q []PeerEvent
		for in != nil || len(q) > 0 {
			var send chan<- PeerEvent
			var next PeerEvent
			if len(q) > 0 {
				send = out
				next = q[0]
			}
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				q = append(q, ev)
			case send <- next:
				q = q[1:]
			}
		}
	}()
	return out
}
