package relay

import "time"

type queued struct {
	data []byte
	at   time.Time
}

// dropQueue is a bounded single-producer frame queue. When full, the oldest frame is
// discarded to make room, so a slow consumer sees recent audio rather than stale audio.
type dropQueue struct {
	ch chan queued
}

func newDropQueue(size int) *dropQueue {
	return &dropQueue{ch: make(chan queued, size)}
}

// push enqueues frame stamped with at and reports whether an older frame was dropped
// for it. Only one goroutine may push.
func (q *dropQueue) push(frame []byte, at time.Time) (dropped bool) {
	item := queued{data: frame, at: at}
	select {
	case q.ch <- item:
		return false
	default:
	}

	select {
	case <-q.ch:
		dropped = true
	default:
		// consumer drained it meanwhile
	}
	q.ch <- item
	return dropped
}
