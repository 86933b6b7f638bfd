package inbound

import (
	"container/list"
	"sync"
	"time"
)

const (
	dedupTTL      = 30 * time.Minute
	dedupCap      = 1000
	sweepInterval = 5 * time.Minute
)

type dedupEntry struct {
	messageID    string
	receivedAtMs int64
}

// memoryDedup absorbs the provider's websocket-reconnect re-delivery burst
// (§4.3). It is deliberately lighter than the persistent InboundState: a
// bounded LRU with TTL, swept on access rather than on a timer.
type memoryDedup struct {
	mu          sync.Mutex
	order       *list.List // front = oldest
	elements    map[string]*list.Element
	lastSweepAt int64
}

func newMemoryDedup() *memoryDedup {
	return &memoryDedup{
		order:    list.New(),
		elements: make(map[string]*list.Element),
	}
}

// tryRecord returns false if messageID was already recorded (and still
// live), true if this is the first sighting. Evicts the oldest entry when
// at capacity.
func (d *memoryDedup) tryRecord(messageID string, nowMs int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeSweep(nowMs)

	if el, ok := d.elements[messageID]; ok {
		entry := el.Value.(*dedupEntry)
		if nowMs-entry.receivedAtMs < dedupTTL.Milliseconds() {
			return false
		}
		// Expired: treat as a fresh sighting, refresh position.
		d.order.Remove(el)
		delete(d.elements, messageID)
	}

	entry := &dedupEntry{messageID: messageID, receivedAtMs: nowMs}
	el := d.order.PushBack(entry)
	d.elements[messageID] = el

	for d.order.Len() > dedupCap {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.elements, oldest.Value.(*dedupEntry).messageID)
	}

	return true
}

func (d *memoryDedup) maybeSweep(nowMs int64) {
	if d.lastSweepAt != 0 && nowMs-d.lastSweepAt < sweepInterval.Milliseconds() {
		return
	}
	d.lastSweepAt = nowMs

	for el := d.order.Front(); el != nil; {
		next := el.Next()
		entry := el.Value.(*dedupEntry)
		if nowMs-entry.receivedAtMs >= dedupTTL.Milliseconds() {
			d.order.Remove(el)
			delete(d.elements, entry.messageID)
		}
		el = next
	}
}
