package uplink

import (
	"encoding/json"
	"sort"

	"go.uber.org/zap"

	"github.com/rapidaid/fieldlink/internal/store"
)

// sortQueue orders events by priority descending, then timestamp ascending.
// The sort is stable so equal entries keep their insertion order.
func sortQueue(q []QueuedEvent) {
	sort.SliceStable(q, func(i, j int) bool {
		if q[i].Priority != q[j].Priority {
			return q[i].Priority > q[j].Priority
		}
		return q[i].Timestamp.Before(q[j].Timestamp)
	})
}

// enqueueLocked inserts ev, re-sorts, and truncates the lowest-ranked tail
// beyond the configured capacity. Caller holds c.mu.
func (c *Channel) enqueueLocked(ev QueuedEvent) {
	c.queue = append(c.queue, ev)
	sortQueue(c.queue)

	if max := c.cfg.GetMaxQueueSize(); len(c.queue) > max {
		dropped := len(c.queue) - max
		c.queue = c.queue[:max]
		c.log.Debug("offline queue overflow, truncated sorted tail",
			zap.Int("dropped", dropped), zap.Int("capacity", max))
	}
	c.persistQueueLocked()
}

// persistQueueLocked writes the queue to the local store. Persistence
// failures are logged and otherwise ignored; the in-memory queue stays
// authoritative. Caller holds c.mu.
func (c *Channel) persistQueueLocked() {
	records := make([]store.QueuedEventRecord, 0, len(c.queue))
	for _, ev := range c.queue {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			c.log.Warn("failed to encode queued event payload",
				zap.String("event", ev.Event), zap.Error(err))
			payload = nil
		}
		records = append(records, store.QueuedEventRecord{
			ID:         ev.ID,
			EventName:  ev.Event,
			Payload:    payload,
			Timestamp:  ev.Timestamp,
			Priority:   int(ev.Priority),
			RetryCount: ev.RetryCount,
		})
	}
	if err := c.db.ReplaceQueue(records); err != nil {
		c.log.Warn("failed to persist offline queue", zap.Error(err))
	}
}

// loadQueue restores the persisted queue at initialize time.
func (c *Channel) loadQueue() error {
	records, err := c.db.LoadQueue()
	if err != nil {
		return err
	}
	queue := make([]QueuedEvent, 0, len(records))
	for _, r := range records {
		var payload map[string]any
		if len(r.Payload) > 0 {
			if err := json.Unmarshal(r.Payload, &payload); err != nil {
				c.log.Warn("dropping persisted event with unreadable payload",
					zap.String("id", r.ID), zap.Error(err))
				continue
			}
		}
		queue = append(queue, QueuedEvent{
			ID:         r.ID,
			Event:      r.EventName,
			Payload:    payload,
			Timestamp:  r.Timestamp,
			Priority:   Priority(r.Priority),
			RetryCount: r.RetryCount,
		})
	}
	sortQueue(queue)
	c.mu.Lock()
	c.queue = queue
	c.mu.Unlock()
	return nil
}

// flushQueueLocked drains the queue in sorted order over the live
// connection. A send failure increments that event's retry count and
// re-queues it unless the count has reached the retry cap, in which case
// the event is dropped. Caller holds c.mu and the connection is up.
func (c *Channel) flushQueueLocked() {
	if len(c.queue) == 0 {
		return
	}

	maxRetries := c.cfg.GetMaxRetryAttempts()
	pending := c.queue
	c.queue = nil

	var kept []QueuedEvent
	for i, ev := range pending {
		if c.conn == nil {
			// Link died mid-flush: keep the remainder untouched.
			kept = append(kept, pending[i:]...)
			break
		}
		err := c.writeFrameLocked(ev.Event, ev.Payload)
		if err == nil {
			continue
		}
		c.handleWriteErrorLocked(err)
		ev.RetryCount++
		if ev.RetryCount >= maxRetries {
			c.log.Warn("dropping queued event after retry exhaustion",
				zap.String("event", ev.Event), zap.String("id", ev.ID),
				zap.Int("retries", ev.RetryCount))
			continue
		}
		kept = append(kept, ev)
	}

	c.queue = append(kept, c.queue...)
	sortQueue(c.queue)
	c.persistQueueLocked()
}

// ClearEventQueue empties the offline queue and persists the empty state.
func (c *Channel) ClearEventQueue() {
	c.mu.Lock()
	c.queue = nil
	c.persistQueueLocked()
	c.broadcastStatusLocked()
	c.mu.Unlock()
}

// QueueLength returns the number of events waiting for flush.
func (c *Channel) QueueLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// queueSnapshot returns a copy of the queue in its current order.
func (c *Channel) queueSnapshot() []QueuedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]QueuedEvent, len(c.queue))
	copy(out, c.queue)
	return out
}
