package transport

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeSender struct {
	mu       sync.Mutex
	up       bool
	fail     bool
	messages []Message
	payloads [][]byte
}

func (f *fakeSender) send(topic string, qos byte, retain bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broker rejected")
	}
	f.messages = append(f.messages, Message{Topic: topic, QoS: qos, Retain: retain})
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeSender) connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.up
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func newTestPublisher(t *testing.T, s *fakeSender, queueSize int) (*Publisher, *Stats) {
	t.Helper()
	stats := NewStats(prometheus.NewRegistry())
	p := newPublisher(s, 2, queueSize, stats)
	p.start()
	t.Cleanup(p.stop)
	return p, stats
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestPublishSuccess(t *testing.T) {
	t.Parallel()
	s := &fakeSender{up: true}
	p, stats := newTestPublisher(t, s, 10)

	if !p.Enqueue("pms/BMS/BMS/data", map[string]any{"x": 1}, 0, false) {
		t.Fatalf("enqueue refused")
	}
	waitFor(t, time.Second, func() bool { return s.count() == 1 })

	snap := stats.Snapshot()
	if snap["successful_publishes"].(int64) != 1 {
		t.Fatalf("stats: %+v", snap)
	}
	if string(s.payloads[0]) != `{"x":1}` {
		t.Fatalf("payload: %s", s.payloads[0])
	}
}

func TestPublishWhileDisconnectedCountsFailure(t *testing.T) {
	t.Parallel()
	s := &fakeSender{up: false}
	stats := NewStats(prometheus.NewRegistry())
	p := newPublisher(s, 1, 10, stats)
	p.start()
	defer p.stop()

	p.Enqueue("t", 1, 0, false)
	waitFor(t, time.Second, func() bool {
		return stats.Snapshot()["failed_publishes"].(int64) >= 1
	})
	if s.count() != 0 {
		t.Fatalf("message sent while disconnected")
	}
}

func TestQueueOverflowDrops(t *testing.T) {
	t.Parallel()
	s := &fakeSender{up: true}
	stats := NewStats(prometheus.NewRegistry())
	p := newPublisher(s, 1, 2, stats) // workers not started: queue fills

	okCount := 0
	for i := 0; i < 5; i++ {
		if p.Enqueue("t", i, 0, false) {
			okCount++
		}
	}
	if okCount != 2 {
		t.Fatalf("expected 2 accepted, got %d", okCount)
	}
	if got := stats.Snapshot()["queue_overflows"].(int64); got != 3 {
		t.Fatalf("overflow count: %d", got)
	}
}

func TestStaleMessagesDroppedAtDequeue(t *testing.T) {
	t.Parallel()
	s := &fakeSender{up: true}
	stats := NewStats(prometheus.NewRegistry())
	p := newPublisher(s, 1, 10, stats)

	// Queue directly with an old timestamp, then start the workers.
	p.queue <- Message{Topic: "t", Payload: 1, EnqueuedAt: time.Now().Add(-MaxMessageAge - time.Second)}
	p.start()
	defer p.stop()

	waitFor(t, time.Second, func() bool {
		return stats.Snapshot()["stale_drops"].(int64) == 1
	})
	if s.count() != 0 {
		t.Fatalf("stale message was published")
	}
}

func TestTopicStats(t *testing.T) {
	t.Parallel()
	s := &fakeSender{up: true}
	p, stats := newTestPublisher(t, s, 10)

	p.Enqueue("a", map[string]any{"k": "vvvvvvvv"}, 0, false)
	p.Enqueue("a", map[string]any{"k": "v"}, 0, false)
	p.Enqueue("b", map[string]any{"k": "v"}, 0, false)
	waitFor(t, time.Second, func() bool { return s.count() == 3 })

	top := stats.Snapshot()["top_topics"].([]TopicStat)
	if len(top) != 2 {
		t.Fatalf("topic stats: %+v", top)
	}
	if top[0].Topic != "a" || top[0].Count != 2 {
		t.Fatalf("largest topic wrong: %+v", top[0])
	}
	if top[0].AvgBytes == 0 || top[0].MaxBytes < top[0].AvgBytes {
		t.Fatalf("byte accounting wrong: %+v", top[0])
	}
}
