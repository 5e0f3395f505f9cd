package transport

import (
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Message is one pending outbound MQTT publish.
type Message struct {
	Topic      string
	Payload    any
	QoS        byte
	Retain     bool
	EnqueuedAt time.Time
}

// MaxMessageAge is the age past which a queued message is dropped at
// dequeue instead of published.
const MaxMessageAge = 30 * time.Second

const defaultQueueSize = 1000

// sender is the broker-facing side of the publisher. The MQTT client
// implements it; tests substitute a fake.
type sender interface {
	send(topic string, qos byte, retain bool, payload []byte) error
	connected() bool
}

// Publisher fans queued messages out to a fixed pool of workers so that
// producers never block on broker I/O.
type Publisher struct {
	s       sender
	queue   chan Message
	workers int

	wg       sync.WaitGroup
	stopOnce sync.Once
	stats    *Stats
}

func newPublisher(s sender, workers, queueSize int, stats *Stats) *Publisher {
	if workers <= 0 {
		workers = 5
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Publisher{
		s:       s,
		queue:   make(chan Message, queueSize),
		workers: workers,
		stats:   stats,
	}
}

func (p *Publisher) start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// stop closes the queue and waits for workers to drain it.
func (p *Publisher) stop() {
	p.stopOnce.Do(func() {
		close(p.queue)
		p.wg.Wait()
	})
}

// Enqueue adds a message without blocking. A full queue drops the message
// and counts the overflow.
func (p *Publisher) Enqueue(topic string, payload any, qos byte, retain bool) bool {
	msg := Message{Topic: topic, Payload: payload, QoS: qos, Retain: retain, EnqueuedAt: time.Now()}
	select {
	case p.queue <- msg:
		p.stats.queueDepth(len(p.queue))
		return true
	default:
		p.stats.overflow()
		log.Printf("mqtt publish queue full, dropping %s", topic)
		return false
	}
}

func (p *Publisher) worker() {
	defer p.wg.Done()
	for msg := range p.queue {
		p.stats.queueDepth(len(p.queue))
		if age := time.Since(msg.EnqueuedAt); age > MaxMessageAge {
			p.stats.stale()
			log.Printf("mqtt dropping stale message on %s (age %.1fs)", msg.Topic, age.Seconds())
			continue
		}
		start := time.Now()
		ok := p.publishOne(msg)
		p.stats.record(msg.Topic, ok, time.Since(start))
	}
}

func (p *Publisher) publishOne(msg Message) bool {
	if !p.s.connected() {
		return false
	}
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		log.Printf("mqtt marshal %s: %v", msg.Topic, err)
		return false
	}
	if err := p.s.send(msg.Topic, msg.QoS, msg.Retain, payload); err != nil {
		log.Printf("mqtt publish %s: %v", msg.Topic, err)
		return false
	}
	p.stats.bytes(msg.Topic, len(payload))
	return true
}

// QueueLen returns the number of messages waiting for a worker.
func (p *Publisher) QueueLen() int { return len(p.queue) }

// TopicStat aggregates payload accounting per topic.
type TopicStat struct {
	Topic      string `json:"topic"`
	Count      int64  `json:"count"`
	TotalBytes int64  `json:"total_bytes"`
	AvgBytes   int64  `json:"avg_bytes"`
	MaxBytes   int64  `json:"max_bytes"`
}

// Stats tracks publish outcomes, latency and payload sizes, and mirrors
// the same figures into Prometheus collectors.
type Stats struct {
	mu         sync.Mutex
	total      int64
	successes  int64
	failures   int64
	overflows  int64
	staleDrops int64

	latencies  []time.Duration
	totalBytes int64
	lastBytes  int64
	maxBytes   int64
	topics     map[string]*TopicStat

	promPublishes *prometheus.CounterVec
	promOverflows prometheus.Counter
	promStale     prometheus.Counter
	promLatency   prometheus.Histogram
	promBytes     prometheus.Counter
	promQueue     prometheus.Gauge
}

const latencySamples = 100

// NewStats builds publish statistics registered on reg. Pass a private
// registry in tests to avoid duplicate registration.
func NewStats(reg prometheus.Registerer) *Stats {
	s := &Stats{
		topics: make(map[string]*TopicStat),
		promPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pms_mqtt_publishes_total",
			Help: "MQTT publish attempts by result.",
		}, []string{"result"}),
		promOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pms_mqtt_queue_overflows_total",
			Help: "Messages dropped because the publish queue was full.",
		}),
		promStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pms_mqtt_stale_drops_total",
			Help: "Messages dropped at dequeue for exceeding the age limit.",
		}),
		promLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pms_mqtt_publish_duration_seconds",
			Help:    "Broker publish latency.",
			Buckets: prometheus.DefBuckets,
		}),
		promBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pms_mqtt_payload_bytes_total",
			Help: "Total serialized payload bytes published.",
		}),
		promQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pms_mqtt_publish_queue_depth",
			Help: "Messages waiting in the publish queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.promPublishes, s.promOverflows, s.promStale, s.promLatency, s.promBytes, s.promQueue)
	}
	return s
}

func (s *Stats) record(topic string, ok bool, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if ok {
		s.successes++
		s.promPublishes.WithLabelValues("success").Inc()
	} else {
		s.failures++
		s.promPublishes.WithLabelValues("failure").Inc()
	}
	s.latencies = append(s.latencies, latency)
	if len(s.latencies) > latencySamples {
		s.latencies = s.latencies[1:]
	}
	s.promLatency.Observe(latency.Seconds())
}

func (s *Stats) overflow() {
	s.mu.Lock()
	s.overflows++
	s.mu.Unlock()
	s.promOverflows.Inc()
}

func (s *Stats) stale() {
	s.mu.Lock()
	s.staleDrops++
	s.mu.Unlock()
	s.promStale.Inc()
}

func (s *Stats) bytes(topic string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalBytes += int64(n)
	s.lastBytes = int64(n)
	if int64(n) > s.maxBytes {
		s.maxBytes = int64(n)
	}
	ts, ok := s.topics[topic]
	if !ok {
		ts = &TopicStat{Topic: topic}
		s.topics[topic] = ts
	}
	ts.Count++
	ts.TotalBytes += int64(n)
	if int64(n) > ts.MaxBytes {
		ts.MaxBytes = int64(n)
	}
	s.promBytes.Add(float64(n))
}

func (s *Stats) queueDepth(n int) {
	s.promQueue.Set(float64(n))
}

// Snapshot returns the aggregate figures for logging and status topics.
func (s *Stats) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var avg time.Duration
	if len(s.latencies) > 0 {
		var sum time.Duration
		for _, d := range s.latencies {
			sum += d
		}
		avg = sum / time.Duration(len(s.latencies))
	}
	return map[string]any{
		"total_messages":       s.total,
		"successful_publishes": s.successes,
		"failed_publishes":     s.failures,
		"queue_overflows":      s.overflows,
		"stale_drops":          s.staleDrops,
		"avg_publish_time":     avg.Seconds(),
		"total_payload_bytes":  s.totalBytes,
		"last_payload_size":    s.lastBytes,
		"max_payload_size":     s.maxBytes,
		"top_topics":           s.topTopicsLocked(10),
	}
}

func (s *Stats) topTopicsLocked(n int) []TopicStat {
	out := make([]TopicStat, 0, len(s.topics))
	for _, ts := range s.topics {
		cp := *ts
		if cp.Count > 0 {
			cp.AvgBytes = cp.TotalBytes / cp.Count
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TotalBytes > out[j].TotalBytes })
	if len(out) > n {
		out = out[:n]
	}
	return out
}
