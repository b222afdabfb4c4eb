package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dsyorkd/fleet-controller/internal/logger"
)

// Sink delivers events somewhere
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e Event) error
}

// Config controls the dispatcher queue
type Config struct {
	QueueSize        int           `yaml:"queue_size"`
	DeliveryTimeout  time.Duration `yaml:"delivery_timeout"`
	JournalPath      string        `yaml:"journal_path"`
	JournalMaxEvents int           `yaml:"journal_max_events"`
	WebSocket        bool          `yaml:"websocket"`
}

// DefaultConfig returns the default notification settings
func DefaultConfig() Config {
	return Config{
		QueueSize:        256,
		DeliveryTimeout:  5 * time.Second,
		JournalPath:      "data/events.db",
		JournalMaxEvents: 10000,
		WebSocket:        true,
	}
}

// Dispatcher queues events and delivers them to every sink from a single
// background goroutine. A full queue drops events; sink errors are logged.
type Dispatcher struct {
	config Config
	sinks  []Sink
	logger logger.Interface
	now    func() time.Time

	queue chan Event
	mu    sync.RWMutex
	done  bool
	wg    sync.WaitGroup
}

// NewDispatcher creates a dispatcher and starts its delivery loop
func NewDispatcher(config Config, log logger.Interface, sinks ...Sink) *Dispatcher {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = DefaultConfig().DeliveryTimeout
	}

	d := &Dispatcher{
		config: config,
		sinks:  sinks,
		logger: log.WithField("component", "notify"),
		now:    time.Now,
		queue:  make(chan Event, config.QueueSize),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Publish stamps e with an id and timestamp and queues it
func (d *Dispatcher) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = d.now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.done {
		return
	}

	select {
	case d.queue <- e:
	default:
		d.logger.WithFields(map[string]interface{}{
			"event_id": e.ID,
			"type":     e.Type,
		}).Warn("Notification queue full, dropping event")
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for e := range d.queue {
		d.deliver(e)
	}
}

func (d *Dispatcher) deliver(e Event) {
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.config.DeliveryTimeout)
		err := sink.Deliver(ctx, e)
		cancel()
		if err != nil {
			d.logger.WithFields(map[string]interface{}{
				"sink":     sink.Name(),
				"event_id": e.ID,
				"type":     e.Type,
			}).WithError(err).Warn("Failed to deliver notification")
		}
	}
}

// Close stops accepting events and waits for queued ones to be delivered
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.done {
		d.mu.Unlock()
		return
	}
	d.done = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

// LogSink writes events to the structured log
type LogSink struct {
	logger logger.Interface
}

// NewLogSink creates a log sink
func NewLogSink(log logger.Interface) *LogSink {
	return &LogSink{logger: log.WithField("component", "events")}
}

// Name implements Sink
func (s *LogSink) Name() string { return "log" }

// Deliver implements Sink
func (s *LogSink) Deliver(_ context.Context, e Event) error {
	fields := map[string]interface{}{
		"event_id": e.ID,
		"type":     e.Type,
	}
	if e.ClusterID != nil {
		fields["cluster_id"] = *e.ClusterID
	}
	if e.DeploymentID != nil {
		fields["deployment_id"] = *e.DeploymentID
	}
	if e.NodeID != nil {
		fields["node_id"] = *e.NodeID
	}
	for k, v := range e.Attributes {
		fields[k] = v
	}
	s.logger.WithFields(fields).Info(e.Summary)
	return nil
}
