package events

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"blog-auth-service/internal/bucketing"
	"blog-auth-service/internal/model"
	"blog-auth-service/internal/util"
)

const (
	bufferSize    = 1024
	flushInterval = 2 * time.Second
	flushSize     = 100
	flushTimeout  = 10 * time.Second

	insertEventsQuery = `
        INSERT INTO auth_events (
            event_type, email, user_id, session_id, ip, user_agent,
            event_date, created_at
        )`
)

// publisher is the slice of the Kafka producer the recorder uses.
type publisher interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// auditSink is the slice of the ClickHouse client the recorder uses.
type auditSink interface {
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
}

// Recorder fans security events out to Kafka and the ClickHouse audit table.
// Recording is best effort: events are buffered in memory, flushed in the
// background, and dropped with a log line when the buffer is full. A failed
// flush never propagates to the request that produced the event.
type Recorder struct {
	producer publisher
	sink     auditSink
	topic    string
	buckets  *bucketing.Manager

	events chan model.SecurityEvent
	done   chan struct{}
}

func NewRecorder(producer publisher, sink auditSink, topic string, buckets *bucketing.Manager) *Recorder {
	r := &Recorder{
		producer: producer,
		sink:     sink,
		topic:    topic,
		buckets:  buckets,
		events:   make(chan model.SecurityEvent, bufferSize),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues the event without blocking the caller.
func (r *Recorder) Record(ctx context.Context, event model.SecurityEvent) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case r.events <- event:
	default:
		util.Warn("Security event buffer full, dropping event",
			zap.String("event_type", string(event.Type)))
	}
}

// Close drains the buffer and flushes what remains.
func (r *Recorder) Close() {
	close(r.events)
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]model.SecurityEvent, 0, flushSize)
	for {
		select {
		case event, ok := <-r.events:
			if !ok {
				r.flush(batch)
				return
			}
			batch = append(batch, event)
			if len(batch) >= flushSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// flush writes the batch to both destinations in parallel. Failures are
// logged and the batch is dropped; the audit pipeline tolerates gaps.
func (r *Recorder) flush(batch []model.SecurityEvent) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	if r.producer != nil {
		g.Go(func() error {
			for _, event := range batch {
				value, err := json.Marshal(event)
				if err != nil {
					continue
				}
				if err := r.producer.ProduceMessage(ctx, r.topic, []byte(event.Type), value, nil); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if r.sink != nil {
		g.Go(func() error {
			rows := make([][]interface{}, 0, len(batch))
			for _, event := range batch {
				rows = append(rows, []interface{}{
					string(event.Type), event.Email, event.UserID, event.SessionID,
					event.IP, event.UserAgent, r.buckets.DateBucket(), event.At,
				})
			}
			return r.sink.BatchInsert(ctx, insertEventsQuery, rows)
		})
	}

	if err := g.Wait(); err != nil {
		util.Error("Failed to flush security events",
			zap.Int("batch_size", len(batch)),
			zap.Error(err))
	}
}

// NoopRecorder discards every event. Used when both event destinations are
// disabled, and by tests.
type NoopRecorder struct{}

func (NoopRecorder) Record(ctx context.Context, event model.SecurityEvent) {}
