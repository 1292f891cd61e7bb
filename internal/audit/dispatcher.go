package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"session-service/internal/bucketing"
	"session-service/internal/util"
)

const dispatchTimeout = 5 * time.Second

// Sink receives audit events. Implementations must tolerate being called
// concurrently.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// Dispatcher fans events out to every configured sink. A failing sink is
// logged and skipped; audit delivery never fails a login.
type Dispatcher struct {
	sinks     []Sink
	bucketing *bucketing.BucketingManager

	pending sync.WaitGroup
}

func NewDispatcher(bucketingManager *bucketing.BucketingManager, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks:     sinks,
		bucketing: bucketingManager,
	}
}

// Emit delivers the event to all sinks in the background.
func (d *Dispatcher) Emit(event Event) {
	event = d.stamp(event)

	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		d.deliver(ctx, event)
	}()
}

// EmitSync delivers the event and waits for all sinks, for callers that
// need delivery ordered before their response.
func (d *Dispatcher) EmitSync(ctx context.Context, event Event) {
	d.deliver(ctx, d.stamp(event))
}

// Flush blocks until all background deliveries settle.
func (d *Dispatcher) Flush() {
	d.pending.Wait()
}

func (d *Dispatcher) stamp(event Event) Event {
	if d.bucketing != nil && event.UserID != "" {
		event.EventBucket = d.bucketing.GetEventBucket(event.UserID)
	}
	if d.bucketing != nil {
		event.DateBucket = d.bucketing.GetDateBucket()
	}
	return event
}

func (d *Dispatcher) deliver(ctx context.Context, event Event) {
	util.Info("Audit event",
		zap.String("event_id", event.EventID),
		zap.String("event_type", string(event.EventType)),
		zap.String("user_id", event.UserID),
		zap.String("device_id", event.DeviceID))

	g, gctx := errgroup.WithContext(ctx)
	for _, sink := range d.sinks {
		sink := sink
		g.Go(func() error {
			if err := sink.Record(gctx, event); err != nil {
				util.Warn("Audit sink failed",
					zap.String("event_id", event.EventID),
					zap.String("event_type", string(event.EventType)),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}
