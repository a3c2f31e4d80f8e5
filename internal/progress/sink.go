package progress

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Sink consumes batches of progress events. Implementations must be safe for
// repeated calls and honor ctx deadlines. The Hub calls sinks from a single
// goroutine.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies this interface so workers
// can remain agnostic about how events are buffered.
type Emitter interface {
	Emit(evt Event)
}

// Reporter stamps the run ID and time on events before handing them to an
// Emitter. A nil Reporter or Emitter discards events.
type Reporter struct {
	RunID   uuid.UUID
	Emitter Emitter
	Now     func() time.Time
}

// Report emits evt with RunID and TS filled in.
func (r *Reporter) Report(evt Event) {
	if r == nil || r.Emitter == nil {
		return
	}
	evt.RunID = UUIDToBytes(r.RunID)
	if evt.TS.IsZero() {
		now := time.Now
		if r.Now != nil {
			now = r.Now
		}
		evt.TS = now().UTC()
	}
	r.Emitter.Emit(evt)
}
