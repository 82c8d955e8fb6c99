package audit

import "context"

// NoopSink discards every event. Used by components under test that
// don't exercise audit behavior directly.
type NoopSink struct{}

func (NoopSink) Record(ctx context.Context, ev Event) {}
func (NoopSink) Close()                                {}

// RecordingSink collects events in memory for assertions in tests.
type RecordingSink struct {
	Events []Event
}

func (r *RecordingSink) Record(ctx context.Context, ev Event) {
	r.Events = append(r.Events, ev)
}

func (r *RecordingSink) Close() {}
