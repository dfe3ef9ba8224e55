package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/makeasinger/jobengine/internal/model"
)

type published struct {
	subject string
	event   model.JobEvent
}

type fakeBus struct {
	out []published
	err error
}

func (f *fakeBus) PublishJSON(subject string, v any) error {
	if f.err != nil {
		return f.err
	}
	f.out = append(f.out, published{subject: subject, event: v.(model.JobEvent)})
	return nil
}

type sinkFunc func(ev model.JobEvent)

func (f sinkFunc) Publish(ev model.JobEvent) { f(ev) }

func TestSubject(t *testing.T) {
	if got := Subject("jobs", "abc", KindTerminal); got != "jobs.abc.terminal" {
		t.Fatalf("subject = %s", got)
	}
}

func TestPublisherNotify(t *testing.T) {
	bus := &fakeBus{}
	p := NewPublisher(bus, "jobs", "api-1")

	p.Notify(&model.Job{ID: "j1", Status: model.JobStatusProcessing, Progress: 40, CurrentStage: model.StageRender})
	p.Notify(&model.Job{ID: "j1", Status: model.JobStatusCompleted, Progress: 100})

	if len(bus.out) != 2 {
		t.Fatalf("published %d events", len(bus.out))
	}
	if bus.out[0].subject != "jobs.j1.progress" || bus.out[0].event.Progress != 40 || bus.out[0].event.Origin != "api-1" {
		t.Fatalf("unexpected progress event: %+v", bus.out[0])
	}
	if bus.out[1].subject != "jobs.j1.terminal" {
		t.Fatalf("unexpected terminal subject: %s", bus.out[1].subject)
	}

	// Publish failures never reach the caller.
	bus.err = errors.New("nats: connection closed")
	p.Notify(&model.Job{ID: "j1", Status: model.JobStatusProcessing})
}

func TestRelayHandle(t *testing.T) {
	var got []model.JobEvent
	r := NewRelay(nil, "jobs", "api-1", sinkFunc(func(ev model.JobEvent) { got = append(got, ev) }))

	remote, _ := json.Marshal(model.JobEvent{JobID: "j1", Status: model.JobStatusProcessing, Origin: "worker-7"})
	local, _ := json.Marshal(model.JobEvent{JobID: "j1", Status: model.JobStatusProcessing, Origin: "api-1"})

	r.handle(context.Background(), remote)
	r.handle(context.Background(), local)
	r.handle(context.Background(), []byte("not json"))
	r.handle(context.Background(), []byte(`{"status":"queued"}`))

	if len(got) != 1 || got[0].Origin != "worker-7" {
		t.Fatalf("relayed %+v", got)
	}
}
