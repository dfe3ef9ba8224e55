// Package events fans job updates out over NATS so API processes can stream
// progress produced by remote workers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/nats-io/nats.go"

	"github.com/makeasinger/jobengine/internal/log"
	"github.com/makeasinger/jobengine/internal/model"
)

// Event kinds used as the last subject token
const (
	KindProgress = "progress"
	KindTerminal = "terminal"
)

// Client is a thin JSON wrapper over a NATS connection
type Client struct{ nc *nats.Conn }

// Connect dials NATS and keeps reconnecting forever
func Connect(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name("jobengine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Info("nats disconnected", "error", err.Error())
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &Client{nc: nc}, nil
}

// Close drains the connection
func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

// Conn exposes the underlying connection
func (c *Client) Conn() *nats.Conn { return c.nc }

// PublishJSON marshals v and publishes it on subject
func (c *Client) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, b)
}

// SubscribeJSON delivers raw message payloads with a bounded context
func (c *Client) SubscribeJSON(subject string, handler func(ctx context.Context, data []byte)) (*nats.Subscription, error) {
	return c.nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		handler(ctx, msg.Data)
	})
}

// Subject returns <prefix>.<jobId>.<kind>
func Subject(prefix, jobID, kind string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, jobID, kind)
}

// JSONPublisher is the publishing side of Client
type JSONPublisher interface {
	PublishJSON(subject string, v any) error
}

// Publisher publishes job events. It implements progress.Notifier.
type Publisher struct {
	bus    JSONPublisher
	prefix string
	origin string
	log    logr.Logger
}

// NewPublisher creates a publisher. origin tags every event with the
// publishing process.
func NewPublisher(bus JSONPublisher, prefix, origin string) *Publisher {
	return &Publisher{bus: bus, prefix: prefix, origin: origin, log: log.WithName("events")}
}

// PublishProgress publishes a non-terminal update
func (p *Publisher) PublishProgress(ev model.JobEvent) error {
	return p.publish(KindProgress, ev)
}

// PublishTerminal publishes a terminal update
func (p *Publisher) PublishTerminal(ev model.JobEvent) error {
	return p.publish(KindTerminal, ev)
}

func (p *Publisher) publish(kind string, ev model.JobEvent) error {
	ev.Origin = p.origin
	return p.bus.PublishJSON(Subject(p.prefix, ev.JobID, kind), ev)
}

// Notify publishes a job snapshot; failures are logged only
func (p *Publisher) Notify(job *model.Job) {
	ev := model.NewJobEvent(job)
	var err error
	if job.Status.IsTerminal() {
		err = p.PublishTerminal(ev)
	} else {
		err = p.PublishProgress(ev)
	}
	if err != nil {
		p.log.Info("failed to publish job event", "jobId", job.ID, "status", job.Status, "error", err.Error())
	}
}

// Sink receives relayed events
type Sink interface {
	Publish(ev model.JobEvent)
}

// Relay forwards events published by other processes into a local sink
type Relay struct {
	bus    *Client
	prefix string
	origin string
	sink   Sink
	sub    *nats.Subscription
	log    logr.Logger
}

// NewRelay creates a relay. Events tagged with origin are skipped since the
// local process already delivered them.
func NewRelay(bus *Client, prefix, origin string, sink Sink) *Relay {
	return &Relay{bus: bus, prefix: prefix, origin: origin, sink: sink, log: log.WithName("events-relay")}
}

// Start subscribes to every job subject under the prefix
func (r *Relay) Start() error {
	sub, err := r.bus.SubscribeJSON(r.prefix+".>", r.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s.>: %w", r.prefix, err)
	}
	r.sub = sub
	r.log.Info("relaying job events", "subject", r.prefix+".>")
	return nil
}

// Stop unsubscribes
func (r *Relay) Stop() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
}

func (r *Relay) handle(ctx context.Context, data []byte) {
	var ev model.JobEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		r.log.Info("dropping malformed job event", "error", err.Error())
		return
	}
	if ev.JobID == "" || (r.origin != "" && ev.Origin == r.origin) {
		return
	}
	r.sink.Publish(ev)
}
