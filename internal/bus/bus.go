// Package bus implements the Durable Bus Client: a wrapper over NATS
// JetStream giving every subject a persistent stream, durable consumers with
// explicit ack, and bounded redelivery. Queue-group subscribers share load
// across workers.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Subject patterns from the bus contract table.
const (
	SubjectJobsDispatch     = "jobs.dispatch"
	SubjectJobsStatusFmt    = "jobs.status.%s"
	SubjectJobsStatusAll    = "jobs.status.*"
	SubjectTransferReady    = "transfer.ready"
	SubjectTransferClear    = "transfer.clear"
	SubjectTransferAck      = "transfer.ack"
	SubjectTransferAbort    = "transfer.abort"
	SubjectExtAnnounce      = "extensions.announce"
	SubjectExtHeartbeatFmt  = "extensions.%s.heartbeat"
	SubjectTaskResultFmt    = "tasks.result.%s"
	SubjectTaskResultAll    = "tasks.result.*"
)

// JobsStatusSubject formats the per-job status subject.
func JobsStatusSubject(jobID string) string { return fmt.Sprintf(SubjectJobsStatusFmt, jobID) }

// ExtHeartbeatSubject formats the per-extension heartbeat subject.
func ExtHeartbeatSubject(id string) string { return fmt.Sprintf(SubjectExtHeartbeatFmt, id) }

// TaskResultSubject formats the per-task result subject.
func TaskResultSubject(taskID string) string { return fmt.Sprintf(SubjectTaskResultFmt, taskID) }

// Message is a received bus message, detached from the NATS connection so
// handlers don't need to import nats.go directly.
type Message struct {
	Subject string
	Data    []byte
	ack     func() error
	nak     func() error
}

// Ack acknowledges the message, preventing redelivery.
func (m *Message) Ack() error {
	if m.ack == nil {
		return nil
	}
	return m.ack()
}

// Nak negatively acknowledges the message, triggering immediate redelivery
// (subject to the consumer's max_deliver bound).
func (m *Message) Nak() error {
	if m.nak == nil {
		return nil
	}
	return m.nak()
}

// Client wraps a NATS connection and JetStream context, providing durable
// publish/subscribe over the stream configured for this deployment.
type Client struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	clientName string
	streamName string
}

// Config controls connection and stream naming.
type Config struct {
	URL        string
	ClientName string
	StreamName string
}

// New connects to NATS, enables reconnect handling, and ensures the
// configured stream exists (idempotent — AddStream returns the existing
// stream info if already present).
func New(cfg Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientName),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to bus: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}

	c := &Client{conn: conn, js: js, clientName: cfg.ClientName, streamName: cfg.StreamName}

	if err := c.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}

	return c, nil
}

// ensureStream creates the deployment's single stream covering every
// subject the brain and its workers use. Creating a stream is idempotent: if
// it already exists with the same config, AddStream returns its info
// without error.
func (c *Client) ensureStream() error {
	_, err := c.js.AddStream(&nats.StreamConfig{
		Name: c.streamName,
		Subjects: []string{
			SubjectJobsDispatch,
			SubjectJobsStatusAll,
			SubjectTransferReady,
			SubjectTransferClear,
			SubjectTransferAck,
			SubjectTransferAbort,
			SubjectExtAnnounce,
			"extensions.*.heartbeat",
			SubjectTaskResultAll,
		},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("ensure stream %q: %w", c.streamName, err)
	}
	return nil
}

// Close drains and closes the underlying connection.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Drain()
	}
}

// Publish publishes a JSON-encoded payload to subject, persisted by JetStream.
func (c *Client) Publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", subject, err)
	}
	if _, err := c.js.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// SubscribeOpts configures a durable subscription.
type SubscribeOpts struct {
	// Durable names the consumer so it survives client restarts and resumes
	// from its last acked position.
	Durable string

	// Queue puts the subscription in a queue group: messages load-balance
	// across every subscriber sharing the same Queue name (used for the
	// worker pool draining jobs.dispatch).
	Queue string

	// AckWait bounds how long JetStream waits for an ack before redelivering.
	AckWait time.Duration

	// MaxDeliver bounds the number of redelivery attempts before the message
	// is parked (0 means use the server default).
	MaxDeliver int
}

// Subscribe creates a durable push subscription with explicit ack. handler
// receives messages one at a time; it must call Ack (or Nak) itself.
func (c *Client) Subscribe(subject string, opts SubscribeOpts, handler func(*Message)) (*nats.Subscription, error) {
	subOpts := []nats.SubOpt{nats.ManualAck()}

	if opts.Durable != "" {
		subOpts = append(subOpts, nats.Durable(opts.Durable))
	}
	if opts.AckWait > 0 {
		subOpts = append(subOpts, nats.AckWait(opts.AckWait))
	}
	if opts.MaxDeliver > 0 {
		subOpts = append(subOpts, nats.MaxDeliver(opts.MaxDeliver))
	}

	wrap := func(msg *nats.Msg) {
		handler(&Message{
			Subject: msg.Subject,
			Data:    msg.Data,
			ack:     msg.Ack,
			nak:     msg.Nak,
		})
	}

	var sub *nats.Subscription
	var err error
	if opts.Queue != "" {
		sub, err = c.js.QueueSubscribe(subject, opts.Queue, wrap, subOpts...)
	} else {
		sub, err = c.js.Subscribe(subject, wrap, subOpts...)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// IsConnected reports whether the bus connection is currently up.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}
