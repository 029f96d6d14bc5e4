package executor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/rendis/flowcore/pkg/schema"
)

// Message headers used for request/reply correlation.
const (
	HeaderCorrelationID = "flowcore-correlation-id"
	HeaderReplyTopic    = "flowcore-reply-topic"
)

// KafkaConfig configures the request/reply transport.
type KafkaConfig struct {
	Brokers    []string `mapstructure:"brokers"`
	ReplyTopic string   `mapstructure:"reply_topic"`
	GroupID    string   `mapstructure:"group_id"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaTransport publishes requests to each executor's topic (its Endpoint),
// keyed by run ID, and matches replies from a shared reply topic by
// correlation ID.
type KafkaTransport struct {
	writer     messageWriter
	reader     messageReader
	replyTopic string
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[string]chan *Response

	cancel context.CancelFunc
	done   chan struct{}
}

// NewKafkaTransport creates a transport backed by kafka-go. Call Start before use.
func NewKafkaTransport(cfg KafkaConfig, logger *slog.Logger) (*KafkaTransport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "kafka: at least one broker is required")
	}
	if cfg.ReplyTopic == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "kafka: reply topic is required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "flowcore-" + cfg.ReplyTopic
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.ReplyTopic,
		GroupID: cfg.GroupID,
	})
	return newKafkaTransport(writer, reader, cfg.ReplyTopic, logger), nil
}

func newKafkaTransport(w messageWriter, r messageReader, replyTopic string, logger *slog.Logger) *KafkaTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaTransport{
		writer:     w,
		reader:     r,
		replyTopic: replyTopic,
		logger:     logger.With(slog.String("component", "kafka-transport")),
		pending:    make(map[string]chan *Response),
	}
}

// Start launches the reply consumer. It stops when ctx is done or Close is called.
func (t *KafkaTransport) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	go t.consume(ctx)
}

func (t *KafkaTransport) consume(ctx context.Context) {
	defer close(t.done)
	for {
		msg, err := t.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			t.logger.Warn("reply read failed", slog.Any("error", err))
			continue
		}
		t.deliver(msg)
	}
}

func (t *KafkaTransport) deliver(msg kafka.Message) {
	corrID := header(msg, HeaderCorrelationID)
	t.mu.Lock()
	ch, ok := t.pending[corrID]
	delete(t.pending, corrID)
	t.mu.Unlock()
	if !ok {
		// The caller timed out or this is someone else's reply.
		t.logger.Debug("uncorrelated reply dropped", slog.String("correlation_id", corrID))
		return
	}

	var resp Response
	if err := json.Unmarshal(msg.Value, &resp); err != nil {
		resp = Response{
			Status: schema.ResultFailed,
			Error: &schema.NodeError{
				Code:    schema.ErrCodeInternal,
				Message: "undecodable executor reply: " + err.Error(),
				Source:  "kafka",
			},
		}
	}
	ch <- &resp
}

// Client returns a client publishing to topic.
func (t *KafkaTransport) Client(topic string) Client {
	return &kafkaClient{transport: t, topic: topic}
}

// Factory returns a ClientFactory using each executor's Endpoint as its request topic.
func (t *KafkaTransport) Factory() ClientFactory {
	return func(info schema.ExecutorInfo) (Client, error) {
		if info.Endpoint == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "executor %q: kafka topic is required", info.ID)
		}
		return t.Client(info.Endpoint), nil
	}
}

// Pending returns the number of requests awaiting a reply.
func (t *KafkaTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close stops the consumer and closes the underlying writer and reader.
func (t *KafkaTransport) Close() error {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
	return errors.Join(t.writer.Close(), t.reader.Close())
}

func (t *KafkaTransport) roundTrip(ctx context.Context, topic string, req *Request) (*Response, error) {
	value, err := json.Marshal(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInternal, "encode request: %v", err).WithCause(err)
	}

	corrID := uuid.NewString()
	ch := make(chan *Response, 1)
	t.mu.Lock()
	t.pending[corrID] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, corrID)
		t.mu.Unlock()
	}()

	err = t.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(req.Task.RunID),
		Value: value,
		Headers: []kafka.Header{
			{Key: HeaderCorrelationID, Value: []byte(corrID)},
			{Key: HeaderReplyTopic, Value: []byte(t.replyTopic)},
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecutorUnavailable, "publish to %s: %v", topic, err).WithCause(err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type kafkaClient struct {
	transport *KafkaTransport
	topic     string
}

func (c *kafkaClient) Execute(ctx context.Context, req *Request) (*Response, error) {
	return c.transport.roundTrip(ctx, c.topic, req)
}

// Close is a no-op: the transport is shared and closed by its owner.
func (c *kafkaClient) Close() error { return nil }

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
