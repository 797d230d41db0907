package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tarn-io/tarn/core"
	"github.com/tarn-io/tarn/core/logger"
)

// Notification is a change notification from a generated CRUD route. Receive
// them in-process with RequestNotification(), or out-of-process through a
// Notifier.
type Notification struct {
	ID         uuid.UUID       `json:"id"`
	Resource   string          `json:"resource"`
	Operation  core.Operation  `json:"operation"`
	ResourceID string          `json:"resourceId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Notifier sends notifications to an external consumer.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

type notificationHandler func(ctx context.Context, notification Notification) error

func notificationKey(resource string, operation core.Operation) string {
	return resource + " " + string(operation)
}

// RequestNotification registers an in-process callback for create, update or
// delete operations on a resource. Only one handler per resource and
// operation is supported; registering a second one is a programmer error.
func (b *Backend) RequestNotification(resource string, operation core.Operation, handler func(ctx context.Context, notification Notification) error) {
	key := notificationKey(resource, operation)
	if _, ok := b.handlers[key]; ok {
		logger.Default().Fatalf("notification handler for %s already registered", key)
	}
	b.handlers[key] = handler
}

// notify is the sink bound into every mounted routable.
func (b *Backend) notify(ctx context.Context, op core.Operation, resource string, id primitive.ObjectID, payload []byte) {
	notification := Notification{
		ID:         uuid.New(),
		Resource:   resource,
		Operation:  op,
		ResourceID: id.Hex(),
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}
	rlog := logger.FromContext(ctx)

	if handler, ok := b.handlers[notificationKey(resource, op)]; ok {
		if err := callWithPanicEnvelope(ctx, handler, notification); err != nil {
			rlog.WithError(err).Errorln("notification handler failed for", resource, op)
		}
	}
	if b.notifier != nil {
		if err := b.notifier.Notify(ctx, notification); err != nil {
			rlog.WithError(err).Errorln("cannot deliver notification for", resource, op)
		}
	}
}

func callWithPanicEnvelope(ctx context.Context, handler notificationHandler, notification Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic: %s", r)
		}
	}()
	err = handler(ctx, notification)
	return
}

// KafkaNotifier delivers notifications to a Kafka topic. The notification is
// the message value, keyed by resource; the logger parameters of the request
// context travel in a message header so that consumers log under the
// originating request ID.
type KafkaNotifier struct {
	writer *kafka.Writer
}

// NewKafkaNotifier creates a notifier writing to the given brokers and topic.
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

// Notify implements Notifier.
func (k *KafkaNotifier) Notify(ctx context.Context, notification Notification) error {
	value, err := json.Marshal(notification)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(notification.Resource),
		Value: value,
		Headers: []kafka.Header{
			{Key: "context", Value: logger.SerializeContext(ctx)},
		},
	})
}

// Close flushes and closes the underlying writer.
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}

// ContextFromMessage reconstructs a logging context from a notification
// message previously written by a KafkaNotifier.
func ContextFromMessage(ctx context.Context, msg kafka.Message) context.Context {
	for _, h := range msg.Headers {
		if h.Key == "context" {
			return logger.ContextWithLoggerFromData(ctx, h.Value)
		}
	}
	ctx, _ = logger.ContextWithLogger(ctx)
	return ctx
}
