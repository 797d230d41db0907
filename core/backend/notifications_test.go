package backend

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/tarn-io/tarn/core/logger"
)

func TestContextFromMessage(t *testing.T) {
	ctx, _ := logger.ContextWithLogger(context.Background())
	requestID := logger.RequestIDFromContext(ctx)
	if requestID == "" {
		t.Fatal("no request id")
	}

	msg := kafka.Message{Headers: []kafka.Header{
		{Key: "context", Value: logger.SerializeContext(ctx)},
	}}
	restored := ContextFromMessage(context.Background(), msg)
	if got := logger.RequestIDFromContext(restored); got != requestID {
		t.Fatalf("got request id %q, want %q", got, requestID)
	}
}

func TestContextFromMessageWithoutHeader(t *testing.T) {
	restored := ContextFromMessage(context.Background(), kafka.Message{})
	if logger.RequestIDFromContext(restored) == "" {
		t.Fatal("a fresh request id must be assigned")
	}
}
