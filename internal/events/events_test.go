package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"finitefield.org/ebookstore/internal/identity"
)

type outcome struct {
	Status string `json:"status"`
}

func TestPubSubPublisherPublishesEnvelope(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	topic, err := client.CreateTopic(ctx, "storefront-events")
	require.NoError(t, err)

	publisher, err := NewPubSubPublisherFromTopic(topic)
	require.NoError(t, err)

	event := New(TypeCheckoutOutcome, "user-1", outcome{Status: "success"}).WithAttribute("status", "success")
	require.NoError(t, publisher.Publish(ctx, event))
	require.NoError(t, publisher.Close())

	messages := srv.Messages()
	require.Len(t, messages, 1)
	require.Equal(t, TypeCheckoutOutcome, messages[0].Attributes["eventType"])
	require.Equal(t, "success", messages[0].Attributes["status"])
	require.Equal(t, "user-1", messages[0].Attributes["key"])

	var decoded struct {
		ID      string  `json:"id"`
		Type    string  `json:"type"`
		Payload outcome `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(messages[0].Data, &decoded))
	require.Equal(t, event.ID, decoded.ID)
	require.Equal(t, "success", decoded.Payload.Status)
}

func TestNewPubSubPublisherValidatesInput(t *testing.T) {
	_, err := NewPubSubPublisher(context.Background(), "", "topic")
	require.Error(t, err)
	_, err = NewPubSubPublisherFromTopic(nil)
	require.Error(t, err)
}

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherKeysMessages(t *testing.T) {
	writer := &fakeWriter{}
	publisher := &KafkaPublisher{writer: writer, topic: "storefront-events"}

	event := New(TypeCheckoutOutcome, "guest:b1", outcome{Status: "failed"})
	require.NoError(t, publisher.Publish(context.Background(), event))
	require.Len(t, writer.messages, 1)

	msg := writer.messages[0]
	require.Equal(t, "guest:b1", string(msg.Key))
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	require.Equal(t, TypeCheckoutOutcome, headers["eventType"])
	require.Equal(t, "storefront", headers["source"])

	require.NoError(t, publisher.Close())
	require.True(t, writer.closed)
}

func TestKafkaPublisherWrapsWriteError(t *testing.T) {
	boom := errors.New("broker down")
	publisher := &KafkaPublisher{writer: &fakeWriter{err: boom}, topic: "t"}
	err := publisher.Publish(context.Background(), New(TypeSignedIn, "", nil))
	require.ErrorIs(t, err, boom)
}

func TestNewKafkaPublisherRequiresBrokers(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "t")
	require.Error(t, err)
	_, err = NewKafkaPublisher([]string{"localhost:9092"}, " ")
	require.Error(t, err)
}

func TestLogPublisherWritesEntry(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	publisher := NewLogPublisher(zap.New(core))

	require.NoError(t, publisher.Publish(context.Background(), New(TypeCheckoutOutcome, "u1", outcome{Status: "success"})))
	entries := logs.FilterMessage("event published").All()
	require.Len(t, entries, 1)
	require.Equal(t, TypeCheckoutOutcome, entries[0].ContextMap()["event_type"])
}

type recordingPublisher struct {
	events []Event
}

func (r *recordingPublisher) Publish(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func TestIdentityListenerMapsKinds(t *testing.T) {
	rec := &recordingPublisher{}
	listen := IdentityListener(rec)
	session := &identity.Session{UserID: "u1", Email: "a@example.com"}

	listen(context.Background(), identity.Event{Kind: identity.EventSignedIn, Session: session, Method: "google"})
	listen(context.Background(), identity.Event{Kind: identity.EventSignedOut, Session: session})
	listen(context.Background(), identity.Event{Kind: identity.EventSignedIn})

	require.Len(t, rec.events, 2)
	require.Equal(t, TypeSignedIn, rec.events[0].Type)
	require.Equal(t, "u1", rec.events[0].Key)
	require.Equal(t, "google", rec.events[0].Attributes["method"])
	require.Equal(t, TypeSignedOut, rec.events[1].Type)
	_, hasMethod := rec.events[1].Attributes["method"]
	require.False(t, hasMethod)
}
