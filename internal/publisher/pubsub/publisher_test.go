package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newFakeClient(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "radar-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func TestPublishDeliversJSONWithTraceContext(t *testing.T) {
	srv, client := newFakeClient(t)
	ctx := context.Background()
	_, err := client.CreateTopic(ctx, "fetch-complete")
	require.NoError(t, err)

	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	spanCtx, span := tp.Tracer("test").Start(ctx, "publish")
	defer span.End()

	pub := New(client)
	t.Cleanup(func() { _ = pub.Close() })

	payload := map[string]any{"session_id": "abc", "total_found": 20}
	id, err := pub.Publish(spanCtx, "fetch-complete", payload)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "abc", got["session_id"])
	require.Equal(t, "application/json", msgs[0].Attributes["content-type"])
	require.Contains(t, msgs[0].Attributes, "traceparent")

	_, err = pub.Publish(ctx, "fetch-complete", payload)
	require.NoError(t, err)
	require.Len(t, srv.Messages(), 2)
}

func TestPublishValidation(t *testing.T) {
	_, client := newFakeClient(t)
	pub := New(client)

	_, err := pub.Publish(context.Background(), "", "x")
	require.ErrorContains(t, err, "topic is required")

	_, err = pub.Publish(context.Background(), "t", func() {})
	require.ErrorContains(t, err, "marshal payload")

	_, err = New(nil).Publish(context.Background(), "t", "x")
	require.ErrorContains(t, err, "not configured")

	_, err = Dial(context.Background(), "")
	require.Error(t, err)
}

func TestCarrierKeys(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc")
	require.Equal(t, "00-abc", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
}
