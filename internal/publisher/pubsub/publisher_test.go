package pubsub

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestPublisherPublishesJSON(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer client.Close()

	topic, err := client.CreateTopic(ctx, "queue-events")
	require.NoError(t, err)
	sub, err := client.CreateSubscription(ctx, "queue-events-sub", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	pub := New(client)
	id, err := pub.Publish(ctx, "queue-events", map[string]any{"type": "finished", "done": 2})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	received := make(chan *pubsub.Message, 1)
	recvCtx, stop := context.WithCancel(ctx)
	go func() {
		_ = sub.Receive(recvCtx, func(_ context.Context, msg *pubsub.Message) {
			msg.Ack()
			select {
			case received <- msg:
			default:
			}
			stop()
		})
	}()

	select {
	case msg := <-received:
		require.JSONEq(t, `{"type":"finished","done":2}`, string(msg.Data))
		require.Equal(t, "application/json", msg.Attributes["content-type"])
	case <-ctx.Done():
		t.Fatal("message not received")
	}
	require.NoError(t, pub.Close())
}

func TestPublisherRequiresClientAndTopic(t *testing.T) {
	t.Parallel()

	var nilPub *Publisher
	_, err := nilPub.Publish(context.Background(), "t", "x")
	require.Error(t, err)

	_, err = Open(context.Background(), Config{})
	require.Error(t, err)
}
