package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/company-research/internal/research"
)

func TestNew_RequiresClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	assert.Error(t, err)
}

func TestPublisher_PublishesOutcome(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	client, err := pubsub.NewClient(ctx, "research-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	_, err = client.CreateTopic(ctx, "outcomes")
	require.NoError(t, err)

	pub, err := New(client)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })

	outcome := research.TaskOutcome{
		TaskID:     "task-1",
		Kind:       research.KindWebsite,
		Key:        "example.com",
		State:      research.StateFailed,
		Attempts:   3,
		Code:       research.CodeFetchFailed,
		FinishedAt: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	pubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	id, err := pub.Publish(pubCtx, "outcomes", outcome)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "task-1", msgs[0].Attributes["task_id"])
	assert.Equal(t, "FAILED", msgs[0].Attributes["state"])
	assert.Equal(t, "3", msgs[0].Attributes["attempts"])

	var got research.TaskOutcome
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, outcome.TaskID, got.TaskID)
	assert.Equal(t, research.CodeFetchFailed, got.Code)
	assert.True(t, outcome.FinishedAt.Equal(got.FinishedAt))
}

func TestPublisher_RequiresTopic(t *testing.T) {
	t.Parallel()

	pub := &Publisher{topics: map[string]*pubsub.Topic{}}
	_, err := pub.Publish(context.Background(), "", research.TaskOutcome{})
	assert.Error(t, err)
}
