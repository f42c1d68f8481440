package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/company-research/internal/research"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "outcomes", research.TaskOutcome{TaskID: "task-1", State: research.StateSucceeded})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "outcomes", research.TaskOutcome{TaskID: "task-2", State: research.StateFailed})
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "task-2", msgs[1].Payload.(research.TaskOutcome).TaskID)

	msgs[0].Topic = "modified"
	assert.Equal(t, "outcomes", pub.Messages()[0].Topic)
}
