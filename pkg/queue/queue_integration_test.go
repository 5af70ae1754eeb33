//go:build integration

package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verified-polls/backend/pkg/testutil/containers"
)

func TestQueue(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	q := NewQueue(rc.Client, nil)
	ctx := context.Background()

	t.Run("enqueue then dequeue", func(t *testing.T) {
		require.NoError(t, rc.FlushAll(ctx))
		require.NoError(t, q.EnqueueAward(ctx, AwardPayload{PollID: "p1", WalletAddress: "0xabc", VotedAt: time.Now()}))

		job, key, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, QueueAwards, key)
		assert.Equal(t, JobTypeAwardCollectible, job.Type)

		var p AwardPayload
		require.NoError(t, json.Unmarshal(job.Payload, &p))
		assert.Equal(t, "p1", p.PollID)
	})

	t.Run("retries then dead letters", func(t *testing.T) {
		require.NoError(t, rc.FlushAll(ctx))
		job := &Job{ID: "j1", Type: JobTypeAwardCollectible}
		for i := 0; i < MaxRetries; i++ {
			require.NoError(t, q.Retry(ctx, job))
		}
		assert.Equal(t, MaxRetries, job.Attempt)

		pending, err := rc.Client.LLen(ctx, QueueAwards).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(MaxRetries-1), pending)

		dead, err := q.DeadLetters(ctx, 10)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, "j1", dead[0].ID)
	})
}
