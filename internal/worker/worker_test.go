package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/verified-polls/backend/internal/models"
	"github.com/verified-polls/backend/pkg/queue"
)

type memAwarder struct {
	mu    sync.Mutex
	byKey map[string]models.Collectible
	fail  int
}

func (m *memAwarder) Award(_ context.Context, wallet string, c models.Collectible) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail > 0 {
		m.fail--
		return false, errors.New("redis down")
	}
	if m.byKey == nil {
		m.byKey = make(map[string]models.Collectible)
	}
	k := wallet + "|" + c.PollID
	if _, ok := m.byKey[k]; ok {
		return false, nil
	}
	m.byKey[k] = c
	return true, nil
}

// chanQueue mimics the Redis queue with a channel, moving jobs to dead after MaxRetries.
type chanQueue struct {
	jobs chan *queue.Job
	mu   sync.Mutex
	dead []*queue.Job
}

func (q *chanQueue) Dequeue(ctx context.Context) (*queue.Job, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case j := <-q.jobs:
		return j, queue.QueueAwards, nil
	}
}

func (q *chanQueue) Retry(_ context.Context, job *queue.Job) error {
	job.Attempt++
	if job.Attempt >= queue.MaxRetries {
		q.mu.Lock()
		q.dead = append(q.dead, job)
		q.mu.Unlock()
		return nil
	}
	q.jobs <- job
	return nil
}

func awardJob(t *testing.T, p queue.AwardPayload) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return &queue.Job{ID: "j-" + p.PollID, Type: queue.JobTypeAwardCollectible, Payload: raw}
}

func TestProcess(t *testing.T) {
	ctx := context.Background()
	store := &memAwarder{}
	p := NewAwardProcessor(store, nil, nil, zap.NewNop())

	job := awardJob(t, queue.AwardPayload{PollID: "p1", PollTitle: "Lunch?", WalletAddress: "0xabc", VerificationLevel: "orb"})
	require.NoError(t, p.Process(ctx, job))
	require.NoError(t, p.Process(ctx, job), "reprocessing is idempotent")
	require.Len(t, store.byKey, 1)
	assert.True(t, store.byKey["0xabc|p1"].Golden)

	assert.Error(t, p.Process(ctx, &queue.Job{Type: "other"}))
	assert.Error(t, p.Process(ctx, awardJob(t, queue.AwardPayload{PollID: "p1"})))
}

func TestRunRetriesThenDeadLetters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &memAwarder{fail: 100}
	q := &chanQueue{jobs: make(chan *queue.Job, 4)}
	p := NewAwardProcessor(store, q, nil, zap.NewNop())
	p.retryBackoff = time.Millisecond

	q.jobs <- awardJob(t, queue.AwardPayload{PollID: "p1", WalletAddress: "0xabc"})
	go p.Run(ctx)

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.dead) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, queue.MaxRetries, q.dead[0].Attempt)
}

func TestRunRecoversAfterTransientFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &memAwarder{fail: 1}
	q := &chanQueue{jobs: make(chan *queue.Job, 4)}
	p := NewAwardProcessor(store, q, nil, zap.NewNop())
	p.retryBackoff = time.Millisecond

	q.jobs <- awardJob(t, queue.AwardPayload{PollID: "p1", WalletAddress: "0xabc"})
	go p.Run(ctx)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.byKey) == 1
	}, 2*time.Second, 5*time.Millisecond)
}
