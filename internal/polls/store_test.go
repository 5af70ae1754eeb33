package polls

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verified-polls/backend/internal/models"
)

func newTestStore(t *testing.T, backend Backend) *Store {
	t.Helper()
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return NewStore(backend, Options{RetryBaseDelay: time.Millisecond})
}

func pollInput(title string) models.PollInput {
	return models.PollInput{
		CreatorID:         "0xcreator",
		Title:             title,
		Options:           []string{"A", "B"},
		VerificationLevel: models.LevelNone,
		Visibility:        models.VisibilityPublic,
		ChoiceType:        models.ChoiceSingle,
		EndTime:           time.Now().Add(time.Hour),
	}
}

func TestCreatePollValidation(t *testing.T) {
	long := make([]byte, models.MaxTitleLength+1)
	for i := range long {
		long[i] = 'x'
	}
	tests := []struct {
		name   string
		mutate func(*models.PollInput)
		field  string
	}{
		{"empty title", func(in *models.PollInput) { in.Title = "   " }, "title"},
		{"long title", func(in *models.PollInput) { in.Title = string(long) }, "title"},
		{"one option", func(in *models.PollInput) { in.Options = []string{"A"} }, "options"},
		{"eleven options", func(in *models.PollInput) {
			in.Options = []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "11"}
		}, "options"},
		{"blank option", func(in *models.PollInput) { in.Options = []string{"A", " "} }, "options"},
		{"bad tier", func(in *models.PollInput) { in.VerificationLevel = "retina" }, "verification_level"},
		{"bad visibility", func(in *models.PollInput) { in.Visibility = "secret" }, "visibility"},
		{"bad choice type", func(in *models.PollInput) { in.ChoiceType = "ranked" }, "choice_type"},
		{"no end time", func(in *models.PollInput) { in.EndTime = time.Time{} }, "end_time"},
		{"no creator", func(in *models.PollInput) { in.CreatorID = "" }, "creator_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t, nil)
			in := pollInput("Lunch?")
			tt.mutate(&in)
			_, err := s.CreatePoll(context.Background(), in)
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrValidation)
			var ve *models.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestCreatePoll(t *testing.T) {
	ctx := context.Background()

	t.Run("trims and assigns id", func(t *testing.T) {
		s := newTestStore(t, nil)
		in := pollInput("  Lunch?  ")
		in.Options = []string{" Pizza ", "Sushi"}
		p, err := s.CreatePoll(ctx, in)
		require.NoError(t, err)
		assert.NotEmpty(t, p.ID)
		assert.False(t, p.CreatedAt.IsZero())
		assert.Equal(t, "Lunch?", p.Title)
		assert.Equal(t, []string{"Pizza", "Sushi"}, p.Options)

		got, err := s.GetPollByID(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, p.Title, got.Title)
	})

	t.Run("title of exactly max length accepted", func(t *testing.T) {
		s := newTestStore(t, nil)
		title := make([]rune, models.MaxTitleLength)
		for i := range title {
			title[i] = 'é'
		}
		_, err := s.CreatePoll(ctx, pollInput(string(title)))
		require.NoError(t, err)
	})

	t.Run("private poll gets generated passcode", func(t *testing.T) {
		s := newTestStore(t, nil)
		in := pollInput("Secret")
		in.Visibility = models.VisibilityPrivate
		p, err := s.CreatePoll(ctx, in)
		require.NoError(t, err)
		code, ok := p.Passcode.Get()
		require.True(t, ok)
		assert.Len(t, code, passcodeLength)
	})

	t.Run("public poll drops passcode", func(t *testing.T) {
		s := newTestStore(t, nil)
		in := pollInput("Open")
		in.Passcode = models.SomePasscode("XYZ")
		p, err := s.CreatePoll(ctx, in)
		require.NoError(t, err)
		assert.False(t, p.Passcode.IsSet())
	})

	t.Run("passcode collision rejected", func(t *testing.T) {
		s := newTestStore(t, nil)
		in := pollInput("Secret")
		in.Visibility = models.VisibilityPrivate
		in.Passcode = models.SomePasscode("XYZ")
		_, err := s.CreatePoll(ctx, in)
		require.NoError(t, err)
		_, err = s.CreatePoll(ctx, in)
		assert.ErrorIs(t, err, models.ErrValidation)
	})
}

func TestGetPollByPasscode(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	in := pollInput("Secret")
	in.Visibility = models.VisibilityPrivate
	in.Passcode = models.SomePasscode("XYZ")
	private, err := s.CreatePoll(ctx, in)
	require.NoError(t, err)
	_, err = s.CreatePoll(ctx, pollInput("Open"))
	require.NoError(t, err)

	got, err := s.GetPollByPasscode(ctx, "XYZ")
	require.NoError(t, err)
	assert.Equal(t, private.ID, got.ID)

	_, err = s.GetPollByPasscode(ctx, "xyz")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = s.GetPollByPasscode(ctx, "")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestListPolls(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(NewMemoryBackend(), Options{
		RetryBaseDelay: time.Millisecond,
		Now:            func() time.Time { return clock },
	})

	mk := func(title string, level models.VerificationLevel, vis models.Visibility, end time.Duration) *models.Poll {
		in := pollInput(title)
		in.VerificationLevel = level
		in.Visibility = vis
		in.EndTime = clock.Add(end)
		p, err := s.CreatePoll(ctx, in)
		require.NoError(t, err)
		clock = clock.Add(time.Minute)
		return p
	}
	none := mk("none", models.LevelNone, models.VisibilityPublic, time.Hour)
	device := mk("device", models.LevelDevice, models.VisibilityPublic, time.Hour)
	orb := mk("orb", models.LevelOrb, models.VisibilityPublic, time.Hour)
	mk("private", models.LevelNone, models.VisibilityPrivate, time.Hour)
	ended := mk("ended", models.LevelNone, models.VisibilityPublic, time.Second)

	ids := func(list []models.Poll) []string {
		out := make([]string, len(list))
		for i, p := range list {
			out[i] = p.ID
		}
		return out
	}

	t.Run("device viewer", func(t *testing.T) {
		list, err := s.ListPolls(ctx, ListOptions{Viewer: models.LevelDevice})
		require.NoError(t, err)
		assert.Equal(t, []string{ended.ID, device.ID, none.ID}, ids(list))
	})

	t.Run("orb viewer sees all public", func(t *testing.T) {
		list, err := s.ListPolls(ctx, ListOptions{Viewer: models.LevelOrb})
		require.NoError(t, err)
		assert.Equal(t, []string{ended.ID, orb.ID, device.ID, none.ID}, ids(list))
	})

	t.Run("absent tier behaves as none", func(t *testing.T) {
		list, err := s.ListPolls(ctx, ListOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{ended.ID, none.ID}, ids(list))
	})

	t.Run("exclude expired", func(t *testing.T) {
		list, err := s.ListPolls(ctx, ListOptions{Viewer: models.LevelNone, ExcludeExpired: true})
		require.NoError(t, err)
		assert.Equal(t, []string{none.ID}, ids(list))
	})
}

func TestCreateVote(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects invalid choices", func(t *testing.T) {
		s := newTestStore(t, nil)
		p, err := s.CreatePoll(ctx, pollInput("Lunch?"))
		require.NoError(t, err)
		_, err = s.CreateVote(ctx, models.VoteInput{PollID: p.ID, UserID: "u1", Choices: []int{0, 1}})
		assert.ErrorIs(t, err, models.ErrValidation)
		votes, err := s.GetVotesForPoll(ctx, p.ID)
		require.NoError(t, err)
		assert.Empty(t, votes)
	})

	t.Run("unknown poll", func(t *testing.T) {
		s := newTestStore(t, nil)
		_, err := s.CreateVote(ctx, models.VoteInput{PollID: "missing", UserID: "u1", Choices: []int{0}})
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("same user twice", func(t *testing.T) {
		s := newTestStore(t, nil)
		p, err := s.CreatePoll(ctx, pollInput("Lunch?"))
		require.NoError(t, err)
		_, err = s.CreateVote(ctx, models.VoteInput{PollID: p.ID, UserID: "u1", Choices: []int{0}})
		require.NoError(t, err)
		_, err = s.CreateVote(ctx, models.VoteInput{PollID: p.ID, UserID: "u1", Choices: []int{1}})
		assert.ErrorIs(t, err, models.ErrDuplicateVote)
	})

	t.Run("same human with a second wallet", func(t *testing.T) {
		s := newTestStore(t, nil)
		p, err := s.CreatePoll(ctx, pollInput("Lunch?"))
		require.NoError(t, err)
		_, err = s.CreateVote(ctx, models.VoteInput{PollID: p.ID, UserID: "w1", VoterID: "h", Choices: []int{0}})
		require.NoError(t, err)
		_, err = s.CreateVote(ctx, models.VoteInput{PollID: p.ID, UserID: "w2", VoterID: "h", Choices: []int{1}})
		assert.ErrorIs(t, err, models.ErrDuplicateVote)

		votes, err := s.GetVotesForPoll(ctx, p.ID)
		require.NoError(t, err)
		assert.Len(t, votes, 1)
	})

	t.Run("choices stored sorted", func(t *testing.T) {
		s := newTestStore(t, nil)
		in := pollInput("Toppings")
		in.Options = []string{"A", "B", "C"}
		in.ChoiceType = models.ChoiceMulti
		p, err := s.CreatePoll(ctx, in)
		require.NoError(t, err)
		v, err := s.CreateVote(ctx, models.VoteInput{PollID: p.ID, UserID: "u1", Choices: []int{2, 0}})
		require.NoError(t, err)
		assert.Equal(t, []int{0, 2}, v.Choices)
	})

	t.Run("concurrent submissions store exactly one", func(t *testing.T) {
		s := newTestStore(t, nil)
		p, err := s.CreatePoll(ctx, pollInput("Lunch?"))
		require.NoError(t, err)

		const n = 50
		var wg sync.WaitGroup
		var ok, dup atomic.Int32
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.CreateVote(ctx, models.VoteInput{
					PollID:  p.ID,
					UserID:  fmt.Sprintf("wallet-%d", i%2),
					VoterID: "same-human",
					Choices: []int{i % 2},
				})
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, models.ErrDuplicateVote):
					dup.Add(1)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), ok.Load())
		assert.Equal(t, int32(n-1), dup.Load())
		votes, err := s.GetVotesForPoll(ctx, p.ID)
		require.NoError(t, err)
		assert.Len(t, votes, 1)
	})
}

type flakyBackend struct {
	*MemoryBackend
	failures int32
	calls    atomic.Int32
}

func (f *flakyBackend) PollByID(ctx context.Context, id string) (*models.Poll, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, errors.New("connection reset")
	}
	return f.MemoryBackend.PollByID(ctx, id)
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("recovers within attempts", func(t *testing.T) {
		fb := &flakyBackend{MemoryBackend: NewMemoryBackend(), failures: 2}
		s := newTestStore(t, fb)
		p, err := s.CreatePoll(ctx, pollInput("Lunch?"))
		require.NoError(t, err)

		got, err := s.GetPollByID(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, p.ID, got.ID)
		assert.Equal(t, int32(3), fb.calls.Load())
	})

	t.Run("exhaustion is unavailable", func(t *testing.T) {
		fb := &flakyBackend{MemoryBackend: NewMemoryBackend(), failures: 100}
		s := newTestStore(t, fb)
		_, err := s.GetPollByID(ctx, "any")
		assert.ErrorIs(t, err, models.ErrUnavailable)
		assert.Equal(t, int32(3), fb.calls.Load())
	})

	t.Run("not found is not retried", func(t *testing.T) {
		fb := &flakyBackend{MemoryBackend: NewMemoryBackend()}
		s := newTestStore(t, fb)
		_, err := s.GetPollByID(ctx, "missing")
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.NotErrorIs(t, err, models.ErrUnavailable)
		assert.Equal(t, int32(1), fb.calls.Load())
	})
}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recordingPublisher) PublishChange(_ context.Context, c Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
	return nil
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	s := NewStore(NewMemoryBackend(), Options{Publisher: pub, RetryBaseDelay: time.Millisecond})

	var pollsChanged atomic.Int32
	var votedPolls []string
	var mu sync.Mutex
	unsubscribe := s.Subscribe(
		func() { pollsChanged.Add(1) },
		func(pollID string) {
			mu.Lock()
			votedPolls = append(votedPolls, pollID)
			mu.Unlock()
		},
	)

	p, err := s.CreatePoll(ctx, pollInput("Lunch?"))
	require.NoError(t, err)
	_, err = s.CreateVote(ctx, models.VoteInput{PollID: p.ID, UserID: "u1", Choices: []int{0}})
	require.NoError(t, err)

	assert.Equal(t, int32(1), pollsChanged.Load())
	assert.Equal(t, []string{p.ID}, votedPolls)
	require.Len(t, pub.changes, 2)
	assert.Equal(t, ChangePolls, pub.changes[0].Kind)
	assert.Equal(t, Change{Kind: ChangeVotes, PollID: p.ID, At: pub.changes[1].At}, pub.changes[1])

	s.HandleRemoteChange(Change{Kind: ChangeVotes, PollID: "remote"})
	s.HandleReconnect()
	assert.Equal(t, int32(2), pollsChanged.Load())
	assert.Equal(t, []string{p.ID, "remote"}, votedPolls)

	unsubscribe()
	unsubscribe()
	s.HandleRemoteChange(Change{Kind: ChangePolls})
	assert.Equal(t, int32(2), pollsChanged.Load())
}

func TestSeed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	require.NoError(t, Seed(ctx, s))
	list, err := s.ListPolls(ctx, ListOptions{Viewer: models.LevelOrb})
	require.NoError(t, err)
	require.Len(t, list, 3)

	private, err := s.GetPollByPasscode(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, models.ChoiceMulti, private.ChoiceType)

	var first *models.Poll
	for i := range list {
		if list[i].Title == "What feature should we build next?" {
			first = &list[i]
		}
	}
	require.NotNil(t, first)
	votes, err := s.GetVotesForPoll(ctx, first.ID)
	require.NoError(t, err)
	assert.Len(t, votes, 2)

	require.NoError(t, Seed(ctx, s))
	list, err = s.ListPolls(ctx, ListOptions{Viewer: models.LevelOrb})
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestSeedConcurrentInstances(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	stores := []*Store{newTestStore(t, backend), newTestStore(t, backend), newTestStore(t, backend)}

	var wg sync.WaitGroup
	errs := make([]error, len(stores))
	for i, s := range stores {
		wg.Add(1)
		go func(i int, s *Store) {
			defer wg.Done()
			errs[i] = Seed(ctx, s)
		}(i, s)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	all, err := backend.Polls(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	var votes int
	for _, p := range all {
		vs, err := backend.VotesForPoll(ctx, p.ID)
		require.NoError(t, err)
		votes += len(vs)
	}
	assert.Equal(t, 2, votes)
}

func TestGetVotesByIdentity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	a, err := s.CreatePoll(ctx, pollInput("A"))
	require.NoError(t, err)
	b, err := s.CreatePoll(ctx, pollInput("B"))
	require.NoError(t, err)

	_, err = s.CreateVote(ctx, models.VoteInput{PollID: a.ID, UserID: "w1", VoterID: "h1", Choices: []int{0}})
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = s.CreateVote(ctx, models.VoteInput{PollID: b.ID, UserID: "w2", VoterID: "h1", Choices: []int{1}})
	require.NoError(t, err)
	_, err = s.CreateVote(ctx, models.VoteInput{PollID: b.ID, UserID: "w3", Choices: []int{1}})
	require.NoError(t, err)

	votes, err := s.GetVotesByIdentity(ctx, "w1", "h1")
	require.NoError(t, err)
	require.Len(t, votes, 2)
	assert.Equal(t, b.ID, votes[0].PollID, "most recent first")
	assert.Equal(t, a.ID, votes[1].PollID)

	votes, err = s.GetVotesByIdentity(ctx, "w1", "")
	require.NoError(t, err)
	assert.Len(t, votes, 1)

	_, err = s.GetVotesByIdentity(ctx, " ", "h1")
	assert.ErrorIs(t, err, models.ErrValidation)
}
