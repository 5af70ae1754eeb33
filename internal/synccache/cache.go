// Package synccache keeps best-effort copies of poll results and per-user vote state, kept
// fresh by store change notifications and a periodic full resync.
package synccache

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/verified-polls/backend/internal/ledger"
	"github.com/verified-polls/backend/internal/models"
	"github.com/verified-polls/backend/pkg/metrics"
)

// Source is the authoritative store the cache reads through and subscribes to.
type Source interface {
	GetPollByID(ctx context.Context, id string) (*models.Poll, error)
	GetVotesForPoll(ctx context.Context, pollID string) ([]models.Vote, error)
	Subscribe(onPollsChanged func(), onVotesChanged func(pollID string)) (unsubscribe func())
}

// Listener is told about recomputed results, e.g. the websocket hub.
type Listener interface {
	ResultsChanged(pollID string, results []models.OptionResult)
}

// Options configures a Cache.
type Options struct {
	RefreshInterval time.Duration
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
	// Watched reports whether clients are subscribed to a poll's results; such polls are
	// recomputed on change even when not cached.
	Watched func(pollID string) bool
}

type resultsEntry struct {
	results []models.OptionResult
}

// Cache holds results keyed by poll id and has-voted flags keyed by identity and poll.
type Cache struct {
	source  Source
	refresh time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
	watched func(pollID string) bool
	group   singleflight.Group

	mu        sync.RWMutex
	results   map[string]resultsEntry
	gen       map[string]uint64
	userVotes map[string]bool
	byPoll    map[string]map[string]struct{}
	listeners []Listener
	pending   map[string]struct{}
	// published is the last aggregate listeners or readers have seen per poll.
	published map[string][]models.OptionResult

	wake chan struct{}
	full chan struct{}
}

// New creates a Cache over source. Call Run to start change handling and periodic refresh.
func New(source Source, opts Options) *Cache {
	c := &Cache{
		source:    source,
		refresh:   opts.RefreshInterval,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		watched:   opts.Watched,
		results:   make(map[string]resultsEntry),
		gen:       make(map[string]uint64),
		userVotes: make(map[string]bool),
		byPoll:    make(map[string]map[string]struct{}),
		pending:   make(map[string]struct{}),
		published: make(map[string][]models.OptionResult),
		wake:      make(chan struct{}, 1),
		full:      make(chan struct{}, 1),
	}
	if c.refresh <= 0 {
		c.refresh = 10 * time.Second
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.watched == nil {
		c.watched = func(string) bool { return false }
	}
	return c
}

// AddListener registers l for result updates.
func (c *Cache) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Results returns the poll's results, loading them from the store on a miss.
func (c *Cache) Results(ctx context.Context, pollID string) ([]models.OptionResult, error) {
	c.mu.RLock()
	e, ok := c.results[pollID]
	c.mu.RUnlock()
	if ok {
		c.metrics.CacheHit("results")
		return cloneResults(e.results), nil
	}
	c.metrics.CacheMiss("results")

	v, err, _ := c.group.Do("results:"+pollID, func() (any, error) {
		return c.loadResults(ctx, pollID)
	})
	if err != nil {
		return nil, err
	}
	return cloneResults(v.([]models.OptionResult)), nil
}

// loadResults reads poll and votes and caches the aggregate unless the poll was invalidated
// while loading.
func (c *Cache) loadResults(ctx context.Context, pollID string) ([]models.OptionResult, error) {
	c.mu.RLock()
	startGen := c.gen[pollID]
	c.mu.RUnlock()

	p, err := c.source.GetPollByID(ctx, pollID)
	if err != nil {
		return nil, err
	}
	votes, err := c.source.GetVotesForPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}
	results := ledger.ComputeResults(p, votes)

	c.mu.Lock()
	if c.gen[pollID] == startGen {
		c.results[pollID] = resultsEntry{results: results}
	}
	if _, ok := c.published[pollID]; !ok {
		c.published[pollID] = results
	}
	c.mu.Unlock()
	return results, nil
}

// HasVoted reports whether the identity has a counted vote on the poll.
func (c *Cache) HasVoted(ctx context.Context, pollID, userID, voterID string) (bool, error) {
	key := userKey(userID, pollID, voterID)
	c.mu.RLock()
	voted, ok := c.userVotes[key]
	c.mu.RUnlock()
	if ok {
		c.metrics.CacheHit("user_votes")
		return voted, nil
	}
	c.metrics.CacheMiss("user_votes")

	v, err, _ := c.group.Do("voted:"+key, func() (any, error) {
		c.mu.RLock()
		startGen := c.gen[pollID]
		c.mu.RUnlock()

		votes, err := c.source.GetVotesForPoll(ctx, pollID)
		if err != nil {
			return false, err
		}
		voted := ledger.FindDuplicate(votes, userID, voterID) != nil

		c.mu.Lock()
		if c.gen[pollID] == startGen {
			c.setUserVoteLocked(pollID, key, voted)
		}
		c.mu.Unlock()
		return voted, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// MarkVoted records a just-accepted vote so the voter sees it without a round trip.
func (c *Cache) MarkVoted(pollID, userID, voterID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setUserVoteLocked(pollID, userKey(userID, pollID, voterID), true)
}

func (c *Cache) setUserVoteLocked(pollID, key string, voted bool) {
	c.userVotes[key] = voted
	if c.byPoll[pollID] == nil {
		c.byPoll[pollID] = make(map[string]struct{})
	}
	c.byPoll[pollID][key] = struct{}{}
}

// ClearUser drops every cached entry of the user, called on sign-out.
func (c *Cache) ClearUser(userID string) {
	prefix := userID + "|"
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.userVotes {
		if strings.HasPrefix(key, prefix) {
			delete(c.userVotes, key)
			for _, keys := range c.byPoll {
				delete(keys, key)
			}
		}
	}
}

// Clear drops everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.results {
		c.gen[id]++
	}
	c.results = make(map[string]resultsEntry)
	c.userVotes = make(map[string]bool)
	c.byPoll = make(map[string]map[string]struct{})
}

// InvalidatePoll handles a votes change for the poll: cached results are dropped, the poll is
// queued for recomputation when cached or watched, and user-vote entries for the poll are dropped.
func (c *Cache) InvalidatePoll(pollID string) {
	watched := c.watched(pollID)
	c.mu.Lock()
	c.gen[pollID]++
	_, cached := c.results[pollID]
	delete(c.results, pollID)
	if cached || watched {
		c.pending[pollID] = struct{}{}
	}
	for key := range c.byPoll[pollID] {
		delete(c.userVotes, key)
	}
	delete(c.byPoll, pollID)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// RequestResync schedules a full resync on the Run loop.
func (c *Cache) RequestResync() {
	select {
	case c.full <- struct{}{}:
	default:
	}
}

// Resync re-fetches every cached poll, drops all user-vote entries and notifies listeners
// of results that changed.
func (c *Cache) Resync(ctx context.Context) {
	c.metrics.IncResync()
	c.mu.Lock()
	ids := make([]string, 0, len(c.results))
	for id := range c.results {
		if _, ok := c.pending[id]; !ok {
			ids = append(ids, id)
		}
	}
	forced := make([]string, 0, len(c.pending))
	for id := range c.pending {
		forced = append(forced, id)
	}
	c.pending = make(map[string]struct{})
	for id := range c.byPoll {
		c.gen[id]++
	}
	c.userVotes = make(map[string]bool)
	c.byPoll = make(map[string]map[string]struct{})
	c.mu.Unlock()

	for _, id := range forced {
		c.recompute(ctx, id, true)
	}
	for _, id := range ids {
		c.recompute(ctx, id, false)
	}
}

func (c *Cache) recomputePending(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.pending = make(map[string]struct{})
	c.mu.Unlock()

	for _, id := range ids {
		c.recompute(ctx, id, true)
	}
}

// recompute reloads the poll's results and hands them to listeners. Unless force is set,
// results equal to the last published aggregate are not pushed again.
func (c *Cache) recompute(ctx context.Context, pollID string, force bool) {
	results, err := c.loadResults(ctx, pollID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.mu.Lock()
			delete(c.results, pollID)
			c.mu.Unlock()
			return
		}
		c.logger.Warn("recompute results", zap.String("poll_id", pollID), zap.Error(err))
		return
	}
	c.mu.Lock()
	prev, hadPrev := c.published[pollID]
	if !force && hadPrev && equalResults(prev, results) {
		c.mu.Unlock()
		return
	}
	c.published[pollID] = results
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()
	for _, l := range listeners {
		l.ResultsChanged(pollID, cloneResults(results))
	}
}

// Run subscribes to store changes and refreshes on every tick until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	unsubscribe := c.source.Subscribe(c.RequestResync, c.InvalidatePoll)
	defer unsubscribe()

	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()

	c.logger.Info("sync cache started", zap.Duration("refresh_interval", c.refresh))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Resync(ctx)
		case <-c.full:
			c.Resync(ctx)
		case <-c.wake:
			c.recomputePending(ctx)
		}
	}
}

func userKey(userID, pollID, voterID string) string {
	if voterID == "" {
		return userID + "|" + pollID
	}
	return userID + "|" + pollID + "|" + voterID
}

func cloneResults(in []models.OptionResult) []models.OptionResult {
	out := make([]models.OptionResult, len(in))
	for i, r := range in {
		out[i] = r
		if r.Voters != nil {
			out[i].Voters = slices.Clone(r.Voters)
		}
	}
	return out
}

func equalResults(a, b []models.OptionResult) bool {
	return slices.EqualFunc(a, b, func(x, y models.OptionResult) bool {
		return x.Option == y.Option && x.Count == y.Count && slices.Equal(x.Voters, y.Voters)
	})
}
