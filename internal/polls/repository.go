package polls

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/verified-polls/backend/internal/models"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	passcodeIndex         = "idx_polls_passcode"
	voteUserIndex         = "idx_votes_poll_user"
	voteVoterIndex        = "idx_votes_poll_voter"
	seedLockName          = "polls:seed"
)

const selectPoll = `SELECT id::text, creator_id, title, options, verification_level, visibility, passcode,
	anonymous, choice_type, end_time, created_at FROM polls`

const selectVotes = `SELECT id::text, poll_id::text, user_id, COALESCE(voter_id, ''), choices, created_at
	FROM votes WHERE poll_id = $1 ORDER BY seq`

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresBackend persists polls and votes in PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend creates a backend over an open pool. Run database.Migrate first.
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

// InsertPoll inserts a poll with its store-assigned id and created_at.
func (r *PostgresBackend) InsertPoll(ctx context.Context, p *models.Poll) error {
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return models.NewValidationError("id", "not a uuid")
	}
	var passcode *string
	if code, ok := p.Passcode.Get(); ok {
		passcode = &code
	}
	const query = `INSERT INTO polls (id, creator_id, title, options, verification_level, visibility, passcode,
		anonymous, choice_type, end_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = r.pool.Exec(ctx, query, id, p.CreatorID, p.Title, p.Options, string(p.VerificationLevel),
		string(p.Visibility), passcode, p.Anonymous, string(p.ChoiceType), p.EndTime, p.CreatedAt)
	return mapPgError(err)
}

// PollByID returns a poll by id.
func (r *PostgresBackend) PollByID(ctx context.Context, id string) (*models.Poll, error) {
	pid, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("poll %q: %w", id, models.ErrNotFound)
	}
	return pollByID(ctx, r.pool, pid)
}

// PollByPasscode returns the private poll with this passcode.
func (r *PostgresBackend) PollByPasscode(ctx context.Context, code string) (*models.Poll, error) {
	p, err := scanPoll(r.pool.QueryRow(ctx, selectPoll+` WHERE visibility = 'private' AND passcode = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("passcode: %w", models.ErrNotFound)
	}
	return p, err
}

// Polls returns every poll.
func (r *PostgresBackend) Polls(ctx context.Context) ([]models.Poll, error) {
	rows, err := r.pool.Query(ctx, selectPoll+` ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Poll
	for rows.Next() {
		p, err := scanPoll(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}
	return list, rows.Err()
}

// InsertVote runs check and the insert in one transaction holding a per-poll advisory lock.
// The unique indexes on (poll_id, user_id) and (poll_id, voter_id) back the check up.
func (r *PostgresBackend) InsertVote(ctx context.Context, v *models.Vote, check VoteCheck) error {
	pollID, err := uuid.Parse(v.PollID)
	if err != nil {
		return fmt.Errorf("poll %q: %w", v.PollID, models.ErrNotFound)
	}
	voteID, err := uuid.Parse(v.ID)
	if err != nil {
		return models.NewValidationError("id", "not a uuid")
	}
	var voterID *string
	if v.VoterID != "" {
		voterID = &v.VoterID
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, pollID.String()); err != nil {
			return err
		}
		p, err := pollByID(ctx, tx, pollID)
		if err != nil {
			return err
		}
		existing, err := votesForPoll(ctx, tx, pollID)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(p, existing); err != nil {
				return err
			}
		}
		const query = `INSERT INTO votes (id, poll_id, user_id, voter_id, choices, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`
		_, err = tx.Exec(ctx, query, voteID, pollID, v.UserID, voterID, v.Choices, v.Timestamp)
		return mapPgError(err)
	})
}

// WithSeedLock holds a session-level advisory lock on a dedicated connection while fn runs,
// so instances starting together seed at most once.
func (r *PostgresBackend) WithSeedLock(ctx context.Context, fn func(ctx context.Context) error) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire seed lock conn: %w", err)
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, seedLockName); err != nil {
		return fmt.Errorf("seed lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock(hashtext($1))`, seedLockName)
	}()
	return fn(ctx)
}

// VotesForPoll returns the poll's votes in insertion order.
func (r *PostgresBackend) VotesForPoll(ctx context.Context, pollID string) ([]models.Vote, error) {
	pid, err := uuid.Parse(pollID)
	if err != nil {
		return nil, fmt.Errorf("poll %s: %w", pollID, models.ErrNotFound)
	}
	return votesForPoll(ctx, r.pool, pid)
}

func pollByID(ctx context.Context, q querier, id uuid.UUID) (*models.Poll, error) {
	p, err := scanPoll(q.QueryRow(ctx, selectPoll+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("poll %s: %w", id, models.ErrNotFound)
	}
	return p, err
}

// VotesByIdentity returns votes cast by the wallet or the human id, newest first.
func (r *PostgresBackend) VotesByIdentity(ctx context.Context, userID, voterID string) ([]models.Vote, error) {
	const query = `SELECT id::text, poll_id::text, user_id, COALESCE(voter_id, ''), choices, created_at
		FROM votes WHERE user_id = $1 OR ($2 <> '' AND voter_id = $2)
		ORDER BY created_at DESC, seq DESC`
	rows, err := r.pool.Query(ctx, query, userID, voterID)
	if err != nil {
		return nil, err
	}
	return scanVotes(rows)
}

func votesForPoll(ctx context.Context, q querier, pollID uuid.UUID) ([]models.Vote, error) {
	rows, err := q.Query(ctx, selectVotes, pollID)
	if err != nil {
		return nil, err
	}
	return scanVotes(rows)
}

func scanVotes(rows pgx.Rows) ([]models.Vote, error) {
	defer rows.Close()
	var list []models.Vote
	for rows.Next() {
		var v models.Vote
		if err := rows.Scan(&v.ID, &v.PollID, &v.UserID, &v.VoterID, &v.Choices, &v.Timestamp); err != nil {
			return nil, err
		}
		list = append(list, v)
	}
	return list, rows.Err()
}

func scanPoll(row pgx.Row) (*models.Poll, error) {
	var (
		p                  models.Poll
		level, vis, choice string
		passcode           *string
	)
	err := row.Scan(&p.ID, &p.CreatorID, &p.Title, &p.Options, &level, &vis, &passcode,
		&p.Anonymous, &choice, &p.EndTime, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.VerificationLevel = models.VerificationLevel(level)
	p.Visibility = models.Visibility(vis)
	p.ChoiceType = models.ChoiceType(choice)
	if passcode != nil {
		p.Passcode = models.SomePasscode(*passcode)
	}
	return &p, nil
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		switch pgErr.ConstraintName {
		case passcodeIndex:
			return models.NewValidationError("passcode", "already in use")
		case voteUserIndex, voteVoterIndex:
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, models.ErrDuplicateVote)
		}
	case pgForeignKeyViolation:
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, models.ErrNotFound)
	}
	return err
}
