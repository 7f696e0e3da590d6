package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fitwager/coordinator/internal/models"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Postgres wraps the PostgreSQL connection pool
type Postgres struct {
	Pool *pgxpool.Pool
	url  string
}

var (
	_ Store    = (*Postgres)(nil)
	_ Migrator = (*Postgres)(nil)
)

// NewPostgres creates a new database connection
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Postgres{Pool: pool, url: databaseURL}, nil
}

// Close closes the database connection
func (db *Postgres) Close() error {
	db.Pool.Close()
	return nil
}

func (db *Postgres) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Migrate runs database migrations from migrationsPath, or from the
// bundled schema when the path is empty.
func (db *Postgres) Migrate(ctx context.Context, migrationsPath string) error {
	var (
		m   *migrate.Migrate
		err error
	)

	if migrationsPath == "" {
		src, serr := iofs.New(migrationsFS, postgresMigrationsDir)
		if serr != nil {
			return fmt.Errorf("failed to open bundled migrations: %w", serr)
		}
		m, err = migrate.NewWithSourceInstance("iofs", src, db.url)
	} else {
		absPath, aerr := filepath.Abs(migrationsPath)
		if aerr != nil {
			return fmt.Errorf("failed to get absolute path: %w", aerr)
		}
		if _, serr := os.Stat(absPath); os.IsNotExist(serr) {
			return fmt.Errorf("migrations directory does not exist: %s", absPath)
		}
		m, err = migrate.New("file://"+absPath, db.url)
	}
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

const pgChallengeColumns = `id, title, description, creator, challenge_type, goal, entry_fee::text,
	is_usdc, is_public, start_time, end_time, status, winner, winner_score, win_method,
	ended_at, created_at, updated_at`

const pgVerificationColumns = `challenge_id, identity, challenge_type, window_start, window_end,
	raw_data, calculated_score, meets_goal, verified_at, verification_hash, hash_version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPgChallenge(row rowScanner) (*models.Challenge, error) {
	var (
		c                   models.Challenge
		ctype, status, meth string
		fee                 string
	)
	err := row.Scan(&c.ID, &c.Title, &c.Description, &c.Creator, &ctype, &c.Goal, &fee,
		&c.IsUSDC, &c.IsPublic, &c.StartTime, &c.EndTime, &status, &c.Winner, &c.WinnerScore, &meth,
		&c.EndedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Type = models.ChallengeType(ctype)
	c.Status = models.ChallengeStatus(status)
	c.WinMethod = models.WinMethod(meth)
	if c.EntryFee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("invalid entry fee %q: %w", fee, err)
	}
	normalizeChallengeTimes(&c)
	return &c, nil
}

func scanPgVerification(row rowScanner) (*models.FitnessVerification, error) {
	var (
		v     models.FitnessVerification
		ctype string
		raw   []byte
	)
	err := row.Scan(&v.ChallengeID, &v.Identity, &ctype, &v.WindowStart, &v.WindowEnd,
		&raw, &v.CalculatedScore, &v.MeetsGoal, &v.VerifiedAt, &v.Hash, &v.HashVersion)
	if err != nil {
		return nil, err
	}
	v.ID = models.ParticipantKey(v.ChallengeID, v.Identity)
	v.ChallengeType = models.ChallengeType(ctype)
	if err := json.Unmarshal(raw, &v.Raw); err != nil {
		return nil, fmt.Errorf("failed to decode raw data: %w", err)
	}
	normalizeVerificationTimes(&v)
	return &v, nil
}

func (db *Postgres) CreateChallenge(ctx context.Context, c *models.Challenge) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO challenges (id, title, description, creator, challenge_type, goal, entry_fee,
			is_usdc, is_public, start_time, end_time, status, winner, winner_score, win_method,
			ended_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		c.ID, c.Title, c.Description, c.Creator, string(c.Type), c.Goal, c.EntryFee.String(),
		c.IsUSDC, c.IsPublic, c.StartTime, c.EndTime, string(c.Status), c.Winner, c.WinnerScore,
		string(c.WinMethod), c.EndedAt, c.CreatedAt, c.UpdatedAt)
	if isPgCode(err, "23505") {
		return alreadyExists("challenge", c.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create challenge: %w", err)
	}
	return nil
}

func (db *Postgres) GetChallenge(ctx context.Context, id string) (*models.Challenge, error) {
	c, err := scanPgChallenge(db.Pool.QueryRow(ctx,
		"SELECT "+pgChallengeColumns+" FROM challenges WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("challenge", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}
	return c, nil
}

func (db *Postgres) UpdateChallenge(ctx context.Context, c *models.Challenge) error {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE challenges SET title = $2, description = $3, status = $4, winner = $5,
			winner_score = $6, win_method = $7, ended_at = $8, updated_at = $9
		 WHERE id = $1`,
		c.ID, c.Title, c.Description, string(c.Status), c.Winner, c.WinnerScore,
		string(c.WinMethod), c.EndedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update challenge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("challenge", c.ID)
	}
	return nil
}

func (db *Postgres) ListChallenges(ctx context.Context, filter models.ChallengeFilter) ([]models.Challenge, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Status != "" {
		where = append(where, "c.status = "+arg(string(filter.Status)))
	}
	if filter.Public != nil {
		where = append(where, "c.is_public = "+arg(*filter.Public))
	}
	if filter.Creator != "" {
		where = append(where, "c.creator = "+arg(filter.Creator))
	}
	if filter.Participant != "" {
		where = append(where, `EXISTS (SELECT 1 FROM participants p
			WHERE p.challenge_id = c.id AND p.has_joined AND p.identity = `+arg(filter.Participant)+`)`)
	}

	query := "SELECT " + prefixColumns("c.", pgChallengeColumns) + " FROM challenges c"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY c.created_at DESC, c.id ASC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list challenges: %w", err)
	}
	defer rows.Close()

	var out []models.Challenge
	for rows.Next() {
		c, err := scanPgChallenge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (db *Postgres) GetParticipant(ctx context.Context, challengeID, identity string) (*models.Participant, error) {
	var p models.Participant
	err := db.Pool.QueryRow(ctx,
		`SELECT id, challenge_id, identity, score, has_joined, has_submitted, joined_at, last_verification
		 FROM participants WHERE challenge_id = $1 AND identity = $2`,
		challengeID, identity).Scan(&p.ID, &p.ChallengeID, &p.Identity, &p.Score, &p.HasJoined,
		&p.HasSubmitted, &p.JoinedAt, &p.LastVerification)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("participant", models.ParticipantKey(challengeID, identity))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	normalizeParticipantTimes(&p)

	if p.HasSubmitted {
		v, err := db.GetVerification(ctx, challengeID, identity)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		p.Verification = v
	}
	return &p, nil
}

func (db *Postgres) UpsertParticipant(ctx context.Context, p *models.Participant) error {
	p.ID = models.ParticipantKey(p.ChallengeID, p.Identity)
	err := upsertPgParticipant(ctx, db.Pool, p)
	if isPgCode(err, "23503") {
		return notFound("challenge", p.ChallengeID)
	}
	return err
}

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func upsertPgParticipant(ctx context.Context, q pgExecer, p *models.Participant) error {
	_, err := q.Exec(ctx,
		`INSERT INTO participants (id, challenge_id, identity, score, has_joined, has_submitted, joined_at, last_verification)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET score = EXCLUDED.score, has_joined = EXCLUDED.has_joined,
			has_submitted = EXCLUDED.has_submitted, joined_at = EXCLUDED.joined_at,
			last_verification = EXCLUDED.last_verification`,
		p.ID, p.ChallengeID, p.Identity, p.Score, p.HasJoined, p.HasSubmitted, p.JoinedAt, p.LastVerification)
	if err != nil {
		return fmt.Errorf("failed to upsert participant: %w", err)
	}
	return nil
}

func (db *Postgres) ListParticipants(ctx context.Context, challengeID string) ([]models.Participant, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, challenge_id, identity, score, has_joined, has_submitted, joined_at, last_verification
		 FROM participants WHERE challenge_id = $1 ORDER BY joined_at ASC, identity ASC`,
		challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer rows.Close()

	var out []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.ID, &p.ChallengeID, &p.Identity, &p.Score, &p.HasJoined,
			&p.HasSubmitted, &p.JoinedAt, &p.LastVerification); err != nil {
			return nil, err
		}
		normalizeParticipantTimes(&p)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	vrows, err := db.Pool.Query(ctx,
		"SELECT "+pgVerificationColumns+" FROM verifications WHERE challenge_id = $1", challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list verifications: %w", err)
	}
	defer vrows.Close()

	byIdentity := make(map[string]*models.FitnessVerification)
	for vrows.Next() {
		v, err := scanPgVerification(vrows)
		if err != nil {
			return nil, err
		}
		byIdentity[v.Identity] = v
	}
	for i := range out {
		out[i].Verification = byIdentity[out[i].Identity]
	}
	return out, vrows.Err()
}

func (db *Postgres) GetVerification(ctx context.Context, challengeID, identity string) (*models.FitnessVerification, error) {
	v, err := scanPgVerification(db.Pool.QueryRow(ctx,
		"SELECT "+pgVerificationColumns+" FROM verifications WHERE id = $1",
		models.ParticipantKey(challengeID, identity)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("verification", models.ParticipantKey(challengeID, identity))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get verification: %w", err)
	}
	return v, nil
}

func (db *Postgres) UpsertVerification(ctx context.Context, v *models.FitnessVerification) error {
	v.ID = models.ParticipantKey(v.ChallengeID, v.Identity)
	err := upsertPgVerification(ctx, db.Pool, v)
	if isPgCode(err, "23503") {
		return notFound("challenge", v.ChallengeID)
	}
	return err
}

func upsertPgVerification(ctx context.Context, q pgExecer, v *models.FitnessVerification) error {
	raw, err := json.Marshal(v.Raw)
	if err != nil {
		return fmt.Errorf("failed to encode raw data: %w", err)
	}
	_, err = q.Exec(ctx,
		`INSERT INTO verifications (id, `+pgVerificationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET challenge_type = EXCLUDED.challenge_type,
			window_start = EXCLUDED.window_start, window_end = EXCLUDED.window_end,
			raw_data = EXCLUDED.raw_data, calculated_score = EXCLUDED.calculated_score,
			meets_goal = EXCLUDED.meets_goal, verified_at = EXCLUDED.verified_at,
			verification_hash = EXCLUDED.verification_hash, hash_version = EXCLUDED.hash_version`,
		v.ID, v.ChallengeID, v.Identity, string(v.ChallengeType), v.WindowStart, v.WindowEnd,
		raw, v.CalculatedScore, v.MeetsGoal, v.VerifiedAt, v.Hash, v.HashVersion)
	if err != nil {
		return fmt.Errorf("failed to upsert verification: %w", err)
	}
	return nil
}

func (db *Postgres) ListVerificationLog(ctx context.Context, challengeID, identity string) ([]models.FitnessVerification, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+pgVerificationColumns+` FROM verification_log
		 WHERE challenge_id = $1 AND identity = $2 ORDER BY seq ASC`,
		challengeID, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to list verification log: %w", err)
	}
	defer rows.Close()

	out := []models.FitnessVerification{}
	for rows.Next() {
		v, err := scanPgVerification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// CommitVerification writes the verification, participant and log entry in one transaction
func (db *Postgres) CommitVerification(ctx context.Context, v *models.FitnessVerification, p *models.Participant) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	v.ID = models.ParticipantKey(v.ChallengeID, v.Identity)
	p.ID = models.ParticipantKey(p.ChallengeID, p.Identity)

	if err := upsertPgVerification(ctx, tx, v); err != nil {
		if isPgCode(err, "23503") {
			return notFound("challenge", v.ChallengeID)
		}
		return err
	}
	if err := upsertPgParticipant(ctx, tx, p); err != nil {
		return err
	}

	raw, err := json.Marshal(v.Raw)
	if err != nil {
		return fmt.Errorf("failed to encode raw data: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO verification_log (`+pgVerificationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		v.ChallengeID, v.Identity, string(v.ChallengeType), v.WindowStart, v.WindowEnd,
		raw, v.CalculatedScore, v.MeetsGoal, v.VerifiedAt, v.Hash, v.HashVersion)
	if err != nil {
		return fmt.Errorf("failed to append verification log: %w", err)
	}

	return tx.Commit(ctx)
}

func (db *Postgres) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := db.Pool.QueryRow(ctx,
		`SELECT id, email, access_token, refresh_token, token_expiry, created_at, updated_at
		 FROM users WHERE id = $1`, id).Scan(&u.ID, &u.Email, &u.AccessToken, &u.RefreshToken,
		&u.TokenExpiry, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("user", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.TokenExpiry = u.TokenExpiry.UTC()
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return &u, nil
}

func (db *Postgres) UpsertUser(ctx context.Context, u *models.User) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO users (id, email, access_token, refresh_token, token_expiry, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token, token_expiry = EXCLUDED.token_expiry,
			updated_at = EXCLUDED.updated_at`,
		u.ID, u.Email, u.AccessToken, u.RefreshToken, u.TokenExpiry, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func normalizeChallengeTimes(c *models.Challenge) {
	c.StartTime = c.StartTime.UTC()
	c.EndTime = c.EndTime.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	if c.EndedAt != nil {
		t := c.EndedAt.UTC()
		c.EndedAt = &t
	}
}

func normalizeParticipantTimes(p *models.Participant) {
	p.JoinedAt = p.JoinedAt.UTC()
	if p.LastVerification != nil {
		t := p.LastVerification.UTC()
		p.LastVerification = &t
	}
}

func normalizeVerificationTimes(v *models.FitnessVerification) {
	v.WindowStart = v.WindowStart.UTC()
	v.WindowEnd = v.WindowEnd.UTC()
	v.VerifiedAt = v.VerifiedAt.UTC()
}
