package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/fitwager/coordinator/internal/models"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// sqliteTimeLayout is fixed-width so stored times sort lexically
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLite wraps a SQLite connection
type SQLite struct {
	Conn *sql.DB
}

var (
	_ Store    = (*SQLite)(nil)
	_ Migrator = (*SQLite)(nil)
)

// NewSQLite opens the database at dbPath; ":memory:" gives a private in-memory database
func NewSQLite(dbPath string) (*SQLite, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps :memory: databases alive and serializes writers.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &SQLite{Conn: conn}, nil
}

// Close closes the database connection
func (db *SQLite) Close() error {
	return db.Conn.Close()
}

func (db *SQLite) Ping(ctx context.Context) error {
	return db.Conn.PingContext(ctx)
}

// Migrate executes every *.up.sql file in migrationsPath in name order,
// or the bundled schema when the path is empty.
func (db *SQLite) Migrate(ctx context.Context, migrationsPath string) error {
	var (
		fsys fs.FS
		dir  = "."
	)
	if migrationsPath == "" {
		fsys, dir = migrationsFS, sqliteMigrationsDir
	} else {
		fsys = os.DirFS(migrationsPath)
	}

	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}

		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}

		if _, err := db.Conn.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", entry.Name(), err)
		}
	}

	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(sqliteTimeLayout, s)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const sqliteChallengeColumns = `id, title, description, creator, challenge_type, goal, entry_fee,
	is_usdc, is_public, start_time, end_time, status, winner, winner_score, win_method,
	ended_at, created_at, updated_at`

func scanSQLiteChallenge(row rowScanner) (*models.Challenge, error) {
	var (
		c                            models.Challenge
		ctype, status, meth, fee     string
		start, end, created, updated string
		ended                        sql.NullString
	)
	err := row.Scan(&c.ID, &c.Title, &c.Description, &c.Creator, &ctype, &c.Goal, &fee,
		&c.IsUSDC, &c.IsPublic, &start, &end, &status, &c.Winner, &c.WinnerScore, &meth,
		&ended, &created, &updated)
	if err != nil {
		return nil, err
	}
	c.Type = models.ChallengeType(ctype)
	c.Status = models.ChallengeStatus(status)
	c.WinMethod = models.WinMethod(meth)
	if c.EntryFee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("invalid entry fee %q: %w", fee, err)
	}
	for _, f := range []struct {
		dst *time.Time
		src string
	}{{&c.StartTime, start}, {&c.EndTime, end}, {&c.CreatedAt, created}, {&c.UpdatedAt, updated}} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return nil, err
		}
	}
	if c.EndedAt, err = parseNullTime(ended); err != nil {
		return nil, err
	}
	return &c, nil
}

const sqliteVerificationColumns = `challenge_id, identity, challenge_type, window_start, window_end,
	raw_data, calculated_score, meets_goal, verified_at, verification_hash, hash_version`

func scanSQLiteVerification(row rowScanner) (*models.FitnessVerification, error) {
	var (
		v                        models.FitnessVerification
		ctype, raw               string
		wstart, wend, verifiedAt string
	)
	err := row.Scan(&v.ChallengeID, &v.Identity, &ctype, &wstart, &wend,
		&raw, &v.CalculatedScore, &v.MeetsGoal, &verifiedAt, &v.Hash, &v.HashVersion)
	if err != nil {
		return nil, err
	}
	v.ID = models.ParticipantKey(v.ChallengeID, v.Identity)
	v.ChallengeType = models.ChallengeType(ctype)
	if err := json.Unmarshal([]byte(raw), &v.Raw); err != nil {
		return nil, fmt.Errorf("failed to decode raw data: %w", err)
	}
	if v.WindowStart, err = parseTime(wstart); err != nil {
		return nil, err
	}
	if v.WindowEnd, err = parseTime(wend); err != nil {
		return nil, err
	}
	if v.VerifiedAt, err = parseTime(verifiedAt); err != nil {
		return nil, err
	}
	return &v, nil
}

func scanSQLiteParticipant(row rowScanner) (*models.Participant, error) {
	var (
		p        models.Participant
		joinedAt string
		lastVer  sql.NullString
	)
	err := row.Scan(&p.ID, &p.ChallengeID, &p.Identity, &p.Score, &p.HasJoined, &p.HasSubmitted, &joinedAt, &lastVer)
	if err != nil {
		return nil, err
	}
	if p.JoinedAt, err = parseTime(joinedAt); err != nil {
		return nil, err
	}
	if p.LastVerification, err = parseNullTime(lastVer); err != nil {
		return nil, err
	}
	return &p, nil
}

func (db *SQLite) CreateChallenge(ctx context.Context, c *models.Challenge) error {
	tx, err := db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM challenges WHERE id = ?)", c.ID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check challenge existence: %w", err)
	}
	if exists {
		return alreadyExists("challenge", c.ID)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO challenges (`+sqliteChallengeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Title, c.Description, c.Creator, string(c.Type), c.Goal, c.EntryFee.String(),
		c.IsUSDC, c.IsPublic, formatTime(c.StartTime), formatTime(c.EndTime), string(c.Status),
		c.Winner, c.WinnerScore, string(c.WinMethod), formatNullTime(c.EndedAt),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create challenge: %w", err)
	}
	return tx.Commit()
}

func (db *SQLite) GetChallenge(ctx context.Context, id string) (*models.Challenge, error) {
	c, err := scanSQLiteChallenge(db.Conn.QueryRowContext(ctx,
		"SELECT "+sqliteChallengeColumns+" FROM challenges WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("challenge", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}
	return c, nil
}

func (db *SQLite) UpdateChallenge(ctx context.Context, c *models.Challenge) error {
	res, err := db.Conn.ExecContext(ctx,
		`UPDATE challenges SET title = ?, description = ?, status = ?, winner = ?,
			winner_score = ?, win_method = ?, ended_at = ?, updated_at = ?
		 WHERE id = ?`,
		c.Title, c.Description, string(c.Status), c.Winner, c.WinnerScore,
		string(c.WinMethod), formatNullTime(c.EndedAt), formatTime(c.UpdatedAt), c.ID)
	if err != nil {
		return fmt.Errorf("failed to update challenge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("challenge", c.ID)
	}
	return nil
}

func (db *SQLite) ListChallenges(ctx context.Context, filter models.ChallengeFilter) ([]models.Challenge, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "c.status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Public != nil {
		where = append(where, "c.is_public = ?")
		args = append(args, *filter.Public)
	}
	if filter.Creator != "" {
		where = append(where, "c.creator = ?")
		args = append(args, filter.Creator)
	}
	if filter.Participant != "" {
		where = append(where, `EXISTS (SELECT 1 FROM participants p
			WHERE p.challenge_id = c.id AND p.has_joined = 1 AND p.identity = ?)`)
		args = append(args, filter.Participant)
	}

	query := "SELECT " + prefixColumns("c.", sqliteChallengeColumns) + " FROM challenges c"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY c.created_at DESC, c.id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list challenges: %w", err)
	}
	defer rows.Close()

	var out []models.Challenge
	for rows.Next() {
		c, err := scanSQLiteChallenge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (db *SQLite) GetParticipant(ctx context.Context, challengeID, identity string) (*models.Participant, error) {
	p, err := scanSQLiteParticipant(db.Conn.QueryRowContext(ctx,
		`SELECT id, challenge_id, identity, score, has_joined, has_submitted, joined_at, last_verification
		 FROM participants WHERE challenge_id = ? AND identity = ?`, challengeID, identity))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("participant", models.ParticipantKey(challengeID, identity))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}

	if p.HasSubmitted {
		v, err := db.GetVerification(ctx, challengeID, identity)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		p.Verification = v
	}
	return p, nil
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func requireSQLiteChallenge(ctx context.Context, q sqlExecer, challengeID string) error {
	var exists bool
	if err := q.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM challenges WHERE id = ?)", challengeID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check challenge existence: %w", err)
	}
	if !exists {
		return notFound("challenge", challengeID)
	}
	return nil
}

func upsertSQLiteParticipant(ctx context.Context, q sqlExecer, p *models.Participant) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO participants (id, challenge_id, identity, score, has_joined, has_submitted, joined_at, last_verification)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET score = excluded.score, has_joined = excluded.has_joined,
			has_submitted = excluded.has_submitted, joined_at = excluded.joined_at,
			last_verification = excluded.last_verification`,
		p.ID, p.ChallengeID, p.Identity, p.Score, p.HasJoined, p.HasSubmitted,
		formatTime(p.JoinedAt), formatNullTime(p.LastVerification))
	if err != nil {
		return fmt.Errorf("failed to upsert participant: %w", err)
	}
	return nil
}

func (db *SQLite) UpsertParticipant(ctx context.Context, p *models.Participant) error {
	p.ID = models.ParticipantKey(p.ChallengeID, p.Identity)

	tx, err := db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := requireSQLiteChallenge(ctx, tx, p.ChallengeID); err != nil {
		return err
	}
	if err := upsertSQLiteParticipant(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

func (db *SQLite) ListParticipants(ctx context.Context, challengeID string) ([]models.Participant, error) {
	rows, err := db.Conn.QueryContext(ctx,
		`SELECT id, challenge_id, identity, score, has_joined, has_submitted, joined_at, last_verification
		 FROM participants WHERE challenge_id = ? ORDER BY joined_at ASC, identity ASC`, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}

	var out []models.Participant
	for rows.Next() {
		p, err := scanSQLiteParticipant(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, *p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The single connection must be released before the next query.
	vrows, err := db.Conn.QueryContext(ctx,
		"SELECT "+sqliteVerificationColumns+" FROM verifications WHERE challenge_id = ?", challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list verifications: %w", err)
	}
	defer vrows.Close()

	byIdentity := make(map[string]*models.FitnessVerification)
	for vrows.Next() {
		v, err := scanSQLiteVerification(vrows)
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

func (db *SQLite) GetVerification(ctx context.Context, challengeID, identity string) (*models.FitnessVerification, error) {
	key := models.ParticipantKey(challengeID, identity)
	v, err := scanSQLiteVerification(db.Conn.QueryRowContext(ctx,
		"SELECT "+sqliteVerificationColumns+" FROM verifications WHERE id = ?", key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("verification", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get verification: %w", err)
	}
	return v, nil
}

func verificationArgs(v *models.FitnessVerification) ([]any, error) {
	raw, err := json.Marshal(v.Raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode raw data: %w", err)
	}
	return []any{v.ChallengeID, v.Identity, string(v.ChallengeType), formatTime(v.WindowStart),
		formatTime(v.WindowEnd), string(raw), v.CalculatedScore, v.MeetsGoal, formatTime(v.VerifiedAt),
		v.Hash, v.HashVersion}, nil
}

func upsertSQLiteVerification(ctx context.Context, q sqlExecer, v *models.FitnessVerification) error {
	args, err := verificationArgs(v)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO verifications (id, `+sqliteVerificationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET challenge_type = excluded.challenge_type,
			window_start = excluded.window_start, window_end = excluded.window_end,
			raw_data = excluded.raw_data, calculated_score = excluded.calculated_score,
			meets_goal = excluded.meets_goal, verified_at = excluded.verified_at,
			verification_hash = excluded.verification_hash, hash_version = excluded.hash_version`,
		append([]any{v.ID}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to upsert verification: %w", err)
	}
	return nil
}

func (db *SQLite) UpsertVerification(ctx context.Context, v *models.FitnessVerification) error {
	v.ID = models.ParticipantKey(v.ChallengeID, v.Identity)

	tx, err := db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := requireSQLiteChallenge(ctx, tx, v.ChallengeID); err != nil {
		return err
	}
	if err := upsertSQLiteVerification(ctx, tx, v); err != nil {
		return err
	}
	return tx.Commit()
}

func (db *SQLite) ListVerificationLog(ctx context.Context, challengeID, identity string) ([]models.FitnessVerification, error) {
	rows, err := db.Conn.QueryContext(ctx,
		"SELECT "+sqliteVerificationColumns+` FROM verification_log
		 WHERE challenge_id = ? AND identity = ? ORDER BY seq ASC`, challengeID, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to list verification log: %w", err)
	}
	defer rows.Close()

	out := []models.FitnessVerification{}
	for rows.Next() {
		v, err := scanSQLiteVerification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// CommitVerification writes the verification, participant and log entry in one transaction
func (db *SQLite) CommitVerification(ctx context.Context, v *models.FitnessVerification, p *models.Participant) error {
	v.ID = models.ParticipantKey(v.ChallengeID, v.Identity)
	p.ID = models.ParticipantKey(p.ChallengeID, p.Identity)

	tx, err := db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := requireSQLiteChallenge(ctx, tx, p.ChallengeID); err != nil {
		return err
	}
	if err := upsertSQLiteVerification(ctx, tx, v); err != nil {
		return err
	}
	if err := upsertSQLiteParticipant(ctx, tx, p); err != nil {
		return err
	}

	args, err := verificationArgs(v)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO verification_log (`+sqliteVerificationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
		return fmt.Errorf("failed to append verification log: %w", err)
	}

	return tx.Commit()
}

func (db *SQLite) GetUser(ctx context.Context, id string) (*models.User, error) {
	var (
		u                        models.User
		expiry, created, updated string
	)
	err := db.Conn.QueryRowContext(ctx,
		`SELECT id, email, access_token, refresh_token, token_expiry, created_at, updated_at
		 FROM users WHERE id = ?`, id).Scan(&u.ID, &u.Email, &u.AccessToken, &u.RefreshToken,
		&expiry, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("user", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if u.TokenExpiry, err = parseTime(expiry); err != nil {
		return nil, err
	}
	if u.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &u, nil
}

func (db *SQLite) UpsertUser(ctx context.Context, u *models.User) error {
	expiry := ""
	if !u.TokenExpiry.IsZero() {
		expiry = formatTime(u.TokenExpiry)
	}
	_, err := db.Conn.ExecContext(ctx,
		`INSERT INTO users (id, email, access_token, refresh_token, token_expiry, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET email = excluded.email, access_token = excluded.access_token,
			refresh_token = excluded.refresh_token, token_expiry = excluded.token_expiry,
			updated_at = excluded.updated_at`,
		u.ID, u.Email, u.AccessToken, u.RefreshToken, expiry, formatTime(u.CreatedAt), formatTime(u.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}
