package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danieldreier/studyhall/internal/review"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL database flavour.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func (d Dialect) driverName() (string, error) {
	switch d {
	case DialectSQLite:
		return "sqlite", nil
	case DialectPostgres:
		return "pgx", nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", d)
	}
}

func (d Dialect) gooseDialect() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite3"
}

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

var (
	// goose keeps its configuration in package state.
	migrateMu sync.Mutex
	gooseUp   = goose.UpContext
)

// SQLiteDSN builds a modernc sqlite DSN for a database file.
func SQLiteDSN(path string) string {
	if path == ":memory:" {
		return path
	}
	return "file:" + path + "?mode=rwc&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// SQLStorage implements Storage on SQLite or PostgreSQL.
type SQLStorage struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
}

// NewSQLStorage wraps an open database. It does not run migrations.
func NewSQLStorage(db *sql.DB, dialect Dialect, logger *zap.Logger) *SQLStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStorage{
		db:      db,
		dialect: dialect,
		logger:  logger.Named("sql_storage").With(zap.String("dialect", string(dialect))),
	}
}

// OpenSQL opens the database, checks the connection and applies migrations.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string, logger *zap.Logger) (*SQLStorage, error) {
	driver, err := dialect.driverName()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if dialect == DialectSQLite {
		// One connection serializes writers and keeps :memory: databases alive.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open: ping: %w", err)
	}

	s := NewSQLStorage(db, dialect, logger)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies all pending migrations for the storage dialect.
func (s *SQLStorage) Migrate(ctx context.Context) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(gooseLogger{s.logger.Sugar()})
	if err := goose.SetDialect(s.dialect.gooseDialect()); err != nil {
		return fmt.Errorf("migrate: set dialect: %w", err)
	}

	dir := "migrations/" + string(s.dialect)
	if err := gooseUp(ctx, s.db, dir); err != nil {
		return fmt.Errorf("migrate: up: %w", err)
	}
	s.logger.Info("migrations applied")
	return nil
}

// Close closes the database.
func (s *SQLStorage) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStorage) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStorage) forUpdate() string {
	if s.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

const cardColumns = `id, user_id, document_id, question, answer, context, difficulty_level,
	repetitions, easiness_factor, interval_days, next_review_date, total_reviews, correct_reviews,
	last_reviewed_at, created_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (review.Card, int64, error) {
	var (
		c            review.Card
		documentID   sql.NullString
		difficulty   string
		lastReviewed sql.NullTime
		version      int64
	)
	err := row.Scan(&c.ID, &c.UserID, &documentID, &c.Question, &c.Answer, &c.Context, &difficulty,
		&c.Repetitions, &c.EasinessFactor, &c.Interval, &c.NextReviewDate, &c.TotalReviews, &c.CorrectReviews,
		&lastReviewed, &c.CreatedAt, &version)
	if err != nil {
		return review.Card{}, 0, err
	}
	c.DifficultyLevel = review.Difficulty(difficulty)
	if documentID.Valid {
		c.DocumentID = &documentID.String
	}
	if lastReviewed.Valid {
		t := lastReviewed.Time.UTC()
		c.LastReviewedAt = &t
	}
	c.NextReviewDate = c.NextReviewDate.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	return c, version, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func (s *SQLStorage) insertCard(ctx context.Context, q DBTX, c review.Card) error {
	_, err := q.ExecContext(ctx, s.rebind(`INSERT INTO flashcards (`+cardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`),
		c.ID, c.UserID, nullString(c.DocumentID), c.Question, c.Answer, c.Context, string(c.DifficultyLevel),
		c.Repetitions, c.EasinessFactor, c.Interval, c.NextReviewDate.UTC(), c.TotalReviews, c.CorrectReviews,
		nullTime(c.LastReviewedAt), c.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert card %s: %w", c.ID, err)
	}
	return nil
}

// CreateCards inserts cards in a single transaction.
func (s *SQLStorage) CreateCards(ctx context.Context, cards ...review.Card) error {
	err := withTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		for _, c := range cards {
			if err := s.insertCard(ctx, tx, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Debug("cards created", zap.Int("count", len(cards)))
	return nil
}

func (s *SQLStorage) getCard(ctx context.Context, q DBTX, userID, id string, lock bool) (review.Card, int64, error) {
	query := `SELECT ` + cardColumns + ` FROM flashcards WHERE id = ? AND user_id = ?`
	if lock {
		query += s.forUpdate()
	}
	c, version, err := scanCard(q.QueryRowContext(ctx, s.rebind(query), id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return review.Card{}, 0, ErrCardNotFound
	}
	if err != nil {
		return review.Card{}, 0, fmt.Errorf("select card %s: %w", id, err)
	}
	return c, version, nil
}

// GetCard retrieves a card owned by userID.
func (s *SQLStorage) GetCard(ctx context.Context, userID, id string) (review.Card, error) {
	c, _, err := s.getCard(ctx, s.db, userID, id, false)
	return c, err
}

// ListCards returns a user's cards ordered by creation time.
func (s *SQLStorage) ListCards(ctx context.Context, userID string, documentID *string) ([]review.Card, error) {
	query := `SELECT ` + cardColumns + ` FROM flashcards WHERE user_id = ?`
	args := []any{userID}
	if documentID != nil {
		query += ` AND document_id = ?`
		args = append(args, *documentID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()

	cards := make([]review.Card, 0)
	for rows.Next() {
		c, _, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("list cards: scan: %w", err)
		}
		cards = append(cards, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	return cards, nil
}

// UpdateCard reads, modifies and writes a card inside one transaction. The
// write is conditional on the version read, so a concurrent writer causes
// ErrVersionConflict instead of a lost update.
func (s *SQLStorage) UpdateCard(ctx context.Context, userID, id string, fn func(*review.Card) error) (review.Card, error) {
	var out review.Card
	err := withTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		original, version, err := s.getCard(ctx, tx, userID, id, true)
		if err != nil {
			return err
		}

		updated := original
		if err := fn(&updated); err != nil {
			return err
		}
		pinCardIdentity(&updated, original)

		res, err := tx.ExecContext(ctx, s.rebind(`UPDATE flashcards SET
			document_id = ?, question = ?, answer = ?, context = ?, difficulty_level = ?,
			repetitions = ?, easiness_factor = ?, interval_days = ?, next_review_date = ?,
			total_reviews = ?, correct_reviews = ?, last_reviewed_at = ?, version = version + 1
			WHERE id = ? AND user_id = ? AND version = ?`),
			nullString(updated.DocumentID), updated.Question, updated.Answer, updated.Context, string(updated.DifficultyLevel),
			updated.Repetitions, updated.EasinessFactor, updated.Interval, updated.NextReviewDate.UTC(),
			updated.TotalReviews, updated.CorrectReviews, nullTime(updated.LastReviewedAt),
			id, userID, version)
		if err != nil {
			return fmt.Errorf("update card %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update card %s: rows affected: %w", id, err)
		}
		if n == 0 {
			return ErrVersionConflict
		}

		out = updated
		return nil
	})
	if err != nil {
		return review.Card{}, err
	}
	return out, nil
}

// DeleteCard removes a card owned by userID.
func (s *SQLStorage) DeleteCard(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM flashcards WHERE id = ? AND user_id = ?`), id, userID)
	if err != nil {
		return fmt.Errorf("delete card %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete card %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return ErrCardNotFound
	}
	s.logger.Debug("card deleted", zap.String("card_id", id))
	return nil
}

const sessionColumns = `id, user_id, session_type, cards_reviewed, cards_correct, cards_incorrect,
	started_at, completed_at, duration_seconds, version`

func scanSession(row rowScanner) (review.Session, int64, error) {
	var (
		s         review.Session
		completed sql.NullTime
		duration  sql.NullInt64
		version   int64
	)
	err := row.Scan(&s.ID, &s.UserID, &s.SessionType, &s.CardsReviewed, &s.CardsCorrect, &s.CardsIncorrect,
		&s.StartedAt, &completed, &duration, &version)
	if err != nil {
		return review.Session{}, 0, err
	}
	s.StartedAt = s.StartedAt.UTC()
	if completed.Valid {
		t := completed.Time.UTC()
		s.CompletedAt = &t
	}
	if duration.Valid {
		d := duration.Int64
		s.DurationSeconds = &d
	}
	return s, version, nil
}

// CreateSession stores a new session.
func (s *SQLStorage) CreateSession(ctx context.Context, session review.Session) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO study_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`),
		session.ID, session.UserID, session.SessionType, session.CardsReviewed, session.CardsCorrect,
		session.CardsIncorrect, session.StartedAt.UTC(), nullTime(session.CompletedAt), nullInt64(session.DurationSeconds))
	if err != nil {
		return fmt.Errorf("insert session %s: %w", session.ID, err)
	}
	return nil
}

func (s *SQLStorage) getSession(ctx context.Context, q DBTX, userID, id string, lock bool) (review.Session, int64, error) {
	query := `SELECT ` + sessionColumns + ` FROM study_sessions WHERE id = ? AND user_id = ?`
	if lock {
		query += s.forUpdate()
	}
	session, version, err := scanSession(q.QueryRowContext(ctx, s.rebind(query), id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return review.Session{}, 0, ErrSessionNotFound
	}
	if err != nil {
		return review.Session{}, 0, fmt.Errorf("select session %s: %w", id, err)
	}
	return session, version, nil
}

// GetSession retrieves a session owned by userID.
func (s *SQLStorage) GetSession(ctx context.Context, userID, id string) (review.Session, error) {
	session, _, err := s.getSession(ctx, s.db, userID, id, false)
	return session, err
}

// ListSessions returns every session of a user ordered by start time.
func (s *SQLStorage) ListSessions(ctx context.Context, userID string) ([]review.Session, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+sessionColumns+` FROM study_sessions
		WHERE user_id = ? ORDER BY started_at, id`), userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]review.Session, 0)
	for rows.Next() {
		session, _, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: scan: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// UpdateSession reads, modifies and writes a session inside one transaction.
func (s *SQLStorage) UpdateSession(ctx context.Context, userID, id string, fn func(*review.Session) error) (review.Session, error) {
	var out review.Session
	err := withTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		original, version, err := s.getSession(ctx, tx, userID, id, true)
		if err != nil {
			return err
		}

		updated := original
		if err := fn(&updated); err != nil {
			return err
		}
		pinSessionIdentity(&updated, original)

		res, err := tx.ExecContext(ctx, s.rebind(`UPDATE study_sessions SET
			session_type = ?, cards_reviewed = ?, cards_correct = ?, cards_incorrect = ?,
			completed_at = ?, duration_seconds = ?, version = version + 1
			WHERE id = ? AND user_id = ? AND version = ?`),
			updated.SessionType, updated.CardsReviewed, updated.CardsCorrect, updated.CardsIncorrect,
			nullTime(updated.CompletedAt), nullInt64(updated.DurationSeconds),
			id, userID, version)
		if err != nil {
			return fmt.Errorf("update session %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update session %s: rows affected: %w", id, err)
		}
		if n == 0 {
			return ErrVersionConflict
		}

		out = updated
		return nil
	})
	if err != nil {
		return review.Session{}, err
	}
	return out, nil
}

// gooseLogger routes goose output through zap.
type gooseLogger struct {
	l *zap.SugaredLogger
}

func (g gooseLogger) Printf(format string, v ...any) {
	g.l.Debugf(strings.TrimSpace(format), v...)
}

func (g gooseLogger) Fatalf(format string, v ...any) {
	g.l.Fatalf(strings.TrimSpace(format), v...)
}
