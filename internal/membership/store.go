package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"roomrelay/pkg/database"
	"roomrelay/pkg/interfaces"
	"roomrelay/pkg/types"
)

// Write queue settings
const (
	DefaultRetryDelay   = 5 * time.Second
	DefaultWriteTimeout = 30 * time.Second
	writeQueueSize      = 100
)

// Store is the SQLite-backed membership oracle
// ARCHITECTURAL DISCOVERY: Reads run concurrently on the connection pool while every
// write goes through one goroutine, which keeps SQLite free of writer contention
type Store struct {
	db           *sql.DB
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	retryDelay   time.Duration
	writeTimeout time.Duration
	log          *slog.Logger

	mu     sync.RWMutex // protects closed
	closed bool
}

var _ interfaces.MembershipOracle = (*Store)(nil)

// writeOperation represents a queued database write
type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// Open opens the database described by cfg, applies the bundled migrations and
// verifies the resulting schema
func Open(cfg *database.Config, log *slog.Logger) (*Store, error) {
	db, err := database.Open(cfg)
	if err != nil {
		return nil, err
	}

	if err := database.NewEmbeddedMigrationManager(db).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := database.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	return NewStore(db, log), nil
}

// NewStore wraps an already migrated database and starts the writer goroutine
func NewStore(db *sql.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Store{
		db:           db,
		writeChannel: make(chan writeOperation, writeQueueSize),
		shutdown:     make(chan struct{}),
		retryDelay:   DefaultRetryDelay,
		writeTimeout: DefaultWriteTimeout,
		log:          log.With("component", "membership"),
	}

	s.wg.Add(1)
	go s.writeLoop()
	return s
}

// writeLoop processes all write operations in a single goroutine
// FUNCTIONAL DISCOVERY: A failed write is retried once after retryDelay; constraint
// violations are final and skip the retry
func (s *Store) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeChannel:
			err := op.operation(s.db)
			if err != nil && retryable(err) {
				s.log.Warn("Database write failed, retrying", "delay", s.retryDelay, "error", err)
				select {
				case <-time.After(s.retryDelay):
					err = op.operation(s.db)
				case <-s.shutdown:
				}
				if err != nil {
					s.log.Error("Database write failed after retry", "error", err)
				}
			}
			op.result <- err

		case <-s.shutdown:
			s.log.Debug("Database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (s *Store) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrStoreClosed
	}

	result := make(chan error, 1)
	timer := time.NewTimer(s.writeTimeout)
	defer timer.Stop()

	select {
	case s.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrWriteTimeout
	case <-s.shutdown:
		return ErrStoreClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.shutdown:
		return ErrStoreClosed
	}
}

// IsUserInChannel reports whether userID currently holds a membership in channelID
// ARCHITECTURAL DISCOVERY: Queried fresh for every recipient of every broadcast, so
// membership changes made by any writer take effect on the next message
func (s *Store) IsUserInChannel(ctx context.Context, userID, channelID int) (bool, error) {
	if s.isClosed() {
		return false, fmt.Errorf("%w: %w", interfaces.ErrOracleUnavailable, ErrStoreClosed)
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(membership_id) FROM members WHERE user_id = ? AND channel_id = ?`,
		userID, channelID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("%w: %w", interfaces.ErrOracleUnavailable, err)
	}
	return count > 0, nil
}

// UpsertUser creates or updates a user
func (s *Store) UpsertUser(ctx context.Context, user *types.User) error {
	if err := user.Validate(); err != nil {
		return err
	}
	return s.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO users (user_id, first_name, last_name, mail)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				first_name = excluded.first_name,
				last_name = excluded.last_name,
				mail = excluded.mail
		`, user.ID, user.FirstName, user.LastName, user.Mail)
		if err != nil {
			return fmt.Errorf("failed to upsert user %d: %w", user.ID, err)
		}
		return nil
	})
}

// UpsertChannel creates or updates a channel; a zero CreatedAt means now
func (s *Store) UpsertChannel(ctx context.Context, channel *types.Channel) error {
	if err := channel.Validate(); err != nil {
		return err
	}
	createdAt := channel.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return s.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO channels (channel_id, title, description, created_at, end_of_validity)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(channel_id) DO UPDATE SET
				title = excluded.title,
				description = excluded.description,
				end_of_validity = excluded.end_of_validity
		`, channel.ID, channel.Title, channel.Description, createdAt, channel.EndOfValidity)
		if err != nil {
			return fmt.Errorf("failed to upsert channel %d: %w", channel.ID, err)
		}
		return nil
	})
}

// GetChannel returns the channel with the given id
func (s *Store) GetChannel(ctx context.Context, channelID int) (*types.Channel, error) {
	var (
		channel       types.Channel
		endOfValidity sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT channel_id, title, description, created_at, end_of_validity
		FROM channels
		WHERE channel_id = ?
	`, channelID).Scan(&channel.ID, &channel.Title, &channel.Description, &channel.CreatedAt, &endOfValidity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChannelNotFound
		}
		return nil, fmt.Errorf("failed to query channel %d: %w", channelID, err)
	}
	if endOfValidity.Valid {
		channel.EndOfValidity = &endOfValidity.Time
	}
	return &channel, nil
}

// AddMember records that member.UserID belongs to member.ChannelID
// FUNCTIONAL DISCOVERY: A pair can only be stored once; the unique index turns a
// second insert into ErrDuplicateMember
func (s *Store) AddMember(ctx context.Context, member *types.Member) error {
	if err := member.Validate(); err != nil {
		return err
	}
	joinDate := member.JoinDate
	if joinDate.IsZero() {
		joinDate = time.Now().UTC()
	}
	return s.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO members (user_id, channel_id, creator, join_date)
			VALUES (?, ?, ?, ?)
		`, member.UserID, member.ChannelID, member.Creator, joinDate)
		if err != nil {
			return classifyConstraint(err)
		}
		if id, err := res.LastInsertId(); err == nil {
			member.ID = int(id)
		}
		member.JoinDate = joinDate
		return nil
	})
}

// RemoveMember deletes the membership of userID in channelID
// FUNCTIONAL DISCOVERY: Removing the creator hands the creator flag to the longest
// standing remaining member; removing the last member deletes the channel
func (s *Store) RemoveMember(ctx context.Context, channelID, userID int) error {
	return s.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			membershipID int
			creator      bool
		)
		err = tx.QueryRowContext(ctx,
			`SELECT membership_id, creator FROM members WHERE channel_id = ? AND user_id = ?`,
			channelID, userID,
		).Scan(&membershipID, &creator)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrMemberNotFound
			}
			return fmt.Errorf("failed to query membership: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM members WHERE membership_id = ?`, membershipID); err != nil {
			return fmt.Errorf("failed to delete membership: %w", err)
		}

		if creator {
			res, err := tx.ExecContext(ctx, `
				UPDATE members SET creator = 1
				WHERE membership_id = (
					SELECT membership_id FROM members WHERE channel_id = ? ORDER BY membership_id LIMIT 1
				)
			`, channelID)
			if err != nil {
				return fmt.Errorf("failed to transfer channel ownership: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				if _, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE channel_id = ?`, channelID); err != nil {
					return fmt.Errorf("failed to delete abandoned channel: %w", err)
				}
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit membership removal: %w", err)
		}
		return nil
	})
}

// DeleteChannel deletes a channel together with its memberships
func (s *Store) DeleteChannel(ctx context.Context, channelID int) error {
	return s.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `DELETE FROM channels WHERE channel_id = ?`, channelID)
		if err != nil {
			return fmt.Errorf("failed to delete channel %d: %w", channelID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrChannelNotFound
		}
		return nil
	})
}

// ChannelMembers lists the users of channelID ordered by join order
func (s *Store) ChannelMembers(ctx context.Context, channelID int) ([]*types.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.user_id, u.first_name, u.last_name, u.mail
		FROM users u JOIN members m ON m.user_id = u.user_id
		WHERE m.channel_id = ?
		ORDER BY m.membership_id
	`, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to query channel members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*types.User
	for rows.Next() {
		var u types.User
		if err := rows.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Mail); err != nil {
			return nil, fmt.Errorf("failed to scan member row: %w", err)
		}
		users = append(users, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating member rows: %w", err)
	}
	return users, nil
}

// IsCreator reports whether userID owns channelID
func (s *Store) IsCreator(ctx context.Context, userID, channelID int) (bool, error) {
	var creator bool
	err := s.db.QueryRowContext(ctx,
		`SELECT creator FROM members WHERE user_id = ? AND channel_id = ?`,
		userID, channelID,
	).Scan(&creator)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query creator flag: %w", err)
	}
	return creator, nil
}

// HealthCheck validates database connectivity and the schema
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM members LIMIT 1").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// DB returns the underlying database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close stops the writer and closes the database; later calls are no-ops
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// classifyConstraint maps SQLite constraint failures onto store errors
func classifyConstraint(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return ErrDuplicateMember
		case sqlite3.ErrConstraintForeignKey:
			return ErrUnknownReference
		}
	}
	return fmt.Errorf("failed to insert membership: %w", err)
}

// retryable reports whether a failed write is worth repeating
func retryable(err error) bool {
	if errors.Is(err, ErrDuplicateMember) || errors.Is(err, ErrUnknownReference) ||
		errors.Is(err, ErrMemberNotFound) || errors.Is(err, ErrChannelNotFound) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return true
}
