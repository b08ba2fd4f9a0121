package chat

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsTable = "chat_schema_migrations"

// PostgreSQL error codes.
const (
	pqForeignKeyViolation = "23503"
	pqCheckViolation      = "23514"
)

// OpenPostgres opens and pings a PostgreSQL pool.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("chat: open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("chat: ping postgres: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations. It leaves db open.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("chat: load migrations: %w", err)
	}
	defer src.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return fmt.Errorf("chat: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("chat: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("chat: migrate up: %w", err)
	}
	return nil
}

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const messageColumns = `id, sender_id, recipient_id, group_id, content, created_at, edited_at, deleted_at, is_deleted`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m                Message
		recipient, group uuid.NullUUID
		edited, deleted  sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.SenderID, &recipient, &group, &m.Content,
		&m.CreatedAt, &edited, &deleted, &m.IsDeleted); err != nil {
		return nil, err
	}
	m.RecipientID = recipient.UUID
	m.GroupID = group.UUID
	if edited.Valid {
		t := edited.Time
		m.EditedAt = &t
	}
	if deleted.Valid {
		t := deleted.Time
		m.DeletedAt = &t
	}
	return &m, nil
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

func uuidArray(ids []uuid.UUID) interface{} {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	return pq.Array(strs)
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

func (s *PostgresStore) CreateMessage(ctx context.Context, m *Message) error {
	const query = `
		INSERT INTO chat_messages (id, sender_id, recipient_id, group_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.SenderID, nullUUID(m.RecipientID), nullUUID(m.GroupID), m.Content, m.CreatedAt)
	if err != nil {
		switch pqCode(err) {
		case pqForeignKeyViolation, pqCheckViolation:
			return fmt.Errorf("%w: %v", ErrInvalidTarget, err)
		}
		return fmt.Errorf("chat: insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMessageByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chat: get message: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) GetMessagesDetails(ctx context.Context, ids []uuid.UUID) ([]MessageDetails, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const query = `
		SELECT id, sender_id, recipient_id, group_id
		FROM chat_messages
		WHERE id = ANY($1::uuid[])`

	rows, err := s.db.QueryContext(ctx, query, uuidArray(ids))
	if err != nil {
		return nil, fmt.Errorf("chat: get details: %w", err)
	}
	defer rows.Close()

	var out []MessageDetails
	for rows.Next() {
		var (
			d                MessageDetails
			recipient, group uuid.NullUUID
		)
		if err := rows.Scan(&d.ID, &d.SenderID, &recipient, &group); err != nil {
			return nil, fmt.Errorf("chat: scan details: %w", err)
		}
		d.RecipientID = recipient.UUID
		d.GroupID = group.UUID
		d.ConversationType = ConversationDirect
		if group.Valid {
			d.ConversationType = ConversationGroup
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateContent(ctx context.Context, id uuid.UUID, content string, editedAt time.Time) error {
	const query = `
		UPDATE chat_messages SET content = $2, edited_at = $3
		WHERE id = $1 AND NOT is_deleted`

	res, err := s.db.ExecContext(ctx, query, id, content, editedAt)
	if err != nil {
		return fmt.Errorf("chat: update message: %w", err)
	}
	return expectRow(res)
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, id uuid.UUID, hard bool, deletedAt time.Time) error {
	var (
		res sql.Result
		err error
	)
	if hard {
		res, err = s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE id = $1`, id)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE chat_messages SET is_deleted = TRUE, deleted_at = $2
			WHERE id = $1 AND NOT is_deleted`, id, deletedAt)
	}
	if err != nil {
		return fmt.Errorf("chat: delete message: %w", err)
	}
	return expectRow(res)
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("chat: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, userID uuid.UUID, ids []uuid.UUID, readAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	const query = `
		INSERT INTO chat_message_reads (message_id, user_id, read_at)
		SELECT m.id, $2, $3 FROM chat_messages m WHERE m.id = ANY($1::uuid[])
		ON CONFLICT (message_id, user_id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, uuidArray(ids), userID, readAt); err != nil {
		return fmt.Errorf("chat: mark read: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddReaction(ctx context.Context, messageID, userID uuid.UUID, reaction string) (map[string]int, error) {
	const query = `
		INSERT INTO chat_message_reactions (message_id, user_id, reaction)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id, reaction) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, messageID, userID, reaction); err != nil {
		if pqCode(err) == pqForeignKeyViolation {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("chat: add reaction: %w", err)
	}
	return s.reactionCounts(ctx, messageID)
}

func (s *PostgresStore) RemoveReaction(ctx context.Context, messageID, userID uuid.UUID, reaction string) (map[string]int, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM chat_messages WHERE id = $1)`, messageID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("chat: remove reaction: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	const query = `
		DELETE FROM chat_message_reactions
		WHERE message_id = $1 AND user_id = $2 AND reaction = $3`

	if _, err := s.db.ExecContext(ctx, query, messageID, userID, reaction); err != nil {
		return nil, fmt.Errorf("chat: remove reaction: %w", err)
	}
	return s.reactionCounts(ctx, messageID)
}

func (s *PostgresStore) reactionCounts(ctx context.Context, messageID uuid.UUID) (map[string]int, error) {
	const query = `
		SELECT reaction, COUNT(*)
		FROM chat_message_reactions
		WHERE message_id = $1
		GROUP BY reaction`

	rows, err := s.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("chat: reaction counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			reaction string
			n        int
		)
		if err := rows.Scan(&reaction, &n); err != nil {
			return nil, fmt.Errorf("chat: scan reaction count: %w", err)
		}
		counts[reaction] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) AddGroupMember(ctx context.Context, groupID, userID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("chat: add member: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_groups (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, groupID); err != nil {
		return fmt.Errorf("chat: ensure group: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_group_members (group_id, user_id) VALUES ($1, $2)
		ON CONFLICT (group_id, user_id) DO NOTHING`, groupID, userID); err != nil {
		return fmt.Errorf("chat: add member: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) RemoveGroupMember(ctx context.Context, groupID, userID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_group_members WHERE group_id = $1 AND user_id = $2`, groupID, userID)
	if err != nil {
		return fmt.Errorf("chat: remove member: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsGroupMember(ctx context.Context, groupID, userID uuid.UUID) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM chat_group_members WHERE group_id = $1 AND user_id = $2)`,
		groupID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("chat: membership: %w", err)
	}
	return ok, nil
}

func (s *PostgresStore) GroupsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id FROM chat_group_members WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("chat: groups for user: %w", err)
	}
	defer rows.Close()

	var groups []uuid.UUID
	for rows.Next() {
		var g uuid.UUID
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("chat: scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}
