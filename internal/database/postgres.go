package database

import (
	"context"
	"fmt"

	"crisis-chat/internal/models"
	"crisis-chat/pkg/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(databaseURL string) (*PostgresDB, error) {
	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to database successfully")
	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

// Account Repository Implementation
func (db *PostgresDB) GetAccountByEmail(ctx context.Context, email string) (*models.ResponderAccount, error) {
	query := `SELECT id, name, email, password_hash, specialties, created_at FROM responders WHERE email = $1`

	account := &models.ResponderAccount{}
	err := db.pool.QueryRow(ctx, query, email).Scan(
		&account.ID, &account.Name, &account.Email, &account.PasswordHash, &account.Specialties, &account.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return account, nil
}

func (db *PostgresDB) CreateAccount(ctx context.Context, req *models.RegisterRequest) (*models.ResponderAccount, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	query := `
		INSERT INTO responders (id, name, email, password_hash, specialties, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, name, email, specialties, created_at`

	account := &models.ResponderAccount{PasswordHash: string(hash)}
	err = db.pool.QueryRow(ctx, query, uuid.NewString(), req.Name, req.Email, string(hash), req.Specialties).Scan(
		&account.ID, &account.Name, &account.Email, &account.Specialties, &account.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create responder account: %w", err)
	}

	return account, nil
}

func (db *PostgresDB) GetAccountByID(ctx context.Context, id string) (*models.ResponderAccount, error) {
	query := `SELECT id, name, email, specialties, created_at FROM responders WHERE id = $1`

	account := &models.ResponderAccount{}
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&account.ID, &account.Name, &account.Email, &account.Specialties, &account.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return account, nil
}

// Session Repository Implementation
func (db *PostgresDB) SaveSession(ctx context.Context, session *models.Session) error {
	query := `
		INSERT INTO sessions (room_id, participant_id, responder_id, status, urgency_level, category, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
		ON CONFLICT (room_id) DO NOTHING`

	_, err := db.pool.Exec(ctx, query,
		session.RoomID, session.ParticipantID, session.ResponderID,
		string(session.Status), session.UrgencyLevel, session.Category, session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (db *PostgresDB) UpdateSession(ctx context.Context, session *models.Session) error {
	query := `
		UPDATE sessions
		SET responder_id = NULLIF($2, ''), status = $3, urgency_level = $4
		WHERE room_id = $1`

	_, err := db.pool.Exec(ctx, query,
		session.RoomID, session.ResponderID, string(session.Status), session.UrgencyLevel,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

func (db *PostgresDB) ListOpenSessions(ctx context.Context) ([]*models.Session, error) {
	query := `
		SELECT room_id, participant_id, COALESCE(responder_id, ''), status, urgency_level, COALESCE(category, ''), created_at
		FROM sessions
		WHERE status IN ('waiting', 'active', 'escalated')
		ORDER BY created_at`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list open sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session := &models.Session{}
		var status string
		if err := rows.Scan(
			&session.RoomID, &session.ParticipantID, &session.ResponderID,
			&status, &session.UrgencyLevel, &session.Category, &session.CreatedAt,
		); err != nil {
			return nil, err
		}
		session.Status = models.SessionStatus(status)
		sessions = append(sessions, session)
	}

	return sessions, rows.Err()
}

// Message Repository Implementation
func (db *PostgresDB) SaveMessage(ctx context.Context, msg *models.Message, sealedContent []byte) error {
	query := `
		INSERT INTO messages (id, room_id, sender_id, sender_role, sealed_content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	_, err := db.pool.Exec(ctx, query,
		msg.ID, msg.RoomID, msg.SenderID, string(msg.SenderRole), sealedContent, msg.Metadata, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func (db *PostgresDB) LoadMessages(ctx context.Context, roomID string, limit int) ([]*StoredMessage, error) {
	query := `
		SELECT id, room_id, sender_id, sender_role, sealed_content, created_at
		FROM messages
		WHERE room_id = $1
		ORDER BY id DESC
		LIMIT $2`

	rows, err := db.pool.Query(ctx, query, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var messages []*StoredMessage
	for rows.Next() {
		msg := &models.Message{}
		var role string
		var sealed []byte
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &role, &sealed, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.SenderRole = models.SenderRole(role)
		messages = append(messages, &StoredMessage{Message: msg, Sealed: sealed})
	}

	// Reverse to chronological order (ULIDs sort by time)
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, rows.Err()
}
