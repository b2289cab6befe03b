package database

import (
	"context"

	"crisis-chat/internal/models"
)

type AccountRepository interface {
	GetAccountByEmail(ctx context.Context, email string) (*models.ResponderAccount, error)
	CreateAccount(ctx context.Context, req *models.RegisterRequest) (*models.ResponderAccount, error)
	GetAccountByID(ctx context.Context, id string) (*models.ResponderAccount, error)
}

type SessionRepository interface {
	SaveSession(ctx context.Context, session *models.Session) error
	UpdateSession(ctx context.Context, session *models.Session) error
	ListOpenSessions(ctx context.Context) ([]*models.Session, error)
}

// StoredMessage pairs a persisted message with its sealed content, the
// form messages take at rest.
type StoredMessage struct {
	Message *models.Message
	Sealed  []byte
}

type MessageRepository interface {
	// SaveMessage stores the message with its content already sealed.
	SaveMessage(ctx context.Context, msg *models.Message, sealedContent []byte) error
	// LoadMessages returns a room's most recent messages in chronological
	// order, content still sealed.
	LoadMessages(ctx context.Context, roomID string, limit int) ([]*StoredMessage, error)
}

type Database interface {
	AccountRepository
	SessionRepository
	MessageRepository
	Close() error
}
