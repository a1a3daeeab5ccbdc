package storage

import (
	"context"
	"errors"

	"github.com/zhandos-dev/komek-bot/internal/models"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("not found")

// Storage is the single durability boundary. Both the conversation side and
// the matcher read and write through it instead of caching records.
type Storage interface {
	UpsertClient(ctx context.Context, client *models.Client) error
	GetClient(ctx context.Context, chatID int64) (*models.Client, error)
	SetClientFeedback(ctx context.Context, chatID int64, score int, review string) error
	ListClients(ctx context.Context) ([]*models.Client, error)

	UpsertPsychologist(ctx context.Context, ps *models.Psychologist) error
	// ListPsychologists returns psychologists in registration order.
	ListPsychologists(ctx context.Context) ([]*models.Psychologist, error)
	PsychologistByChat(ctx context.Context, chatID int64) (*models.Psychologist, error)
	PsychologistUsernames(ctx context.Context) (map[string]bool, error)

	CreateAssignment(ctx context.Context, a *models.Assignment) error
	AssignmentByMessage(ctx context.Context, psChatID int64, messageID int) (*models.Assignment, error)
	ClaimedAssignmentByClient(ctx context.Context, clientChatID int64) (*models.Assignment, error)
	// ClaimAssignment is the claim compare-and-swap: if an offered row exists
	// for (psChatID, messageID) it atomically deletes every other row for the
	// same client, flips this one to claimed and returns (clientChatID, true).
	// Otherwise it returns won=false and changes nothing.
	ClaimAssignment(ctx context.Context, psChatID int64, messageID int) (clientChatID int64, won bool, err error)
	SetAssignmentStatus(ctx context.Context, psChatID int64, messageID int, status models.AssignmentStatus) error
	DeleteClientAssignments(ctx context.Context, clientChatID int64) error

	UpsertAdmin(ctx context.Context, chatID int64) error
	ListAdmins(ctx context.Context) ([]models.Admin, error)

	Close() error
}
