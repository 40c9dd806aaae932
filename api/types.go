package api

import (
	"context"

	"github.com/deonneon/ohtani-harada/domain"
	"github.com/deonneon/ohtani-harada/storage"
)

// MatrixStore abstracts persistence for handlers.
type MatrixStore interface {
	SaveMatrix(ctx context.Context, data domain.MatrixData) error
	LoadMatrix(ctx context.Context) (*domain.MatrixData, error)
	ClearMatrix(ctx context.Context) error
	HasMatrix(ctx context.Context) (bool, error)
	Metadata(ctx context.Context) (*storage.Metadata, error)
	Usage(ctx context.Context) (*storage.Usage, error)
	CreateBackup(ctx context.Context) bool
	RestoreFromBackup(ctx context.Context) *domain.MatrixData
	BackupMetadata(ctx context.Context) (*storage.Metadata, error)
	ClearBackup(ctx context.Context) error
	MaxBytes() int
}

// Authenticator is implemented by types able to extract user IDs from
// Authorization headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

const commandBodyMaxSize = 64 * 1024 // 64 KiB

type errorResponse struct {
	Error       string   `json:"error"`
	Details     []string `json:"details,omitempty"`
	Recoverable bool     `json:"recoverable,omitempty"`
}
