package domain

import (
	"context"
	"net/http"

	"gorm.io/gorm"
)

type Repository interface {
	// Insert returns false when the same delivery was already recorded.
	Insert(ctx context.Context, db *gorm.DB, record *EventRecord) (bool, error)
}

type Service interface {
	// IngestWebhook verifies, records and dispatches one delivery. Ignored and
	// already processed events return nil.
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error
}
