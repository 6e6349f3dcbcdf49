package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"voiceagent/config"
	"voiceagent/models"
)

var ErrTranscriptNotFound = errors.New("transcript not found")

// TranscriptStore is the durable home of finalized call transcripts. Save
// is keyed by call sid; saving the same call twice overwrites.
type TranscriptStore interface {
	Save(ctx context.Context, rec models.TranscriptRecord) error
	Get(ctx context.Context, callSID string) (models.TranscriptRecord, error)
	// List returns up to limit records, most recently ended first.
	List(ctx context.Context, limit int) ([]models.TranscriptRecord, error)
	Close() error
}

// NewTranscriptStore builds the backend named by cfg.StoreBackend.
func NewTranscriptStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (TranscriptStore, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		logger.Warn("using in-memory transcript store, records are lost on restart")
		return NewMemoryStore(), nil
	case config.StoreDynamoDB:
		return NewDynamoDBStore(ctx, DynamoDBOptions{
			Table:    cfg.DynamoDBTable,
			Region:   cfg.AWSRegion,
			Endpoint: cfg.DynamoDBEndpoint,
		}, logger)
	case config.StorePostgres:
		return NewPostgresStore(ctx, cfg.PostgresDSN, cfg.PostgresTable, logger)
	case config.StoreFirestore:
		return NewFirestoreStore(ctx, FirestoreOptions{
			ProjectID:       cfg.GoogleCloudProject,
			CredentialsFile: cfg.FirebaseCredentials,
			Collection:      cfg.FirestoreCollection,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func sortByEndTimeDesc(recs []models.TranscriptRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].EndTime.Equal(recs[j].EndTime) {
			return recs[i].CallSID < recs[j].CallSID
		}
		return recs[i].EndTime.After(recs[j].EndTime)
	})
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 10
	}
	if limit > 100 {
		return 100
	}
	return limit
}
