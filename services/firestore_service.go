package services

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"voiceagent/models"
)

type FirestoreOptions struct {
	ProjectID       string
	CredentialsFile string
	Collection      string
}

// FirestoreStore writes one document per call, keyed by call sid.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	logger     *slog.Logger
}

func NewFirestoreStore(ctx context.Context, opts FirestoreOptions, logger *slog.Logger) (*FirestoreStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var appCfg *firebase.Config
	if opts.ProjectID != "" {
		appCfg = &firebase.Config{ProjectID: opts.ProjectID}
	}
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, appCfg, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firestore client: %w", err)
	}

	collection := opts.Collection
	if collection == "" {
		collection = "conversations"
	}
	return &FirestoreStore{client: client, collection: collection, logger: logger}, nil
}

func (s *FirestoreStore) Save(ctx context.Context, rec models.TranscriptRecord) error {
	ref := s.client.Collection(s.collection).Doc(rec.CallSID)
	if _, err := ref.Set(ctx, rec); err != nil {
		return fmt.Errorf("firestore set %s: %w", rec.CallSID, err)
	}
	s.logger.DebugContext(ctx, "transcript saved", "backend", "firestore", "call_sid", rec.CallSID)
	return nil
}

func (s *FirestoreStore) Get(ctx context.Context, callSID string) (models.TranscriptRecord, error) {
	doc, err := s.client.Collection(s.collection).Doc(callSID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return models.TranscriptRecord{}, ErrTranscriptNotFound
	}
	if err != nil {
		return models.TranscriptRecord{}, fmt.Errorf("firestore get %s: %w", callSID, err)
	}
	return decodeTranscriptDoc(doc)
}

func (s *FirestoreStore) List(ctx context.Context, limit int) ([]models.TranscriptRecord, error) {
	docs, err := s.client.Collection(s.collection).
		OrderBy("end_time", firestore.Desc).
		Limit(clampLimit(limit)).
		Documents(ctx).
		GetAll()
	if err != nil {
		return nil, fmt.Errorf("firestore list: %w", err)
	}

	recs := make([]models.TranscriptRecord, 0, len(docs))
	for _, doc := range docs {
		rec, err := decodeTranscriptDoc(doc)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping malformed transcript document", "doc", doc.Ref.ID, "err", err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func decodeTranscriptDoc(doc *firestore.DocumentSnapshot) (models.TranscriptRecord, error) {
	var rec models.TranscriptRecord
	if err := doc.DataTo(&rec); err != nil {
		return models.TranscriptRecord{}, fmt.Errorf("decode %s: %w", doc.Ref.ID, err)
	}
	if rec.Exchanges == nil {
		rec.Exchanges = []models.Exchange{}
	}
	return rec, nil
}
