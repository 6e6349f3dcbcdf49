package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"voiceagent/models"
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

type DynamoDBOptions struct {
	Table  string
	Region string
	// Endpoint points at DynamoDB Local. Static dummy credentials are used
	// when it is set.
	Endpoint string
}

type DynamoDBStore struct {
	db     DynamoAPI
	table  string
	logger *slog.Logger
}

func NewDynamoDBStore(ctx context.Context, opts DynamoDBOptions, logger *slog.Logger) (*DynamoDBStore, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.Endpoint != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(credentials.StaticCredentialsProvider{
			Value: aws.Credentials{
				AccessKeyID: "dummy", SecretAccessKey: "dummy", SessionToken: "dummy",
			},
		}))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})

	s := newDynamoDBStoreWithClient(client, opts.Table, logger)
	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func newDynamoDBStoreWithClient(db DynamoAPI, table string, logger *slog.Logger) *DynamoDBStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DynamoDBStore{db: db, table: table, logger: logger}
}

func (s *DynamoDBStore) ensureTable(ctx context.Context) error {
	_, err := s.db.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("CallSid"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("CallSid"),
				KeyType:       types.KeyTypeHash,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	switch {
	case err == nil:
		s.logger.Info("created dynamodb table", "table", s.table)
		return nil
	case errors.As(err, &inUse):
		return nil
	default:
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
}

func (s *DynamoDBStore) Save(ctx context.Context, rec models.TranscriptRecord) error {
	_, err := s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      transcriptToItem(rec),
	})
	if err != nil {
		return fmt.Errorf("dynamodb put %s: %w", rec.CallSID, err)
	}
	s.logger.DebugContext(ctx, "transcript saved", "backend", "dynamodb", "call_sid", rec.CallSID)
	return nil
}

func (s *DynamoDBStore) Get(ctx context.Context, callSID string) (models.TranscriptRecord, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"CallSid": &types.AttributeValueMemberS{Value: callSID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return models.TranscriptRecord{}, fmt.Errorf("dynamodb get %s: %w", callSID, err)
	}
	if len(out.Item) == 0 {
		return models.TranscriptRecord{}, ErrTranscriptNotFound
	}
	return itemToTranscript(out.Item)
}

// List scans the whole table; it serves an operator endpoint, not the call path.
func (s *DynamoDBStore) List(ctx context.Context, limit int) ([]models.TranscriptRecord, error) {
	var recs []models.TranscriptRecord
	p := dynamodb.NewScanPaginator(s.db, &dynamodb.ScanInput{TableName: aws.String(s.table)})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamodb scan: %w", err)
		}
		for _, item := range page.Items {
			rec, err := itemToTranscript(item)
			if err != nil {
				s.logger.WarnContext(ctx, "skipping malformed transcript item", "err", err)
				continue
			}
			recs = append(recs, rec)
		}
	}

	sortByEndTimeDesc(recs)
	if limit = clampLimit(limit); len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (s *DynamoDBStore) Close() error { return nil }

func transcriptToItem(rec models.TranscriptRecord) map[string]types.AttributeValue {
	exchanges := make([]types.AttributeValue, 0, len(rec.Exchanges))
	for _, ex := range rec.Exchanges {
		exchanges = append(exchanges, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"User":      &types.AttributeValueMemberS{Value: ex.User},
			"AI":        &types.AttributeValueMemberS{Value: ex.AI},
			"Timestamp": &types.AttributeValueMemberS{Value: FormatTimestamp(ex.Timestamp)},
		}})
	}

	return map[string]types.AttributeValue{
		"CallSid":        &types.AttributeValueMemberS{Value: rec.CallSID},
		"StartTime":      &types.AttributeValueMemberS{Value: FormatTimestamp(rec.StartTime)},
		"EndTime":        &types.AttributeValueMemberS{Value: FormatTimestamp(rec.EndTime)},
		"Status":         &types.AttributeValueMemberS{Value: string(rec.Status)},
		"EndReason":      &types.AttributeValueMemberS{Value: string(rec.EndReason)},
		"FullTranscript": &types.AttributeValueMemberS{Value: rec.FullTranscript},
		"ExchangeCount":  &types.AttributeValueMemberN{Value: strconv.Itoa(len(rec.Exchanges))},
		"Exchanges":      &types.AttributeValueMemberL{Value: exchanges},
	}
}

func itemToTranscript(item map[string]types.AttributeValue) (models.TranscriptRecord, error) {
	rec := models.TranscriptRecord{
		CallSID:        stringAttr(item, "CallSid"),
		Status:         models.TranscriptStatus(stringAttr(item, "Status")),
		EndReason:      models.EndReason(stringAttr(item, "EndReason")),
		FullTranscript: stringAttr(item, "FullTranscript"),
		Exchanges:      []models.Exchange{},
	}
	if rec.CallSID == "" {
		return models.TranscriptRecord{}, errors.New("item has no CallSid")
	}

	var err error
	if rec.StartTime, err = ParseTimestamp(stringAttr(item, "StartTime")); err != nil {
		return models.TranscriptRecord{}, fmt.Errorf("%s: start time: %w", rec.CallSID, err)
	}
	if rec.EndTime, err = ParseTimestamp(stringAttr(item, "EndTime")); err != nil {
		return models.TranscriptRecord{}, fmt.Errorf("%s: end time: %w", rec.CallSID, err)
	}

	list, _ := item["Exchanges"].(*types.AttributeValueMemberL)
	if list == nil {
		return rec, nil
	}
	for _, v := range list.Value {
		m, ok := v.(*types.AttributeValueMemberM)
		if !ok {
			continue
		}
		ts, err := ParseTimestamp(stringAttr(m.Value, "Timestamp"))
		if err != nil {
			return models.TranscriptRecord{}, fmt.Errorf("%s: exchange timestamp: %w", rec.CallSID, err)
		}
		rec.Exchanges = append(rec.Exchanges, models.Exchange{
			User:      stringAttr(m.Value, "User"),
			AI:        stringAttr(m.Value, "AI"),
			Timestamp: ts,
		})
	}
	return rec, nil
}

func stringAttr(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}
