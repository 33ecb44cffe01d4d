// Package archive exports closed orders and their administration history
// to object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/schoolcare/medorder/internal/domain/medorder"
)

const pageSize = 100

// ObjectPutter is the subset of the S3 client the archiver needs
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds an S3 client from the default AWS config chain with
// path-style addressing so local emulators work.
func NewS3Client(ctx context.Context) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.New(s3.Options{
		Region:       cfg.Region,
		Credentials:  cfg.Credentials,
		HTTPClient:   cfg.HTTPClient,
		BaseEndpoint: cfg.BaseEndpoint,
		UsePathStyle: true,
	}), nil
}

// Document is the archived form of one order
type Document struct {
	Order      *medorder.MedicalOrder           `json:"order"`
	Lines      []*medorder.MedicineLine         `json:"medicalOrderDetails"`
	History    []*medorder.AdministrationRecord `json:"history"`
	ArchivedAt time.Time                        `json:"archivedAt"`
}

// Result summarizes one archive run
type Result struct {
	Archived int      `json:"archived"`
	Keys     []string `json:"keys"`
}

// Archiver writes terminal orders to a bucket. Orders are only read; the
// database keeps them.
type Archiver struct {
	reader medorder.Reader
	query  *medorder.Query
	client ObjectPutter
	bucket string
	prefix string
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewArchiver creates an archiver
func NewArchiver(reader medorder.Reader, query *medorder.Query, client ObjectPutter, bucket, prefix string, logger *zap.Logger) (*Archiver, error) {
	if bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		reader: reader,
		query:  query,
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger,
		tracer: otel.Tracer("archive"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Key returns the object key of an order
func (a *Archiver) Key(orderID string) string {
	return path.Join(a.prefix, orderID+".json")
}

// Run exports every completed or canceled order last updated before cutoff.
// Objects are overwritten, so a rerun is safe.
func (a *Archiver) Run(ctx context.Context, before time.Time) (*Result, error) {
	ctx, span := a.tracer.Start(ctx, "archive_run",
		trace.WithAttributes(attribute.String("before", before.Format(time.RFC3339))))
	defer span.End()

	if before.IsZero() {
		return nil, errors.New("archive cutoff is required")
	}

	result := &Result{Keys: []string{}}
	for _, status := range []medorder.Status{medorder.StatusCompleted, medorder.StatusCanceled} {
		for offset := 0; ; offset += pageSize {
			orders, _, err := a.reader.ListOrders(ctx, medorder.ListFilter{
				Status:        status,
				UpdatedBefore: before,
				Limit:         pageSize,
				Offset:        offset,
			})
			if err != nil {
				span.RecordError(err)
				return result, fmt.Errorf("list %s orders: %w", status, err)
			}
			for _, order := range orders {
				key, err := a.archiveOrder(ctx, order.ID)
				if err != nil {
					span.RecordError(err)
					return result, err
				}
				result.Archived++
				result.Keys = append(result.Keys, key)
			}
			if len(orders) < pageSize {
				break
			}
		}
	}

	span.SetAttributes(attribute.Int("archived", result.Archived))
	a.logger.Info("archive completed",
		zap.Time("before", before),
		zap.Int("archived", result.Archived),
		zap.String("bucket", a.bucket))
	return result, nil
}

func (a *Archiver) archiveOrder(ctx context.Context, orderID string) (string, error) {
	detail, err := a.query.GetDetail(ctx, orderID)
	if err != nil {
		return "", fmt.Errorf("load order %s: %w", orderID, err)
	}
	history, err := a.query.GetHistory(ctx, orderID)
	if err != nil {
		return "", fmt.Errorf("load history of %s: %w", orderID, err)
	}

	body, err := json.Marshal(Document{
		Order:      detail.Order,
		Lines:      detail.Lines,
		History:    history,
		ArchivedAt: a.now(),
	})
	if err != nil {
		return "", fmt.Errorf("encode order %s: %w", orderID, err)
	}

	key := a.Key(orderID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		ACL:         types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", a.bucket, key, err)
	}
	a.logger.Debug("order archived", zap.String("order_id", orderID), zap.String("key", key))
	return key, nil
}
