package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"curling-server/config"
	"curling-server/dispatch"
	"curling-server/models"
)

// ObjectPutter is the part of the S3 API the archive uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewR2Client returns an S3 client for a Cloudflare R2 account.
func NewR2Client(ctx context.Context, cfg config.ArchiveConfig) (*s3.Client, error) {
	sdkCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load R2 config: %w", err)
	}
	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	return s3.NewFromConfig(sdkCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	}), nil
}

type job struct {
	matchID uuid.UUID
	shot    models.ShotInfo
}

// Archiver copies completed shots, trajectory included, to object storage.
// Uploads run on one worker so they never hold up a match.
type Archiver struct {
	client  ObjectPutter
	bucket  string
	queue   chan job
	backoff dispatch.Backoff
}

// New returns an archiver writing to bucket with room for queueSize pending
// uploads.
func New(client ObjectPutter, bucket string, queueSize int) *Archiver {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Archiver{
		client:  client,
		bucket:  bucket,
		queue:   make(chan job, queueSize),
		backoff: dispatch.Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second, MaxAttempts: 5},
	}
}

// Key is the object key of a shot.
func Key(matchID, shotID uuid.UUID) string {
	return fmt.Sprintf("matches/%s/shots/%s.json", matchID, shotID)
}

// Enqueue schedules a shot for upload. When the queue is full the shot is
// dropped; it stays available from the database.
func (a *Archiver) Enqueue(matchID uuid.UUID, shot models.ShotInfo) {
	select {
	case a.queue <- job{matchID: matchID, shot: shot}:
	default:
		slog.Warn("archive queue full, dropping shot", "tag", "archive", "match", matchID, "shot", shot.ID)
	}
}

// Run uploads queued shots until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	slog.Info("archive worker started", "tag", "archive", "bucket", a.bucket)
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-a.queue:
			a.upload(ctx, j)
		}
	}
}

func (a *Archiver) upload(ctx context.Context, j job) {
	body, err := json.Marshal(j.shot)
	if err != nil {
		slog.Error("marshal shot", "tag", "archive", "shot", j.shot.ID, "err", err)
		return
	}
	key := Key(j.matchID, j.shot.ID)
	for attempt := 1; ; attempt++ {
		_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		})
		if err == nil {
			slog.Debug("shot archived", "tag", "archive", "key", key)
			return
		}
		if attempt >= a.backoff.MaxAttempts {
			slog.Error("archive upload failed", "tag", "archive", "key", key, "attempts", attempt, "err", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.backoff.Delay(attempt)):
		}
	}
}
