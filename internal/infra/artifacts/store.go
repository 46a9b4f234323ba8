// Package artifacts archives settled run output to S3-compatible
// object storage. Each job's chunk stream is serialized to NDJSON and
// uploaded under the configured prefix, so output survives chunk
// retention cleanup.
package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/reconpoint/engine/internal/config"
	"github.com/reconpoint/engine/pkg/domain/scan"
	"github.com/reconpoint/engine/pkg/domain/shared"
	"github.com/reconpoint/engine/pkg/logger"
)

// replayPageSize bounds memory per Replay call while draining a job's
// chunk stream.
const replayPageSize = 1000

// Store uploads run output to object storage.
type Store struct {
	cfg    config.ArtifactsConfig
	client *s3.Client
	runs   scan.RunRepository
	chunks scan.ChunkRepository
	log    *logger.Logger
}

// NewStore creates an artifact store. Static credentials take priority;
// without them the default AWS credential chain applies. A custom
// endpoint switches to path-style addressing for MinIO compatibility.
func NewStore(
	ctx context.Context,
	cfg config.ArtifactsConfig,
	runs scan.RunRepository,
	chunks scan.ChunkRepository,
	log *logger.Logger,
) (*Store, error) {
	awsOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		awsOpts = append(awsOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.ForcePathStyle
		})
	}

	return &Store{
		cfg:    cfg,
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		runs:   runs,
		chunks: chunks,
		log:    log.With("component", "artifacts"),
	}, nil
}

// ArchiveRun uploads the output of every job in the run, one NDJSON
// object per stage. Returns the uploaded object keys. Jobs with no
// output are skipped.
func (s *Store) ArchiveRun(ctx context.Context, runID shared.ID) ([]string, error) {
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}

	var keys []string
	for stageName, job := range run.Jobs {
		body, count, err := s.drainJob(ctx, job.ID)
		if err != nil {
			return keys, fmt.Errorf("drain job %s: %w", stageName, err)
		}
		if count == 0 {
			continue
		}

		key := s.objectKey(runID, stageName.String())
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.cfg.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/x-ndjson"),
		})
		if err != nil {
			return keys, fmt.Errorf("upload %s: %w", key, err)
		}

		s.log.Info("job output archived",
			"run_id", runID.String(), "stage", stageName.String(),
			"key", key, "chunks", count)
		keys = append(keys, key)
	}

	return keys, nil
}

// drainJob replays the job's full chunk stream and serializes it to
// NDJSON, one chunk per line in sequence order.
func (s *Store) drainJob(ctx context.Context, jobID shared.ID) ([]byte, int, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	var after uint64
	count := 0
	for {
		page, err := s.chunks.Replay(ctx, jobID, after, replayPageSize)
		if err != nil {
			return nil, 0, err
		}
		for _, c := range page {
			if err := enc.Encode(c); err != nil {
				return nil, 0, fmt.Errorf("encode chunk: %w", err)
			}
			after = c.Sequence
			count++
		}
		if len(page) < replayPageSize {
			return buf.Bytes(), count, nil
		}
	}
}

func (s *Store) objectKey(runID shared.ID, stageName string) string {
	return path.Join(s.cfg.Prefix, "runs", runID.String(), stageName+".ndjson")
}
