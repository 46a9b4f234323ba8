package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reconpoint/engine/pkg/domain/scan"
	"github.com/reconpoint/engine/pkg/domain/shared"
)

// ChunkStream publishes job output chunks to per-job Redis streams for
// live consumers. The chunk sequence number is used as the stream entry
// ID ("<seq>-0"), so XRANGE after a sequence is a direct range read and
// duplicate publishes are rejected by Redis itself.
type ChunkStream struct {
	client *Client
	maxLen int64
	ttl    time.Duration
}

// NewChunkStream creates a chunk stream on top of the shared client.
func NewChunkStream(client *Client, maxLen int64, ttl time.Duration) *ChunkStream {
	if maxLen <= 0 {
		maxLen = 100_000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ChunkStream{client: client, maxLen: maxLen, ttl: ttl}
}

func streamKey(jobID shared.ID) string {
	return "scan:output:" + jobID.String()
}

// Publish appends one chunk to the job's stream.
func (s *ChunkStream) Publish(ctx context.Context, c scan.OutputChunk) error {
	key := streamKey(c.JobID)
	values := map[string]any{
		"run_id": c.RunID.String(),
		"kind":   string(c.Kind),
		"ts":     c.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if len(c.Payload) > 0 {
		values["payload"] = string(c.Payload)
	}
	if c.ExitCode != nil {
		values["exit_code"] = strconv.Itoa(*c.ExitCode)
	}

	rdb := s.client.Client()
	pipe := rdb.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		ID:     fmt.Sprintf("%d-0", c.Sequence),
		MaxLen: s.maxLen,
		Approx: true,
		Values: values,
	})
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		// A replayed sequence hits "ID specified is smaller"; the entry is
		// already there, treat it as done.
		if strings.Contains(err.Error(), "equal or smaller") {
			return nil
		}
		return fmt.Errorf("redis xadd %s: %w", key, err)
	}
	return nil
}

// Replay returns chunks of a job with Sequence > after, ascending.
func (s *ChunkStream) Replay(ctx context.Context, jobID shared.ID, after uint64, limit int) ([]scan.OutputChunk, error) {
	if limit <= 0 {
		limit = 100
	}
	key := streamKey(jobID)
	start := fmt.Sprintf("%d-0", after+1)

	entries, err := s.client.Client().XRangeN(ctx, key, start, "+", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis xrange %s: %w", key, err)
	}

	chunks := make([]scan.OutputChunk, 0, len(entries))
	for _, entry := range entries {
		c, err := parseEntry(jobID, entry)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// Tail blocks for new chunks past lastSeq, up to the context deadline.
// Used by live WebSocket feeds when they fall behind.
func (s *ChunkStream) Tail(ctx context.Context, jobID shared.ID, lastSeq uint64, block time.Duration) ([]scan.OutputChunk, error) {
	key := streamKey(jobID)
	res, err := s.client.Client().XRead(ctx, &redis.XReadArgs{
		Streams: []string{key, fmt.Sprintf("%d-0", lastSeq)},
		Count:   100,
		Block:   block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis xread %s: %w", key, err)
	}

	var chunks []scan.OutputChunk
	for _, stream := range res {
		for _, entry := range stream.Messages {
			c, err := parseEntry(jobID, entry)
			if err != nil {
				return nil, err
			}
			chunks = append(chunks, c)
		}
	}
	return chunks, nil
}

// Drop removes a job's stream. Called by retention cleanup.
func (s *ChunkStream) Drop(ctx context.Context, jobID shared.ID) error {
	return s.client.Client().Del(ctx, streamKey(jobID)).Err()
}

func parseEntry(jobID shared.ID, entry redis.XMessage) (scan.OutputChunk, error) {
	seqPart, _, _ := strings.Cut(entry.ID, "-")
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return scan.OutputChunk{}, fmt.Errorf("invalid stream id %q: %w", entry.ID, err)
	}

	c := scan.OutputChunk{
		JobID:    jobID,
		Sequence: seq,
	}
	if v, ok := entry.Values["run_id"].(string); ok {
		if runID, err := shared.ParseID(v); err == nil {
			c.RunID = runID
		}
	}
	if v, ok := entry.Values["kind"].(string); ok {
		c.Kind = scan.ChunkKind(v)
	}
	if v, ok := entry.Values["payload"].(string); ok {
		c.Payload = []byte(v)
	}
	if v, ok := entry.Values["exit_code"].(string); ok {
		if code, err := strconv.Atoi(v); err == nil {
			c.ExitCode = &code
		}
	}
	if v, ok := entry.Values["ts"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			c.Timestamp = ts
		}
	}
	return c, nil
}
