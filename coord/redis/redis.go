// Package redis implements the coordination transport against a Redis
// deployment where the job mirrors its collect state into keys.
//
// The sink side maintains, per job and operator:
//
//	<prefix>:job:<job>:status                     job status string
//	<prefix>:job:<job>:final                      hash: accumulator name -> msgpack blocks
//	<prefix>:job:<job>:op:<op>:epoch              consumption epoch token
//	<prefix>:job:<job>:op:<op>:committed          last checkpointed offset
//	<prefix>:job:<job>:op:<op>:base               absolute offset of results[0]
//	<prefix>:job:<job>:op:<op>:results            list of undelivered payloads
//
// Send reads that state with plain GET/LRANGE calls, so a response always
// carries data starting exactly at the requested offset (or nothing when
// the offset is outside the mirrored window, which the buffer reconciles).
// The state spans several keys; Send stamps the view before and after the
// reads and retries when a sink restart or trim moved it in between, so a
// torn view never reaches the buffer.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/sluice/coord"
	"github.com/pithecene-io/sluice/types"
)

// DefaultKeyPrefix is the default namespace for all coordination keys.
const DefaultKeyPrefix = "sluice"

// DefaultTimeout is the default per-call timeout.
const DefaultTimeout = 5 * time.Second

// DefaultPollInterval is the default wait between final-result polls.
const DefaultPollInterval = 250 * time.Millisecond

// DefaultBatchSize is the default maximum number of payloads per response.
const DefaultBatchSize = 512

// Config configures the Redis coordination transport.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// JobID identifies the job whose state is read (required).
	JobID string
	// KeyPrefix namespaces all keys (default: sluice).
	KeyPrefix string
	// Timeout is the per-call timeout (default 5s).
	Timeout time.Duration
	// PollInterval is the wait between final-result polls (default 250ms).
	PollInterval time.Duration
	// BatchSize caps the payloads returned per Send (default 512).
	BatchSize int64
}

// Client is both the coordination Gateway and the JobClient for one job.
type Client struct {
	config Config
	client *goredis.Client
}

// New creates a Redis coordination client from the given config.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis transport requires a URL")
	}
	if cfg.JobID == "" {
		return nil, errors.New("redis transport requires a job id")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis transport: invalid URL: %w", err)
	}

	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	return &Client{
		config: cfg,
		client: goredis.NewClient(opts),
	}, nil
}

// key joins parts under the job namespace.
func (c *Client) key(parts ...string) string {
	all := append([]string{c.config.KeyPrefix, "job", c.config.JobID}, parts...)
	return strings.Join(all, ":")
}

// sendReadAttempts bounds re-reads when the mirrored state keeps moving
// between the individual key reads.
const sendReadAttempts = 3

// windowStamp identifies one consistent view of an operator's mirrored
// collect state. The epoch changes when the sink restarts; the base moves
// when it trims acknowledged results. A response assembled across either
// transition must be discarded: it could mix epochs or misattribute
// payload offsets.
type windowStamp struct {
	epoch string
	base  int64
}

// Send reads the operator's mirrored collect state. Implements coord.Gateway.
func (c *Client) Send(ctx context.Context, operatorID string, req *types.CoordinationRequest) (*types.CoordinationResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	for range sendReadAttempts {
		resp, stamp, err := c.readWindow(ctx, operatorID, req)
		if err != nil {
			return nil, err
		}
		verify, err := c.readStamp(ctx, operatorID)
		if err != nil {
			return nil, err
		}
		if verify == stamp {
			return resp, nil
		}
	}
	return nil, fmt.Errorf("redis: operator %q: collect state changed during every read attempt", operatorID)
}

// readWindow assembles one candidate response together with the stamp it
// was read under.
func (c *Client) readWindow(ctx context.Context, operatorID string, req *types.CoordinationRequest) (*types.CoordinationResponse, windowStamp, error) {
	epoch, err := c.client.Get(ctx, c.key("op", operatorID, "epoch")).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, windowStamp{}, c.classifyMissingEpoch(ctx, operatorID)
	}
	if err != nil {
		return nil, windowStamp{}, fmt.Errorf("redis: read epoch: %w", err)
	}

	committed, err := c.getInt(ctx, c.key("op", operatorID, "committed"))
	if err != nil {
		return nil, windowStamp{}, fmt.Errorf("redis: read committed offset: %w", err)
	}
	base, err := c.getInt(ctx, c.key("op", operatorID, "base"))
	if err != nil {
		return nil, windowStamp{}, fmt.Errorf("redis: read base offset: %w", err)
	}

	var results [][]byte
	// Offsets below base were trimmed sink-side (or belong to a previous
	// epoch); an empty response lets the buffer reconcile its position.
	if start := req.Offset - base; start >= 0 {
		vals, err := c.client.LRange(ctx, c.key("op", operatorID, "results"), start, start+c.config.BatchSize-1).Result()
		if err != nil {
			return nil, windowStamp{}, fmt.Errorf("redis: read results: %w", err)
		}
		for _, v := range vals {
			results = append(results, []byte(v))
		}
	}

	resp := &types.CoordinationResponse{
		Version:                epoch,
		LastCheckpointedOffset: committed,
		Results:                results,
	}
	return resp, windowStamp{epoch: epoch, base: base}, nil
}

// readStamp re-reads the stamp after the window reads. A vanished epoch
// yields the zero stamp, which never matches a read window and forces a
// retry.
func (c *Client) readStamp(ctx context.Context, operatorID string) (windowStamp, error) {
	epoch, err := c.client.Get(ctx, c.key("op", operatorID, "epoch")).Result()
	if errors.Is(err, goredis.Nil) {
		return windowStamp{}, nil
	}
	if err != nil {
		return windowStamp{}, fmt.Errorf("redis: re-read epoch: %w", err)
	}
	base, err := c.getInt(ctx, c.key("op", operatorID, "base"))
	if err != nil {
		return windowStamp{}, fmt.Errorf("redis: re-read base offset: %w", err)
	}
	return windowStamp{epoch: epoch, base: base}, nil
}

// classifyMissingEpoch distinguishes why the operator has no epoch yet:
// no job at all, a job that has not started executing, or a terminated
// job whose coordinator is gone.
func (c *Client) classifyMissingEpoch(ctx context.Context, operatorID string) error {
	status, err := c.client.Get(ctx, c.key("status")).Result()
	if errors.Is(err, goredis.Nil) {
		return fmt.Errorf("redis: job %q: %w", c.config.JobID, coord.ErrJobNotFound)
	}
	if err != nil {
		return fmt.Errorf("redis: check job: %w", err)
	}
	if !types.JobStatus(status).IsTerminal() {
		return fmt.Errorf("redis: job %q: %w", c.config.JobID, coord.ErrExecutionNotStarted)
	}
	return fmt.Errorf("redis: operator %q: %w", operatorID, coord.ErrCoordinatorNotFound)
}

// Status implements coord.JobClient.
func (c *Client) Status(ctx context.Context) (types.JobStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	val, err := c.client.Get(ctx, c.key("status")).Result()
	if errors.Is(err, goredis.Nil) {
		return "", fmt.Errorf("redis: job %q: %w", c.config.JobID, coord.ErrJobNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("redis: read status: %w", err)
	}
	return types.JobStatus(val), nil
}

// FinalResult polls for the job's final accumulators until they appear or
// the context ends. Implements coord.JobClient.
func (c *Client) FinalResult(ctx context.Context) (*types.FinalResult, error) {
	for {
		result, err := c.readFinal(ctx)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("redis: awaiting final result: %w", ctx.Err())
		case <-time.After(c.config.PollInterval):
		}
	}
}

// readFinal reads the final accumulator hash once; nil means not published yet.
func (c *Client) readFinal(ctx context.Context) (*types.FinalResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	fields, err := c.client.HGetAll(ctx, c.key("final")).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read final result: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	accs := make(map[string][][]byte, len(fields))
	for name, raw := range fields {
		var blocks [][]byte
		if err := msgpack.Unmarshal([]byte(raw), &blocks); err != nil {
			return nil, fmt.Errorf("redis: decode accumulator %q: %w", name, err)
		}
		accs[name] = blocks
	}
	return &types.FinalResult{Accumulators: accs}, nil
}

// Cancel flips the job status to canceled and notifies the control channel.
// Implements coord.JobClient.
func (c *Client) Cancel(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	set, err := c.client.SetXX(ctx, c.key("status"), string(types.StatusCanceled), 0).Result()
	if err != nil {
		return fmt.Errorf("redis: cancel job: %w", err)
	}
	if !set {
		return fmt.Errorf("redis: job %q: %w", c.config.JobID, coord.ErrJobNotFound)
	}

	if err := c.client.Publish(ctx, c.key("control"), "cancel").Err(); err != nil {
		return fmt.Errorf("redis: notify cancel: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// getInt reads an integer key, treating a missing key as zero.
func (c *Client) getInt(ctx context.Context, key string) (int64, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", key, err)
	}
	return n, nil
}

// Verify Client implements the coordination interfaces.
var (
	_ coord.Gateway   = (*Client)(nil)
	_ coord.JobClient = (*Client)(nil)
)
