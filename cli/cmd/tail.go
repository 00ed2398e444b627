// Package cmd provides CLI commands for the sluice binary.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sluice/archive"
	"github.com/pithecene-io/sluice/buffer"
	"github.com/pithecene-io/sluice/cli/config"
	coordredis "github.com/pithecene-io/sluice/coord/redis"
	"github.com/pithecene-io/sluice/fetcher"
	"github.com/pithecene-io/sluice/iox"
	"github.com/pithecene-io/sluice/log"
	"github.com/pithecene-io/sluice/metrics"
	"github.com/pithecene-io/sluice/types"
)

// Exit codes for tail.
const (
	exitSuccess          = 0
	exitConfigError      = 1
	exitRetrievalFailure = 2
	exitInterrupted      = 130
)

// TailCommand returns the tail command: stream a job's collected results
// to stdout (and optionally into an archive dataset) until the job
// terminates and its tail is drained.
func TailCommand() *cli.Command {
	return &cli.Command{
		Name:  "tail",
		Usage: "Stream a job's collected results until exhaustion",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to sluice.yaml config file",
			},
			&cli.StringFlag{
				Name:  "job-id",
				Usage: "Job to read from",
			},
			&cli.StringFlag{
				Name:  "operator-id",
				Usage: "Sink instance to read from",
			},
			&cli.StringFlag{
				Name:  "accumulator",
				Usage: "Accumulator holding the terminal snapshot",
			},
			&cli.StringFlag{
				Name:  "redis-url",
				Usage: "Redis coordination URL (redis://[:password@]host:port[/db])",
			},
			&cli.StringFlag{
				Name:  "key-prefix",
				Usage: "Coordination key namespace",
			},
			&cli.StringFlag{
				Name:  "delivery",
				Usage: "Delivery guarantee: exactly_once or best_effort",
			},
			&cli.DurationFlag{
				Name:  "retry-interval",
				Usage: "Sleep between fetch attempts",
			},
			&cli.DurationFlag{
				Name:  "fetch-timeout",
				Usage: "Bound on the final-result wait",
			},
			&cli.Int64Flag{
				Name:  "max-records",
				Usage: "Stop after N records (0 = until exhaustion)",
			},
			&cli.StringFlag{
				Name:  "output",
				Usage: "Output format: jsonl or raw",
				Value: "jsonl",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Suppress record output (useful with --archive-path)",
			},
			&cli.BoolFlag{
				Name:  "cancel-on-exit",
				Usage: "Cancel the job when tail exits before exhaustion",
			},
			// Archive storage flags
			&cli.StringFlag{
				Name:  "archive-dataset",
				Usage: "Archive dataset name",
			},
			&cli.StringFlag{
				Name:  "archive-backend",
				Usage: "Archive storage backend: fs or s3",
			},
			&cli.StringFlag{
				Name:  "archive-path",
				Usage: "Archive storage path (fs: directory, s3: bucket/prefix)",
			},
			&cli.StringFlag{
				Name:  "archive-s3-region",
				Usage: "AWS region for the S3 backend",
			},
			&cli.StringFlag{
				Name:  "archive-s3-endpoint",
				Usage: "Custom S3 endpoint (R2, MinIO)",
			},
			&cli.BoolFlag{
				Name:  "archive-s3-path-style",
				Usage: "Force path-style S3 addressing",
			},
		},
		Action: tailAction,
	}
}

// tailChoice is the fully resolved tail configuration: config file values
// overlaid with CLI flags.
type tailChoice struct {
	jobID       string
	operatorID  string
	accumulator string

	redisURL     string
	keyPrefix    string
	timeout      time.Duration
	pollInterval time.Duration
	batchSize    int64

	delivery      string
	retryInterval time.Duration
	fetchTimeout  time.Duration

	maxRecords   int64
	output       string
	quiet        bool
	cancelOnExit bool

	archive archiveChoice
}

// archiveChoice holds resolved archive storage configuration.
type archiveChoice struct {
	dataset   string
	backend   string
	path      string
	region    string
	endpoint  string
	pathStyle bool
	batchSize int
}

func resolveTailChoice(c *cli.Context) (*tailChoice, error) {
	cfg := &config.Config{}
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	choice := &tailChoice{
		jobID:       firstNonEmpty(c.String("job-id"), cfg.Job.ID),
		operatorID:  firstNonEmpty(c.String("operator-id"), cfg.Job.OperatorID),
		accumulator: firstNonEmpty(c.String("accumulator"), cfg.Job.Accumulator),

		redisURL:     firstNonEmpty(c.String("redis-url"), cfg.Transport.URL),
		keyPrefix:    firstNonEmpty(c.String("key-prefix"), cfg.Transport.KeyPrefix),
		timeout:      cfg.Transport.Timeout.Duration,
		pollInterval: cfg.Transport.PollInterval.Duration,
		batchSize:    cfg.Transport.BatchSize,

		delivery:      firstNonEmpty(c.String("delivery"), cfg.Fetch.Delivery, "exactly_once"),
		retryInterval: firstDuration(c.Duration("retry-interval"), cfg.Fetch.RetryInterval.Duration),
		fetchTimeout:  firstDuration(c.Duration("fetch-timeout"), cfg.Fetch.FetchTimeout.Duration),

		maxRecords:   c.Int64("max-records"),
		output:       c.String("output"),
		quiet:        c.Bool("quiet"),
		cancelOnExit: c.Bool("cancel-on-exit"),

		archive: archiveChoice{
			dataset:   firstNonEmpty(c.String("archive-dataset"), cfg.Archive.Dataset, "sluice"),
			backend:   firstNonEmpty(c.String("archive-backend"), cfg.Archive.Backend, "fs"),
			path:      firstNonEmpty(c.String("archive-path"), cfg.Archive.Path),
			region:    firstNonEmpty(c.String("archive-s3-region"), cfg.Archive.Region),
			endpoint:  firstNonEmpty(c.String("archive-s3-endpoint"), cfg.Archive.Endpoint),
			pathStyle: c.Bool("archive-s3-path-style") || cfg.Archive.S3PathStyle,
			batchSize: cfg.Archive.BatchSize,
		},
	}

	transportType := firstNonEmpty(cfg.Transport.Type, "redis")
	if transportType != "redis" {
		return nil, fmt.Errorf("unknown transport type: %s (must be redis)", transportType)
	}

	if choice.jobID == "" {
		return nil, errors.New("job id is required (--job-id or config job.id)")
	}
	if choice.operatorID == "" {
		return nil, errors.New("operator id is required (--operator-id or config job.operator_id)")
	}
	if choice.redisURL == "" {
		return nil, errors.New("redis URL is required (--redis-url or config transport.url)")
	}
	switch choice.delivery {
	case "exactly_once", "best_effort":
	default:
		return nil, fmt.Errorf("invalid delivery: %s (must be exactly_once or best_effort)", choice.delivery)
	}
	switch choice.output {
	case "jsonl", "raw":
	default:
		return nil, fmt.Errorf("invalid output: %s (must be jsonl or raw)", choice.output)
	}

	return choice, nil
}

func tailAction(c *cli.Context) error {
	choice, err := resolveTailChoice(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid tail config: %v", err), exitConfigError)
	}

	transport, err := coordredis.New(coordredis.Config{
		URL:          choice.redisURL,
		JobID:        choice.jobID,
		KeyPrefix:    choice.keyPrefix,
		Timeout:      choice.timeout,
		PollInterval: choice.pollInterval,
		BatchSize:    choice.batchSize,
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("transport setup failed: %v", err), exitConfigError)
	}
	defer iox.DiscardClose(transport)

	var buf buffer.Buffer
	if choice.delivery == "best_effort" {
		buf = buffer.NewBestEffort()
	} else {
		buf = buffer.NewExactlyOnce()
	}

	session := &types.SessionMeta{
		SessionID:  types.NewEpochToken(),
		JobID:      choice.jobID,
		OperatorID: choice.operatorID,
	}
	logger := log.NewLogger(session)
	collector := metrics.NewCollector(choice.delivery, "redis", choice.jobID, choice.operatorID)

	f, err := fetcher.New(buf, transport, transport, fetcher.Options{
		OperatorID:      choice.operatorID,
		AccumulatorName: choice.accumulator,
		RetryInterval:   choice.retryInterval,
		FetchTimeout:    choice.fetchTimeout,
		Logger:          logger,
		Metrics:         collector,
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("fetcher setup failed: %v", err), exitConfigError)
	}

	var archiver *archive.Archiver
	if choice.archive.path != "" {
		archiver, err = buildArchiver(choice)
		if err != nil {
			return cli.Exit(fmt.Sprintf("archive setup failed: %v", err), exitConfigError)
		}
	}

	// Ctrl-C ends the stream; job cancellation is opt-in.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	count, streamErr := streamRecords(ctx, f, archiver, choice)

	collector.AbsorbBufferStats(bufferStatsOf(buf))
	logSummary(logger, collector, count)

	if choice.cancelOnExit {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := f.Close(closeCtx); err != nil {
			logger.Warn("failed to close fetch session", map[string]any{"error": err.Error()})
		}
		closeCancel()
	}

	switch {
	case streamErr == nil:
		return cli.Exit("", exitSuccess)
	case errors.Is(streamErr, context.Canceled):
		return cli.Exit("", exitInterrupted)
	default:
		return cli.Exit(fmt.Sprintf("tail failed: %v", streamErr), exitRetrievalFailure)
	}
}

// streamRecords consumes the fetcher until exhaustion, the record limit,
// or an error, printing and archiving as configured.
func streamRecords(ctx context.Context, f *fetcher.Fetcher, archiver *archive.Archiver, choice *tailChoice) (int64, error) {
	// Archive-only sessions drain in batches without materializing output.
	if archiver != nil && choice.quiet && choice.maxRecords == 0 {
		return archiver.Drain(ctx, f, choice.archive.batchSize)
	}

	out := json.NewEncoder(os.Stdout)
	batchSize := choice.archive.batchSize
	if batchSize <= 0 {
		batchSize = archive.DefaultBatchSize
	}
	var batch []*types.Record

	flush := func() error {
		if archiver == nil || len(batch) == 0 {
			return nil
		}
		if err := archiver.Write(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	var count int64
	for {
		if choice.maxRecords > 0 && count >= choice.maxRecords {
			return count, flush()
		}

		rec, err := f.Next(ctx)
		if errors.Is(err, io.EOF) {
			return count, flush()
		}
		if err != nil {
			if flushErr := flush(); flushErr != nil {
				return count, flushErr
			}
			return count, err
		}

		if !choice.quiet {
			if err := printRecord(out, rec, choice.output); err != nil {
				return count, err
			}
		}
		if archiver != nil {
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					return count, err
				}
			}
		}
		count++
	}
}

func printRecord(out *json.Encoder, rec *types.Record, format string) error {
	if format == "raw" {
		if _, err := os.Stdout.Write(append(rec.Data, '\n')); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
		return nil
	}
	return out.Encode(map[string]any{
		"offset":  rec.Offset,
		"payload": rec.Data,
	})
}

func buildArchiver(choice *tailChoice) (*archive.Archiver, error) {
	cfg := archive.Config{
		Dataset:    choice.archive.dataset,
		JobID:      choice.jobID,
		OperatorID: choice.operatorID,
	}

	switch choice.archive.backend {
	case "fs", "":
		return archive.New(cfg, choice.archive.path)
	case "s3":
		bucket, prefix := archive.ParseS3Path(choice.archive.path)
		return archive.NewS3(cfg, archive.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       choice.archive.region,
			Endpoint:     choice.archive.endpoint,
			UsePathStyle: choice.archive.pathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown archive-backend: %s (must be fs or s3)", choice.archive.backend)
	}
}

func bufferStatsOf(buf buffer.Buffer) (emitted, discarded, epochChanges int64) {
	stats := buf.Stats()
	return stats.RecordsEmitted, stats.RecordsDiscarded, stats.EpochChanges
}

func logSummary(logger *log.Logger, collector *metrics.Collector, count int64) {
	snap := collector.Snapshot()
	logger.Info("read session finished", map[string]any{
		"records":          count,
		"requests_sent":    snap.RequestsSent,
		"transient_errors": snap.TransientErrors,
		"status_queries":   snap.StatusQueries,
		"epoch_changes":    snap.EpochChanges,
		"snapshot_fetches": snap.SnapshotFetches,
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstDuration(values ...time.Duration) time.Duration {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
