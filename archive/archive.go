// Package archive persists retrieved records to a Lode dataset.
//
// Records are written Hive-partitioned by job_id/operator_id/day so a
// session's output lands next to other sessions of the same job and stays
// queryable by partition pruning. Payloads are opaque bytes; they are
// stored base64-encoded in the JSONL records.
package archive

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/sluice/types"
)

// RecordKind is the discriminator stored with every archived record.
const RecordKind = "collected_record"

// DefaultBatchSize is the default number of records per dataset write.
const DefaultBatchSize = 256

// Config configures an Archiver.
type Config struct {
	// Dataset is the Lode dataset name (required).
	Dataset string
	// JobID partitions the archive by job (required).
	JobID string
	// OperatorID partitions the archive by sink instance (required).
	OperatorID string
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Dataset == "" {
		return errors.New("archive requires a dataset name")
	}
	if c.JobID == "" {
		return errors.New("archive requires a job id")
	}
	if c.OperatorID == "" {
		return errors.New("archive requires an operator id")
	}
	return nil
}

// Source is a record stream ending with io.EOF, as produced by a Fetcher.
type Source interface {
	Next(ctx context.Context) (*types.Record, error)
}

// Archiver writes retrieved records into a Lode dataset.
type Archiver struct {
	dataset lode.Dataset
	config  Config
	now     func() time.Time
}

// New creates an Archiver with filesystem storage rooted at root.
func New(cfg Config, root string) (*Archiver, error) {
	return NewWithFactory(cfg, lode.NewFSFactory(root))
}

// NewWithFactory creates an Archiver with a custom store factory.
// Use lode.NewMemoryFactory() for testing.
func NewWithFactory(cfg Config, factory lode.StoreFactory) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ds, err := lode.NewDataset(
		lode.DatasetID(cfg.Dataset),
		factory,
		lode.WithHiveLayout("job_id", "operator_id", "day"),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
	if err != nil {
		return nil, fmt.Errorf("archive: create dataset: %w", err)
	}

	return &Archiver{
		dataset: ds,
		config:  cfg,
		now:     time.Now,
	}, nil
}

// Write archives one batch of records.
func (a *Archiver) Write(ctx context.Context, recs []*types.Record) error {
	if len(recs) == 0 {
		return nil
	}

	day := a.now().UTC().Format("2006-01-02")
	records := make([]any, 0, len(recs))
	for _, rec := range recs {
		records = append(records, map[string]any{
			"record_kind": RecordKind,
			"offset":      rec.Offset,
			"payload":     base64.StdEncoding.EncodeToString(rec.Data),
			"job_id":      a.config.JobID,
			"operator_id": a.config.OperatorID,
			"day":         day,
		})
	}

	if _, err := a.dataset.Write(ctx, records, lode.Metadata{}); err != nil {
		return fmt.Errorf("archive: write batch: %w", err)
	}
	return nil
}

// Drain reads src to exhaustion, archiving in batches of batchSize (zero
// means DefaultBatchSize). Returns the number of records archived. On
// error the already-archived count is still returned; offsets make a
// resumed drain idempotent to downstream consumers.
func (a *Archiver) Drain(ctx context.Context, src Source, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	var total int64
	batch := make([]*types.Record, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := a.Write(ctx, batch); err != nil {
			return err
		}
		total += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	for {
		rec, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return total, flush()
		}
		if err != nil {
			if flushErr := flush(); flushErr != nil {
				return total, flushErr
			}
			return total, err
		}

		batch = append(batch, rec)
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
}
