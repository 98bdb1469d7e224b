// Package load applies validated change batches to the target database.
// Work is split into sub-batches that commit atomically; each committed
// sub-batch leaves a content-hashed checkpoint so a replay of the same
// job skips work already done.
package load

import (
	"context"

	"go.uber.org/zap"

	"github.com/countygov/syncbridge/pkg/metrics"
	"github.com/countygov/syncbridge/pkg/model"
	"github.com/countygov/syncbridge/pkg/retry"
	"github.com/countygov/syncbridge/pkg/store"
	"github.com/countygov/syncbridge/pkg/syncerrors"
)

// Stage is the checkpoint stage name the loader writes under.
const Stage = "load"

// CheckpointStore persists sub-batch checkpoints.
type CheckpointStore interface {
	CommittedCheckpoints(ctx context.Context, jobID, stage string) (map[int]string, error)
	SaveCheckpoint(ctx context.Context, jobID, stage string, seq int, payload interface{}) (string, error)
}

// Result summarizes one load pass.
type Result struct {
	Loaded     int // rows applied in this pass
	Replayed   int // rows skipped through committed checkpoints
	SubBatches int
	Retries    int
	Failed     []SubBatchFailure
}

// SubBatchFailure records a sub-batch that did not commit.
type SubBatchFailure struct {
	Seq  int
	Rows int
	Err  error
}

// Partial reports whether some sub-batches failed while others committed.
func (r *Result) Partial() bool {
	return len(r.Failed) > 0 && r.Loaded+r.Replayed > 0
}

// Loader drives sub-batched, checkpointed application of a change set.
type Loader struct {
	target   Target
	ckpts    CheckpointStore
	policy   retry.Policy
	subBatch int
	log      *zap.Logger
}

// New builds a loader. subBatch caps rows per transaction.
func New(target Target, ckpts CheckpointStore, policy retry.Policy, subBatch int, log *zap.Logger) *Loader {
	if subBatch <= 0 {
		subBatch = 1000
	}
	return &Loader{target: target, ckpts: ckpts, policy: policy, subBatch: subBatch, log: log}
}

// Apply loads the batch for one table. A failed sub-batch does not stop
// later sub-batches unless the failure is an integrity error; the caller
// reads Result.Failed to decide between succeeded and partial. Apply
// stops early only on integrity errors and context cancellation, both of
// which land at a sub-batch boundary.
func (l *Loader) Apply(ctx context.Context, jobID, table string, pkCols []string,
	records []model.ChangeRecord) (*Result, error) {
	res := &Result{}
	committed, err := l.ckpts.CommittedCheckpoints(ctx, jobID, Stage)
	if err != nil {
		return res, err
	}

	for seq := 0; seq*l.subBatch < len(records); seq++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		lo := seq * l.subBatch
		hi := lo + l.subBatch
		if hi > len(records) {
			hi = len(records)
		}
		chunk := records[lo:hi]
		res.SubBatches++

		hash, _, err := store.HashPayload(chunk)
		if err != nil {
			return res, err
		}
		if prev, ok := committed[seq]; ok {
			if prev != hash {
				return res, syncerrors.Newf(syncerrors.KindIntegrity, "load",
					"job %s sub-batch %d diverged from its committed checkpoint", jobID, seq)
			}
			res.Replayed += len(chunk)
			l.log.Debug("sub-batch already committed, skipping",
				zap.String("job_id", jobID), zap.Int("seq", seq))
			continue
		}

		err = retry.Do(ctx, l.policy, func() error {
			return l.target.ApplyBatch(ctx, table, pkCols, chunk)
		}, func(attempt int, err error) {
			res.Retries++
			metrics.SubBatchRetries.WithLabelValues(table).Inc()
			l.log.Warn("sub-batch retry",
				zap.String("job_id", jobID), zap.Int("seq", seq),
				zap.Int("attempt", attempt), zap.Error(err))
		})
		if err != nil {
			if syncerrors.IsKind(err, syncerrors.KindIntegrity) {
				return res, err
			}
			res.Failed = append(res.Failed, SubBatchFailure{Seq: seq, Rows: len(chunk), Err: err})
			l.log.Error("sub-batch failed",
				zap.String("job_id", jobID), zap.Int("seq", seq), zap.Error(err))
			continue
		}

		if _, err := l.ckpts.SaveCheckpoint(ctx, jobID, Stage, seq, chunk); err != nil {
			// the sub-batch committed; losing the checkpoint only costs
			// a redundant (idempotent) replay
			l.log.Warn("checkpoint write failed after commit",
				zap.String("job_id", jobID), zap.Int("seq", seq), zap.Error(err))
		}
		res.Loaded += len(chunk)
	}
	return res, nil
}
