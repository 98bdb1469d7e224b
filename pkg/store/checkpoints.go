package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"github.com/countygov/syncbridge/pkg/model"
	"github.com/countygov/syncbridge/pkg/syncerrors"
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// HashPayload returns the hex SHA-256 of a checkpoint payload's JSON form.
func HashPayload(payload interface{}) (string, []byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", nil, syncerrors.Wrap(err, syncerrors.KindInternal, "store", "encode checkpoint payload")
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), raw, nil
}

// SaveCheckpoint records a committed unit of work. The payload is stored
// zstd-compressed; the hash is computed over the uncompressed JSON.
func (s *Store) SaveCheckpoint(ctx context.Context, jobID, stage string, seq int,
	payload interface{}) (string, error) {
	hash, raw, err := HashPayload(payload)
	if err != nil {
		return "", err
	}
	ckpt := model.CheckpointSnapshot{
		JobID:       jobID,
		Stage:       stage,
		Seq:         seq,
		ContentHash: hash,
		Payload:     zstdEncoder.EncodeAll(raw, nil),
		CreatedAt:   time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&ckpt).Error; err != nil {
		return "", syncerrors.Wrap(err, syncerrors.KindTransient, "store", "save checkpoint")
	}
	return hash, nil
}

// CommittedCheckpoints returns seq -> content hash for a (job, stage).
func (s *Store) CommittedCheckpoints(ctx context.Context, jobID, stage string) (map[int]string, error) {
	var rows []model.CheckpointSnapshot
	err := s.db.WithContext(ctx).
		Select("seq", "content_hash").
		Where("job_id = ? AND stage = ?", jobID, stage).
		Find(&rows).Error
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "store", "list checkpoints")
	}
	out := make(map[int]string, len(rows))
	for _, r := range rows {
		out[r.Seq] = r.ContentHash
	}
	return out, nil
}

// LoadCheckpoint decodes a checkpoint payload into dst, verifying the
// stored content hash. A mismatch is a corrupted checkpoint: fatal.
func (s *Store) LoadCheckpoint(ctx context.Context, jobID, stage string, seq int,
	dst interface{}) error {
	var ckpt model.CheckpointSnapshot
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND stage = ? AND seq = ?", jobID, stage, seq).
		First(&ckpt).Error
	if err != nil {
		return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "load checkpoint")
	}

	raw, err := zstdDecoder.DecodeAll(ckpt.Payload, nil)
	if err != nil {
		return syncerrors.Wrap(err, syncerrors.KindIntegrity, "store", "decompress checkpoint")
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != ckpt.ContentHash {
		return syncerrors.Newf(syncerrors.KindIntegrity, "store",
			"checkpoint %s/%s/%d hash mismatch", jobID, stage, seq)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return syncerrors.Wrap(err, syncerrors.KindIntegrity, "store", "decode checkpoint payload")
	}
	return nil
}
