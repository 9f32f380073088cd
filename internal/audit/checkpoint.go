package audit

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/signato/platform/internal/shared/errors"
	"github.com/signato/platform/internal/shared/types"
)

// Checkpoint witnesses the head of a document's audit chain with an
// RFC 3161 timestamp. A later verification can prove the chain up to
// UptoSequence existed, unmodified, at CreatedAt.
type Checkpoint struct {
	ID           types.ID  `json:"id"`
	DocumentID   types.ID  `json:"document_id"`
	UptoSequence int64     `json:"upto_sequence"`
	HeadHash     string    `json:"head_hash"`
	Token        []byte    `json:"token,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Witness obtains and verifies external timestamp proofs over digests.
type Witness interface {
	Stamp(ctx context.Context, digest []byte) ([]byte, error)
	Verify(ctx context.Context, token []byte, digest []byte) error
}

// CheckpointService creates and verifies witnessed checkpoints.
type CheckpointService struct {
	log     Log
	witness Witness
}

// NewCheckpointService creates a checkpoint service. A nil witness
// disables external proofs; checkpoints then record the head only.
func NewCheckpointService(log Log, witness Witness) *CheckpointService {
	return &CheckpointService{log: log, witness: witness}
}

// checkpointDigest binds the head hash to its chain position.
func checkpointDigest(documentID types.ID, sequence int64, headHash string) []byte {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s", documentID, sequence, headHash)))
	return sum[:]
}

// Create checkpoints the current head of a document's chain.
func (s *CheckpointService) Create(ctx context.Context, documentID types.ID) (*Checkpoint, error) {
	sequence, headHash, err := s.log.Head(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if sequence < 0 {
		return nil, errors.BadRequest("no audit entries to checkpoint")
	}

	checkpoint := &Checkpoint{
		ID:           types.NewID(),
		DocumentID:   documentID,
		UptoSequence: sequence,
		HeadHash:     headHash,
		CreatedAt:    time.Now().UTC(),
	}

	if s.witness != nil {
		token, err := s.witness.Stamp(ctx, checkpointDigest(documentID, sequence, headHash))
		if err != nil {
			return nil, errors.DependencyUnavailable("timestamp authority", err)
		}
		checkpoint.Token = token
	}

	if err := s.log.SaveCheckpoint(ctx, checkpoint); err != nil {
		return nil, err
	}
	return checkpoint, nil
}

// Verify checks the latest checkpoint of a document against the stored
// chain and the witness proof.
func (s *CheckpointService) Verify(ctx context.Context, documentID types.ID) (*Checkpoint, error) {
	checkpoint, err := s.log.LatestCheckpoint(ctx, documentID)
	if err != nil {
		return nil, err
	}

	// The entry at the checkpointed sequence must still carry the
	// witnessed hash.
	entries, err := s.log.Read(ctx, documentID, checkpoint.UptoSequence, checkpoint.UptoSequence+1)
	if err != nil {
		return nil, err
	}
	if len(entries) != 1 || entries[0].Hash != checkpoint.HeadHash {
		return checkpoint, errors.IntegrityFailure("audit chain no longer matches checkpoint")
	}

	if s.witness != nil && len(checkpoint.Token) > 0 {
		digest := checkpointDigest(documentID, checkpoint.UptoSequence, checkpoint.HeadHash)
		if err := s.witness.Verify(ctx, checkpoint.Token, digest); err != nil {
			return checkpoint, errors.IntegrityFailure("checkpoint witness proof invalid")
		}
	}

	return checkpoint, nil
}
