package indexing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
	"github.com/JakeFAU/sitecorpus/internal/retry"
)

// Tracker polls an upload operation until the indexing service settles it.
// Polls back off exponentially; consecutive poll failures are bounded by
// the retry policy and the whole wait by a timeout.
type Tracker struct {
	indexer corpus.Indexer
	policy  *retry.ExponentialPolicy
	timeout time.Duration
	logger  *zap.Logger
}

// NewTracker builds a Tracker. A zero timeout means five minutes.
func NewTracker(indexer corpus.Indexer, policy *retry.ExponentialPolicy, timeout time.Duration, logger *zap.Logger) *Tracker {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{indexer: indexer, policy: policy, timeout: timeout, logger: logger}
}

// Await returns the settled operation. It fails with corpus.ErrTimeout when
// the operation is still processing after the timeout.
func (t *Tracker) Await(ctx context.Context, operationID string) (corpus.Operation, error) {
	waitCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	failures := 0
	for poll := 0; ; poll++ {
		op, err := t.indexer.GetOperation(waitCtx, operationID)
		switch {
		case err == nil:
			failures = 0
			if op.State != corpus.OperationProcessing {
				return op, nil
			}
		case t.expired(ctx, waitCtx):
			return corpus.Operation{}, t.timedOut(operationID)
		default:
			failures++
			if !t.policy.ShouldRetry(err, failures) {
				return corpus.Operation{}, fmt.Errorf("poll operation %s: %w", operationID, err)
			}
			t.logger.Debug("operation poll failed, retrying",
				zap.String("operation_id", operationID),
				zap.Int("failures", failures),
				zap.Error(err),
			)
		}
		if err := retry.Sleep(waitCtx, t.policy.Backoff(poll)); err != nil {
			if t.expired(ctx, waitCtx) {
				return corpus.Operation{}, t.timedOut(operationID)
			}
			return corpus.Operation{}, err
		}
	}
}

// expired reports whether the tracker's own deadline, not the caller's,
// ended the wait.
func (t *Tracker) expired(parent, wait context.Context) bool {
	return errors.Is(wait.Err(), context.DeadlineExceeded) && parent.Err() == nil
}

func (t *Tracker) timedOut(operationID string) error {
	return fmt.Errorf("operation %s still processing after %s: %w", operationID, t.timeout, corpus.ErrTimeout)
}
