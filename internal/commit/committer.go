package commit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"ingestor/internal/apperrors"
)

// Output is everything a job produced for one target.
type Output struct {
	Sink    Sink
	Request StageRequest
	Batches []Batch
}

// Result is one promoted output.
type Result struct {
	Sink      string
	TargetKey string
	Published Published
}

// ErrAborted is returned (wrapped in a CANCELLED failure) when an abort wins the barrier.
var ErrAborted = errors.New("aborted before commit")

// Commit stages every output, then promotes all of them inside the barrier.
// A failure or abort before the barrier discards all staging. When a promote fails,
// outputs already promoted are retracted so the job publishes everything or nothing.
// Promote runs detached from ctx cancellation, so a deadline can never interrupt it halfway.
func Commit(ctx context.Context, outputs []Output, barrier *Barrier) ([]Result, error) {
	logger := slog.With("component", "commit")
	staged := make([]Staged, 0, len(outputs))
	discardAll := func() {
		dctx := context.WithoutCancel(ctx)
		for _, s := range staged {
			if err := s.Discard(dctx); err != nil {
				logger.Warn("Failed to discard staged output", "error", err)
			}
		}
	}

	for _, out := range outputs {
		s, err := out.Sink.Stage(ctx, out.Request)
		if err != nil {
			discardAll()
			return nil, stageFailure(ctx, fmt.Errorf("stage %s: %w", out.Sink.Name(), err))
		}
		staged = append(staged, s)
		for _, b := range out.Batches {
			if err := ctx.Err(); err != nil {
				discardAll()
				return nil, stageFailure(ctx, err)
			}
			if err := s.WriteBatch(ctx, b); err != nil {
				discardAll()
				return nil, stageFailure(ctx, fmt.Errorf("write %s: %w", out.Sink.Name(), err))
			}
		}
	}

	if !barrier.Enter() {
		discardAll()
		return nil, apperrors.Wrap(apperrors.CodeCancelled, ErrAborted, "")
	}

	pctx := context.WithoutCancel(ctx)
	results := make([]Result, 0, len(outputs))
	for i, out := range outputs {
		pub, err := staged[i].Promote(pctx)
		if err != nil {
			for _, rest := range staged[i:] {
				_ = rest.Discard(pctx)
			}
			msg := "promote " + out.Sink.Name()
			if kept := retract(pctx, logger, outputs[:i], staged[:i]); len(kept) > 0 {
				barrier.ExitPartial()
				msg = fmt.Sprintf("%s (output left visible in %s)", msg, strings.Join(kept, ", "))
			} else {
				barrier.Exit(false)
			}
			return nil, apperrors.Wrap(apperrors.CodeCommit, err, msg)
		}
		results = append(results, Result{Sink: out.Sink.Name(), TargetKey: out.Request.TargetKey, Published: pub})
	}
	barrier.Exit(true)
	for i, s := range staged {
		if err := s.Finalize(pctx); err != nil {
			logger.Warn("Failed to finalize promoted output", "sink", outputs[i].Sink.Name(), "error", err)
		}
	}
	logger.Debug("Outputs promoted", "count", len(results))
	return results, nil
}

// retract withdraws promoted outputs, newest first, and returns the sinks that still
// show output it could not withdraw.
func retract(ctx context.Context, logger *slog.Logger, outputs []Output, promoted []Staged) []string {
	var kept []string
	for i := len(promoted) - 1; i >= 0; i-- {
		name := outputs[i].Sink.Name()
		if err := promoted[i].Retract(ctx); err != nil {
			logger.Error("Failed to retract promoted output", "sink", name, "error", err)
			kept = append(kept, name)
		}
	}
	return kept
}

func stageFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return apperrors.AsFailure(ctx.Err())
	}
	return apperrors.Wrap(apperrors.CodeCommit, err, "")
}
