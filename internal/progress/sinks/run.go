package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/ledger"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/progress"
)

// RunSink records run start and completion in a ledger store that keeps run
// history.
type RunSink struct {
	recorder ledger.RunRecorder
	logger   *zap.Logger
}

// NewRunSink constructs a RunSink for the provided recorder.
func NewRunSink(recorder ledger.RunRecorder, logger *zap.Logger) *RunSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunSink{recorder: recorder, logger: logger}
}

// Consume forwards run lifecycle events and ignores the rest.
func (s *RunSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.recorder == nil {
		return nil
	}
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.recorder.StartRun(ctx, evt.RunUUID(), evt.TS); err != nil {
				return fmt.Errorf("record run start: %w", err)
			}
		case progress.StageRunDone:
			if err := s.recorder.FinishRun(ctx, evt.RunUUID(), evt.TS, evt.Succeeded, evt.Skipped, evt.Failed); err != nil {
				return fmt.Errorf("record run finish: %w", err)
			}
			s.logger.Debug("run recorded", zap.String("run_id", evt.RunUUID().String()))
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *RunSink) Close(context.Context) error {
	return nil
}
