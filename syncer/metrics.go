// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"time"
)

const (
	MetricsOpDrain       = "drain"
	MetricsOpInitialSync = "initial_sync"

	MetricsStageTotal = "total"

	// Drain stages.
	MetricsStageDrainSent    = "sent"
	MetricsStageDrainFailed  = "failed"
	MetricsStageDrainDropped = "dropped"
)

type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

func (e *Engine) observeStage(ctx context.Context, op, stage string, started time.Time, count int, failed bool) {
	if e.metrics == nil {
		return
	}
	e.metrics.ObserveStage(ctx, StageTiming{
		Operation: op,
		Stage:     stage,
		Duration:  time.Since(started),
		Count:     count,
		Error:     failed,
	})
}
