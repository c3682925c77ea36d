// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package simulate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Reporter collects scenario outcomes and writes them as JSON on Close.
type Reporter struct {
	outputFile string
	logger     *slog.Logger

	mu      sync.Mutex
	reports []*ScenarioReport
}

func NewReporter(outputFile string, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{outputFile: outputFile, logger: logger}
}

// StartScenario starts tracking a scenario run.
func (r *Reporter) StartScenario(name, description string) *ScenarioReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	report := &ScenarioReport{
		Name:        name,
		Description: description,
		StartTime:   time.Now(),
		Status:      StatusRunning,
	}
	r.reports = append(r.reports, report)
	return report
}

// Final summarizes all runs so far.
func (r *Reporter) Final() FinalReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	final := FinalReport{
		GeneratedAt:    time.Now(),
		TotalScenarios: len(r.reports),
		Scenarios:      make([]ScenarioReport, 0, len(r.reports)),
	}
	for _, report := range r.reports {
		switch report.Status {
		case StatusSuccess:
			final.SuccessfulRuns++
		case StatusFailed:
			final.FailedRuns++
		}
		final.TotalDuration += report.Duration
		final.Scenarios = append(final.Scenarios, *report)
	}
	return final
}

// Close writes the final report when an output file is configured.
func (r *Reporter) Close() error {
	if r.outputFile == "" {
		return nil
	}
	final := r.Final()
	data, err := json.MarshalIndent(final, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(r.outputFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}
	r.logger.Info("report written",
		"file", r.outputFile,
		"scenarios", final.TotalScenarios,
		"successful", final.SuccessfulRuns,
		"failed", final.FailedRuns)
	return nil
}

const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// ScenarioReport is the outcome of one scenario run.
type ScenarioReport struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time"`
	Duration    time.Duration `json:"duration"`
	Status      string        `json:"status"`
	Error       string        `json:"error,omitempty"`
}

func (sr *ScenarioReport) SetDuration(d time.Duration) {
	sr.Duration = d
	sr.EndTime = sr.StartTime.Add(d)
}

func (sr *ScenarioReport) SetSuccess() { sr.Status = StatusSuccess }

func (sr *ScenarioReport) SetError(err error) {
	sr.Status = StatusFailed
	sr.Error = err.Error()
}

// FinalReport is the complete run as written to the output file.
type FinalReport struct {
	GeneratedAt    time.Time        `json:"generated_at"`
	TotalScenarios int              `json:"total_scenarios"`
	SuccessfulRuns int              `json:"successful_runs"`
	FailedRuns     int              `json:"failed_runs"`
	TotalDuration  time.Duration    `json:"total_duration"`
	Scenarios      []ScenarioReport `json:"scenarios"`
}
