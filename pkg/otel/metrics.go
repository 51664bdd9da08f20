// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package otel

import (
	"errors"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type EngineMetrics struct {
	ProcessesStarted        metric.Int64Counter
	ProcessesEnded          metric.Int64Counter
	ProcessesRunning        metric.Int64UpDownCounter
	ExecutionsForked        metric.Int64Counter
	SignalsDelivered        metric.Int64Counter
	JobsCreated             metric.Int64Counter
	JobsCompleted           metric.Int64Counter
	JobsFailed              metric.Int64Counter
	IncidentsRaised         metric.Int64Counter
	OptimisticLockConflicts metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*EngineMetrics, error) {
	var errJoin error

	processesStartedTotal, err := meter.Int64Counter("processes_started", metric.WithDescription("Number of processes started"))
	errJoin = errors.Join(errJoin, err)

	processesEndedTotal, err := meter.Int64Counter("processes_ended", metric.WithDescription("Number of processes completed or terminated"))
	errJoin = errors.Join(errJoin, err)

	processesRunning, err := meter.Int64UpDownCounter("processes_running", metric.WithDescription("Number of processes currently running"))
	errJoin = errors.Join(errJoin, err)

	executionsForked, err := meter.Int64Counter("executions_forked", metric.WithDescription("Number of concurrent executions created by forks"))
	errJoin = errors.Join(errJoin, err)

	signalsDelivered, err := meter.Int64Counter("signals_delivered", metric.WithDescription("Number of signals delivered to waiting executions"))
	errJoin = errors.Join(errJoin, err)

	jobsCreated, err := meter.Int64Counter("jobs_created", metric.WithDescription("Number of jobs created"))
	errJoin = errors.Join(errJoin, err)

	jobsCompleted, err := meter.Int64Counter("jobs_completed", metric.WithDescription("Number of jobs completed"))
	errJoin = errors.Join(errJoin, err)

	jobsFailed, err := meter.Int64Counter("jobs_failed", metric.WithDescription("Number of jobs failed"))
	errJoin = errors.Join(errJoin, err)

	incidentsRaised, err := meter.Int64Counter("incidents_raised", metric.WithDescription("Number of incidents raised for jobs without retries"))
	errJoin = errors.Join(errJoin, err)

	lockConflicts, err := meter.Int64Counter("optimistic_lock_conflicts", metric.WithDescription("Number of commands rejected by an optimistic lock conflict"))
	errJoin = errors.Join(errJoin, err)

	metrics := EngineMetrics{
		ProcessesStarted:        processesStartedTotal,
		ProcessesEnded:          processesEndedTotal,
		ProcessesRunning:        processesRunning,
		ExecutionsForked:        executionsForked,
		SignalsDelivered:        signalsDelivered,
		JobsCreated:             jobsCreated,
		JobsCompleted:           jobsCompleted,
		JobsFailed:              jobsFailed,
		IncidentsRaised:         incidentsRaised,
		OptimisticLockConflicts: lockConflicts,
	}
	return &metrics, errJoin
}

// NewNoopMetrics returns instruments that record nothing.
func NewNoopMetrics() *EngineMetrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter("noop"))
	return m
}
