// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fibersched

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"
)

// schedulerOptions holds configuration options for Scheduler creation.
type schedulerOptions struct {
	logger         *logiface.Logger[logiface.Event]
	mux            Multiplexer
	logRates       map[time.Duration]int
	metricsEnabled bool
}

// Option configures a Scheduler instance.
type Option interface {
	applyScheduler(*schedulerOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applySchedulerFunc func(*schedulerOptions) error
}

func (o *optionImpl) applyScheduler(opts *schedulerOptions) error {
	return o.applySchedulerFunc(opts)
}

// WithLogger sets the structured logger. A nil logger (the default) discards
// all output.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMultiplexer replaces the platform poller. The scheduler does not close
// a multiplexer supplied this way.
func WithMultiplexer(mux Multiplexer) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if mux == nil {
			return errors.New("fibersched: nil multiplexer")
		}
		opts.mux = mux
		return nil
	}}
}

// WithMetrics enables counters, exposed via Scheduler.Metrics.
func WithMetrics(enabled bool) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithLogRateLimit bounds warnings per category (e.g. rejected unblocks),
// using sliding windows of the form {window: maxEvents}. A nil map disables
// rate limiting.
func WithLogRateLimit(rates map[time.Duration]int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		for window, limit := range rates {
			if window <= 0 || limit <= 0 {
				return errors.New("fibersched: invalid log rate limit")
			}
		}
		opts.logRates = rates
		return nil
	}}
}

// resolveOptions applies Option instances to schedulerOptions.
func resolveOptions(opts []Option) (*schedulerOptions, error) {
	cfg := &schedulerOptions{
		logRates: defaultLogRates,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
