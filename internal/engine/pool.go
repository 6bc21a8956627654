// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"log/slog"
	"sync"
)

// Pool runs deployment tasks with bounded parallelism. Handlers hand a task
// off and return immediately; the pool holds queued tasks in goroutines
// waiting on the semaphore.
type Pool struct {
	ctx    context.Context
	sem    chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewPool creates a pool that runs at most size tasks at once. Tasks get
// ctx, so shutting the context down stops in-flight work.
func NewPool(ctx context.Context, size int, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		ctx:    ctx,
		sem:    make(chan struct{}, size),
		logger: logger,
	}
}

// Submit schedules a task. It never blocks the caller.
func (p *Pool) Submit(name string, task func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case p.sem <- struct{}{}:
		case <-p.ctx.Done():
			p.logger.Warn("Pool shutting down, dropping task", "task", name)
			return
		}
		defer func() { <-p.sem }()
		task(p.ctx)
	}()
}

// Wait blocks until every submitted task has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}
