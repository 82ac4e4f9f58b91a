// Copyright 2024 StackFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package workq runs deferred union maintenance (temporary directory
// removal, whiteout base reinitialization) on a small bounded pool.
package workq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultWorkers is the pool size when the configuration leaves it unset.
const DefaultWorkers = 4

// ErrClosed is returned by Go after Close.
var ErrClosed = errors.New("work queue closed")

// Pool is a bounded set of background workers. When every worker is busy
// the task runs synchronously in the caller, so the pool never queues.
type Pool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	errs   []error
}

// New creates a pool of n workers.
func New(n int) *Pool {
	if n <= 0 {
		n = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{sem: semaphore.NewWeighted(int64(n)), ctx: ctx, cancel: cancel}
}

// Go runs fn in the background, or inline when the pool is saturated.
// Task errors are logged and reported by Close.
func (p *Pool) Go(name string, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	if !p.sem.TryAcquire(1) {
		log.Debugf("[workq] pool busy, running %s inline", name)
		p.run(name, fn)
		return nil
	}
	go func() {
		defer p.sem.Release(1)
		p.run(name, fn)
	}()
	return nil
}

func (p *Pool) run(name string, fn func(ctx context.Context) error) {
	defer p.wg.Done()
	var start time.Time
	if log.IsLevelEnabled(log.TraceLevel) {
		start = time.Now()
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in %s: %v", name, r)
			}
		}()
		return fn(p.ctx)
	}()
	if log.IsLevelEnabled(log.TraceLevel) {
		log.Tracef("[workq] %s took %v", name, time.Since(start))
	}
	if err != nil {
		log.Errorf("[workq] %s: %v", name, err)
		p.mu.Lock()
		p.errs = append(p.errs, fmt.Errorf("%s: %w", name, err))
		p.mu.Unlock()
	}
}

// Wait blocks until every submitted task finished.
func (p *Pool) Wait() { p.wg.Wait() }

// Close refuses new tasks, drains the running ones and returns their
// accumulated errors.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
	p.cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.errs...)
}

// Parallel runs fns with at most limit in flight and returns the first
// error. The context passed to fns is cancelled on the first failure.
func Parallel(ctx context.Context, limit int, fns ...func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, fn := range fns {
		g.Go(func() error { return fn(gctx) })
	}
	return g.Wait()
}

// Cred is the effective identity a task runs with.
type Cred struct {
	Uid uint32
	Gid uint32
}

type credKey struct{}

// RunAs runs fn with cred as its effective identity. Branch backends that
// honor identities read it back with CredFrom; the others ignore it.
func RunAs(ctx context.Context, cred Cred, fn func(ctx context.Context) error) error {
	return fn(context.WithValue(ctx, credKey{}, cred))
}

// CredFrom returns the identity installed by RunAs.
func CredFrom(ctx context.Context) (Cred, bool) {
	c, ok := ctx.Value(credKey{}).(Cred)
	return c, ok
}
