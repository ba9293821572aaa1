// Package credential manages the pool of external LLM API keys: rotation,
// cooldown, failover, and parallel task distribution.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jokbolink/jokbod/pkg/config"
	"github.com/jokbolink/jokbod/pkg/llm"
)

var (
	// ErrNoCredentials indicates the pool was built without any API keys.
	ErrNoCredentials = errors.New("no credentials configured")

	// ErrAllCooling indicates every credential stayed in cooldown for the
	// whole bounded wait.
	ErrAllCooling = errors.New("all credentials cooling")
)

// maxCoolingWaits bounds how many times a selection blocks on a fully
// cooling pool before giving up.
const maxCoolingWaits = 6

// Credential is the per-key execution context handed to task functions.
// Its Client was constructed from exactly one API key, so files uploaded
// through it are invisible to every other credential.
type Credential struct {
	Index int
	Key   string
	llm.Client
}

type credentialState struct {
	cred *Credential

	available           bool
	cooldownUntil       time.Time
	consecutiveFailures int
	totalRequests       int64
	totalFailures       int64
	lastError           string
	inflight            int
}

// Pool tracks credential health and selects keys round-robin. All state is
// guarded by one mutex; critical sections are short.
type Pool struct {
	mu     sync.Mutex
	states []*credentialState
	cursor int

	cfg *config.CredentialConfig

	// now is injectable for cooldown tests.
	now func() time.Time
}

// NewPool builds one client per API key via factory.
func NewPool(ctx context.Context, cfg *config.CredentialConfig, factory llm.Factory) (*Pool, error) {
	if len(cfg.APIKeys) == 0 {
		return nil, ErrNoCredentials
	}
	p := &Pool{cfg: cfg, now: time.Now}
	for i, key := range cfg.APIKeys {
		client, err := factory(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("credential %d: %w", i, err)
		}
		p.states = append(p.states, &credentialState{
			cred:      &Credential{Index: i, Key: key, Client: client},
			available: true,
		})
	}
	slog.Info("Credential pool initialized",
		"keys", len(p.states), "per_key_limit", cfg.PerKeyLimit)
	return p, nil
}

// Size returns the number of credentials in the pool.
func (p *Pool) Size() int {
	return len(p.states)
}

// MaxWorkers returns the largest useful worker count for taskCount tasks:
// min(taskCount, keys * per-key limit).
func (p *Pool) MaxWorkers(taskCount int) int {
	capacity := len(p.states) * p.cfg.PerKeyLimit
	if taskCount < capacity {
		capacity = taskCount
	}
	if capacity < 1 {
		capacity = 1
	}
	return capacity
}

// Acquire selects the next available credential round-robin, skipping keys
// in cooldown or at their in-flight limit. The second return is false when
// nothing is selectable right now.
func (p *Pool) Acquire() (*Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.states)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		st := p.states[idx]
		p.restoreIfCooled(st)
		if !st.available || st.inflight >= p.cfg.PerKeyLimit {
			continue
		}
		st.inflight++
		st.totalRequests++
		p.cursor = (idx + 1) % n
		return st.cred, true
	}
	return nil, false
}

// Release returns a credential after use, recording the outcome. Three
// consecutive failures trip the cooldown.
func (p *Pool) Release(index int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.states[index]
	if st.inflight > 0 {
		st.inflight--
	}
	if err == nil {
		st.consecutiveFailures = 0
		st.lastError = ""
		return
	}

	st.totalFailures++
	st.consecutiveFailures++
	st.lastError = err.Error()
	if st.consecutiveFailures >= p.cfg.FailureThreshold {
		st.available = false
		st.cooldownUntil = p.now().Add(p.cfg.Cooldown)
		slog.Warn("Credential entering cooldown",
			"index", index,
			"consecutive_failures", st.consecutiveFailures,
			"until", st.cooldownUntil.Format(time.RFC3339),
			"error", st.lastError)
	}
}

// restoreIfCooled re-enables a credential whose cooldown has elapsed.
// Caller holds p.mu.
func (p *Pool) restoreIfCooled(st *credentialState) {
	if !st.available && p.now().After(st.cooldownUntil) {
		st.available = true
		st.consecutiveFailures = 0
		slog.Info("Credential restored from cooldown", "index", st.cred.Index)
	}
}

// ExecuteWithFailover runs op under a selected credential, rotating to the
// next key on failure, up to maxTries attempts across the pool. A prompt
// block is terminal and returned without further tries. When every key is
// cooling, selection waits a bounded period before retrying.
func (p *Pool) ExecuteWithFailover(ctx context.Context, maxTries int, op func(ctx context.Context, cred *Credential) (any, error)) (any, error) {
	if maxTries < 1 {
		maxTries = len(p.states)
	}

	var lastErr error
	waits := 0
	for tries := 0; tries < maxTries; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cred, ok := p.Acquire()
		if !ok {
			waits++
			if waits > maxCoolingWaits {
				if lastErr != nil {
					return nil, fmt.Errorf("%w: %v", ErrAllCooling, lastErr)
				}
				return nil, ErrAllCooling
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.cfg.CoolingWait):
			}
			continue
		}

		result, err := op(ctx, cred)
		p.Release(cred.Index, err)
		if err == nil {
			return result, nil
		}
		if llm.IsPromptBlocked(err) {
			return nil, err
		}

		tries++
		lastErr = err
		slog.Warn("Credential call failed, rotating",
			"index", cred.Index, "try", tries, "max_tries", maxTries,
			"quota", llm.IsQuotaError(err), "error", err)
	}
	return nil, fmt.Errorf("all %d attempts failed: %w", maxTries, lastErr)
}

// Task is one unit of distributable work.
type Task struct {
	Index   int
	Payload any
}

// TaskResult pairs a task with its settled outcome. Failed tasks keep their
// position with Err set, so callers receive results in submission order.
type TaskResult struct {
	Task  Task
	Value any
	Err   error
}

// Distribute runs tasks through ExecuteWithFailover on a bounded worker
// pool and returns results in submission order. onProgress fires after each
// task settles, success or not.
func (p *Pool) Distribute(ctx context.Context, tasks []Task, maxWorkers int, op func(ctx context.Context, cred *Credential, task Task) (any, error), onProgress func(task Task, err error)) []TaskResult {
	results := make([]TaskResult, len(tasks))
	if len(tasks) == 0 {
		return results
	}

	workers := p.MaxWorkers(len(tasks))
	if maxWorkers > 0 && maxWorkers < workers {
		workers = maxWorkers
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, task := range tasks {
		g.Go(func() error {
			value, err := p.ExecuteWithFailover(gctx, maxTriesFor(len(p.states)), func(ctx context.Context, cred *Credential) (any, error) {
				return op(ctx, cred, task)
			})
			results[i] = TaskResult{Task: task, Value: value, Err: err}
			if onProgress != nil {
				onProgress(task, err)
			}
			// Individual task failures become placeholders, not pool-wide
			// aborts.
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// maxTriesFor gives each task enough attempts to visit every key at least
// once, with a floor for single-key pools.
func maxTriesFor(keys int) int {
	if keys < 3 {
		return 3
	}
	return keys
}
