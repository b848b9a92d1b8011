package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"idsync_backend/internal/directory"
)

const minPerSubjectTimeout = time.Second

// forcedCutoffWait bounds how long Shutdown waits after force-cancelling
// the pool. A lookup that never observes cancellation is abandoned once
// this elapses.
const forcedCutoffWait = time.Second

// LookupFunc fetches the raw directory payload for one subject.
type LookupFunc func(ctx context.Context, subject string) ([]byte, error)

// LookupResult is the tagged outcome of one subject's directory call.
// Err == nil means success and Payload holds the raw body.
type LookupResult struct {
	Payload []byte
	Err     error
}

type fetchTask struct {
	ctx     context.Context
	subject string
	result  chan LookupResult
}

// Fetcher fans directory lookups out across a fixed-size worker pool. The
// pool lives for a whole sync run, not one page: it is created once, fed a
// page at a time, and shut down gracefully with a forced cutoff if the
// grace period elapses.
type Fetcher struct {
	lookup            LookupFunc
	perSubjectTimeout time.Duration

	tasks    chan *fetchTask
	poolCtx  context.Context
	poolStop context.CancelFunc
	wg       gosync.WaitGroup

	closeOnce gosync.Once
}

// NewFetcher starts workers goroutines servicing lookups. The per-subject
// timeout is floored at one second; it bounds how long a page waits for
// any single subject, independent of the HTTP client's own timeout.
func NewFetcher(lookup LookupFunc, workers int, perSubjectTimeout time.Duration) *Fetcher {
	if workers < 1 {
		workers = 1
	}
	if perSubjectTimeout < minPerSubjectTimeout {
		perSubjectTimeout = minPerSubjectTimeout
	}

	poolCtx, poolStop := context.WithCancel(context.Background())

	f := &Fetcher{
		lookup:            lookup,
		perSubjectTimeout: perSubjectTimeout,
		tasks:             make(chan *fetchTask),
		poolCtx:           poolCtx,
		poolStop:          poolStop,
	}

	for i := 0; i < workers; i++ {
		f.wg.Add(1)
		go f.worker()
	}

	return f
}

// FetchAll submits every subject of one page and collects results. A
// subject that misses its wait timeout has its in-flight lookup cancelled
// and is recorded as a timeout failure; one subject's failure never aborts
// the page.
func (f *Fetcher) FetchAll(ctx context.Context, subjects []string) map[string]LookupResult {
	results := make(map[string]LookupResult, len(subjects))

	pending := make([]*fetchTask, 0, len(subjects))
	cancels := make([]context.CancelFunc, 0, len(subjects))
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	for _, subject := range subjects {
		taskCtx, taskCancel := context.WithTimeout(ctx, f.perSubjectTimeout)
		cancels = append(cancels, taskCancel)

		// A forced pool cutoff must also cancel queued and in-flight units.
		stop := context.AfterFunc(f.poolCtx, taskCancel)
		defer stop()

		task := &fetchTask{
			ctx:     taskCtx,
			subject: subject,
			result:  make(chan LookupResult, 1),
		}

		select {
		case f.tasks <- task:
			pending = append(pending, task)
		case <-taskCtx.Done():
			results[subject] = LookupResult{Err: timeoutFailure(taskCtx)}
		}
	}

	for _, task := range pending {
		select {
		case res := <-task.result:
			results[task.subject] = res
		case <-task.ctx.Done():
			results[task.subject] = LookupResult{Err: timeoutFailure(task.ctx)}
		}
	}

	return results
}

// Shutdown stops accepting work and waits up to grace for in-flight
// lookups to finish, then force-cancels whatever remains. A worker stuck
// in a lookup that ignores cancellation is abandoned after a bounded
// wait; Shutdown always returns.
func (f *Fetcher) Shutdown(grace time.Duration) {
	f.closeOnce.Do(func() {
		close(f.tasks)
	})

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		f.poolStop()
		select {
		case <-done:
		case <-time.After(forcedCutoffWait):
		}
	}

	f.poolStop()
}

func (f *Fetcher) worker() {
	defer f.wg.Done()

	for {
		select {
		case <-f.poolCtx.Done():
			return
		case task, ok := <-f.tasks:
			if !ok {
				return
			}
			task.result <- f.safeLookup(task.ctx, task.subject)
		}
	}
}

// safeLookup converts every failure mode of one unit of work, panics
// included, into a LookupResult.
func (f *Fetcher) safeLookup(ctx context.Context, subject string) (res LookupResult) {
	defer func() {
		if r := recover(); r != nil {
			res = LookupResult{Err: fmt.Errorf("lookup panic: %v", r)}
		}
	}()

	if err := ctx.Err(); err != nil {
		return LookupResult{Err: timeoutFailure(ctx)}
	}

	payload, err := f.lookup(ctx, subject)
	if err != nil {
		// A unit cut short by its own deadline is a stage timeout, not a
		// directory failure.
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return LookupResult{Err: timeoutFailure(ctx)}
		}
		return LookupResult{Err: err}
	}
	return LookupResult{Payload: payload}
}

func timeoutFailure(ctx context.Context) error {
	return &directory.Error{
		Kind:    directory.KindTimeout,
		Message: "per-subject wait timeout",
		Err:     ctx.Err(),
	}
}
