package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"idsync_backend/internal/directory"
)

func TestFetchAllCollectsEverySubject(t *testing.T) {
	lookup := func(ctx context.Context, subject string) ([]byte, error) {
		return []byte(`{"subject":"` + subject + `"}`), nil
	}

	f := NewFetcher(lookup, 4, time.Second)
	defer f.Shutdown(time.Second)

	subjects := []string{"alice", "bob", "carol"}
	results := f.FetchAll(context.Background(), subjects)

	if len(results) != len(subjects) {
		t.Fatalf("expected %d results, got %d", len(subjects), len(results))
	}
	for _, s := range subjects {
		res, ok := results[s]
		if !ok {
			t.Fatalf("missing result for %s", s)
		}
		if res.Err != nil {
			t.Fatalf("%s: unexpected error %v", s, res.Err)
		}
	}
}

func TestFetchAllIsolatesSubjectFailures(t *testing.T) {
	lookup := func(ctx context.Context, subject string) ([]byte, error) {
		if subject == "bob" {
			return nil, errors.New("directory exploded")
		}
		return []byte(`{}`), nil
	}

	f := NewFetcher(lookup, 2, time.Second)
	defer f.Shutdown(time.Second)

	results := f.FetchAll(context.Background(), []string{"alice", "bob", "carol"})

	if results["alice"].Err != nil || results["carol"].Err != nil {
		t.Fatal("healthy subjects should succeed")
	}
	if results["bob"].Err == nil {
		t.Fatal("bob's failure should be recorded")
	}
}

func TestFetchAllRecoversPanics(t *testing.T) {
	lookup := func(ctx context.Context, subject string) ([]byte, error) {
		panic("boom")
	}

	f := NewFetcher(lookup, 1, time.Second)
	defer f.Shutdown(time.Second)

	results := f.FetchAll(context.Background(), []string{"alice"})
	if results["alice"].Err == nil {
		t.Fatal("a panicking unit of work should yield a failure, not crash the stage")
	}
}

func TestFetchAllEnforcesPerSubjectTimeout(t *testing.T) {
	lookup := func(ctx context.Context, subject string) ([]byte, error) {
		if subject == "slow" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return []byte(`{}`), nil
	}

	f := NewFetcher(lookup, 2, time.Second) // floor, the minimum allowed
	defer f.Shutdown(time.Second)

	start := time.Now()
	results := f.FetchAll(context.Background(), []string{"slow", "fast"})

	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("stage should not wait past the per-subject timeout, took %s", elapsed)
	}

	if results["fast"].Err != nil {
		t.Fatal("fast subject should not be affected by the straggler")
	}

	var de *directory.Error
	if !errors.As(results["slow"].Err, &de) || de.Kind != directory.KindTimeout {
		t.Fatalf("expected a timeout failure for slow, got %v", results["slow"].Err)
	}
}

func TestFetcherBoundsConcurrency(t *testing.T) {
	const workers = 2

	var current, peak atomic.Int32
	lookup := func(ctx context.Context, subject string) ([]byte, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return []byte(`{}`), nil
	}

	f := NewFetcher(lookup, workers, time.Second*5)
	defer f.Shutdown(time.Second)

	subjects := make([]string, 8)
	for i := range subjects {
		subjects[i] = fmt.Sprintf("user-%d", i)
	}
	f.FetchAll(context.Background(), subjects)

	if got := peak.Load(); got > workers {
		t.Fatalf("expected at most %d concurrent lookups, observed %d", workers, got)
	}
}

func TestFetcherSurvivesAcrossPages(t *testing.T) {
	var calls atomic.Int32
	lookup := func(ctx context.Context, subject string) ([]byte, error) {
		calls.Add(1)
		return []byte(`{}`), nil
	}

	f := NewFetcher(lookup, 2, time.Second)
	defer f.Shutdown(time.Second)

	f.FetchAll(context.Background(), []string{"a", "b"})
	f.FetchAll(context.Background(), []string{"c"})

	if got := calls.Load(); got != 3 {
		t.Fatalf("pool should serve multiple pages, got %d calls", got)
	}
}

func TestShutdownReturnsWhenLookupIgnoresCancellation(t *testing.T) {
	stuck := make(chan struct{})
	defer close(stuck)

	lookup := func(ctx context.Context, subject string) ([]byte, error) {
		<-stuck // never observes ctx
		return nil, errors.New("too late")
	}

	f := NewFetcher(lookup, 1, time.Second)

	results := f.FetchAll(context.Background(), []string{"alice"})
	var de *directory.Error
	if !errors.As(results["alice"].Err, &de) || de.Kind != directory.KindTimeout {
		t.Fatalf("expected a timeout failure for alice, got %v", results["alice"].Err)
	}

	done := make(chan struct{})
	go func() {
		f.Shutdown(200 * time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown must return even when a lookup never observes cancellation")
	}
}

func TestShutdownWaitsForInFlightWork(t *testing.T) {
	picked := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	lookup := func(ctx context.Context, subject string) ([]byte, error) {
		close(picked)
		<-release
		finished.Store(true)
		return []byte(`{}`), nil
	}

	f := NewFetcher(lookup, 1, 5*time.Second)

	var collected gosync.WaitGroup
	collected.Add(1)
	go func() {
		defer collected.Done()
		f.FetchAll(context.Background(), []string{"alice"})
	}()

	<-picked
	close(release)
	f.Shutdown(2 * time.Second)

	if !finished.Load() {
		t.Fatal("graceful shutdown should wait for the in-flight lookup")
	}
	collected.Wait()
}
