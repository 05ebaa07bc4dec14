package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// deferredAction is work that must only happen after the changes of the
// outermost scope are visible at the nameserver.
type deferredAction interface {
	Execute(ctx context.Context) error
}

// preparer is implemented by deferred actions that need outside input such
// as nameserver lookups. prepare runs before the action's scope opens its
// transaction and returns the action to execute.
type preparer interface {
	prepare(ctx context.Context) (deferredAction, error)
}

// deferredFunc adapts a plain function to deferredAction.
type deferredFunc func(ctx context.Context) error

func (f deferredFunc) Execute(ctx context.Context) error {
	return f(ctx)
}

type zoneSynchronizer interface {
	Sync(ctx context.Context, domain string) error
}

type unitOfWork interface {
	transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// changeTracker is a per-operation scope stack. Scopes share one dirty set
// and one deferred queue; both are flushed only when the outermost scope
// exits cleanly.
type changeTracker struct {
	syncer   zoneSynchronizer
	uow      unitOfWork
	depth    int
	dirty    map[string]struct{}
	deferred []deferredAction
	failure  error
}

type trackerKey struct{}

func newChangeTracker(syncer zoneSynchronizer, uow unitOfWork) *changeTracker {
	return &changeTracker{
		syncer: syncer,
		uow:    uow,
		dirty:  make(map[string]struct{}),
	}
}

func (s *server) newTracker() *changeTracker {
	return newChangeTracker(s.syncer, s.persist)
}

func trackerFrom(ctx context.Context) *changeTracker {
	t, _ := ctx.Value(trackerKey{}).(*changeTracker)
	return t
}

// track runs fn inside a scope. The outermost scope owns the database
// transaction; on clean exit it commits, synchronizes every dirty domain
// once in name order, then runs deferred actions, each in a fresh scope.
func (t *changeTracker) track(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	ctx = context.WithValue(ctx, trackerKey{}, t)
	t.depth++
	outermost := t.depth == 1

	done := false
	defer func() {
		if !done {
			// fn panicked; unwind the stack without flushing.
			t.leave(errors.New("panic in change tracking scope"))
			if outermost {
				t.reset()
			}
		}
	}()

	if outermost && t.uow != nil {
		err = t.uow.transaction(ctx, func(ctx context.Context) error {
			if err := fn(ctx); err != nil {
				return err
			}
			// An inner scope failed but its error was swallowed.
			return t.failure
		})
	} else {
		err = fn(ctx)
	}
	done = true

	t.leave(err)
	if !outermost {
		return err
	}
	return t.finish(ctx, err)
}

func (t *changeTracker) leave(err error) {
	t.depth--
	if err != nil && t.failure == nil {
		t.failure = err
	}
}

func (t *changeTracker) reset() {
	t.dirty = make(map[string]struct{})
	t.deferred = nil
	t.failure = nil
}

func (t *changeTracker) finish(ctx context.Context, err error) error {
	failure := t.failure
	dirty := t.dirtyDomains()
	deferred := t.deferred
	t.reset()

	if failure != nil {
		trackerAbortTotal.Inc()
		if err == nil {
			err = fmt.Errorf("%w: %w", errScopeAborted, failure)
		}
		loggerFrom(ctx).Debug("change tracking scope aborted", "dirty", len(dirty), "err", err)
		return err
	}

	if err := t.flush(ctx, dirty); err != nil {
		return err
	}

	for _, action := range deferred {
		if err := t.runDeferred(ctx, action); err != nil {
			return fmt.Errorf("deferred action: %w", err)
		}
	}
	return nil
}

// runDeferred prepares action outside any scope, then executes it in a
// fresh one.
func (t *changeTracker) runDeferred(ctx context.Context, action deferredAction) error {
	if p, ok := action.(preparer); ok {
		prepared, err := p.prepare(ctx)
		if err != nil {
			return err
		}
		action = prepared
	}
	return t.track(ctx, action.Execute)
}

func (t *changeTracker) dirtyDomains() []string {
	out := make([]string, 0, len(t.dirty))
	for name := range t.dirty {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// flush synchronizes each domain. A failed domain does not stop the others;
// the returned error names every domain left pending.
func (t *changeTracker) flush(ctx context.Context, domains []string) error {
	var (
		failed []string
		errs   []error
	)
	for _, name := range domains {
		if err := t.syncer.Sync(ctx, name); err != nil {
			failed = append(failed, name)
			errs = append(errs, err)
		}
	}
	if len(failed) > 0 {
		return &syncError{Domains: failed, Err: errors.Join(errs...)}
	}
	return nil
}

// markDirty records that domain changed in the scope open on ctx.
func markDirty(ctx context.Context, domain string) error {
	t := trackerFrom(ctx)
	if t == nil || t.depth == 0 {
		return fmt.Errorf("%w: %s modified outside a change tracking scope", errContractViolation, domain)
	}
	t.dirty[normalizeHostname(domain)] = struct{}{}
	return nil
}

// afterSync queues action to run once the outermost scope on ctx has
// synchronized. Without an open scope the action runs immediately in its
// own scope.
func afterSync(ctx context.Context, action deferredAction) error {
	t := trackerFrom(ctx)
	if t == nil {
		return fmt.Errorf("%w: no change tracker for deferred action", errContractViolation)
	}
	if t.depth == 0 {
		return t.runDeferred(ctx, action)
	}
	t.deferred = append(t.deferred, action)
	return nil
}
