// Package orchestrator drives research tasks through their lifecycle:
// submission, single-flight dispatch, outcome recording, delayed retries
// and recovery after restarts.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/JakeFAU/company-research/internal/metrics"
	"github.com/JakeFAU/company-research/internal/policy/backoff"
	"github.com/JakeFAU/company-research/internal/research"
)

const writeTimeout = 10 * time.Second

// Config controls retry and recovery behavior.
type Config struct {
	// MaxAttempts caps executions per task.
	MaxAttempts int
	// RetryBackoff computes the delay before a RETRYING task is re-enqueued.
	RetryBackoff backoff.Policy
	// StaleAfter is how long a RUNNING task may go without an update before
	// Recover treats its worker as gone.
	StaleAfter time.Duration
	// RequeueAfter is how long a PENDING or RETRYING task may sit untouched
	// before Sweep enqueues it again.
	RequeueAfter time.Duration
}

// DefaultConfig allows three attempts, retrying after 1m then 2m, capped at 10m.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		RetryBackoff: backoff.Policy{Base: time.Minute, Multiplier: 2, Jitter: 0.2, Max: 10 * time.Minute},
		StaleAfter:   15 * time.Minute,
		RequeueAfter: 5 * time.Minute,
	}
}

// Orchestrator owns task state. It is the only component that decides
// between retrying and failing a task.
type Orchestrator struct {
	cfg      Config
	store    research.TaskStore
	queue    research.Queue
	website  research.WebsiteScraper
	registry research.RegistryScraper
	ids      research.IDGenerator
	clock    research.Clock
	logger   *zap.Logger

	publisher research.Publisher
	topic     string

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// New builds an Orchestrator.
func New(
	store research.TaskStore,
	queue research.Queue,
	website research.WebsiteScraper,
	registry research.RegistryScraper,
	ids research.IDGenerator,
	clock research.Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.RequeueAfter <= 0 {
		cfg.RequeueAfter = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		queue:    queue,
		website:  website,
		registry: registry,
		ids:      ids,
		clock:    clock,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
	}
}

// SetPublisher announces every task that reaches SUCCEEDED or FAILED on
// topic. Call it before the orchestrator handles jobs.
func (o *Orchestrator) SetPublisher(p research.Publisher, topic string) {
	o.publisher = p
	o.topic = topic
}

// Submit persists a PENDING task for subject and enqueues it. It returns as
// soon as the job is queued. If enqueueing fails the task stays PENDING and
// is picked up by the next Sweep or Recover; its id is still returned.
func (o *Orchestrator) Submit(ctx context.Context, subject research.Subject) (string, error) {
	subject.Key = strings.TrimSpace(subject.Key)
	subject.Jurisdiction = strings.TrimSpace(subject.Jurisdiction)
	if err := validate(subject); err != nil {
		return "", err
	}

	id, err := o.ids.NewID()
	if err != nil {
		return "", research.NewError(research.CodeInternal, "submit", eris.Wrap(err, "generate task id"))
	}
	now := o.now()
	task := research.Task{
		ID:        id,
		Subject:   subject,
		State:     research.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateTask(ctx, task); err != nil {
		return "", research.NewError(research.CodeInternal, "submit", eris.Wrap(err, "persist task"))
	}
	metrics.ObserveTaskTransition(string(subject.Kind), string(task.State))

	if err := o.queue.Enqueue(ctx, research.JobRef{TaskID: id, EnqueuedAt: now}); err != nil {
		o.logger.Error("enqueue submitted task", zap.String("task_id", id), zap.Error(err))
		return id, research.NewError(research.CodeInternal, "submit", eris.Wrap(err, "enqueue task"))
	}
	o.logger.Info("task submitted",
		zap.String("task_id", id),
		zap.String("kind", string(subject.Kind)),
		zap.String("key", subject.Key),
	)
	return id, nil
}

// Handle dispatches one delivered job. Duplicate deliveries and jobs for
// tasks that are already running or finished are dropped. The returned
// error reports store failures only; scrape failures are recorded on the
// task.
func (o *Orchestrator) Handle(ctx context.Context, job research.JobRef) error {
	logger := o.logger.With(zap.String("task_id", job.TaskID))

	task, err := o.store.GetTask(ctx, job.TaskID)
	if errors.Is(err, research.ErrNotFound) {
		logger.Warn("dropping job for unknown task")
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "load task")
	}

	switch task.State {
	case research.StateRunning, research.StateSucceeded, research.StateFailed:
		logger.Debug("dropping duplicate delivery", zap.String("state", string(task.State)))
		return nil
	case research.StateRetrying:
		if task.Attempts >= o.cfg.MaxAttempts {
			_, err := o.advance(ctx, task, research.EventFail, func(next *research.Task) {
				if next.Error == nil {
					next.Error = &research.Failure{Code: research.CodeFetchFailed, Message: "attempts exhausted"}
				}
			})
			return ignoreConflict(err)
		}
	}

	running, err := o.advance(ctx, task, research.EventDispatch, func(next *research.Task) {
		next.Attempts++
	})
	if errors.Is(err, research.ErrConflict) {
		logger.Debug("lost dispatch race; dropping delivery")
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("task running", zap.Int("attempt", running.Attempts), zap.String("kind", string(running.Subject.Kind)))

	result, runErr := o.execute(ctx, running)

	// The attempt has finished; record it even if ctx expired meanwhile.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return ignoreConflict(o.record(writeCtx, running, result, runErr))
}

// record stores the outcome of the attempt that moved task into RUNNING.
func (o *Orchestrator) record(ctx context.Context, running research.Task, result *research.Result, runErr error) error {
	logger := o.logger.With(zap.String("task_id", running.ID), zap.Int("attempt", running.Attempts))

	if runErr == nil {
		_, err := o.advance(ctx, running, research.EventSucceed, func(next *research.Task) {
			next.Result = result
			next.Error = nil
		})
		if err == nil {
			logger.Info("task succeeded")
		}
		return err
	}

	failure := research.FailureOf(runErr)
	if research.Retryable(runErr) && running.Attempts < o.cfg.MaxAttempts {
		retrying, err := o.advance(ctx, running, research.EventRetry, func(next *research.Task) {
			next.Error = failure
		})
		if err != nil {
			return err
		}
		delay := o.scheduleRetry(retrying)
		logger.Warn("task attempt failed; retry scheduled",
			zap.String("code", string(failure.Code)),
			zap.Duration("delay", delay),
			zap.String("error", eris.ToString(runErr, false)),
		)
		return nil
	}

	_, err := o.advance(ctx, running, research.EventFail, func(next *research.Task) {
		next.Error = failure
		next.Result = nil
	})
	if err == nil {
		logger.Error("task failed",
			zap.String("code", string(failure.Code)),
			zap.String("error", eris.ToString(runErr, true)),
		)
	}
	return err
}

// advance applies ev to task and writes it with compare-and-swap.
func (o *Orchestrator) advance(
	ctx context.Context,
	task research.Task,
	ev research.Event,
	mutate func(next *research.Task),
) (research.Task, error) {
	state, err := research.Transition(task.State, ev)
	if err != nil {
		return task, err
	}
	next := task
	next.State = state
	next.UpdatedAt = o.now()
	if mutate != nil {
		mutate(&next)
	}
	if err := o.store.SwapTask(ctx, task, next); err != nil {
		if errors.Is(err, research.ErrConflict) {
			return task, err
		}
		return task, eris.Wrapf(err, "write task %s", state)
	}
	metrics.ObserveTaskTransition(string(next.Subject.Kind), string(next.State))
	if next.State.Terminal() {
		o.announce(ctx, next)
	}
	return next, nil
}

// announce publishes a terminal outcome. Failures are logged only; the task
// record is the source of truth.
func (o *Orchestrator) announce(ctx context.Context, task research.Task) {
	if o.publisher == nil {
		return
	}
	if _, err := o.publisher.Publish(ctx, o.topic, research.OutcomeOf(task)); err != nil {
		o.logger.Warn("publish task outcome",
			zap.String("task_id", task.ID),
			zap.String("state", string(task.State)),
			zap.Error(err),
		)
	}
}

// execute runs the scraper for task. Panics become INTERNAL failures.
func (o *Orchestrator) execute(ctx context.Context, task research.Task) (result *research.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("scraper panicked",
				zap.String("task_id", task.ID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			result = nil
			err = research.NewError(research.CodeInternal, "execute", eris.Errorf("scraper panic: %v", r))
		}
	}()

	switch task.Subject.Kind {
	case research.KindWebsite:
		if o.website == nil {
			return nil, research.NewError(research.CodeInternal, "execute", eris.New("website scraper not configured"))
		}
		site, err := o.website.ScrapeCompanyInfo(ctx, task.Subject.Key)
		if err != nil {
			return nil, err
		}
		return &research.Result{Website: site}, nil
	case research.KindRegistry:
		if o.registry == nil {
			return nil, research.NewError(research.CodeInternal, "execute", eris.New("registry scraper not configured"))
		}
		reg, err := o.registry.Research(ctx, task.Subject)
		if err != nil {
			return nil, err
		}
		return &research.Result{Registry: reg}, nil
	default:
		return nil, research.NewError(research.CodeClientError, "execute", eris.Errorf("unknown task kind %q", task.Subject.Kind))
	}
}

// scheduleRetry re-enqueues task after its backoff delay.
func (o *Orchestrator) scheduleRetry(task research.Task) time.Duration {
	delay := o.cfg.RetryBackoff.Delay(task.Attempts)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return delay
	}
	if existing, ok := o.timers[task.ID]; ok {
		existing.Stop()
	}
	o.timers[task.ID] = time.AfterFunc(delay, func() {
		o.mu.Lock()
		delete(o.timers, task.ID)
		closed := o.closed
		o.mu.Unlock()
		if closed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := o.queue.Enqueue(ctx, research.JobRef{TaskID: task.ID, EnqueuedAt: o.now()}); err != nil {
			o.logger.Error("re-enqueue retrying task", zap.String("task_id", task.ID), zap.Error(err))
		}
	})
	return delay
}

// PendingRetries reports how many retry timers are armed.
func (o *Orchestrator) PendingRetries() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.timers)
}

// Status returns the current snapshot of a task.
func (o *Orchestrator) Status(ctx context.Context, id string) (research.Task, error) {
	task, err := o.store.GetTask(ctx, id)
	if err != nil {
		return research.Task{}, o.lookupError("status", id, err)
	}
	return task, nil
}

// List returns tasks matching filter.
func (o *Orchestrator) List(ctx context.Context, filter research.TaskFilter) ([]research.Task, error) {
	tasks, err := o.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, research.NewError(research.CodeInternal, "list", eris.Wrap(err, "list tasks"))
	}
	return tasks, nil
}

// History returns the transition log of a task, oldest first.
func (o *Orchestrator) History(ctx context.Context, id string) ([]research.StateChange, error) {
	if _, err := o.store.GetTask(ctx, id); err != nil {
		return nil, o.lookupError("history", id, err)
	}
	changes, err := o.store.ListStateChanges(ctx, id)
	if err != nil {
		return nil, research.NewError(research.CodeInternal, "history", eris.Wrap(err, "list state changes"))
	}
	return changes, nil
}

// Recover re-enqueues PENDING and RETRYING tasks and moves RUNNING tasks
// that have not been updated within StaleAfter to RETRYING. It returns the
// number of jobs enqueued. Workers must already be consuming the queue when
// the backlog can exceed a bounded queue's capacity.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	return o.requeue(ctx, time.Time{})
}

// Sweep is the periodic form of Recover. It reclaims stale RUNNING tasks the
// same way but only re-enqueues PENDING and RETRYING tasks that have sat
// untouched for RequeueAfter and have no retry timer armed, so tasks whose
// enqueue failed are picked up without a restart.
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	return o.requeue(ctx, o.now().Add(-o.cfg.RequeueAfter))
}

func (o *Orchestrator) requeue(ctx context.Context, waitingBefore time.Time) (int, error) {
	stale, err := o.store.ListTasks(ctx, research.TaskFilter{
		States:        []research.State{research.StateRunning},
		UpdatedBefore: o.now().Add(-o.cfg.StaleAfter),
	})
	if err != nil {
		return 0, eris.Wrap(err, "list stale tasks")
	}
	for _, task := range stale {
		_, err := o.advance(ctx, task, research.EventRetry, func(next *research.Task) {
			next.Error = &research.Failure{Code: research.CodeInterrupted, Message: "worker stopped before the attempt finished"}
		})
		if err != nil && !errors.Is(err, research.ErrConflict) {
			return 0, err
		}
	}

	waiting, err := o.store.ListTasks(ctx, research.TaskFilter{
		States:        []research.State{research.StatePending, research.StateRetrying},
		UpdatedBefore: waitingBefore,
	})
	if err != nil {
		return 0, eris.Wrap(err, "list waiting tasks")
	}
	if !waitingBefore.IsZero() {
		// Reclaimed tasks were just touched; enqueue them in this pass too.
		for _, task := range stale {
			task.State = research.StateRetrying
			waiting = append(waiting, task)
		}
	}
	enqueued := 0
	for _, task := range waiting {
		if o.armed(task.ID) {
			continue
		}
		if err := o.queue.Enqueue(ctx, research.JobRef{TaskID: task.ID, EnqueuedAt: o.now()}); err != nil {
			return enqueued, eris.Wrapf(err, "enqueue task %s", task.ID)
		}
		enqueued++
	}
	if enqueued > 0 || len(stale) > 0 {
		o.logger.Info("recovered tasks", zap.Int("enqueued", enqueued), zap.Int("stale", len(stale)))
	}
	return enqueued, nil
}

func (o *Orchestrator) armed(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.timers[id]
	return ok
}

// Close stops pending retry timers. Their tasks stay RETRYING and are
// re-enqueued by the next Sweep or Recover.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	for id, timer := range o.timers {
		timer.Stop()
		delete(o.timers, id)
	}
}

func (o *Orchestrator) lookupError(op, id string, err error) error {
	if errors.Is(err, research.ErrNotFound) {
		return &research.Error{Code: research.CodeNotFound, Op: op, Err: eris.Wrapf(err, "task %s", id)}
	}
	return research.NewError(research.CodeInternal, op, eris.Wrapf(err, "load task %s", id))
}

func (o *Orchestrator) now() time.Time {
	if o.clock == nil {
		return time.Now().UTC()
	}
	return o.clock.Now().UTC()
}

func validate(subject research.Subject) error {
	if !subject.Kind.Valid() {
		return &research.Error{Code: research.CodeClientError, Op: "submit", Err: eris.Errorf("unknown kind %q", subject.Kind)}
	}
	if subject.Key == "" {
		return &research.Error{Code: research.CodeClientError, Op: "submit", Err: eris.New("subject key is required")}
	}
	return nil
}

func ignoreConflict(err error) error {
	if errors.Is(err, research.ErrConflict) {
		return nil
	}
	return err
}
