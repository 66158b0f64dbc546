// Package controller ties workflow_job deliveries to provisioning, termination
// and usage reporting.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"Skiff/internal/apperrors"
	"Skiff/internal/config"
	"Skiff/internal/github"
	"Skiff/internal/labels"
	"Skiff/internal/metrics"
	"Skiff/internal/models"
	"Skiff/internal/provider"
	"Skiff/internal/retry"
	"Skiff/internal/spec"
	"Skiff/internal/store"
)

// State is where the handling of one delivery ended up.
type State string

const (
	StateReceived        State = "received"
	StateFilteredOut     State = "filtered-out"
	StateScheduling      State = "scheduling"
	StateScheduled       State = "scheduled"
	StateScheduleFailed  State = "schedule-failed"
	StateTerminating     State = "terminating"
	StateTerminated      State = "terminated"
	StateTerminateFailed State = "terminate-failed"
	StateObserved        State = "observed"
)

const defaultEnv = "prod"

// GitHub is what the controller needs from the hosting platform.
type GitHub interface {
	FetchRepoConfig(ctx context.Context, repo string) (map[string]any, error)
	RegisterRunner(ctx context.Context, repo, name string, labels []string) (string, error)
}

// UsageReporter posts the billed minutes of a terminated instance.
type UsageReporter interface {
	PostUsage(ctx context.Context, inst *models.TerminatedInstance, conclusion string, now time.Time) (int, error)
}

// Alerter receives job failures. SendError must not block.
type Alerter interface {
	SendError(lines ...string)
}

// Recorder keeps the history of transitions.
type Recorder interface {
	Record(t store.JobTransition) error
}

// Deps are the collaborators shared by every job.
type Deps struct {
	GitHub   GitHub
	Resolver *spec.Resolver
	Provider provider.Provider
	Usage    UsageReporter
	Alerter  Alerter
	Store    Recorder
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type Controller struct {
	cfg      *config.Config
	github   GitHub
	resolver *spec.Resolver
	provider provider.Provider
	usage    UsageReporter
	alerter  Alerter
	store    Recorder
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger

	register retry.Policy
	now      func() time.Time
	suffix   func() string

	wg sync.WaitGroup
}

func New(cfg *config.Config, deps Deps) (*Controller, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if deps.GitHub == nil || deps.Resolver == nil || deps.Provider == nil {
		return nil, fmt.Errorf("github client, resolver and provider are required")
	}
	if deps.Metrics == nil {
		return nil, fmt.Errorf("metrics cannot be nil")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Controller{
		cfg:      cfg,
		github:   deps.GitHub,
		resolver: deps.Resolver,
		provider: deps.Provider,
		usage:    deps.Usage,
		alerter:  deps.Alerter,
		store:    deps.Store,
		metrics:  deps.Metrics,
		tracer:   otel.Tracer("skiff/controller"),
		logger:   deps.Logger.With("component", "controller"),
		register: retry.Policy{
			Attempts:  cfg.GitHub.RegisterAttempts,
			BaseDelay: cfg.GitHub.RegisterBackoff,
			Retryable: github.IsRetryable,
		},
		now:    time.Now,
		suffix: func() string { return uuid.NewString()[:8] },
	}, nil
}

// Dispatch handles ev in its own goroutine under the job timeout. Wait blocks
// until every dispatched event is done.
func (c *Controller) Dispatch(ev models.JobEvent) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Runner.JobTimeout)
		defer cancel()
		c.HandleEvent(ctx, ev)
	}()
}

// Wait blocks until all dispatched events are handled or ctx ends.
func (c *Controller) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleEvent runs one delivery to completion and returns the final state.
// Failures are logged, alerted and recorded; they never propagate.
func (c *Controller) HandleEvent(ctx context.Context, ev models.JobEvent) (state State) {
	start := c.now()
	ctx, span := c.tracer.Start(ctx, "controller.HandleEvent", trace.WithAttributes(
		attribute.Int64("job.id", ev.JobID),
		attribute.Int64("run.id", ev.RunID),
		attribute.String("repository", ev.Repository),
		attribute.String("phase", string(ev.Phase)),
	))
	defer span.End()

	logger := c.logger.With(
		slog.String("repo", ev.Repository),
		slog.Int64("job_id", ev.JobID),
		slog.String("phase", string(ev.Phase)),
	)
	logger.Debug("workflow job event received", slog.Any("labels", ev.Labels))

	c.metrics.JobsInFlight.Inc()
	defer c.metrics.JobsInFlight.Dec()

	transition := store.JobTransition{
		DeliveryID: ev.DeliveryID,
		Repository: ev.Repository,
		JobID:      ev.JobID,
		RunID:      ev.RunID,
		JobName:    ev.JobName,
		Phase:      ev.Phase,
		RunnerName: ev.RunnerName,
	}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic while handling job: %v", r)
			logger.Error("recovered panic", slog.String("stack", string(debug.Stack())))
			state = c.failedState(ev.Phase)
			c.fail(ev, state, err, &transition)
		}

		span.SetAttributes(attribute.String("state", string(state)))
		if state == StateScheduleFailed || state == StateTerminateFailed {
			span.SetStatus(codes.Error, transition.Error)
		}
		c.metrics.JobsTotal.WithLabelValues(string(ev.Phase), string(state)).Inc()
		c.metrics.JobDuration.WithLabelValues(string(ev.Phase)).Observe(c.now().Sub(start).Seconds())

		if state == StateFilteredOut || c.store == nil {
			return
		}
		transition.State = string(state)
		transition.DurationMS = c.now().Sub(start).Milliseconds()
		if err := c.store.Record(transition); err != nil {
			logger.Warn("failed to record transition", slog.String("error", err.Error()))
		}
	}()

	switch ev.Phase {
	case models.PhaseQueued:
		l, ok := c.accepts(ev, logger)
		if !ok {
			return StateFilteredOut
		}
		return c.schedule(ctx, ev, l, logger, &transition)

	case models.PhaseCompleted:
		if _, ok := c.accepts(ev, logger); !ok {
			return StateFilteredOut
		}
		return c.complete(ctx, ev, logger, &transition)

	case models.PhaseInProgress:
		logger.Info("workflow job in progress", slog.String("runner", ev.RunnerName))
		return StateObserved

	default:
		logger.Debug("ignoring workflow job phase")
		return StateFilteredOut
	}
}

// accepts applies the entry guard: one label must carry the runner prefix
// and the env label must belong to this deployment.
func (c *Controller) accepts(ev models.JobEvent, logger *slog.Logger) (labels.Labels, bool) {
	prefix := c.cfg.Runner.Label
	matched := false
	for _, label := range ev.Labels {
		if strings.HasPrefix(label, prefix) {
			matched = true
			break
		}
	}
	if !matched {
		logger.Debug("no runner label, ignoring", slog.String("prefix", prefix))
		return nil, false
	}

	l := labels.Extract(ev.Labels, prefix)
	env := l.Text("env")
	if env == "" {
		env = defaultEnv
	}
	if !c.cfg.Runner.AcceptsEnv(env) {
		logger.Info("ignoring job for another environment",
			slog.String("env", env),
			slog.String("current_env", c.cfg.Runner.Env),
		)
		return nil, false
	}
	return l, true
}

func (c *Controller) schedule(ctx context.Context, ev models.JobEvent, l labels.Labels, logger *slog.Logger, t *store.JobTransition) State {
	logger.Info("scheduling runner", slog.String("state", string(StateScheduling)))

	inst, err := c.provision(ctx, ev, l, t)
	if err != nil {
		c.fail(ev, StateScheduleFailed, err, t)
		return StateScheduleFailed
	}

	t.InstanceID = inst.InstanceID
	t.InstanceType = inst.InstanceType
	t.Lifecycle = inst.Lifecycle
	logger.Info("runner scheduled",
		slog.String("runner", t.RunnerName),
		slog.String("instance_id", inst.InstanceID),
		slog.String("instance_type", inst.InstanceType),
		slog.String("lifecycle", inst.Lifecycle),
	)
	return StateScheduled
}

func (c *Controller) complete(ctx context.Context, ev models.JobEvent, logger *slog.Logger, t *store.JobTransition) State {
	if ev.RunnerName == "" {
		logger.Info("completed job was never assigned a runner")
		return StateObserved
	}
	logger = logger.With(slog.String("runner", ev.RunnerName))
	logger.Info("terminating runner", slog.String("state", string(StateTerminating)))

	inst, err := c.provider.Terminate(ctx, ev.RunnerName)
	if errors.Is(err, apperrors.ErrNotFound) {
		logger.Warn("no instance found for runner, nothing to terminate")
		return StateTerminated
	}
	if err != nil {
		c.fail(ev, StateTerminateFailed, err, t)
		return StateTerminateFailed
	}

	t.InstanceID = inst.InstanceID
	t.InstanceType = inst.InstanceType
	t.Lifecycle = inst.Lifecycle
	logger.Info("runner terminated", slog.String("instance_id", inst.InstanceID))

	if c.usage != nil {
		minutes, err := c.usage.PostUsage(ctx, inst, ev.Conclusion, c.now())
		if err != nil {
			// The instance is gone; only the metric is lost.
			c.alert(ev, fmt.Errorf("failed to post usage: %w", err))
			t.Error = err.Error()
		}
		t.Minutes = minutes
	}
	return StateTerminated
}

func (c *Controller) failedState(phase models.JobPhase) State {
	if phase == models.PhaseCompleted {
		return StateTerminateFailed
	}
	return StateScheduleFailed
}

// fail logs the failure with the job context, alerts and counts it.
func (c *Controller) fail(ev models.JobEvent, state State, err error, t *store.JobTransition) {
	kind := apperrors.Kind(err)
	t.Error = err.Error()
	t.ErrorType = kind
	c.metrics.JobErrors.WithLabelValues(string(ev.Phase), kind).Inc()

	c.logger.Error("workflow job failed",
		slog.String("state", string(state)),
		slog.String("repo", ev.Repository),
		slog.String("workflow", ev.WorkflowName),
		slog.Int64("run_id", ev.RunID),
		slog.String("job_name", ev.JobName),
		slog.Any("labels", ev.Labels),
		slog.String("error_type", kind),
		slog.String("error", err.Error()),
	)
	c.alert(ev, err)
}

func (c *Controller) alert(ev models.JobEvent, err error) {
	if c.alerter == nil {
		return
	}
	workflow := fmt.Sprintf("`%s`", ev.WorkflowName)
	if ev.HTMLURL != "" {
		workflow = fmt.Sprintf("[`%s`](%s)", ev.WorkflowName, ev.HTMLURL)
	}
	c.alerter.SendError(
		fmt.Sprintf("%s - Error", ev.Repository),
		fmt.Sprintf("* Workflow: %s", workflow),
		fmt.Sprintf("* Run ID: `%d`", ev.RunID),
		fmt.Sprintf("* Job name: `%s`", ev.JobName),
		fmt.Sprintf("* Labels `%s`", strings.Join(ev.Labels, ", ")),
		"",
		"```",
		err.Error(),
		"```",
	)
}
