package controller

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	gh "github.com/google/go-github/v57/github"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Skiff/internal/apperrors"
	"Skiff/internal/models"
)

func conflictError(name string) error {
	resp := &http.Response{
		StatusCode: http.StatusConflict,
		Request: &http.Request{
			Method: http.MethodPost,
			URL:    &url.URL{Scheme: "https", Host: "api.github.com", Path: "/repos/octo/app/actions/runners/generate-jitconfig"},
		},
	}
	return apperrors.RegistrationConflict(name, &gh.ErrorResponse{Response: resp, Message: "Already exists"})
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(nil, Deps{})
	assert.Error(t, err)

	_, err = New(testConfig(), Deps{})
	assert.Error(t, err)
}

func TestHandleEvent_EntryGuard(t *testing.T) {
	tests := []struct {
		name   string
		env    string
		labels []string
	}{
		{name: "hosted runner label", env: "prod", labels: []string{"ubuntu-latest"}},
		{name: "no labels", env: "prod", labels: nil},
		{name: "other environment", env: "prod", labels: []string{"runs-on", "env=dev"}},
		{name: "default env on dev stack", env: "dev", labels: []string{"runs-on"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Runner.Env = tt.env
			h := newHarness(t, cfg)

			state := h.ctrl.HandleEvent(context.Background(), queuedEvent(tt.labels...))

			assert.Equal(t, StateFilteredOut, state)
			assert.Empty(t, h.github.names)
			assert.Empty(t, h.provider.launches)
			assert.Empty(t, h.recorder.transitions)
			assert.Zero(t, h.alerter.count())
		})
	}
}

func TestHandleEvent_EnvOverride(t *testing.T) {
	cfg := testConfig()
	cfg.Runner.Env = "dev"
	cfg.Runner.EnvOverride = "prod"
	h := newHarness(t, cfg)

	state := h.ctrl.HandleEvent(context.Background(), queuedEvent("runs-on"))
	assert.Equal(t, StateScheduled, state)
}

func TestHandleEvent_QueuedSchedulesRunner(t *testing.T) {
	h := newHarness(t, nil)

	state := h.ctrl.HandleEvent(context.Background(), queuedEvent("runs-on,runner=2cpu-linux-x64"))
	require.Equal(t, StateScheduled, state)

	require.Len(t, h.provider.imageSpecs, 1)
	assert.Equal(t, "ubuntu22-full-x64", h.provider.imageSpecs[0].ID)
	assert.Equal(t, "runs-on-ubuntu22-full-x64-*", h.provider.imageSpecs[0].Name)

	require.Len(t, h.provider.queries, 1)
	assert.Equal(t, models.InstanceTypeQuery{
		Arch:     "x64",
		Platform: "Linux/UNIX",
		CPU:      []int{2},
		Family:   []string{"m7i", "m7a"},
	}, h.provider.queries[0])

	assert.Equal(t, []string{"runs-on--42--aaaaaaaa"}, h.github.names)
	assert.Equal(t, []string{"runs-on,runner=2cpu-linux-x64"}, h.github.labels)

	require.Len(t, h.provider.launches, 1)
	req := h.provider.launches[0]
	assert.Equal(t, "ami-123", req.Image.AMI)
	assert.Equal(t, "2cpu-linux-x64", req.Runner.ID)
	assert.Len(t, req.Candidates, 2)

	assert.Equal(t, map[string]string{
		"team":                      "ci",
		"Name":                      "runs-on--42--aaaaaaaa",
		"stack":                     "runs-on",
		"runs-on-repo-full-name":    "octo/app",
		"runs-on-workflow-name":     "CI",
		"runs-on-workflow-job-name": "build",
		"runs-on-workflow-job-id":   "42",
		"runs-on-workflow-run-id":   "7",
		"runs-on-runner-id":         "2cpu-linux-x64",
		"runs-on-image-id":          "ubuntu22-full-x64",
		"runs-on-bucket-cache":      "cache-bucket",
		"runs-on-labels":            "runs-on,runner=2cpu-linux-x64",
	}, req.Tags)

	assert.Contains(t, req.UserData, "RUNS_ON_RUNNER_NAME=runs-on--42--aaaaaaaa")
	assert.Contains(t, req.UserData, "--jitconfig jit-runs-on--42--aaaaaaaa")
	assert.Contains(t, req.UserData, "for admin in alice bob")

	require.Len(t, h.recorder.transitions, 1)
	tr := h.recorder.transitions[0]
	assert.Equal(t, string(StateScheduled), tr.State)
	assert.Equal(t, "runs-on--42--aaaaaaaa", tr.RunnerName)
	assert.Equal(t, "i-0123456789abcdef0", tr.InstanceID)
	assert.Equal(t, "m7a.large", tr.InstanceType)
	assert.Equal(t, "delivery-1", tr.DeliveryID)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.JobsTotal.WithLabelValues("queued", "scheduled")))
	assert.Zero(t, h.alerter.count())
}

func TestHandleEvent_StaticTagsAreNotMutated(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)

	h.ctrl.HandleEvent(context.Background(), queuedEvent("runs-on"))

	assert.Equal(t, map[string]string{"team": "ci"}, cfg.AWS.Tags)
}

func TestHandleEvent_RepoConfigRunner(t *testing.T) {
	h := newHarness(t, nil)
	h.github.repoConfig = map[string]any{
		"runners": map[string]any{
			"cheap-arm64": map[string]any{"cpu": []any{1, 2, 4}, "family": "m7g"},
		},
	}

	state := h.ctrl.HandleEvent(context.Background(), queuedEvent("runs-on", "runner=cheap-arm64", "spot=false"))
	require.Equal(t, StateScheduled, state)

	require.Len(t, h.provider.launches, 1)
	assert.Equal(t, models.RunnerSpec{
		ID:     "cheap-arm64",
		CPU:    []int{1, 2, 4},
		Family: []string{"m7g"},
		Spot:   false,
		SSH:    true,
	}, h.provider.launches[0].Runner)

	require.Len(t, h.provider.queries, 1)
	assert.Equal(t, []int{1, 2, 4}, h.provider.queries[0].CPU)
	assert.Equal(t, []string{"m7g"}, h.provider.queries[0].Family)
}

func TestHandleEvent_DebugLabel(t *testing.T) {
	h := newHarness(t, nil)

	h.ctrl.HandleEvent(context.Background(), queuedEvent("runs-on", "debug"))

	require.Len(t, h.provider.launches, 1)
	assert.Contains(t, h.provider.launches[0].UserData, "set -x")
}

func TestHandleEvent_RegistrationConflictRetriesWithNewName(t *testing.T) {
	h := newHarness(t, nil)
	h.github.registerErrs = []error{conflictError("runs-on--42--aaaaaaaa"), nil}

	state := h.ctrl.HandleEvent(context.Background(), queuedEvent("runs-on"))
	require.Equal(t, StateScheduled, state)

	assert.Equal(t, []string{"runs-on--42--aaaaaaaa", "runs-on--42--bbbbbbbb"}, h.github.names)
	require.Len(t, h.provider.launches, 1)
	assert.Equal(t, "runs-on--42--bbbbbbbb", h.provider.launches[0].Tags["Name"])
	assert.Equal(t, "runs-on--42--bbbbbbbb", h.recorder.transitions[0].RunnerName)
}

func TestHandleEvent_RegistrationGivesUp(t *testing.T) {
	h := newHarness(t, nil)
	h.github.registerErrs = []error{
		conflictError("a"), conflictError("b"), conflictError("c"), nil,
	}

	state := h.ctrl.HandleEvent(context.Background(), queuedEvent("runs-on"))

	assert.Equal(t, StateScheduleFailed, state)
	assert.Len(t, h.github.names, 3)
	assert.Empty(t, h.provider.launches)
	assert.Equal(t, "registration_conflict", h.recorder.transitions[0].ErrorType)
	assert.Equal(t, 1, h.alerter.count())
}

func TestHandleEvent_RegistrationNonAPIErrorIsNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.github.registerErrs = []error{errors.New("dial tcp: connection refused")}

	state := h.ctrl.HandleEvent(context.Background(), queuedEvent("runs-on"))

	assert.Equal(t, StateScheduleFailed, state)
	assert.Len(t, h.github.names, 1)
}

func TestHandleEvent_RegistrationForbiddenIsNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	resp := &http.Response{
		StatusCode: http.StatusForbidden,
		Request: &http.Request{
			Method: http.MethodPost,
			URL:    &url.URL{Scheme: "https", Host: "api.github.com", Path: "/repos/octo/app/actions/runners/generate-jitconfig"},
		},
	}
	h.github.registerErrs = []error{&gh.ErrorResponse{Response: resp, Message: "Resource not accessible by integration"}, nil}

	state := h.ctrl.HandleEvent(context.Background(), queuedEvent("runs-on"))

	assert.Equal(t, StateScheduleFailed, state)
	assert.Len(t, h.github.names, 1)
	assert.Empty(t, h.provider.launches)
}

func TestHandleEvent_ConfigurationFailure(t *testing.T) {
	h := newHarness(t, nil)

	state := h.ctrl.HandleEvent(context.Background(), queuedEvent("runs-on", "runner=does-not-exist"))
	require.Equal(t, StateScheduleFailed, state)

	assert.Empty(t, h.github.names)
	assert.Empty(t, h.provider.launches)

	require.Len(t, h.recorder.transitions, 1)
	tr := h.recorder.transitions[0]
	assert.Equal(t, string(StateScheduleFailed), tr.State)
	assert.Equal(t, "configuration", tr.ErrorType)
	assert.Contains(t, tr.Error, "runner=does-not-exist")

	require.Equal(t, 1, h.alerter.count())
	report := h.alerter.reports[0]
	assert.Equal(t, "octo/app - Error", report[0])
	assert.Equal(t, "* Workflow: [`CI`](https://github.com/octo/app/actions/runs/7/job/42)", report[1])
	assert.Equal(t, "* Run ID: `7`", report[2])
	assert.Equal(t, "* Job name: `build`", report[3])
	assert.Equal(t, "* Labels `runs-on, runner=does-not-exist`", report[4])
	assert.Contains(t, report, tr.Error)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.JobErrors.WithLabelValues("queued", "configuration")))
}

func TestHandleEvent_ImageAndCapacityFailures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*fakeProvider)
		wantKind string
		launched bool
	}{
		{
			name:     "image not found",
			setup:    func(p *fakeProvider) { p.imageErr = apperrors.Configuration("ec2.FindImage", "no image") },
			wantKind: "configuration",
		},
		{
			name:     "capacity exhausted",
			setup:    func(p *fakeProvider) { p.launchErr = apperrors.Capacity("ec2.Launch", errNoImage) },
			wantKind: "capacity",
			launched: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			tt.setup(h.provider)

			state := h.ctrl.HandleEvent(context.Background(), queuedEvent("runs-on"))

			assert.Equal(t, StateScheduleFailed, state)
			assert.Equal(t, tt.launched, len(h.provider.launches) == 1)
			assert.Equal(t, tt.wantKind, h.recorder.transitions[0].ErrorType)
			assert.Equal(t, 1, h.alerter.count())
		})
	}
}

func TestHandleEvent_RepoConfigFetchFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.github.configErr = apperrors.Configuration("github.FetchRepoConfig", "invalid yaml")

	state := h.ctrl.HandleEvent(context.Background(), queuedEvent("runs-on"))

	assert.Equal(t, StateScheduleFailed, state)
	assert.Empty(t, h.provider.imageSpecs)
}

func TestHandleEvent_PanicIsRecovered(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.panicOnFind = true

	var state State
	require.NotPanics(t, func() {
		state = h.ctrl.HandleEvent(context.Background(), queuedEvent("runs-on"))
	})

	assert.Equal(t, StateScheduleFailed, state)
	require.Len(t, h.recorder.transitions, 1)
	assert.Equal(t, "internal", h.recorder.transitions[0].ErrorType)
	assert.Contains(t, h.recorder.transitions[0].Error, "boom")
	assert.Equal(t, 1, h.alerter.count())
}

func TestHandleEvent_InProgressIsObserved(t *testing.T) {
	h := newHarness(t, nil)
	ev := queuedEvent("runs-on")
	ev.Phase = models.PhaseInProgress
	ev.RunnerName = "runs-on--42--aaaaaaaa"

	state := h.ctrl.HandleEvent(context.Background(), ev)

	assert.Equal(t, StateObserved, state)
	assert.Empty(t, h.provider.terminates)
	assert.Empty(t, h.provider.launches)
}

func TestHandleEvent_CompletedTerminatesAndPostsUsage(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.terminated = &models.TerminatedInstance{
		InstanceID:   "i-0123456789abcdef0",
		InstanceType: "m7a.large",
		Lifecycle:    models.LifecycleSpot,
		LaunchTime:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	state := h.ctrl.HandleEvent(context.Background(), completedEvent("runs-on--42--aaaaaaaa"))
	require.Equal(t, StateTerminated, state)

	assert.Equal(t, []string{"runs-on--42--aaaaaaaa"}, h.provider.terminates)
	require.Len(t, h.usage.posted, 1)
	assert.Equal(t, "success", h.usage.conclusion)

	tr := h.recorder.transitions[0]
	assert.Equal(t, string(StateTerminated), tr.State)
	assert.Equal(t, "i-0123456789abcdef0", tr.InstanceID)
	assert.Equal(t, 12, tr.Minutes)
	assert.Empty(t, tr.Error)
}

func TestHandleEvent_CompletedRunnerNotFound(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.terminateErr = apperrors.NotFound("runner", "runs-on--42--aaaaaaaa")

	state := h.ctrl.HandleEvent(context.Background(), completedEvent("runs-on--42--aaaaaaaa"))

	assert.Equal(t, StateTerminated, state)
	assert.Empty(t, h.usage.posted)
	assert.Zero(t, h.alerter.count())
}

func TestHandleEvent_CompletedWithoutRunner(t *testing.T) {
	h := newHarness(t, nil)

	state := h.ctrl.HandleEvent(context.Background(), completedEvent(""))

	assert.Equal(t, StateObserved, state)
	assert.Empty(t, h.provider.terminates)
}

func TestHandleEvent_TerminateFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.terminateErr = errors.New("UnauthorizedOperation")

	state := h.ctrl.HandleEvent(context.Background(), completedEvent("runs-on--42--aaaaaaaa"))

	assert.Equal(t, StateTerminateFailed, state)
	assert.Equal(t, "internal", h.recorder.transitions[0].ErrorType)
	assert.Equal(t, 1, h.alerter.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.JobErrors.WithLabelValues("completed", "internal")))
}

func TestHandleEvent_UsageFailureKeepsTerminated(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.terminated = &models.TerminatedInstance{InstanceID: "i-0123456789abcdef0"}
	h.usage.err = errors.New("throttled")

	state := h.ctrl.HandleEvent(context.Background(), completedEvent("runs-on--42--aaaaaaaa"))

	assert.Equal(t, StateTerminated, state)
	assert.Contains(t, h.recorder.transitions[0].Error, "throttled")
	assert.Equal(t, 1, h.alerter.count())
}

func TestDispatch_WaitsForInFlightJobs(t *testing.T) {
	h := newHarness(t, nil)

	for i := 0; i < 5; i++ {
		ev := queuedEvent("runs-on")
		ev.JobID = int64(100 + i)
		h.ctrl.Dispatch(ev)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.ctrl.Wait(ctx))

	h.provider.mu.Lock()
	defer h.provider.mu.Unlock()
	assert.Len(t, h.provider.launches, 5)
	assert.Equal(t, 5.0, testutil.ToFloat64(h.metrics.JobsTotal.WithLabelValues("queued", "scheduled")))
	assert.Zero(t, testutil.ToFloat64(h.metrics.JobsInFlight))
}
