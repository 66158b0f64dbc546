package controller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"Skiff/internal/config"
	"Skiff/internal/metrics"
	"Skiff/internal/models"
	"Skiff/internal/provider"
	"Skiff/internal/spec"
	"Skiff/internal/store"
)

type fakeGitHub struct {
	mu           sync.Mutex
	repoConfig   map[string]any
	configErr    error
	registerErrs []error
	names        []string
	labels       []string
}

func (f *fakeGitHub) FetchRepoConfig(ctx context.Context, repo string) (map[string]any, error) {
	if f.configErr != nil {
		return nil, f.configErr
	}
	if f.repoConfig == nil {
		return map[string]any{}, nil
	}
	return f.repoConfig, nil
}

func (f *fakeGitHub) RegisterRunner(ctx context.Context, repo, name string, labels []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, name)
	f.labels = labels
	if len(f.registerErrs) > 0 {
		err := f.registerErrs[0]
		f.registerErrs = f.registerErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return "jit-" + name, nil
}

type fakeProvider struct {
	mu           sync.Mutex
	image        models.InstanceImage
	imageErr     error
	candidates   []models.InstanceTypeCandidate
	launchErr    error
	terminated   *models.TerminatedInstance
	terminateErr error
	panicOnFind  bool

	imageSpecs []models.ImageSpec
	queries    []models.InstanceTypeQuery
	launches   []*provider.LaunchRequest
	terminates []string
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) FindImage(ctx context.Context, s models.ImageSpec) (models.InstanceImage, error) {
	if f.panicOnFind {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imageSpecs = append(f.imageSpecs, s)
	return f.image, f.imageErr
}

func (f *fakeProvider) FindInstanceTypes(ctx context.Context, q models.InstanceTypeQuery) ([]models.InstanceTypeCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.candidates, nil
}

func (f *fakeProvider) Launch(ctx context.Context, req *provider.LaunchRequest) (*models.ProvisionedInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches = append(f.launches, req)
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	return &models.ProvisionedInstance{
		InstanceID:   "i-0123456789abcdef0",
		InstanceType: req.Candidates[0].InstanceType,
		Lifecycle:    models.LifecycleSpot,
		LaunchTime:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Tags:         req.Tags,
	}, nil
}

func (f *fakeProvider) Terminate(ctx context.Context, runnerName string) (*models.TerminatedInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminates = append(f.terminates, runnerName)
	return f.terminated, f.terminateErr
}

func (f *fakeProvider) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeProvider) Close() error                         { return nil }

type fakeUsage struct {
	err        error
	posted     []*models.TerminatedInstance
	conclusion string
}

func (f *fakeUsage) PostUsage(ctx context.Context, inst *models.TerminatedInstance, conclusion string, now time.Time) (int, error) {
	f.posted = append(f.posted, inst)
	f.conclusion = conclusion
	if f.err != nil {
		return 0, f.err
	}
	return 12, nil
}

type fakeAlerter struct {
	mu      sync.Mutex
	reports [][]string
}

func (f *fakeAlerter) SendError(lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, lines)
}

func (f *fakeAlerter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reports)
}

type fakeRecorder struct {
	mu          sync.Mutex
	transitions []store.JobTransition
}

func (f *fakeRecorder) Record(t store.JobTransition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, t)
	return nil
}

type fakeLister struct {
	admins []string
	err    error
}

func (f fakeLister) ListAdmins(ctx context.Context, repo string) ([]string, error) {
	return f.admins, f.err
}

var errNoImage = errors.New("no image")

type harness struct {
	ctrl     *Controller
	github   *fakeGitHub
	provider *fakeProvider
	usage    *fakeUsage
	alerter  *fakeAlerter
	recorder *fakeRecorder
	metrics  *metrics.Metrics
}

func testConfig() *config.Config {
	return &config.Config{
		GitHub: config.GitHubConfig{
			RegisterAttempts: 3,
			RegisterBackoff:  time.Millisecond,
		},
		Runner: config.RunnerConfig{
			Label:      "runs-on",
			Env:        "prod",
			JobTimeout: time.Minute,
		},
		AWS: config.AWSConfig{
			Region:      "us-east-1",
			StackName:   "runs-on",
			CacheBucket: "cache-bucket",
			Tags:        map[string]string{"team": "ci"},
		},
	}
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &harness{
		github: &fakeGitHub{},
		provider: &fakeProvider{
			image: models.InstanceImage{
				AMI:      "ami-123",
				Name:     "runs-on-ubuntu22-full-x64-20240101",
				Platform: "Linux/UNIX",
				Arch:     "x64",
			},
			candidates: []models.InstanceTypeCandidate{
				{InstanceType: "m7a.large", Family: "m7a", VCPUs: 2},
				{InstanceType: "m7i.large", Family: "m7i", VCPUs: 2},
			},
		},
		usage:    &fakeUsage{},
		alerter:  &fakeAlerter{},
		recorder: &fakeRecorder{},
		metrics:  metrics.NewMetrics(prometheus.NewRegistry()),
	}

	ctrl, err := New(cfg, Deps{
		GitHub:   h.github,
		Resolver: spec.NewResolver(fakeLister{admins: []string{"alice", "bob"}}, logger),
		Provider: h.provider,
		Usage:    h.usage,
		Alerter:  h.alerter,
		Store:    h.recorder,
		Metrics:  h.metrics,
		Logger:   logger,
	})
	require.NoError(t, err)

	var n atomic.Int64
	ctrl.suffix = func() string {
		return []string{"aaaaaaaa", "bbbbbbbb", "cccccccc", "dddddddd"}[(n.Add(1)-1)%4]
	}
	ctrl.now = func() time.Time { return time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC) }
	h.ctrl = ctrl
	return h
}

func queuedEvent(labels ...string) models.JobEvent {
	return models.JobEvent{
		DeliveryID:   "delivery-1",
		JobID:        42,
		RunID:        7,
		JobName:      "build",
		WorkflowName: "CI",
		Labels:       labels,
		Phase:        models.PhaseQueued,
		Repository:   "octo/app",
		HTMLURL:      "https://github.com/octo/app/actions/runs/7/job/42",
		CreatedAt:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		ReceivedAt:   time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC),
	}
}

func completedEvent(runner string) models.JobEvent {
	ev := queuedEvent("runs-on", "runner=2cpu-linux-x64")
	ev.Phase = models.PhaseCompleted
	ev.Conclusion = "success"
	ev.RunnerName = runner
	return ev
}
