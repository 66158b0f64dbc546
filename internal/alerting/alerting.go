// Package alerting batches job failures and publishes them to an SNS topic.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"Skiff/internal/config"
	"Skiff/internal/metrics"
)

const separator = "\n\n-------------------------------\n\n"

const (
	// SNS rejects longer subjects.
	maxSubjectLength = 100
	publishTimeout   = 10 * time.Second
)

// PublishAPI is the SNS call used by the alerter.
type PublishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Alerter queues error reports and flushes them as one message per interval.
// With no topic configured, messages are only logged.
type Alerter struct {
	api     PublishAPI
	cfg     config.AlertingConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu    sync.Mutex
	queue []string

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewAlerter(api PublishAPI, cfg config.AlertingConfig, m *metrics.Metrics, logger *slog.Logger) *Alerter {
	return &Alerter{
		api:     api,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "alerting"),
		stop:    make(chan struct{}),
	}
}

// Start runs the periodic flush until Stop is called.
func (a *Alerter) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.cfg.FlushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-a.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
				a.Flush(ctx)
				cancel()
			}
		}
	}()
}

// Stop ends the flush loop and publishes whatever is still queued.
func (a *Alerter) Stop(ctx context.Context) {
	a.stopOnce.Do(func() {
		close(a.stop)
	})
	a.wg.Wait()
	a.Flush(ctx)
}

// SendError logs the lines and queues them as one report. It never blocks on
// the network.
func (a *Alerter) SendError(lines ...string) {
	for _, line := range lines {
		a.logger.Error(line)
	}
	a.mu.Lock()
	a.queue = append(a.queue, strings.Join(lines, "\n"))
	a.mu.Unlock()
}

// Pending reports how many reports wait for the next flush.
func (a *Alerter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// Flush publishes all queued reports as a single message.
func (a *Alerter) Flush(ctx context.Context) {
	a.mu.Lock()
	reports := a.queue
	a.queue = nil
	a.mu.Unlock()

	if len(reports) == 0 {
		return
	}

	a.logger.Info("sending batched errors", slog.Int("count", len(reports)))
	subject := fmt.Sprintf("%s: %d new errors", a.cfg.Subject, len(reports))
	message := fmt.Sprintf("Hello, here are the last %d errors:\n\n%s", len(reports), strings.Join(reports, separator))
	if err := a.Publish(ctx, subject, message); err != nil {
		a.logger.Error("failed to publish alert", slog.String("error", err.Error()))
	}
}

// Publish sends one message to the topic.
func (a *Alerter) Publish(ctx context.Context, subject, message string) error {
	if a.api == nil || a.cfg.TopicARN == "" {
		a.logger.Info("no alert topic configured, dropping message",
			slog.String("subject", subject),
			slog.String("message", message),
		)
		a.metrics.AlertsSent.WithLabelValues("skipped").Inc()
		return nil
	}

	if len(subject) > maxSubjectLength {
		subject = subject[:maxSubjectLength]
	}
	_, err := a.api.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(a.cfg.TopicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(message),
	})
	if err != nil {
		a.metrics.AlertsSent.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to publish to %s: %w", a.cfg.TopicARN, err)
	}
	a.metrics.AlertsSent.WithLabelValues("success").Inc()
	return nil
}
