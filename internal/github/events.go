package github

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	gh "github.com/google/go-github/v57/github"

	"Skiff/internal/models"
)

const workflowJobEvent = "workflow_job"

var (
	// ErrIgnoredEvent marks deliveries that are valid but carry nothing to act on.
	ErrIgnoredEvent = errors.New("ignored event")
	// ErrInvalidSignature is returned when the payload does not match the secret.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Delivery is one verified webhook request.
type Delivery struct {
	ID    string
	Event string
	Job   models.JobEvent
}

// ParseDelivery verifies the signature of a webhook request against secret
// and decodes it. Events other than workflow_job, and workflow_job actions
// other than queued, in_progress and completed, return ErrIgnoredEvent.
func ParseDelivery(r *http.Request, secret string) (Delivery, error) {
	payload, err := gh.ValidatePayload(r, []byte(secret))
	if err != nil {
		return Delivery{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	d := Delivery{
		ID:    gh.DeliveryID(r),
		Event: gh.WebHookType(r),
	}
	if d.Event != workflowJobEvent {
		return d, ErrIgnoredEvent
	}

	event, err := gh.ParseWebHook(d.Event, payload)
	if err != nil {
		return d, fmt.Errorf("unable to parse webhook: %w", err)
	}
	jobEvent, ok := event.(*gh.WorkflowJobEvent)
	if !ok {
		return d, ErrIgnoredEvent
	}

	job, err := EventFromWorkflowJob(jobEvent, time.Now())
	if err != nil {
		return d, err
	}
	job.DeliveryID = d.ID
	d.Job = job
	return d, nil
}

// EventFromWorkflowJob converts a workflow_job payload into a JobEvent.
func EventFromWorkflowJob(ev *gh.WorkflowJobEvent, receivedAt time.Time) (models.JobEvent, error) {
	var phase models.JobPhase
	switch action := ev.GetAction(); action {
	case "queued":
		phase = models.PhaseQueued
	case "in_progress":
		phase = models.PhaseInProgress
	case "completed":
		phase = models.PhaseCompleted
	default:
		return models.JobEvent{}, fmt.Errorf("%w: workflow_job action %q", ErrIgnoredEvent, action)
	}

	job := ev.GetWorkflowJob()
	if job == nil {
		return models.JobEvent{}, errors.New("missing workflow_job field in event webhook")
	}
	repo := ev.GetRepo().GetFullName()
	if repo == "" {
		return models.JobEvent{}, errors.New("missing repository full name in webhook payload")
	}

	labels := job.Labels
	if labels == nil {
		labels = []string{}
	}

	return models.JobEvent{
		JobID:        job.GetID(),
		RunID:        job.GetRunID(),
		JobName:      job.GetName(),
		WorkflowName: job.GetWorkflowName(),
		Labels:       labels,
		Phase:        phase,
		Conclusion:   job.GetConclusion(),
		Repository:   repo,
		CreatedAt:    job.GetCreatedAt().Time,
		ReceivedAt:   receivedAt,
		RunnerName:   job.GetRunnerName(),
		HTMLURL:      job.GetHTMLURL(),
	}, nil
}
