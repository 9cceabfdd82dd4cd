// Package notify publishes job lifecycle events as CloudEvents and hands rejected
// jobs to the external quarantine process.
package notify

import (
	"context"

	"github.com/google/uuid"

	"ingestor/internal/job"
	"ingestor/pkg/cloudevent"
)

// Source is the CloudEvents source attribute of every event.
const Source = "ingestor/coordinator"

// Event types.
const (
	TypeCompleted   = "ingest.job.completed"
	TypeFailed      = "ingest.job.failed"
	TypeAborted     = "ingest.job.aborted"
	TypeRejected    = "ingest.job.rejected"
	TypeQuarantined = "ingest.job.quarantined"
)

// Notifier is told about jobs that reached a terminal state.
type Notifier interface {
	JobFinished(j *job.Job)
	Close(ctx context.Context) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) JobFinished(*job.Job)        {}
func (Nop) Close(context.Context) error { return nil }

// Publisher turns terminal jobs into events on a Dispatcher.
type Publisher struct {
	cfg        Config
	dispatcher *Dispatcher
}

// New returns a Publisher for cfg, or Nop when no destination is configured.
func New(cfg Config, metrics MetricsRecorder) Notifier {
	if !cfg.Enabled() {
		return Nop{}
	}
	return &Publisher{cfg: cfg, dispatcher: NewDispatcher(cfg, metrics)}
}

// JobFinished implements Notifier.
func (p *Publisher) JobFinished(j *job.Job) {
	if j == nil || !j.State.Terminal() {
		return
	}
	data := eventData(j)
	if p.cfg.URL != "" {
		_ = p.dispatcher.Dispatch(&Event{
			Payload:     cloudevent.New(EventType(j.State), Source, j.ID, uuid.NewString(), data),
			Destination: p.cfg.URL,
			SigningKey:  p.cfg.SigningKey,
		})
	}
	if j.State == job.StateRejected && p.cfg.QuarantineURL != "" {
		_ = p.dispatcher.Dispatch(&Event{
			Payload:     cloudevent.New(TypeQuarantined, Source, j.ID, uuid.NewString(), data),
			Destination: p.cfg.QuarantineURL,
			SigningKey:  p.cfg.SigningKey,
		})
	}
}

// Stats returns the underlying dispatcher's statistics.
func (p *Publisher) Stats() Stats {
	return p.dispatcher.Stats()
}

// Close implements Notifier.
func (p *Publisher) Close(ctx context.Context) error {
	return p.dispatcher.Close(ctx)
}

// EventType maps a terminal state to its event type.
func EventType(s job.State) string {
	switch s {
	case job.StateCompleted:
		return TypeCompleted
	case job.StateAborted:
		return TypeAborted
	case job.StateRejected:
		return TypeRejected
	default:
		return TypeFailed
	}
}

func eventData(j *job.Job) map[string]any {
	targets := make([]string, len(j.Targets))
	for i, t := range j.Targets {
		targets[i] = t.Key()
	}
	data := map[string]any{
		"jobId":        j.ID,
		"state":        string(j.State),
		"inputPath":    j.Input.Path,
		"sourceHash":   j.Input.SourceHash,
		"artifactHash": j.ArtifactHash,
		"retryCount":   j.RetryCount,
		"targets":      targets,
	}
	if j.ErrorCode != "" {
		data["errorCode"] = j.ErrorCode
		data["errorMessage"] = j.ErrorMessage
	}
	if j.AbortReason != "" {
		data["abortReason"] = j.AbortReason
	}
	return data
}
