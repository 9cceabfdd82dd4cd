// Package job defines the job model shared by the coordinator, the store and the API.
package job

import (
	"time"

	"ingestor/internal/commit"
)

// InputFile is an external file to be processed. Identity is its content hash.
type InputFile struct {
	Path       string `json:"path" yaml:"path"`
	SourceHash string `json:"sourceHash" yaml:"sourceHash"`
	PathHash   string `json:"pathHash,omitempty" yaml:"pathHash,omitempty"`
}

// Runtime selects how a worker executes an artifact.
type Runtime string

const (
	RuntimeProcess Runtime = "process"
	RuntimeDocker  Runtime = "docker"
	RuntimeBuiltin Runtime = "builtin"
)

// Artifact is one deployed, versioned transformation.
type Artifact struct {
	Name       string   `json:"name" yaml:"name"`
	Version    string   `json:"version" yaml:"version"`
	LogicHash  string   `json:"logicHash" yaml:"logicHash"`
	EnvHash    string   `json:"envHash,omitempty" yaml:"envHash,omitempty"`
	Runtime    Runtime  `json:"runtime" yaml:"runtime"`
	Entrypoint []string `json:"entrypoint,omitempty" yaml:"entrypoint,omitempty"`
	Image      string   `json:"image,omitempty" yaml:"image,omitempty"`
	Bundle     string   `json:"bundle,omitempty" yaml:"bundle,omitempty"` // URL of a tar.gz environment bundle
}

// Hash is the artifact identity: hash(logic hash, environment hash, version).
func (a Artifact) Hash() string {
	return commit.ArtifactHash(a.LogicHash, a.EnvHash, a.Version)
}

// Capability is the worker capability required to run the artifact.
func (a Artifact) Capability() string {
	return string(a.Runtime)
}

// Target is one destination for a job's output.
type Target struct {
	Sink      string           `json:"sink" yaml:"sink"`
	Location  string           `json:"location" yaml:"location"`
	Table     string           `json:"table" yaml:"table"`
	WriteMode commit.WriteMode `json:"writeMode" yaml:"writeMode"`
	Columns   []commit.Column  `json:"columns" yaml:"columns"`
}

// SchemaHash hashes the target's column list.
func (t Target) SchemaHash() string {
	return commit.SchemaHash(t.Columns)
}

// Key is the output target identity.
func (t Target) Key() string {
	return commit.OutputTargetKey(t.Location, t.Table, t.SchemaHash(), string(t.WriteMode))
}

// MaterializationKey is the identity of this target produced from input and artifact.
func (t Target) MaterializationKey(sourceHash, artifactHash string) string {
	return commit.MaterializationKey(t.Key(), sourceHash, artifactHash)
}

// Job is one unit of work: an input, an artifact and one or more targets.
type Job struct {
	ID             string     `json:"id"`
	WireID         uint64     `json:"wireId"`
	State          State      `json:"state"`
	RetryCount     int        `json:"retryCount"`
	MaxRetries     int        `json:"maxRetries"`
	AssignedWorker string     `json:"assignedWorker,omitempty"`
	ClaimTime      *time.Time `json:"claimTime,omitempty"`
	LastHeartbeat  *time.Time `json:"lastHeartbeat,omitempty"`
	AvailableAt    time.Time  `json:"availableAt"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	Input          InputFile  `json:"input"`
	ArtifactHash   string     `json:"artifactHash"`
	Capability     string     `json:"capability"`
	Targets        []Target   `json:"targets,omitempty"`
	ErrorCode      string     `json:"errorCode,omitempty"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
	AbortReason    string     `json:"abortReason,omitempty"`
}

// Materialization is durable proof that a (target, input, artifact) triple was produced.
type Materialization struct {
	Key          string    `json:"key"`
	TargetKey    string    `json:"targetKey"`
	SourceHash   string    `json:"sourceHash"`
	ArtifactHash string    `json:"artifactHash"`
	JobID        string    `json:"jobId"`
	URI          string    `json:"uri,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Request asks for a job to be enqueued. Either Artifact or ArtifactHash
// (referencing a deployed artifact) must be set.
type Request struct {
	Input        InputFile `json:"input" yaml:"input"`
	Artifact     *Artifact `json:"artifact,omitempty" yaml:"artifact,omitempty"`
	ArtifactHash string    `json:"artifactHash,omitempty" yaml:"artifactHash,omitempty"`
	Targets      []Target  `json:"targets" yaml:"targets"`
	MaxRetries   *int      `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
}

// EnqueueResult reports what Enqueue did.
type EnqueueResult struct {
	Job     *Job     `json:"job,omitempty"`
	Skipped []string `json:"skipped,omitempty"` // target keys already materialized
}

// Created reports whether a job was created.
func (r EnqueueResult) Created() bool {
	return r.Job != nil
}

// Outcome is the terminal report for a job.
type Outcome struct {
	State    State
	Code     string
	Message  string
	// Reported is set when the outcome comes from the worker's own receipt, so the
	// job ran even if no heartbeat said so yet.
	Reported bool
}

// Event is one recorded state transition.
type Event struct {
	JobID     string    `json:"jobId"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Worker    string    `json:"worker,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Worker is the observational record of a connected worker.
type Worker struct {
	ID            string    `json:"id"`
	Capabilities  []string  `json:"capabilities"`
	MaxConcurrent int       `json:"maxConcurrent"`
	ActiveJobs    int       `json:"activeJobs"`
	Remote        string    `json:"remote,omitempty"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}
