package protocol

import (
	"errors"
	"fmt"

	"ingestor/internal/commit"
)

// Payload is the opcode-specific body of a message.
type Payload interface {
	Opcode() Opcode
	Validate() error
}

// ErrorInfo is a machine-classifiable failure.
type ErrorInfo struct {
	Code    string `msgpack:"code"`
	Message string `msgpack:"message,omitempty"`
}

// ArtifactSpec describes a deployed transformation.
type ArtifactSpec struct {
	Hash       string   `msgpack:"hash"`
	Name       string   `msgpack:"name"`
	Version    string   `msgpack:"version"`
	LogicHash  string   `msgpack:"logic_hash"`
	EnvHash    string   `msgpack:"env_hash,omitempty"`
	Runtime    string   `msgpack:"runtime"`
	Entrypoint []string `msgpack:"entrypoint,omitempty"`
	Image      string   `msgpack:"image,omitempty"`
	Bundle     string   `msgpack:"bundle,omitempty"`
}

// InputRef references the file a job processes.
type InputRef struct {
	Path       string `msgpack:"path"`
	SourceHash string `msgpack:"source_hash"`
	PathHash   string `msgpack:"path_hash,omitempty"`
}

// TargetSpec is one output destination of a job.
type TargetSpec struct {
	Sink       string          `msgpack:"sink"`
	Location   string          `msgpack:"location"`
	Table      string          `msgpack:"table"`
	WriteMode  string          `msgpack:"write_mode"`
	Columns    []commit.Column `msgpack:"columns,omitempty"`
	SchemaHash string          `msgpack:"schema_hash"`
	TargetKey  string          `msgpack:"target_key"`
}

// SinkReport is per-sink metadata for a promoted artifact.
type SinkReport struct {
	Sink      string `msgpack:"sink"`
	TargetKey string `msgpack:"target_key"`
	URI       string `msgpack:"uri"`
	Rows      int64  `msgpack:"rows"`
	Bytes     int64  `msgpack:"bytes"`
}

// MaterializationReport names one (target, input, artifact) triple that was produced.
type MaterializationReport struct {
	Key          string `msgpack:"key"`
	TargetKey    string `msgpack:"target_key"`
	SourceHash   string `msgpack:"source_hash"`
	ArtifactHash string `msgpack:"artifact_hash"`
}

// Identify registers a worker. Sent first on every connection.
type Identify struct {
	WorkerID      string   `msgpack:"worker_id"`
	Capabilities  []string `msgpack:"capabilities"`
	MaxConcurrent int      `msgpack:"max_concurrent"`
	ReadyEnvs     []string `msgpack:"ready_envs,omitempty"`
	ActiveJobs    []uint64 `msgpack:"active_jobs,omitempty"`
}

func (Identify) Opcode() Opcode { return OpIdentify }
func (p Identify) Validate() error {
	if p.WorkerID == "" {
		return errors.New("worker_id is required")
	}
	if p.MaxConcurrent < 1 {
		return errors.New("max_concurrent must be positive")
	}
	return nil
}

// Dispatch assigns a job to a worker.
type Dispatch struct {
	JobUUID   string       `msgpack:"job_uuid"`
	Attempt   int          `msgpack:"attempt"`
	TimeoutMS int64        `msgpack:"timeout_ms,omitempty"`
	Input     InputRef     `msgpack:"input"`
	Artifact  ArtifactSpec `msgpack:"artifact"`
	Targets   []TargetSpec `msgpack:"targets"`
}

func (Dispatch) Opcode() Opcode { return OpDispatch }
func (p Dispatch) Validate() error {
	switch {
	case p.JobUUID == "":
		return errors.New("job_uuid is required")
	case p.Input.SourceHash == "":
		return errors.New("input.source_hash is required")
	case p.Artifact.Hash == "":
		return errors.New("artifact.hash is required")
	case len(p.Targets) == 0:
		return errors.New("at least one target is required")
	}
	for i, t := range p.Targets {
		if t.Sink == "" || t.TargetKey == "" {
			return fmt.Errorf("targets[%d]: sink and target_key are required", i)
		}
	}
	return nil
}

// Abort asks a worker to cancel a job.
type Abort struct {
	JobUUID string `msgpack:"job_uuid,omitempty"`
	Reason  string `msgpack:"reason,omitempty"`
}

func (Abort) Opcode() Opcode   { return OpAbort }
func (Abort) Validate() error { return nil }

// Heartbeat reports liveness and the jobs a worker is running.
type Heartbeat struct {
	WorkerID   string   `msgpack:"worker_id"`
	ActiveJobs []uint64 `msgpack:"active_jobs,omitempty"`
	Free       int      `msgpack:"free"`
}

func (Heartbeat) Opcode() Opcode { return OpHeartbeat }
func (p Heartbeat) Validate() error {
	if p.WorkerID == "" {
		return errors.New("worker_id is required")
	}
	return nil
}

// Conclude statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusAborted   = "aborted"
)

// Conclude is a job's receipt. It may be retransmitted.
type Conclude struct {
	JobUUID          string                  `msgpack:"job_uuid"`
	Status           string                  `msgpack:"status"`
	Error            *ErrorInfo              `msgpack:"error,omitempty"`
	Sinks            []SinkReport            `msgpack:"sinks,omitempty"`
	Materializations []MaterializationReport `msgpack:"materializations,omitempty"`
}

func (Conclude) Opcode() Opcode { return OpConclude }
func (p Conclude) Validate() error {
	switch p.Status {
	case StatusCompleted:
		if p.Error != nil {
			return errors.New("completed receipt must not carry an error")
		}
	case StatusFailed, StatusAborted:
		if p.Error == nil || p.Error.Code == "" {
			return fmt.Errorf("%s receipt requires an error code", p.Status)
		}
	default:
		return fmt.Errorf("unknown status %q", p.Status)
	}
	return nil
}

// ErrorMsg reports a failure outside a receipt, e.g. a rejected dispatch.
type ErrorMsg struct {
	Code    string `msgpack:"code"`
	Message string `msgpack:"message,omitempty"`
}

func (ErrorMsg) Opcode() Opcode { return OpError }
func (p ErrorMsg) Validate() error {
	if p.Code == "" {
		return errors.New("code is required")
	}
	return nil
}

// PrepareEnv asks a worker to provision an artifact's environment.
type PrepareEnv struct {
	EnvHash  string       `msgpack:"env_hash"`
	Artifact ArtifactSpec `msgpack:"artifact"`
}

func (PrepareEnv) Opcode() Opcode { return OpPrepareEnv }
func (p PrepareEnv) Validate() error {
	if p.EnvHash == "" {
		return errors.New("env_hash is required")
	}
	return nil
}

// EnvReady answers PrepareEnv.
type EnvReady struct {
	EnvHash string     `msgpack:"env_hash"`
	OK      bool       `msgpack:"ok"`
	Error   *ErrorInfo `msgpack:"error,omitempty"`
}

func (EnvReady) Opcode() Opcode { return OpEnvReady }
func (p EnvReady) Validate() error {
	if p.EnvHash == "" {
		return errors.New("env_hash is required")
	}
	if !p.OK && p.Error == nil {
		return errors.New("failed env_ready requires an error")
	}
	return nil
}

// Deploy registers an artifact with the coordinator.
type Deploy struct {
	Artifact ArtifactSpec `msgpack:"artifact"`
}

func (Deploy) Opcode() Opcode { return OpDeploy }
func (p Deploy) Validate() error {
	if p.Artifact.Name == "" || p.Artifact.LogicHash == "" {
		return errors.New("artifact name and logic_hash are required")
	}
	return nil
}

// Ack acknowledges a message that has no other reply.
type Ack struct {
	Ref     Opcode `msgpack:"ref"`
	OK      bool   `msgpack:"ok"`
	Message string `msgpack:"message,omitempty"`
}

func (Ack) Opcode() Opcode { return OpAck }
func (p Ack) Validate() error {
	if !p.Ref.Valid() {
		return fmt.Errorf("ack references unknown opcode %d", uint8(p.Ref))
	}
	return nil
}

func newPayload(op Opcode) Payload {
	switch op {
	case OpIdentify:
		return &Identify{}
	case OpDispatch:
		return &Dispatch{}
	case OpAbort:
		return &Abort{}
	case OpHeartbeat:
		return &Heartbeat{}
	case OpConclude:
		return &Conclude{}
	case OpError:
		return &ErrorMsg{}
	case OpPrepareEnv:
		return &PrepareEnv{}
	case OpEnvReady:
		return &EnvReady{}
	case OpDeploy:
		return &Deploy{}
	case OpAck:
		return &Ack{}
	}
	return nil
}
