package protocol

import (
	"time"

	"ingestor/internal/commit"
	"ingestor/internal/job"
)

// ArtifactSpecOf converts a job artifact to its wire form.
func ArtifactSpecOf(a job.Artifact) ArtifactSpec {
	return ArtifactSpec{
		Hash:       a.Hash(),
		Name:       a.Name,
		Version:    a.Version,
		LogicHash:  a.LogicHash,
		EnvHash:    a.EnvHash,
		Runtime:    string(a.Runtime),
		Entrypoint: a.Entrypoint,
		Image:      a.Image,
		Bundle:     a.Bundle,
	}
}

// Artifact converts the wire form back to a job artifact.
func (s ArtifactSpec) Artifact() job.Artifact {
	return job.Artifact{
		Name:       s.Name,
		Version:    s.Version,
		LogicHash:  s.LogicHash,
		EnvHash:    s.EnvHash,
		Runtime:    job.Runtime(s.Runtime),
		Entrypoint: s.Entrypoint,
		Image:      s.Image,
		Bundle:     s.Bundle,
	}
}

// TargetSpecOf converts a job target to its wire form, including its derived keys.
func TargetSpecOf(t job.Target) TargetSpec {
	return TargetSpec{
		Sink:       t.Sink,
		Location:   t.Location,
		Table:      t.Table,
		WriteMode:  string(t.WriteMode),
		Columns:    t.Columns,
		SchemaHash: t.SchemaHash(),
		TargetKey:  t.Key(),
	}
}

// Target converts the wire form back to a job target.
func (s TargetSpec) Target() job.Target {
	return job.Target{
		Sink:      s.Sink,
		Location:  s.Location,
		Table:     s.Table,
		WriteMode: commit.WriteMode(s.WriteMode),
		Columns:   s.Columns,
	}
}

// InputFile converts the wire reference to a job input.
func (r InputRef) InputFile() job.InputFile {
	return job.InputFile{Path: r.Path, SourceHash: r.SourceHash, PathHash: r.PathHash}
}

// NewDispatch builds the DISPATCH message for a claimed job.
func NewDispatch(j *job.Job, a job.Artifact, timeout time.Duration) *Message {
	targets := make([]TargetSpec, len(j.Targets))
	for i, t := range j.Targets {
		targets[i] = TargetSpecOf(t)
	}
	return New(j.WireID, &Dispatch{
		JobUUID:   j.ID,
		Attempt:   j.RetryCount + 1,
		TimeoutMS: timeout.Milliseconds(),
		Input:     InputRef{Path: j.Input.Path, SourceHash: j.Input.SourceHash, PathHash: j.Input.PathHash},
		Artifact:  ArtifactSpecOf(a),
		Targets:   targets,
	})
}
