package cli

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"ingestor/internal/job"
)

// Manifest describes one or more files to enqueue against the same artifact and targets.
//
//	artifactHash: 3f2a...          # or an inline artifact: block
//	targets:
//	  - sink: warehouse
//	    location: /data/out.db
//	    table: events
//	    writeMode: append
//	    columns: [{name: id, type: int}]
//	inputs:
//	  - path: /in/2024-01-01.csv   # sourceHash computed from the file when omitted
type Manifest struct {
	Artifact     *job.Artifact   `yaml:"artifact,omitempty"`
	ArtifactHash string          `yaml:"artifactHash,omitempty"`
	Targets      []job.Target    `yaml:"targets"`
	Inputs       []job.InputFile `yaml:"inputs"`
	MaxRetries   *int            `yaml:"maxRetries,omitempty"`
}

// LoadManifest reads and decodes a YAML manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(m.Inputs) == 0 {
		return nil, fmt.Errorf("%s: no inputs", path)
	}
	return &m, nil
}

// Requests expands the manifest into one request per input. Inputs without a
// source hash are hashed from the local file.
func (m *Manifest) Requests() ([]job.Request, error) {
	reqs := make([]job.Request, 0, len(m.Inputs))
	for _, in := range m.Inputs {
		if in.SourceHash == "" {
			h, err := HashFile(in.Path)
			if err != nil {
				return nil, fmt.Errorf("input %s: %w", in.Path, err)
			}
			in.SourceHash = h
		}
		reqs = append(reqs, job.Request{
			Input:        in,
			Artifact:     m.Artifact,
			ArtifactHash: m.ArtifactHash,
			Targets:      m.Targets,
			MaxRetries:   m.MaxRetries,
		})
	}
	return reqs, nil
}

// LoadArtifact reads an artifact definition from YAML.
func LoadArtifact(path string) (*job.Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var a job.Artifact
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &a, nil
}

// HashFile returns the hex SHA-256 of a file's content.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
