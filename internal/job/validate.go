package job

import (
	"fmt"
	"regexp"

	"ingestor/internal/apperrors"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,62}$`)

// Validate checks a Request before it reaches the store.
func (r *Request) Validate() error {
	if r.Input.Path == "" {
		return apperrors.Validation("input.path", "input.path is required")
	}
	if r.Input.SourceHash == "" {
		return apperrors.Validation("input.sourceHash", "input.sourceHash is required")
	}
	switch {
	case r.Artifact == nil && r.ArtifactHash == "":
		return apperrors.Validation("artifact", "artifact or artifactHash is required")
	case r.Artifact != nil:
		if err := r.Artifact.Validate(); err != nil {
			return err
		}
		if r.ArtifactHash != "" && r.ArtifactHash != r.Artifact.Hash() {
			return apperrors.Validation("artifactHash", "artifactHash does not match artifact")
		}
	}
	if r.MaxRetries != nil && *r.MaxRetries < 0 {
		return apperrors.Validation("maxRetries", "maxRetries must not be negative")
	}
	if len(r.Targets) == 0 {
		return apperrors.Validation("targets", "at least one target is required")
	}
	seen := make(map[string]int, len(r.Targets))
	for i, t := range r.Targets {
		if err := t.Validate(fmt.Sprintf("targets[%d]", i)); err != nil {
			return err
		}
		key := t.Key()
		if j, dup := seen[key]; dup {
			return apperrors.Validation(fmt.Sprintf("targets[%d]", i),
				fmt.Sprintf("targets[%d] duplicates targets[%d]", i, j))
		}
		seen[key] = i
	}
	return nil
}

// Validate checks that the artifact can be executed by some worker runtime.
func (a *Artifact) Validate() error {
	switch {
	case a.Name == "":
		return apperrors.Validation("artifact.name", "artifact.name is required")
	case a.Version == "":
		return apperrors.Validation("artifact.version", "artifact.version is required")
	case a.LogicHash == "":
		return apperrors.Validation("artifact.logicHash", "artifact.logicHash is required")
	}
	switch a.Runtime {
	case RuntimeProcess, RuntimeBuiltin:
		if len(a.Entrypoint) == 0 {
			return apperrors.Validation("artifact.entrypoint", fmt.Sprintf("%s artifacts require an entrypoint", a.Runtime))
		}
	case RuntimeDocker:
		if a.Image == "" {
			return apperrors.Validation("artifact.image", "docker artifacts require an image")
		}
	default:
		return apperrors.Validation("artifact.runtime", fmt.Sprintf("unknown runtime %q", a.Runtime))
	}
	return nil
}

// Validate checks one target. field prefixes error fields.
func (t *Target) Validate(field string) error {
	switch {
	case t.Sink == "":
		return apperrors.Validation(field+".sink", field+".sink is required")
	case t.Location == "":
		return apperrors.Validation(field+".location", field+".location is required")
	case !tableNamePattern.MatchString(t.Table):
		return apperrors.Validation(field+".table", fmt.Sprintf("%s.table %q is not a valid table name", field, t.Table))
	case !t.WriteMode.Valid():
		return apperrors.Validation(field+".writeMode", fmt.Sprintf("%s.writeMode %q must be append or replace", field, t.WriteMode))
	case len(t.Columns) == 0:
		return apperrors.Validation(field+".columns", field+".columns must not be empty")
	}
	names := make(map[string]bool, len(t.Columns))
	for i, c := range t.Columns {
		if c.Name == "" || c.Type == "" {
			return apperrors.Validation(fmt.Sprintf("%s.columns[%d]", field, i), "column name and type are required")
		}
		if names[c.Name] {
			return apperrors.Validation(fmt.Sprintf("%s.columns[%d]", field, i), fmt.Sprintf("duplicate column %q", c.Name))
		}
		names[c.Name] = true
	}
	return nil
}
