// Package commit implements the staging/promote discipline every worker applies to
// transformation output, and the idempotency keys that decide whether output already exists.
package commit

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Domain prefixes for key derivation. The version suffix allows the algorithm to change
// without colliding with keys already persisted.
const (
	DomainOutputTarget    = "ingest/output-target/v1"
	DomainMaterialization = "ingest/materialization/v1"
	DomainArtifact        = "ingest/artifact/v1"
	DomainSchema          = "ingest/schema/v1"
)

// hashFields computes SHA256(domain + 0x00 + len(f1) + f1 + len(f2) + f2 ...).
// Each field is NFC-normalised and prefixed with its big-endian uint64 byte length,
// so no two distinct field lists can produce the same byte stream.
func hashFields(domain string, fields ...string) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	var n [8]byte
	for _, f := range fields {
		f = norm.NFC.String(f)
		binary.BigEndian.PutUint64(n[:], uint64(len(f)))
		h.Write(n[:])
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// OutputTargetKey identifies one destination a materialization can land in.
func OutputTargetKey(sinkLocation, tableName, schemaHash, writeMode string) string {
	return hashFields(DomainOutputTarget, sinkLocation, tableName, schemaHash, writeMode)
}

// MaterializationKey identifies the (target, input, parser) triple.
func MaterializationKey(outputTargetKey, sourceHash, artifactHash string) string {
	return hashFields(DomainMaterialization, outputTargetKey, sourceHash, artifactHash)
}

// ArtifactHash identifies one deployed, versioned transformation.
func ArtifactHash(logicHash, envHash, version string) string {
	return hashFields(DomainArtifact, logicHash, envHash, version)
}

// Column describes one typed output column.
type Column struct {
	Name string `json:"name" yaml:"name" msgpack:"name"`
	Type string `json:"type" yaml:"type" msgpack:"type"`
}

// SchemaHash hashes an ordered column list. Column order is significant.
// Types are compared case-insensitively.
func SchemaHash(columns []Column) string {
	fields := make([]string, 0, 2*len(columns))
	for _, c := range columns {
		fields = append(fields, c.Name, strings.ToLower(c.Type))
	}
	return hashFields(DomainSchema, fields...)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// FinalName is the published artifact name for a job's output into a target.
// It is a pure function of its inputs, so a retried job promotes onto the same name
// and two different jobs can never collide.
func FinalName(outputTargetKey, jobID string) string {
	prefix := outputTargetKey
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	return "part-" + prefix + "-" + unsafeName.ReplaceAllString(jobID, "_")
}
