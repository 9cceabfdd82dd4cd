package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"ingestor/internal/apperrors"
	"ingestor/internal/commit"
)

// record is one line of a transformation's output stream. A line carries either a
// batch or an error.
type record struct {
	Sink    string          `json:"sink,omitempty"`
	Table   string          `json:"table,omitempty"`
	Columns []commit.Column `json:"columns,omitempty"`
	Rows    [][]any         `json:"rows,omitempty"`
	Error   *errorRecord    `json:"error,omitempty"`
}

// decodeStream reads output records until EOF. A reported error record is returned as
// the failure; malformed output is a deterministic failure.
func decodeStream(r io.Reader) ([]Output, *apperrors.Failure) {
	dec := json.NewDecoder(r)
	var outs []Output
	for {
		var rec record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return outs, nil
		}
		if err != nil {
			return nil, apperrors.Fail(apperrors.CodeExecutionDeterministic, "malformed output record: %v", err)
		}
		if rec.Error != nil {
			return nil, rec.Error.failure()
		}
		if rec.Sink == "" {
			return nil, apperrors.Fail(apperrors.CodeExecutionDeterministic, "output record without sink")
		}
		outs = append(outs, Output{
			Sink:  rec.Sink,
			Table: rec.Table,
			Batch: commit.Batch{Columns: rec.Columns, Rows: coerceRows(rec.Columns, rec.Rows)},
		})
	}
}

// coerceRows converts JSON numbers in integer columns back to int64.
func coerceRows(columns []commit.Column, rows [][]any) [][]any {
	for ci, c := range columns {
		if !isIntegerType(c.Type) {
			continue
		}
		for _, row := range rows {
			if ci >= len(row) {
				continue
			}
			if f, ok := row[ci].(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
				row[ci] = int64(f)
			}
		}
	}
	return rows
}

func isIntegerType(t string) bool {
	switch strings.ToLower(t) {
	case "int", "integer", "bigint", "int64", "smallint", "tinyint":
		return true
	}
	return false
}

// tailBuffer keeps the last max bytes written, for error messages built from stderr.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(string(t.buf))
}

func formatEnv(key, value string) string {
	return fmt.Sprintf("%s=%s", key, value)
}

func drain(r io.Reader) (int64, error) {
	return io.Copy(io.Discard, r)
}
