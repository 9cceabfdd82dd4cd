package transform

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"

	"ingestor/internal/apperrors"
	"ingestor/internal/commit"
)

const csvBatchRows = 1000

// CSV is the builtin "csv" transformer. Entrypoint: ["csv", sink, table?].
// The input's header row names the columns; every value is emitted as text.
func CSV(ctx context.Context, req Request) ([]Output, error) {
	args := req.Artifact.Entrypoint[1:]
	if len(args) == 0 {
		return nil, apperrors.Fail(apperrors.CodeExecutionDeterministic, "csv: entrypoint needs a sink name")
	}
	sink, table := args[0], ""
	if len(args) > 1 {
		table = args[1]
	}

	f, err := openInput(req.Input.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, apperrors.Fail(apperrors.CodeValidation, "csv: %s has no header row", req.Input.Path)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeExecutionDeterministic, err, "csv: read header")
	}
	columns := make([]commit.Column, len(header))
	for i, h := range header {
		columns[i] = commit.Column{Name: h, Type: "text"}
	}

	var (
		outs  []Output
		batch = commit.Batch{Columns: columns}
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeValidation, err, "csv")
		}
		row := make([]any, len(rec))
		for i, v := range rec {
			row[i] = v
		}
		batch.Rows = append(batch.Rows, row)
		if len(batch.Rows) == csvBatchRows {
			outs = append(outs, Output{Sink: sink, Table: table, Batch: batch})
			batch = commit.Batch{Columns: columns}
		}
	}
	if len(batch.Rows) > 0 || len(outs) == 0 {
		outs = append(outs, Output{Sink: sink, Table: table, Batch: batch})
	}
	return outs, nil
}

// JSONLines is the builtin "jsonl" transformer. The input already holds output records
// in the stream format process artifacts write to stdout.
func JSONLines(ctx context.Context, req Request) ([]Output, error) {
	f, err := openInput(req.Input.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	outs, failure := decodeStream(f)
	if failure != nil {
		return nil, failure
	}
	return outs, ctx.Err()
}

func openInput(path string) (*os.File, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperrors.Wrap(apperrors.CodeExecutionDeterministic, err, "open input")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeExecutionTransient, err, "open input")
	}
	return f, nil
}
