package db

import (
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
)

// exportBatchSize is how many attempts are read from SQLite per parquet write.
const exportBatchSize = 256

// ExportParquet writes the attempts matching q to w as a parquet file with
// one row per attempt. It returns the number of rows written.
func (db *DB) ExportParquet(w io.Writer, q AttemptQuery) (int, error) {
	attempts, err := db.ListAttempts(q)
	if err != nil {
		return 0, err
	}
	return WriteParquet(w, attempts)
}

// WriteParquet encodes attempts as parquet.
func WriteParquet(w io.Writer, attempts []*Attempt) (int, error) {
	writer := parquet.NewGenericWriter[Attempt](w)

	total := 0
	batch := make([]Attempt, 0, exportBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := writer.Write(batch)
		total += n
		batch = batch[:0]
		return err
	}

	for _, a := range attempts {
		batch = append(batch, *a)
		if len(batch) == exportBatchSize {
			if err := flush(); err != nil {
				return total, fmt.Errorf("failed to write parquet rows: %w", err)
			}
		}
	}
	if err := flush(); err != nil {
		return total, fmt.Errorf("failed to write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return total, fmt.Errorf("failed to finish parquet file: %w", err)
	}
	return total, nil
}

// ReadParquet decodes a file produced by WriteParquet.
func ReadParquet(r io.ReaderAt, size int64) ([]*Attempt, error) {
	pf, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet: %w", err)
	}

	reader := parquet.NewGenericReader[Attempt](pf)
	defer reader.Close()

	var attempts []*Attempt
	rows := make([]Attempt, 128)
	for {
		clear(rows)
		n, err := reader.Read(rows)
		for i := 0; i < n; i++ {
			a := rows[i]
			attempts = append(attempts, &a)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read parquet rows: %w", err)
		}
	}
	return attempts, nil
}
