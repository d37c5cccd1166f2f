package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

var exportHeader = []string{
	"sequence", "event_type", "escrow", "owner", "caller", "counterparty",
	"plan_id", "seed", "status", "amount", "balance", "occurred_at", "hash",
}

func (r *Record) row() []string {
	return []string{
		strconv.FormatUint(r.Sequence, 10),
		r.EventType,
		r.Escrow,
		r.Owner,
		r.Caller,
		r.Counterparty,
		r.PlanID,
		r.Seed,
		r.Status,
		r.Amount,
		r.Balance,
		r.OccurredAt.UTC().Format(time.RFC3339),
		r.Hash,
	}
}

// CSV renders records as CSV and returns the payload with its SHA-256
// checksum.
func CSV(records []Record) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	w := csv.NewWriter(buffer)
	if err := w.Write(exportHeader); err != nil {
		return nil, "", err
	}
	for i := range records {
		if err := w.Write(records[i].row()); err != nil {
			return nil, "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, "", err
	}
	return checksummed(buffer.Bytes())
}

// JSONL renders records as JSON Lines and returns the payload with its
// SHA-256 checksum.
func JSONL(records []Record) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for i := range records {
		payload := make(map[string]string, len(exportHeader))
		for j, value := range records[i].row() {
			payload[exportHeader[j]] = value
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	return checksummed(buffer.Bytes())
}

func checksummed(data []byte) ([]byte, string, error) {
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}

type parquetRow struct {
	Sequence     int64  `parquet:"name=sequence, type=INT64"`
	EventType    string `parquet:"name=event_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Escrow       string `parquet:"name=escrow, type=BYTE_ARRAY, convertedtype=UTF8"`
	Owner        string `parquet:"name=owner, type=BYTE_ARRAY, convertedtype=UTF8"`
	Caller       string `parquet:"name=caller, type=BYTE_ARRAY, convertedtype=UTF8"`
	Counterparty string `parquet:"name=counterparty, type=BYTE_ARRAY, convertedtype=UTF8"`
	PlanID       string `parquet:"name=plan_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Seed         string `parquet:"name=seed, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status       string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount       string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Balance      string `parquet:"name=balance, type=BYTE_ARRAY, convertedtype=UTF8"`
	OccurredAt   string `parquet:"name=occurred_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	PrevHash     string `parquet:"name=prev_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Hash         string `parquet:"name=hash, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportParquet writes every record after sinceSeq to path and returns the
// number of rows written.
func (l *Log) ExportParquet(path string, sinceSeq uint64) (int, error) {
	records, err := l.Since(sinceSeq)
	if err != nil {
		return 0, err
	}
	if err := WriteParquet(path, records); err != nil {
		return 0, err
	}
	return len(records), nil
}

// WriteParquet writes records to a snappy-compressed parquet file.
func WriteParquet(path string, records []Record) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i := range records {
		rec := &records[i]
		row := &parquetRow{
			Sequence:     int64(rec.Sequence),
			EventType:    rec.EventType,
			Escrow:       rec.Escrow,
			Owner:        rec.Owner,
			Caller:       rec.Caller,
			Counterparty: rec.Counterparty,
			PlanID:       rec.PlanID,
			Seed:         rec.Seed,
			Status:       rec.Status,
			Amount:       rec.Amount,
			Balance:      rec.Balance,
			OccurredAt:   rec.OccurredAt.UTC().Format(time.RFC3339),
			PrevHash:     rec.PrevHash,
			Hash:         rec.Hash,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("audit: write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("audit: finalize parquet: %w", err)
	}
	return file.Close()
}
