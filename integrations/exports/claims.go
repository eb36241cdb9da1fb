// Package exports renders journaled claims for reconciliation.
package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"keydrop/integrations/journal"
)

var claimHeader = []string{"claim_id", "entrypoint", "drop_id", "key_id", "funder_id", "receiver_id", "use", "assets", "status", "refunded", "issued_at", "settled_at"}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func row(r journal.ClaimRecord) []string {
	refunded := r.Refunded
	if refunded == "" {
		refunded = "0"
	}
	issued := r.IssuedAt
	return []string{
		r.ID.String(),
		r.Entrypoint,
		r.DropID,
		r.KeyID,
		r.Funder,
		r.Receiver,
		strconv.FormatUint(uint64(r.Use), 10),
		r.Assets,
		r.Status,
		refunded,
		formatTime(&issued),
		formatTime(r.SettledAt),
	}
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ClaimsCSV builds a CSV export of records and returns it with a SHA-256
// checksum of the payload.
func ClaimsCSV(records []journal.ClaimRecord) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	w := csv.NewWriter(buffer)
	if err := w.Write(claimHeader); err != nil {
		return nil, "", err
	}
	for _, r := range records {
		if err := w.Write(row(r)); err != nil {
			return nil, "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}

// ClaimsJSONL builds a JSON Lines export of records and its checksum.
func ClaimsJSONL(records []journal.ClaimRecord) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, r := range records {
		values := row(r)
		payload := make(map[string]string, len(claimHeader))
		for i, name := range claimHeader {
			payload[name] = values[i]
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}

type parquetClaim struct {
	ClaimID    string `parquet:"name=claim_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Entrypoint string `parquet:"name=entrypoint, type=UTF8, encoding=PLAIN_DICTIONARY"`
	DropID     string `parquet:"name=drop_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	KeyID      string `parquet:"name=key_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Funder     string `parquet:"name=funder_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Receiver   string `parquet:"name=receiver_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Use        int64  `parquet:"name=use, type=INT64"`
	Assets     string `parquet:"name=assets, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Status     string `parquet:"name=status, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Refunded   string `parquet:"name=refunded, type=UTF8, encoding=PLAIN_DICTIONARY"`
	IssuedAt   string `parquet:"name=issued_at, type=UTF8, encoding=PLAIN_DICTIONARY"`
	SettledAt  string `parquet:"name=settled_at, type=UTF8, encoding=PLAIN_DICTIONARY"`
}

// WriteClaimsParquet writes records to w as a snappy-compressed parquet file.
func WriteClaimsParquet(w io.Writer, records []journal.ClaimRecord) error {
	fw := writerfile.NewWriterFile(w)
	pw, err := writer.NewParquetWriter(fw, new(parquetClaim), 1)
	if err != nil {
		return fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, r := range records {
		v := row(r)
		pc := &parquetClaim{
			ClaimID:    v[0],
			Entrypoint: v[1],
			DropID:     v[2],
			KeyID:      v[3],
			Funder:     v[4],
			Receiver:   v[5],
			Use:        int64(r.Use),
			Assets:     v[7],
			Status:     v[8],
			Refunded:   v[9],
			IssuedAt:   v[10],
			SettledAt:  v[11],
		}
		if err := pw.Write(pc); err != nil {
			_ = pw.WriteStop()
			return fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("exports: parquet flush: %w", err)
	}
	return nil
}
