// Package mirror imports and exports the shareable subset of the pool as
// a 7-column CSV, the exchange format of the public mirror repository.
// Columns: protocol, endpoint, score, supports_cn, supports_intl,
// transparent, observed_egress_ip. Protocol repeats the first entry of the
// protocol set for compatibility with single-protocol consumers; the full
// set is rebuilt on merge by union.
package mirror

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/weir-proxy/weir/internal/endpoint"
	"github.com/weir-proxy/weir/internal/model"
)

// Row is one mirror CSV line.
type Row struct {
	Protocol         endpoint.Protocol
	Endpoint         endpoint.Endpoint
	Score            int
	SupportsCN       bool
	SupportsIntl     bool
	Transparent      bool
	ObservedEgressIP string
}

const columns = 7

// ParseCSV reads mirror rows. Malformed lines are skipped with a log
// line; a header row (first field "protocol") is tolerated.
func ParseCSV(data []byte) []Row {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1

	var rows []Row
	skipped := 0
	for line := 1; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			skipped++
			continue
		}
		if line == 1 && len(record) > 0 && strings.EqualFold(record[0], "protocol") {
			continue
		}
		row, err := parseRow(record)
		if err != nil {
			skipped++
			continue
		}
		rows = append(rows, row)
	}
	if skipped > 0 {
		log.Printf("[mirror] skipped %d malformed csv lines", skipped)
	}
	return rows
}

func parseRow(record []string) (Row, error) {
	if len(record) != columns {
		return Row{}, fmt.Errorf("mirror: want %d columns, got %d", columns, len(record))
	}
	proto, err := endpoint.ParseProtocol(record[0])
	if err != nil {
		return Row{}, err
	}
	ep, err := endpoint.Parse(record[1])
	if err != nil {
		return Row{}, err
	}
	score, err := strconv.Atoi(record[2])
	if err != nil {
		return Row{}, fmt.Errorf("mirror: bad score %q: %w", record[2], err)
	}
	return Row{
		Protocol:         proto,
		Endpoint:         ep,
		Score:            score,
		SupportsCN:       parseBool(record[3]),
		SupportsIntl:     parseBool(record[4]),
		Transparent:      parseBool(record[5]),
		ObservedEgressIP: record[6],
	}, nil
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

func formatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Export serializes shareable records: score must be positive. Rows are
// emitted in the given order; callers sort for deterministic output.
func Export(records []model.ProxyRecord) []byte {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	for _, rec := range records {
		if rec.Score <= 0 || len(rec.Protocols) == 0 {
			continue
		}
		writer.Write([]string{
			string(rec.Protocols[0]),
			rec.Endpoint.String(),
			strconv.Itoa(rec.Score),
			formatBool(rec.SupportsCN),
			formatBool(rec.SupportsIntl),
			formatBool(rec.Transparent),
			rec.ObservedEgressIP,
		})
	}
	writer.Flush()
	return buf.Bytes()
}

// Merge folds a mirror row into the local record for the same endpoint.
// cur is nil when the endpoint is new locally. The mirror's score feeds
// the success rate as one weighted observation rather than overwriting
// local history; the floor keeps imported endpoints acquirable long
// enough to be probed.
func Merge(cur *model.ProxyRecord, row Row, maxScore int, now time.Time) model.ProxyRecord {
	var rec model.ProxyRecord
	if cur == nil {
		rec = model.NewProxyRecord(row.Endpoint, now)
		rec.Score = row.Score
	} else {
		rec = cur.Clone()
		if row.Score > rec.Score {
			rec.Score = row.Score
		}
	}
	if rec.Score > maxScore {
		rec.Score = maxScore
	}

	if !rec.HasProtocol(row.Protocol) {
		rec.Protocols = endpoint.NormalizeProtocols(append(rec.Protocols, row.Protocol))
	}
	rec.SupportsCN = rec.SupportsCN || row.SupportsCN
	rec.SupportsIntl = rec.SupportsIntl || row.SupportsIntl
	rec.Transparent = row.Transparent
	if row.ObservedEgressIP != "" && row.ObservedEgressIP != model.Unknown {
		rec.ObservedEgressIP = row.ObservedEgressIP
	}

	rate := rec.SuccessRate*0.7 + float64(row.Score)/float64(maxScore)*0.3
	rec.SuccessRate = math.Round(math.Max(0.3, rate)*100) / 100

	rec.UpdatedAtNs = now.UnixNano()
	return rec
}
