package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

func encode(records []*Record, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatNDJSON:
		return exportNDJSON(records)
	case ExportFormatCSV:
		return exportCSV(records)
	case ExportFormatJSON:
		return exportJSON(records)
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

// exportJSON exports records as a JSON array
func exportJSON(records []*Record) ([]byte, error) {
	return json.MarshalIndent(records, "", "  ")
}

// exportNDJSON exports records as newline-delimited JSON
func exportNDJSON(records []*Record) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)

	for _, rec := range records {
		if err := encoder.Encode(rec); err != nil {
			return nil, fmt.Errorf("failed to encode record: %w", err)
		}
	}

	return buf.Bytes(), nil
}

var csvHeader = []string{
	"ID",
	"Timestamp",
	"UserID",
	"Action",
	"ResourceType",
	"ResourceID",
	"Sensitivity",
	"IPAddress",
	"UserAgent",
	"APIKeyID",
	"IntegrationID",
	"OldValues",
	"NewValues",
	"Context",
}

// exportCSV exports records as CSV. Map columns hold their JSON encoding.
func exportCSV(records []*Record) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	if err := writer.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, rec := range records {
		oldValues, err := jsonCell(rec.OldValues)
		if err != nil {
			return nil, err
		}
		newValues, err := jsonCell(rec.NewValues)
		if err != nil {
			return nil, err
		}
		additional, err := jsonCell(rec.Context)
		if err != nil {
			return nil, err
		}

		row := []string{
			strconv.FormatInt(rec.ID, 10),
			rec.Timestamp.UTC().Format(time.RFC3339),
			formatInt64Ptr(rec.UserID),
			rec.Action,
			rec.ResourceType,
			rec.ResourceID,
			string(rec.Sensitivity),
			rec.IPAddress,
			rec.UserAgent,
			formatInt64Ptr(rec.APIKeyID),
			formatInt64Ptr(rec.IntegrationID),
			oldValues,
			newValues,
			additional,
		}

		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

func jsonCell(m map[string]interface{}) (string, error) {
	if m == nil {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode CSV cell: %w", err)
	}
	return string(data), nil
}

// formatInt64Ptr formats an int64 pointer as string, returning empty string for nil
func formatInt64Ptr(val *int64) string {
	if val == nil {
		return ""
	}
	return strconv.FormatInt(*val, 10)
}

// ContentType returns the MIME type and file extension for format
func (f ExportFormat) ContentType() (string, string) {
	switch f {
	case ExportFormatCSV:
		return "text/csv", "csv"
	case ExportFormatNDJSON:
		return "application/x-ndjson", "ndjson"
	default:
		return "application/json", "json"
	}
}
