package results

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/metrics"
	"github.com/phrazzld/scry-queue/internal/platform/logger"
)

// ErrUnsupportedFormat is returned for export formats other than json and csv.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// Format is an export file format.
type Format string

// Supported export formats
const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat validates an export format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatCSV:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

// ContentType returns the MIME type of files in the format.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json"
}

// Export is a rendered results file.
type Export struct {
	Filename    string
	ContentType string
	Data        []byte
	Rows        int
}

// csvColumns are written first, in this order; data and metadata columns
// follow sorted by name.
var csvColumns = []string{"task_id", "batch_index", "item_index", "result_type", "file_path"}

// Export renders the job's results in format. Output for a given job is
// byte-identical across calls.
func (a *Aggregator) Export(ctx context.Context, jobID uuid.UUID, format Format) (*Export, error) {
	format, err := ParseFormat(string(format))
	if err != nil {
		return nil, err
	}
	rows, err := a.Collect(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var data []byte
	switch format {
	case FormatCSV:
		data, err = encodeCSV(rows)
	default:
		data, err = json.Marshal(rows)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s export: %w", format, err)
	}

	metrics.ResultExportsTotal.WithLabelValues(string(format)).Inc()
	logger.FromContextOrDefault(ctx, a.logger).Info("exported batch results",
		"job_id", jobID,
		"format", format,
		"rows", len(rows),
		"bytes", len(data))

	return &Export{
		Filename:    fmt.Sprintf("batch-%s-results.%s", jobID, format),
		ContentType: format.ContentType(),
		Data:        data,
		Rows:        len(rows),
	}, nil
}

// encodeCSV writes one CSV line per row. Objects in the data and metadata
// are flattened into dotted columns such as data.question.text; arrays
// nested inside them are written as JSON text.
func encodeCSV(rows []Row) ([]byte, error) {
	flat := make([]map[string]string, len(rows))
	dynamic := make(map[string]struct{})
	for i, row := range rows {
		cells := make(map[string]string)
		if err := flattenJSON("data", row.Data, cells); err != nil {
			return nil, fmt.Errorf("task %s: %w", row.TaskID, err)
		}
		if err := flattenJSON("metadata", row.Metadata, cells); err != nil {
			return nil, fmt.Errorf("task %s: %w", row.TaskID, err)
		}
		for k := range cells {
			dynamic[k] = struct{}{}
		}
		cells["task_id"] = row.TaskID.String()
		cells["batch_index"] = strconv.Itoa(row.BatchIndex)
		cells["item_index"] = strconv.Itoa(row.ItemIndex)
		cells["result_type"] = string(row.ResultType)
		cells["file_path"] = row.FilePath
		flat[i] = cells
	}

	extra := make([]string, 0, len(dynamic))
	for k := range dynamic {
		extra = append(extra, k)
	}
	slices.Sort(extra)
	header := append(slices.Clone(csvColumns), extra...)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	line := make([]string, len(header))
	for _, cells := range flat {
		for i, col := range header {
			line[i] = cells[col]
		}
		if err := w.Write(line); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func flattenJSON(prefix string, raw json.RawMessage, out map[string]string) error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("invalid %s: %w", prefix, err)
	}
	return flattenValue(prefix, v, out)
}

func flattenValue(key string, v any, out map[string]string) error {
	switch val := v.(type) {
	case map[string]any:
		if len(val) == 0 {
			out[key] = ""
		}
		for k, child := range val {
			if err := flattenValue(key+"."+k, child, out); err != nil {
				return err
			}
		}
	case []any:
		encoded, err := json.Marshal(val)
		if err != nil {
			return err
		}
		out[key] = string(encoded)
	case json.Number:
		out[key] = val.String()
	case string:
		out[key] = val
	case bool:
		out[key] = strconv.FormatBool(val)
	case nil:
		out[key] = ""
	default:
		out[key] = fmt.Sprint(val)
	}
	return nil
}
