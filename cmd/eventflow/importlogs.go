package main

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/eventflow/internal/fields"
	"github.com/rendis/eventflow/pkg/schema"
)

// Columns with a fixed meaning in an exported log; every other column is
// an event data field.
const (
	colEventName = "eventname"
	colOrigin    = "origin"
	colContextID = "contextid"
	colLogExtra  = "logextra"
	colOther     = fields.OtherKey
)

func newImportLogsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-logs <file.csv>",
		Short: "Learn event fields from an exported log CSV",
		Long: "The first row names the columns and must include eventname. " +
			"The other column holds JSON and is stored as logextra.other. " +
			"With --dispatch every row is also ingested as an event.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			records, err := parseLogCSV(f)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			dispatch, _ := cmd.Flags().GetBool("dispatch")
			ctx := cmd.Context()
			learned := make(map[string]int)
			queued := 0
			for _, rec := range records {
				restored, err := rec.Restore()
				if err != nil {
					return err
				}
				types := fields.Aggregate(restored.Payload, restored.Extras, nil).Types()
				if err := a.store.LearnFields(ctx, rec.EventName, types); err != nil {
					return err
				}
				learned[rec.EventName]++
				if dispatch {
					execs, err := a.queue.Dispatch(ctx, rec)
					if err != nil {
						return err
					}
					queued += len(execs)
				}
			}

			for name, n := range learned {
				a.logger.Info("fields learned", slog.String("event_name", name), slog.Int("rows", n))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rows=%d events=%d queued=%d\n", len(records), len(learned), queued)
			return nil
		},
	}
	cmd.Flags().Bool("dispatch", false, "also ingest each row as an event")
	return cmd
}

// parseLogCSV turns a log export into event records. Data cells are typed
// as int, float or bool when they parse as one, otherwise kept as strings;
// empty cells are left out.
func parseLogCSV(r io.Reader) ([]*schema.EventRecord, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, schema.NewError(schema.ErrCodeValidation, "csv is empty")
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "csv header: %s", err.Error())
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}
	nameCol := indexOf(header, colEventName)
	if nameCol < 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "csv header has no eventname column")
	}
	cr.FieldsPerRecord = len(header)

	var records []*schema.EventRecord
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "csv line %d: %s", line, err.Error())
		}
		rec, err := rowToRecord(header, row)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "csv line %d: %s", line, err.Error())
		}
		if rec.EventName == "" {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func rowToRecord(header, row []string) (*schema.EventRecord, error) {
	rec := &schema.EventRecord{}
	data := make(map[string]any)
	extras := make(map[string]any)

	for i, col := range header {
		cell := strings.TrimSpace(row[i])
		if cell == "" {
			continue
		}
		switch col {
		case colEventName:
			rec.EventName = cell
		case colOrigin:
			rec.Origin = cell
		case colContextID:
			id, err := strconv.ParseInt(cell, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("contextid %q is not an integer", cell)
			}
			rec.ContextID = id
		case colLogExtra:
			var m map[string]any
			if err := json.Unmarshal([]byte(cell), &m); err != nil {
				return nil, fmt.Errorf("logextra: %w", err)
			}
			for k, v := range m {
				extras[k] = v
			}
		case colOther:
			var v any
			if err := json.Unmarshal([]byte(cell), &v); err != nil {
				return nil, fmt.Errorf("other: %w", err)
			}
			extras[colOther] = v
		default:
			data[col] = typedCell(cell)
		}
	}

	var err error
	if len(data) > 0 {
		if rec.Data, err = json.Marshal(data); err != nil {
			return nil, err
		}
	}
	if len(extras) > 0 {
		if rec.LogExtra, err = json.Marshal(extras); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func typedCell(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
