package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yarawesome/yarawesome/pkg/errs"
)

type outputFormat string

const (
	outputTable outputFormat = "table"
	outputJSON  outputFormat = "json"
	outputYAML  outputFormat = "yaml"
)

func parseOutputFormat(s string) (outputFormat, error) {
	switch outputFormat(strings.ToLower(s)) {
	case outputTable, "":
		return outputTable, nil
	case outputJSON:
		return outputJSON, nil
	case outputYAML:
		return outputYAML, nil
	}
	return "", fmt.Errorf("unsupported output format %q (supported: table, json, yaml)", s)
}

// table is the tabular rendering of a command result.
type table struct {
	headers []string
	rows    [][]string
}

func (t *table) add(cells ...string) { t.rows = append(t.rows, cells) }

// printOutput writes data as json or yaml, or t as aligned columns.
func (o *rootOptions) printOutput(w io.Writer, data any, t table) error {
	format, err := parseOutputFormat(o.output)
	if err != nil {
		return err
	}
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return err
		}
		return enc.Close()
	}
	return writeTable(w, t)
}

func writeTable(w io.Writer, t table) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	upper := make([]string, len(t.headers))
	for i, h := range t.headers {
		upper[i] = strings.ToUpper(h)
	}
	fmt.Fprintln(tw, strings.Join(upper, "\t"))
	for _, row := range t.rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// batchTable renders a batch summary as a single row.
func batchTable(res errs.BatchResult) table {
	t := table{headers: []string{"total", "succeeded", "failed", "skipped"}}
	t.add(strconv.Itoa(res.Total), strconv.Itoa(res.Succeeded), strconv.Itoa(res.Failed), strconv.Itoa(res.Skipped))
	return t
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func uintString(v uint) string { return strconv.FormatUint(uint64(v), 10) }

func parseID(s string) (uint, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q: %w", s, errs.ErrInvalidRequest)
	}
	return uint(id), nil
}
