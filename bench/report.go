package bench

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	json "github.com/goccy/go-json"
)

// WriteJSON writes results to w in JSON format.
func WriteJSON(results []Result, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

// WriteCSV writes results in CSV format.
func WriteCSV(results []Result, w io.Writer) error {
	c := csv.NewWriter(w)
	header := []string{"name", "mode", "iterations", "succeeded", "rejected", "failed", "rows", "p50_ns", "p95_ns", "p99_ns", "queries_per_sec"}
	if err := c.Write(header); err != nil {
		return err
	}
	for _, r := range results {
		record := []string{
			r.Name,
			string(r.Mode),
			strconv.Itoa(r.Iterations),
			strconv.Itoa(r.Succeeded),
			strconv.Itoa(r.Rejected),
			strconv.Itoa(r.Failed),
			strconv.FormatInt(r.Rows, 10),
			strconv.FormatInt(r.P50.Nanoseconds(), 10),
			strconv.FormatInt(r.P95.Nanoseconds(), 10),
			strconv.FormatInt(r.P99.Nanoseconds(), 10),
			strconv.FormatFloat(r.Throughput, 'f', 1, 64),
		}
		if err := c.Write(record); err != nil {
			return err
		}
	}
	c.Flush()
	return c.Error()
}

// WriteMarkdown renders results as a simple Markdown table.
func WriteMarkdown(results []Result, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintf(tw, "| Workload\t| Mode\t| OK\t| Rejected\t| Failed\t| p50\t| p99\t| q/s\t|\n")
	fmt.Fprintf(tw, "|---\t|---\t|---\t|---\t|---\t|---\t|---\t|---\t|\n")
	for _, r := range results {
		fmt.Fprintf(tw, "| %s\t| %s\t| %d\t| %d\t| %d\t| %v\t| %v\t| %.0f\t|\n",
			r.Name, r.Mode, r.Succeeded, r.Rejected, r.Failed, r.P50, r.P99, r.Throughput)
	}
	return tw.Flush()
}
