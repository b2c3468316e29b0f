package postgres

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var ReportTypes = []string{"task_summary", "violation_breakdown", "latency_distribution", "jitter_analysis"}

type ReportRequest struct {
	RunID      string `json:"run_id"`
	ReportType string `json:"report_type"`
	Format     string `json:"format"`
	OutputPath string `json:"output_path"`
	// BucketMs is the latency histogram bucket width.
	BucketMs int `json:"bucket_ms"`
}

func (req *ReportRequest) normalize() error {
	if req.RunID == "" {
		return errors.New("missing required field: run_id")
	}
	if req.ReportType == "" {
		return errors.New("missing required field: report_type")
	}
	if req.OutputPath == "" {
		req.OutputPath = "./reports"
	}
	if req.Format == "" {
		req.Format = "csv"
	}
	if req.BucketMs <= 0 {
		req.BucketMs = 1
	}

	return nil
}

type ReportGenerator struct {
	db *sql.DB
}

func NewReportGenerator(db *sql.DB) *ReportGenerator {
	return &ReportGenerator{db: db}
}

// Generate runs one report for a run and writes it under req.OutputPath.
// It returns the path of the written file.
func (rg *ReportGenerator) Generate(ctx context.Context, req ReportRequest) (string, error) {
	if err := req.normalize(); err != nil {
		return "", fmt.Errorf("invalid report request: %w", err)
	}

	data, err := rg.Rows(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to generate report: %w", err)
	}

	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	return saveReport(req, data)
}

// Rows returns the report as a header row followed by data rows.
func (rg *ReportGenerator) Rows(ctx context.Context, req ReportRequest) ([][]string, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	switch req.ReportType {
	case "task_summary":
		return rg.taskSummary(ctx, req.RunID)
	case "violation_breakdown":
		return rg.violationBreakdown(ctx, req.RunID)
	case "latency_distribution":
		return rg.latencyDistribution(ctx, req.RunID, req.BucketMs)
	case "jitter_analysis":
		return rg.jitterAnalysis(ctx, req.RunID)
	default:
		return nil, fmt.Errorf("unsupported report type: %s (available: %v)", req.ReportType, ReportTypes)
	}
}

func (rg *ReportGenerator) query(ctx context.Context, header []string, query string, args []any, scan func(*sql.Rows) ([]string, error)) ([][]string, error) {
	rows, err := rg.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	data := [][]string{header}
	for rows.Next() {
		row, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		data = append(data, row)
	}

	return data, rows.Err()
}

func (rg *ReportGenerator) taskSummary(ctx context.Context, runID string) ([][]string, error) {
	query := `
		SELECT
			t.task_id, t.name, t.period_ns, t.deadline_ns, t.wcet_ns,
			COUNT(s.id) FILTER (WHERE NOT s.superseded) as completed,
			COUNT(s.id) FILTER (WHERE s.missed) as missed,
			AVG(s.latency_ns) FILTER (WHERE NOT s.superseded) as avg_latency_ns,
			MAX(s.latency_ns) FILTER (WHERE NOT s.superseded) as max_latency_ns,
			ROUND(100.0 * COUNT(s.id) FILTER (WHERE s.missed) / NULLIF(COUNT(s.id), 0), 2) as miss_rate
		FROM rt_tasks t
		LEFT JOIN rt_samples s ON s.run_id = t.run_id AND s.task_id = t.task_id
		WHERE t.run_id = $1
		GROUP BY t.task_id, t.name, t.period_ns, t.deadline_ns, t.wcet_ns
		ORDER BY t.task_id
	`
	header := []string{"Task ID", "Name", "Period (ms)", "Deadline (ms)", "WCET (ms)", "Completed", "Missed", "Avg Latency (ms)", "Max Latency (ms)", "Miss Rate (%)"}

	return rg.query(ctx, header, query, []any{runID}, func(rows *sql.Rows) ([]string, error) {
		var id, period, deadline, wcet int64
		var name string
		var completed, missed int
		var avgLatency, missRate sql.NullFloat64
		var maxLatency sql.NullInt64
		if err := rows.Scan(&id, &name, &period, &deadline, &wcet, &completed, &missed, &avgLatency, &maxLatency, &missRate); err != nil {
			return nil, err
		}

		return []string{
			fmt.Sprintf("%d", id),
			name,
			formatMillis(period),
			formatMillis(deadline),
			formatMillis(wcet),
			fmt.Sprintf("%d", completed),
			fmt.Sprintf("%d", missed),
			formatNullMillis(avgLatency),
			formatNullMillisInt(maxLatency),
			formatFloat(missRate, 2),
		}, nil
	})
}

func (rg *ReportGenerator) violationBreakdown(ctx context.Context, runID string) ([][]string, error) {
	query := `
		SELECT
			task_name, kind,
			COUNT(*) as occurrences,
			MAX(latency_ns) as worst_latency_ns,
			MAX(recorded_at) as last_occurrence
		FROM rt_violations
		WHERE run_id = $1
		GROUP BY task_name, kind
		ORDER BY occurrences DESC
		LIMIT 50
	`
	header := []string{"Task", "Kind", "Occurrences", "Worst Latency (ms)", "Last Occurrence"}

	return rg.query(ctx, header, query, []any{runID}, func(rows *sql.Rows) ([]string, error) {
		var name, kind string
		var occurrences int
		var worst int64
		var last time.Time
		if err := rows.Scan(&name, &kind, &occurrences, &worst, &last); err != nil {
			return nil, err
		}

		return []string{
			name,
			kind,
			fmt.Sprintf("%d", occurrences),
			formatMillis(worst),
			last.Format("2006-01-02 15:04:05"),
		}, nil
	})
}

func (rg *ReportGenerator) latencyDistribution(ctx context.Context, runID string, bucketMs int) ([][]string, error) {
	query := `
		SELECT
			task_id,
			(latency_ns / ($2::bigint * 1000000)) as bucket,
			COUNT(*) as samples,
			COUNT(*) FILTER (WHERE missed) as missed
		FROM rt_samples
		WHERE run_id = $1 AND NOT superseded
		GROUP BY task_id, bucket
		ORDER BY task_id, bucket
	`
	header := []string{"Task ID", "Latency From (ms)", "Latency To (ms)", "Samples", "Missed"}

	return rg.query(ctx, header, query, []any{runID, bucketMs}, func(rows *sql.Rows) ([]string, error) {
		var id, bucket int64
		var samples, missed int
		if err := rows.Scan(&id, &bucket, &samples, &missed); err != nil {
			return nil, err
		}

		return []string{
			fmt.Sprintf("%d", id),
			fmt.Sprintf("%d", bucket*int64(bucketMs)),
			fmt.Sprintf("%d", (bucket+1)*int64(bucketMs)),
			fmt.Sprintf("%d", samples),
			fmt.Sprintf("%d", missed),
		}, nil
	})
}

func (rg *ReportGenerator) jitterAnalysis(ctx context.Context, runID string) ([][]string, error) {
	query := `
		SELECT
			t.task_id, t.name, t.period_ns,
			COUNT(s.period_actual_ns) as intervals,
			AVG(s.period_actual_ns - t.period_ns) as mean_deviation_ns,
			STDDEV_POP(s.period_actual_ns - t.period_ns) as stddev_ns,
			MAX(ABS(s.period_actual_ns - t.period_ns)) as worst_deviation_ns
		FROM rt_tasks t
		JOIN rt_samples s ON s.run_id = t.run_id AND s.task_id = t.task_id
		WHERE t.run_id = $1 AND s.period_actual_ns IS NOT NULL
		GROUP BY t.task_id, t.name, t.period_ns
		ORDER BY t.task_id
	`
	header := []string{"Task ID", "Name", "Period (ms)", "Intervals", "Mean Deviation (ms)", "Std Dev (ms)", "Worst Deviation (ms)"}

	return rg.query(ctx, header, query, []any{runID}, func(rows *sql.Rows) ([]string, error) {
		var id, period int64
		var name string
		var intervals int
		var mean, stddev sql.NullFloat64
		var worst sql.NullInt64
		if err := rows.Scan(&id, &name, &period, &intervals, &mean, &stddev, &worst); err != nil {
			return nil, err
		}

		return []string{
			fmt.Sprintf("%d", id),
			name,
			formatMillis(period),
			fmt.Sprintf("%d", intervals),
			formatNullMillis(mean),
			formatNullMillis(stddev),
			formatNullMillisInt(worst),
		}, nil
	})
}

func formatFloat(val sql.NullFloat64, precision int) string {
	if !val.Valid {
		return "0"
	}
	return fmt.Sprintf("%.*f", precision, val.Float64)
}

func formatMillis(ns int64) string {
	return fmt.Sprintf("%.3f", float64(ns)/1e6)
}

func formatNullMillis(ns sql.NullFloat64) string {
	if !ns.Valid {
		return "0"
	}
	return fmt.Sprintf("%.3f", ns.Float64/1e6)
}

func formatNullMillisInt(ns sql.NullInt64) string {
	if !ns.Valid {
		return "0"
	}
	return formatMillis(ns.Int64)
}

func saveReport(req ReportRequest, data [][]string) (string, error) {
	if err := os.MkdirAll(req.OutputPath, 0o755); err != nil {
		return "", err
	}

	timestamp := time.Now().Format("20060102_150405")
	filename := fmt.Sprintf("rtsched_%s_%s.%s", req.ReportType, timestamp, req.Format)
	fullPath := filepath.Join(req.OutputPath, filename)

	switch req.Format {
	case "csv":
		return fullPath, saveAsCSV(fullPath, data)
	case "json":
		return fullPath, saveAsJSON(fullPath, req, data)
	default:
		return "", fmt.Errorf("unsupported format: %s", req.Format)
	}
}

func saveAsCSV(path string, data [][]string) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); err == nil {
			err = closeErr
		}
	}()

	writer := csv.NewWriter(file)
	if err := writer.WriteAll(data); err != nil {
		return err
	}

	return writer.Error()
}

// Records turns a header-first table into one map per data row.
func Records(data [][]string) []map[string]string {
	if len(data) < 2 {
		return nil
	}

	headers := data[0]
	records := make([]map[string]string, 0, len(data)-1)
	for _, row := range data[1:] {
		record := make(map[string]string, len(headers))
		for i, header := range headers {
			if i < len(row) {
				record[header] = row[i]
			}
		}
		records = append(records, record)
	}

	return records
}

func saveAsJSON(path string, req ReportRequest, data [][]string) (err error) {
	if len(data) < 2 {
		return errors.New("insufficient data for JSON export")
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); err == nil {
			err = closeErr
		}
	}()

	records := Records(data)
	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(map[string]any{
		"generated_at": time.Now().Format(time.RFC3339),
		"run_id":       req.RunID,
		"report_type":  req.ReportType,
		"data":         records,
		"total_rows":   len(records),
	})
}
