// Package handlers provides the built-in task handlers.
// Each handler implements the work of one whitelisted task name and is
// registered with the worker's registry.
package handlers

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

	"github.com/nadmax/deferd/internal/decision"
	"github.com/nadmax/deferd/internal/task"
	"go.uber.org/zap"
)

const (
	EnergyReportTask = "energy-report"

	ReportEnergySummary   = "energy_summary"
	ReportCarbonByPeer    = "carbon_by_peer"
	ReportDeferrals       = "deferral_analysis"
	ReportHourlyEnergy    = "hourly_energy"
	ReportFeedbackPattern = "feedback_patterns"
)

type ReportPayload struct {
	ReportType string `json:"report_type"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
	Format     string `json:"format"`
	OutputPath string `json:"output_path"`
}

type ReportGenerator struct {
	db        *sql.DB
	outputDir string
	logger    *zap.Logger
}

func NewReportGenerator(db *sql.DB, outputDir string, logger *zap.Logger) *ReportGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if outputDir == "" {
		outputDir = "./reports"
	}
	return &ReportGenerator{db: db, outputDir: outputDir, logger: logger.Named("energy-report")}
}

func (rg *ReportGenerator) Handle(ctx context.Context, t *task.Task, _ decision.Constraints) (map[string]any, error) {
	payload, err := parsePayload(t.Payload, rg.outputDir)
	if err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	startTime, endTime, err := parseTimeRange(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid time range: %w", err)
	}

	rg.logger.Info("generating report",
		zap.String("task_id", t.ID),
		zap.String("report_type", payload.ReportType),
		zap.String("format", payload.Format),
		zap.Time("start", startTime),
		zap.Time("end", endTime),
	)

	var data [][]string
	switch payload.ReportType {
	case ReportEnergySummary:
		data, err = rg.generateEnergySummary(ctx, startTime, endTime)
	case ReportCarbonByPeer:
		data, err = rg.generateCarbonByPeer(ctx, startTime, endTime)
	case ReportDeferrals:
		data, err = rg.generateDeferralAnalysis(ctx, startTime, endTime)
	case ReportHourlyEnergy:
		data, err = rg.generateHourlyEnergy(ctx, startTime, endTime)
	case ReportFeedbackPattern:
		data, err = rg.generateFeedbackPatterns(ctx)
	default:
		return nil, fmt.Errorf("unsupported report type: %s (available: %s, %s, %s, %s, %s)", payload.ReportType,
			ReportEnergySummary, ReportCarbonByPeer, ReportDeferrals, ReportHourlyEnergy, ReportFeedbackPattern)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate report: %w", err)
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	outputFile, err := saveReport(payload, data)
	if err != nil {
		return nil, fmt.Errorf("failed to save report: %w", err)
	}

	rg.logger.Info("report generated", zap.String("task_id", t.ID), zap.String("path", outputFile), zap.Int("rows", len(data)-1))
	return map[string]any{
		"report_path": outputFile,
		"report_type": payload.ReportType,
		"rows":        len(data) - 1,
	}, nil
}

func parsePayload(payload map[string]any, defaultDir string) (*ReportPayload, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var rp ReportPayload
	if err := json.Unmarshal(data, &rp); err != nil {
		return nil, err
	}

	if rp.ReportType == "" {
		rp.ReportType = ReportEnergySummary
	}
	if rp.OutputPath == "" {
		rp.OutputPath = defaultDir
	}
	if rp.Format == "" {
		rp.Format = "csv"
	}
	if rp.Format != "csv" && rp.Format != "json" {
		return nil, fmt.Errorf("unsupported format: %s", rp.Format)
	}

	return &rp, nil
}

func parseTimeRange(payload *ReportPayload) (time.Time, time.Time, error) {
	var startTime, endTime time.Time
	var err error

	if payload.StartTime != "" {
		startTime, err = time.Parse(time.RFC3339, payload.StartTime)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start_time format: %w", err)
		}
	} else {
		startTime = time.Now().Add(-24 * time.Hour)
	}

	if payload.EndTime != "" {
		endTime, err = time.Parse(time.RFC3339, payload.EndTime)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end_time format: %w", err)
		}
	} else {
		endTime = time.Now()
	}

	if endTime.Before(startTime) {
		return time.Time{}, time.Time{}, errors.New("end_time is before start_time")
	}
	return startTime, endTime, nil
}

func (rg *ReportGenerator) closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		rg.logger.Warn("failed to close rows", zap.Error(err))
	}
}

func (rg *ReportGenerator) generateEnergySummary(ctx context.Context, startTime, endTime time.Time) ([][]string, error) {
	query := `
		SELECT
			t.name,
			COUNT(*) AS total_tasks,
			COUNT(*) FILTER (WHERE t.status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE t.status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE t.status = 'denied') AS denied,
			AVG(t.estimated_power_watts) AS avg_watts,
			SUM(c.energy_used_wh) AS energy_wh,
			SUM(c.carbon_emitted_kg) AS emitted_kg,
			SUM(c.carbon_avoided_kg) AS avoided_kg
		FROM tasks t
		LEFT JOIN carbon_records c ON c.task_id = t.id
		WHERE t.created_at BETWEEN $1 AND $2
		GROUP BY t.name
		ORDER BY total_tasks DESC
	`

	rows, err := rg.db.QueryContext(ctx, query, startTime, endTime)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rg.closeRows(rows)

	data := [][]string{
		{"Task", "Total", "Completed", "Failed", "Denied", "Avg Power (W)", "Energy (Wh)", "Emitted (kg CO2)", "Avoided (kg CO2)"},
	}

	for rows.Next() {
		var name string
		var total, completed, failed, denied int
		var avgWatts, energy, emitted, avoided sql.NullFloat64

		if err := rows.Scan(&name, &total, &completed, &failed, &denied, &avgWatts, &energy, &emitted, &avoided); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		data = append(data, []string{
			name,
			fmt.Sprintf("%d", total),
			fmt.Sprintf("%d", completed),
			fmt.Sprintf("%d", failed),
			fmt.Sprintf("%d", denied),
			formatFloat(avgWatts, 1),
			formatFloat(energy, 2),
			formatFloat(emitted, 4),
			formatFloat(avoided, 4),
		})
	}

	return data, rows.Err()
}

func (rg *ReportGenerator) generateCarbonByPeer(ctx context.Context, startTime, endTime time.Time) ([][]string, error) {
	query := `
		SELECT
			peer_id,
			COUNT(*) AS tasks,
			SUM(energy_used_wh) AS energy_wh,
			SUM(carbon_emitted_kg) AS emitted_kg,
			SUM(carbon_avoided_kg) AS avoided_kg,
			AVG(renewable_percent) AS avg_renewable
		FROM carbon_records
		WHERE executed_at BETWEEN $1 AND $2
		GROUP BY peer_id
		ORDER BY avoided_kg DESC
	`

	rows, err := rg.db.QueryContext(ctx, query, startTime, endTime)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rg.closeRows(rows)

	data := [][]string{
		{"Peer", "Tasks", "Energy (Wh)", "Emitted (kg CO2)", "Avoided (kg CO2)", "Avg Renewable (%)"},
	}

	for rows.Next() {
		var peerID string
		var tasks int
		var energy, emitted, avoided, renewable sql.NullFloat64

		if err := rows.Scan(&peerID, &tasks, &energy, &emitted, &avoided, &renewable); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		data = append(data, []string{
			peerID,
			fmt.Sprintf("%d", tasks),
			formatFloat(energy, 2),
			formatFloat(emitted, 4),
			formatFloat(avoided, 4),
			formatFloat(renewable, 1),
		})
	}

	return data, rows.Err()
}

func (rg *ReportGenerator) generateDeferralAnalysis(ctx context.Context, startTime, endTime time.Time) ([][]string, error) {
	query := `
		SELECT
			task_name,
			verdict,
			rule,
			COUNT(*) AS decisions,
			AVG(estimated_watts) AS avg_watts,
			COUNT(*) FILTER (WHERE previous_decision_id IS NOT NULL) AS reevaluations
		FROM decision_records
		WHERE created_at BETWEEN $1 AND $2
		GROUP BY task_name, verdict, rule
		ORDER BY task_name, decisions DESC
	`

	rows, err := rg.db.QueryContext(ctx, query, startTime, endTime)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rg.closeRows(rows)

	data := [][]string{
		{"Task", "Verdict", "Rule", "Decisions", "Avg Power (W)", "Re-evaluations"},
	}

	for rows.Next() {
		var name, verdict, rule string
		var decisions, reevaluations int
		var avgWatts sql.NullFloat64

		if err := rows.Scan(&name, &verdict, &rule, &decisions, &avgWatts, &reevaluations); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		data = append(data, []string{
			name,
			verdict,
			rule,
			fmt.Sprintf("%d", decisions),
			formatFloat(avgWatts, 1),
			fmt.Sprintf("%d", reevaluations),
		})
	}

	return data, rows.Err()
}

func (rg *ReportGenerator) generateHourlyEnergy(ctx context.Context, startTime, endTime time.Time) ([][]string, error) {
	query := `
		SELECT
			DATE_TRUNC('hour', executed_at) AS hour,
			COUNT(*) AS tasks,
			SUM(energy_used_wh) AS energy_wh,
			SUM(carbon_emitted_kg) AS emitted_kg
		FROM carbon_records
		WHERE executed_at BETWEEN $1 AND $2
		GROUP BY DATE_TRUNC('hour', executed_at)
		ORDER BY hour DESC
	`

	rows, err := rg.db.QueryContext(ctx, query, startTime, endTime)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rg.closeRows(rows)

	data := [][]string{
		{"Hour", "Tasks", "Energy (Wh)", "Emitted (kg CO2)"},
	}

	for rows.Next() {
		var hour time.Time
		var tasks int
		var energy, emitted sql.NullFloat64

		if err := rows.Scan(&hour, &tasks, &energy, &emitted); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		data = append(data, []string{
			hour.Format("2006-01-02 15:00"),
			fmt.Sprintf("%d", tasks),
			formatFloat(energy, 2),
			formatFloat(emitted, 4),
		})
	}

	return data, rows.Err()
}

func (rg *ReportGenerator) generateFeedbackPatterns(ctx context.Context) ([][]string, error) {
	rows, err := rg.db.QueryContext(ctx, `
		SELECT task_name, necessary, avoidable, optimizable, updated_at
		FROM learned_patterns
		ORDER BY task_name
	`)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rg.closeRows(rows)

	data := [][]string{
		{"Task", "Necessary", "Avoidable", "Optimizable", "Updated"},
	}

	for rows.Next() {
		var name string
		var necessary, avoidable, optimizable int
		var updated time.Time

		if err := rows.Scan(&name, &necessary, &avoidable, &optimizable, &updated); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		data = append(data, []string{
			name,
			fmt.Sprintf("%d", necessary),
			fmt.Sprintf("%d", avoidable),
			fmt.Sprintf("%d", optimizable),
			updated.Format("2006-01-02 15:04:05"),
		})
	}

	return data, rows.Err()
}

func formatFloat(val sql.NullFloat64, precision int) string {
	if !val.Valid {
		return "0"
	}
	return fmt.Sprintf("%.*f", precision, val.Float64)
}

func saveReport(payload *ReportPayload, data [][]string) (string, error) {
	if err := os.MkdirAll(payload.OutputPath, 0o755); err != nil {
		return "", err
	}

	timestamp := time.Now().Format("20060102_150405")
	filename := fmt.Sprintf("deferd_%s_%s.%s", payload.ReportType, timestamp, payload.Format)
	fullPath := filepath.Join(payload.OutputPath, filename)

	switch payload.Format {
	case "csv":
		return fullPath, saveAsCSV(fullPath, data)
	case "json":
		return fullPath, saveAsJSON(fullPath, data)
	default:
		return "", fmt.Errorf("unsupported format: %s", payload.Format)
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

func saveAsJSON(path string, data [][]string) (err error) {
	if len(data) < 1 {
		return errors.New("report has no header")
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

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(map[string]any{
		"generated_at": time.Now().Format(time.RFC3339),
		"data":         records,
		"total_rows":   len(records),
	})
}
