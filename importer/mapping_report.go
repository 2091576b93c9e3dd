package importer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
)

// MappingReportRow is a single row of the mapping report.
type MappingReportRow struct {
	ProjectID      string
	ProjectName    string
	ProductID      int
	ProductName    string
	EngagementID   int
	EngagementName string
	Notes          string // Warnings for hand-edited or placeholder entries
}

// MappingReport lists the mapping file for operators.
type MappingReport struct {
	Path string
	Rows []MappingReportRow
}

// GenerateMappingReport builds a report of every mapping, sorted by project name.
func GenerateMappingReport(store *MappingStore) MappingReport {
	report := MappingReport{
		Path: store.Path(),
		Rows: []MappingReportRow{},
	}
	for _, m := range store.All() {
		report.Rows = append(report.Rows, MappingReportRow{
			ProjectID:      m.SourceProjectID,
			ProjectName:    m.SourceProjectName,
			ProductID:      m.TrackerProductID,
			ProductName:    m.TrackerProductName,
			EngagementID:   m.TrackerEngagementID,
			EngagementName: m.TrackerEngagementName,
			Notes:          mappingNotes(m),
		})
	}

	// Sort rows for deterministic output: by project name, then project id
	sort.SliceStable(report.Rows, func(i, j int) bool {
		if report.Rows[i].ProjectName != report.Rows[j].ProjectName {
			return report.Rows[i].ProjectName < report.Rows[j].ProjectName
		}
		return report.Rows[i].ProjectID < report.Rows[j].ProjectID
	})
	return report
}

// mappingNotes flags entries an operator may want to check by hand. Mappings
// are never revalidated against Defect Dojo, so these are hints only.
func mappingNotes(m ProjectMapping) string {
	switch {
	case m.SourceProjectID == "":
		return "missing project id"
	case m.TrackerEngagementID == 0:
		return "missing engagement id"
	case m.TrackerProductID == 0:
		return "product unknown (allow-list entry)"
	default:
		return ""
	}
}

// FormatCSV renders the report as CSV with a comment line naming the file.
func (r MappingReport) FormatCSV() (string, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	if err := writer.Write([]string{fmt.Sprintf("# Mappings: %s", r.Path)}); err != nil {
		return "", err
	}
	headers := []string{"Scanfactory Project ID", "Scanfactory Project Name", "Defect Dojo Product ID", "Defect Dojo Product Name", "Defect Dojo Engagement ID", "Defect Dojo Engagement Name", "Notes"}
	if err := writer.Write(headers); err != nil {
		return "", err
	}
	for _, row := range r.Rows {
		record := []string{
			row.ProjectID,
			row.ProjectName,
			strconv.Itoa(row.ProductID),
			row.ProductName,
			strconv.Itoa(row.EngagementID),
			row.EngagementName,
			row.Notes,
		}
		if err := writer.Write(record); err != nil {
			return "", err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
