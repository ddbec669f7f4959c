package ingestion

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"gitlab.com/timkado/api/click-attribution/internal/apperrors"
	"gitlab.com/timkado/api/click-attribution/internal/model"
	"gitlab.com/timkado/api/click-attribution/pkg/utils"
)

// Recognised header names, lower-cased.
var (
	fbclidColumns    = []string{"fbclid", "fb_click_id"}
	gclidColumns     = []string{"gclid", "google_click_id"}
	rawIDColumns     = []string{"raw_id", "click_id"}
	providerColumns  = []string{"provider"}
	tenantColumns    = []string{"tenant", "empresa"}
	createdAtColumns = []string{"created_at", "data", "date", "timestamp"}
)

// LeadFile is the result of reading a lead export.
type LeadFile struct {
	Records []model.IngestRecord
	// Skipped lists rows that carried no click id or an unreadable date, as "row N: reason".
	Skipped []string
}

type columnMap struct {
	fbclid, gclid, rawID, provider, tenant, createdAt int
}

// ReadLeadFile reads click ids from a CSV or XLSX lead export. The first row
// must be a header naming at least one of the fbclid, gclid or raw_id columns.
// A row with both an fbclid and a gclid yields two records.
func ReadLeadFile(path string) (*LeadFile, error) {
	var (
		rows [][]string
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		rows, err = readXLSX(path)
	case ".csv", ".txt":
		rows, err = readCSV(path)
	default:
		return nil, fmt.Errorf("%w: unsupported lead file type %q", apperrors.ErrBadRequest, filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", apperrors.ErrBadRequest, path)
	}

	cols := mapColumns(rows[0])
	if cols.fbclid < 0 && cols.gclid < 0 && cols.rawID < 0 {
		return nil, fmt.Errorf("%w: %s has no fbclid, gclid or raw_id column", apperrors.ErrBadRequest, path)
	}

	out := &LeadFile{}
	for n, row := range rows[1:] {
		line := n + 2
		base := model.IngestRecord{
			Tenant:   cell(row, cols.tenant),
			Provider: cell(row, cols.provider),
		}
		if v := cell(row, cols.createdAt); v != "" {
			ts, err := utils.ParseTimestamp(v)
			if err != nil {
				out.Skipped = append(out.Skipped, fmt.Sprintf("row %d: %v", line, err))
				continue
			}
			base.CreatedAt = &ts
		}

		found := false
		if v := cell(row, cols.fbclid); v != "" {
			rec := base
			rec.RawID, rec.Provider = v, string(model.ProviderFacebook)
			out.Records = append(out.Records, rec)
			found = true
		}
		if v := cell(row, cols.gclid); v != "" {
			rec := base
			rec.RawID, rec.Provider = v, string(model.ProviderGoogle)
			out.Records = append(out.Records, rec)
			found = true
		}
		if v := cell(row, cols.rawID); v != "" && !found {
			rec := base
			rec.RawID = v
			out.Records = append(out.Records, rec)
			found = true
		}
		if !found && !blank(row) {
			out.Skipped = append(out.Skipped, fmt.Sprintf("row %d: no click id", line))
		}
	}
	return out, nil
}

func readXLSX(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook %s has no sheets", apperrors.ErrBadRequest, path)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q of %s: %w", sheets[0], path, err)
	}
	return rows, nil
}

func readCSV(path string) ([][]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	br := bufio.NewReader(file)
	r := csv.NewReader(br)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	r.Comma = sniffDelimiter(br)

	var rows [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", apperrors.ErrBadRequest, path, err)
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

// sniffDelimiter picks ';' for spreadsheet exports in pt-BR locales, ',' otherwise.
func sniffDelimiter(br *bufio.Reader) rune {
	head, _ := br.Peek(4096)
	firstLine, _, _ := strings.Cut(string(head), "\n")
	if strings.Count(firstLine, ";") > strings.Count(firstLine, ",") {
		return ';'
	}
	return ','
}

func mapColumns(header []string) columnMap {
	find := func(names []string) int {
		for i, h := range header {
			h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
			for _, n := range names {
				if h == n {
					return i
				}
			}
		}
		return -1
	}
	return columnMap{
		fbclid:    find(fbclidColumns),
		gclid:     find(gclidColumns),
		rawID:     find(rawIDColumns),
		provider:  find(providerColumns),
		tenant:    find(tenantColumns),
		createdAt: find(createdAtColumns),
	}
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
