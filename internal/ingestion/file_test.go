package ingestion

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"gitlab.com/timkado/api/click-attribution/internal/apperrors"
	"gitlab.com/timkado/api/click-attribution/internal/model"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestReadLeadFile_CSV(t *testing.T) {
	path := writeFile(t, "leads.csv", "Nome,FBCLID,gclid,Empresa,created_at\n"+
		"Ana,IwAR_one,,acme,2025-01-10T12:00:00Z\n"+
		"Bia,IwAR_two,Cj0K_two,,\n"+
		"Caio,,,,\n"+
		",,,,\n"+
		"Duda,IwAR_three,,,not-a-date\n")

	lf, err := ReadLeadFile(path)
	require.NoError(t, err)

	created := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	require.Len(t, lf.Records, 3)
	assert.Equal(t, "IwAR_one", lf.Records[0].RawID)
	assert.Equal(t, string(model.ProviderFacebook), lf.Records[0].Provider)
	assert.Equal(t, "acme", lf.Records[0].Tenant)
	require.NotNil(t, lf.Records[0].CreatedAt)
	assert.True(t, created.Equal(*lf.Records[0].CreatedAt))

	assert.Equal(t, "IwAR_two", lf.Records[1].RawID)
	assert.Equal(t, "Cj0K_two", lf.Records[2].RawID)
	assert.Equal(t, string(model.ProviderGoogle), lf.Records[2].Provider)

	require.Len(t, lf.Skipped, 2)
	assert.Contains(t, lf.Skipped[0], "row 4: no click id")
	assert.Contains(t, lf.Skipped[1], "row 6")
}

func TestReadLeadFile_SemicolonCSV(t *testing.T) {
	path := writeFile(t, "leads.csv", "click_id;provider\nIwAR_semi;fbclid\nCj0K_semi;gclid\n")

	lf, err := ReadLeadFile(path)
	require.NoError(t, err)
	require.Len(t, lf.Records, 2)
	assert.Equal(t, model.IngestRecord{RawID: "IwAR_semi", Provider: "fbclid"}, lf.Records[0])
	assert.Equal(t, model.IngestRecord{RawID: "Cj0K_semi", Provider: "gclid"}, lf.Records[1])
}

func TestReadLeadFile_ByteOrderMark(t *testing.T) {
	path := writeFile(t, "leads.csv", "\ufefffbclid,tenant\nIwAR_bom,acme\n")

	lf, err := ReadLeadFile(path)
	require.NoError(t, err)
	require.Len(t, lf.Records, 1)
	assert.Equal(t, model.IngestRecord{RawID: "IwAR_bom", Tenant: "acme", Provider: string(model.ProviderFacebook)}, lf.Records[0])
}

func TestReadLeadFile_XLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"fbclid", "tenant"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]any{"IwAR_sheet", "acme"}))
	require.NoError(t, f.SetSheetRow(sheet, "A3", &[]any{"IwAR_sheet2", ""}))
	path := filepath.Join(t.TempDir(), "leads.xlsx")
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	lf, err := ReadLeadFile(path)
	require.NoError(t, err)
	require.Len(t, lf.Records, 2)
	assert.Equal(t, "IwAR_sheet", lf.Records[0].RawID)
	assert.Equal(t, "acme", lf.Records[0].Tenant)
	assert.Equal(t, "IwAR_sheet2", lf.Records[1].RawID)
	assert.Empty(t, lf.Skipped)
}

func TestReadLeadFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unsupported extension", "leads.json", "[]"},
		{"empty", "leads.csv", ""},
		{"no id column", "leads.csv", "name,email\nAna,ana@example.com\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadLeadFile(writeFile(t, tt.file, tt.content))
			assert.ErrorIs(t, err, apperrors.ErrBadRequest)
		})
	}

	_, err := ReadLeadFile(filepath.Join(t.TempDir(), "missing.csv"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
