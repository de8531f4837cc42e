package internal

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	code string
	file string
}

func (s *stubAdapter) ExchangeCode() string       { return s.code }
func (s *stubAdapter) ResultFile() string         { return s.file }
func (s *stubAdapter) BuildInput() error          { return nil }
func (s *stubAdapter) Invoke() error              { return nil }
func (s *stubAdapter) Normalize() error           { return nil }
func (s *stubAdapter) Run() error                 { return nil }
func (s *stubAdapter) FailedPortfolios() []string { return nil }

type stubSource struct {
	id   string
	save string
}

func (s *stubSource) UniqueID() string { return s.id }
func (s *stubSource) SaveFile() string { return s.save }
func (s *stubSource) RetrievePositions(_ context.Context) ([]*SourcePosition, error) {
	return nil, nil
}

func testCurrencyTable() *CurrencyTable {
	ct := NewCurrencyTable(time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC))
	ct.Rates["EUR"] = decimal.RequireFromString("1.1")
	ct.Rates["GBP"] = decimal.RequireFromString("1.25")
	ct.InstrumentCurrency[InstrumentKey{Commodity: "BRN", SubExchange: "IPE"}] = "EUR"
	return ct
}

func TestConvertCurrency(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "IPE_Margin.csv")
	require.NoError(t, writeMarginRecords(path, []*MarginRecord{
		{Portfolio: "1_BOOK1", Exchange: "IPE", Commodity: "BRN", Delta: "4", MaintMargin: "100",
			OptValue: "10", SpanRequirement: "110", ScanRisk: "90", InterCredit: "5", IntraCharge: "5",
			InitReq: "120", InitMargin: "110", IsMaint: "1"},
		{Portfolio: "1_BOOK1", Exchange: "NYM", Commodity: "CL", InitReq: "200", InitMargin: "200", IsMaint: "0"},
	}))

	r := NewReconciler(testCurrencyTable(), []string{path})
	require.NoError(t, r.ConvertCurrency())

	converted := filepath.Join(dir, "_IPE_Margin.csv")
	assert.Equal(t, []string{converted}, r.MarginFiles)

	records, err := readMarginRecords(converted)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// mapped instrument scaled by its currency rate, maintenance flag untouched
	assert.Equal(t, "132", records[0].InitReq)
	assert.Equal(t, "110", records[0].MaintMargin)
	assert.Equal(t, "4.4", records[0].Delta)
	assert.Equal(t, "1", records[0].IsMaint)

	// unmapped instrument passes through unchanged
	assert.Equal(t, "200", records[1].InitReq)
}

func TestConvertCurrencySkipsUnwrittenFiles(t *testing.T) {
	dir := t.TempDir()
	unwritten := filepath.Join(dir, "NDL_Margin.csv") // adapter had no routed portfolios
	path := filepath.Join(dir, "IPE_Margin.csv")
	require.NoError(t, writeMarginRecords(path, []*MarginRecord{
		{Portfolio: "1_BOOK1", Exchange: "IPE", Commodity: "BRN", InitReq: "100", InitMargin: "100", IsMaint: "0"},
	}))

	r := NewReconciler(testCurrencyTable(), []string{unwritten, path})
	require.NoError(t, r.ConvertCurrency())

	converted := filepath.Join(dir, "_IPE_Margin.csv")
	assert.Equal(t, []string{unwritten, converted}, r.MarginFiles)

	records, err := readMarginRecords(converted)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "110", records[0].InitReq)
}

func TestBuildSourceReportSkipsUnwrittenFiles(t *testing.T) {
	dir := t.TempDir()
	unwritten := filepath.Join(dir, "NDL_Margin.csv")
	path := filepath.Join(dir, "NYM_Margin.csv")
	require.NoError(t, writeMarginRecords(path, []*MarginRecord{
		{Portfolio: "7_BOOK1", Exchange: "CME", Commodity: "CL", InitReq: "100", InitMargin: "100", IsMaint: "0"},
	}))

	source := &stubSource{id: "7", save: filepath.Join(dir, "Source_Result_File.csv")}
	r := NewReconciler(testCurrencyTable(), []string{unwritten, path})
	require.NoError(t, r.BuildSourceReport(source))

	records, err := readMarginRecords(source.save)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "BOOK1", records[0].Portfolio)
}

func TestMergeWithoutVendorResultFile(t *testing.T) {
	dir := t.TempDir()
	nativeFile := filepath.Join(dir, "IPE_Margin.csv")
	require.NoError(t, writeMarginRecords(nativeFile, []*MarginRecord{
		{Portfolio: "1_BOOK1", Exchange: "IPE", Commodity: "BRN", OptValue: "0",
			SpanRequirement: "100", InitReq: "100", InitMargin: "100", IsMaint: "0"},
	}))

	native := &stubAdapter{code: "IPE", file: nativeFile}
	vendor := &stubAdapter{code: "IPE", file: filepath.Join(dir, "IPE_Result.csv")} // never written
	mergeFile := filepath.Join(dir, "IPE_Merge.csv")

	r := NewReconciler(testCurrencyTable(), nil)
	require.NoError(t, r.Merge(native, vendor, mergeFile))

	// native rows survive, converted through the instrument mapping
	records, err := readMarginRecords(mergeFile)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "BRN", records[0].Commodity)
	assert.Equal(t, "110", records[0].InitReq)
}

func vendorResultRow(portfolio, commodity, currency, requirement string) []string {
	row := make([]string, 16)
	row[vendorPortfolioCol] = portfolio
	row[vendorCommodityCol] = commodity
	row[vendorCurrencyCol] = currency
	row[vendorRequirementCol] = requirement
	return row
}

func writeVendorResult(t *testing.T, path string, rows [][]string) {
	t.Helper()
	var b strings.Builder
	b.WriteString(strings.Join(make([]string, 16), ",") + "\n") // header
	for _, row := range rows {
		b.WriteString(strings.Join(row, ",") + "\n")
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
}

func TestMerge(t *testing.T) {
	dir := t.TempDir()

	nativeFile := filepath.Join(dir, "IPE_Margin.csv")
	require.NoError(t, writeMarginRecords(nativeFile, []*MarginRecord{
		{Portfolio: "1_BOOK1", Exchange: "IPE", Commodity: "BRN", OptValue: "200",
			SpanRequirement: "5000", InitReq: "5200", InitMargin: "5000", IsMaint: "0"},
		{Portfolio: "1_BOOK1", Exchange: "IPE", Commodity: "WBS", OptValue: "0",
			SpanRequirement: "300", InitReq: "300", InitMargin: "300", IsMaint: "0"},
	}))

	vendorFile := filepath.Join(dir, "IPE_Result.csv")
	writeVendorResult(t, vendorFile, [][]string{
		vendorResultRow("1_BOOK1", "BRN", "USD", "-1000"),
		vendorResultRow("1_BOOK1", "GAS", "GBP", "-400"),
	})

	native := &stubAdapter{code: "IPE", file: nativeFile}
	vendor := &stubAdapter{code: "IPE", file: vendorFile}
	mergeFile := filepath.Join(dir, "IPE_Merge.csv")

	r := NewReconciler(testCurrencyTable(), nil)
	require.NoError(t, r.Merge(native, vendor, mergeFile))
	assert.Equal(t, []string{mergeFile}, r.MarginFiles)

	records, err := readMarginRecords(mergeFile)
	require.NoError(t, err)
	require.Len(t, records, 3)

	// matched pair: the vendor requirement overrides, sign flipped to ours
	assert.Equal(t, "BRN", records[0].Commodity)
	assert.Equal(t, "1000", records[0].InitReq)
	assert.Equal(t, "800", records[0].InitMargin)
	assert.Equal(t, "5000", records[0].SpanRequirement)

	// native-only pair: converted through the instrument mapping when mapped,
	// here WBS has none so it passes through at parity
	assert.Equal(t, "WBS", records[1].Commodity)
	assert.Equal(t, "300", records[1].InitReq)

	// vendor-only pair appended with the native adapter's exchange code
	assert.Equal(t, "GAS", records[2].Commodity)
	assert.Equal(t, "1_BOOK1", records[2].Portfolio)
	assert.Equal(t, "IPE", records[2].Exchange)
	assert.Equal(t, "500", records[2].InitReq)
	assert.Equal(t, "500", records[2].InitMargin)
	assert.Equal(t, "0", records[2].IsMaint)
}

func TestMergeMatchedNativeRowScaledByVendorCurrency(t *testing.T) {
	dir := t.TempDir()

	nativeFile := filepath.Join(dir, "NYB_Margin.csv")
	require.NoError(t, writeMarginRecords(nativeFile, []*MarginRecord{
		{Portfolio: "1_BOOK1", Exchange: "NYB", Commodity: "CC", OptValue: "100",
			SpanRequirement: "2000", InitReq: "2100", InitMargin: "2000", IsMaint: "0"},
	}))

	vendorFile := filepath.Join(dir, "NYB_Result.csv")
	writeVendorResult(t, vendorFile, [][]string{
		vendorResultRow("1_BOOK1", "CC", "GBP", "-800"),
	})

	r := NewReconciler(testCurrencyTable(), nil)
	mergeFile := filepath.Join(dir, "NYB_Merge.csv")
	require.NoError(t, r.Merge(&stubAdapter{code: "NYB", file: nativeFile},
		&stubAdapter{code: "NYB", file: vendorFile}, mergeFile))

	records, err := readMarginRecords(mergeFile)
	require.NoError(t, err)
	require.Len(t, records, 1)

	// 1.25 * 800 and 1.25 * (800 - 100)
	assert.Equal(t, "1000", records[0].InitReq)
	assert.Equal(t, "875", records[0].InitMargin)
	// informational columns scaled by the same rate
	assert.Equal(t, "2500", records[0].SpanRequirement)
	assert.Equal(t, "125", records[0].OptValue)
}

func TestBuildSourceReport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "NDL_Margin.csv")
	require.NoError(t, writeMarginRecords(path, []*MarginRecord{
		{Portfolio: "7_BOOK1", Exchange: "NODAL", Commodity: "NODAL", InitReq: "100", InitMargin: "100", IsMaint: "0"},
		{Portfolio: "8_BOOK1", Exchange: "NODAL", Commodity: "NODAL", InitReq: "999", InitMargin: "999", IsMaint: "0"},
	}))

	source := &stubSource{id: "7", save: filepath.Join(dir, "Source_Result_File.csv")}
	r := NewReconciler(testCurrencyTable(), []string{path})
	require.NoError(t, r.BuildSourceReport(source))

	records, err := readMarginRecords(source.save)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "BOOK1", records[0].Portfolio)
	assert.Equal(t, "100", records[0].InitReq)
}

func TestScaleColumn(t *testing.T) {
	rate := decimal.RequireFromString("1.1")
	assert.Equal(t, "110", scaleColumn("100", rate))
	assert.Equal(t, "", scaleColumn("", rate))
	assert.Equal(t, "n/a", scaleColumn("n/a", rate))
}
