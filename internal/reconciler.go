package internal

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Index of one vendor-tool column layout: first columns identify the
// (portfolio, commodity) pair, the currency column implies the FX rate and
// column 14 carries the signed total requirement.
const vendorPortfolioCol = 0
const vendorCommodityCol = 1
const vendorCurrencyCol = 2
const vendorRequirementCol = 14

type mergeKey struct {
	portfolio string
	commodity string
}

type vendorFigure struct {
	rate decimal.Decimal
	req  decimal.Decimal
}

// Reconciler owns the post-adapter steps: the unconditional currency
// normalization pass, the dual-source merges, and the per-source report
// extraction. It reads the adapters' files but none of the portfolio graph.
type Reconciler struct {
	Currency    *CurrencyTable
	MarginFiles []string
}

func NewReconciler(currency *CurrencyTable, marginFiles []string) *Reconciler {
	return &Reconciler{Currency: currency, MarginFiles: marginFiles}
}

// ConvertCurrency rewrites every registered margin file with monetary columns
// scaled by the instrument's currency rate. Rows whose (commodity, exchange
// complex) pair has no mapping pass through unchanged: they are implicitly
// USD. The converted file replaces the original in the margin-file list under
// a "_"-prefixed name. An adapter with no routed portfolios never writes its
// registered file; that file is skipped so the others still convert.
func (r *Reconciler) ConvertCurrency() error {
	for i, path := range r.MarginFiles {
		if _, err := os.Stat(path); err != nil {
			logrus.Warnf("Skipping margin file %s, adapter produced no output", path)
			continue
		}
		records, err := readMarginRecords(path)
		if err != nil {
			return err
		}
		for _, rec := range records {
			rate, ok := r.Currency.InstrumentRate(rec.Commodity, rec.Exchange)
			if !ok {
				continue
			}
			scaleMonetaryColumns(rec, rate)
		}
		converted := filepath.Join(filepath.Dir(path), "_"+filepath.Base(path))
		if err = writeMarginRecords(converted, records); err != nil {
			return err
		}
		r.MarginFiles[i] = converted
	}
	return nil
}

// Merge reconciles two independently computed result sets for one exchange
// pair. The vendor tool is authoritative for requirement sizing wherever both
// engines report a (portfolio, commodity) pair; pairs only the vendor tool
// knows are appended so no commodity is silently dropped, and matched keys
// are consumed so none is double-counted.
func (r *Reconciler) Merge(native, vendor ExchangeAdapter, mergeFile string) error {
	index := make(map[mergeKey]vendorFigure)
	order := make([]mergeKey, 0)
	if _, statErr := os.Stat(vendor.ResultFile()); statErr != nil {
		// the vendor tool's portfolios are already marked failed; the
		// native rows still make it into the reports
		logrus.Warnf("No vendor result file %s, merging native rows only", vendor.ResultFile())
	} else {
		var err error
		if index, order, err = r.indexVendorResults(vendor.ResultFile()); err != nil {
			return err
		}
	}

	natives, err := readMarginRecords(native.ResultFile())
	if err != nil {
		return err
	}

	merged := make([]*MarginRecord, 0, len(natives))
	for _, rec := range natives {
		key := mergeKey{portfolio: rec.Portfolio, commodity: rec.Commodity}
		figure, matched := index[key]

		rate := decimal.NewFromInt(1)
		if matched {
			rate = figure.rate
		} else if instrumentRate, ok := r.Currency.InstrumentRate(rec.Commodity, rec.Exchange); ok {
			rate = instrumentRate
		}

		optValue := columnValue(rec.OptValue)
		scaleMonetaryColumns(rec, rate)
		if matched {
			rec.InitReq = rate.Mul(figure.req).String()
			rec.InitMargin = rate.Mul(figure.req.Sub(optValue)).String()
			delete(index, key)
		}
		merged = append(merged, rec)
	}

	// Whatever the vendor tool reported that the native engine did not.
	for _, key := range order {
		figure, ok := index[key]
		if !ok {
			continue
		}
		amount := figure.rate.Mul(figure.req).String()
		merged = append(merged, &MarginRecord{
			Portfolio:  key.portfolio,
			Exchange:   native.ExchangeCode(),
			Commodity:  key.commodity,
			InitReq:    amount,
			InitMargin: amount,
			IsMaint:    "0",
		})
	}

	if err = writeMarginRecords(mergeFile, merged); err != nil {
		return err
	}
	r.MarginFiles = append(r.MarginFiles, mergeFile)
	return nil
}

func (r *Reconciler) indexVendorResults(path string) (map[mergeKey]vendorFigure, []mergeKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to open vendor result file %s due to: %s", path, err.Error())
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("unable to read vendor result file %s due to: %s", path, err.Error())
	}

	index := make(map[mergeKey]vendorFigure)
	order := make([]mergeKey, 0)
	for i, row := range rows {
		if i == 0 || len(row) <= vendorRequirementCol {
			continue
		}
		req, err := decimal.NewFromString(strings.TrimSpace(row[vendorRequirementCol]))
		if err != nil {
			return nil, nil, fmt.Errorf("vendor requirement %q in %s is not numeric", row[vendorRequirementCol], path)
		}
		key := mergeKey{portfolio: row[vendorPortfolioCol], commodity: row[vendorCommodityCol]}
		if _, seen := index[key]; !seen {
			order = append(order, key)
		}
		// The tool reports requirements from the clearing house's point of
		// view, flip the sign to our convention.
		index[key] = vendorFigure{rate: r.Currency.Rate(row[vendorCurrencyCol]), req: req.Neg()}
	}
	return index, order, nil
}

// BuildSourceReport extracts one retrieval source's rows from every margin
// file into that source's report, stripping the run-scoped prefix again.
func (r *Reconciler) BuildSourceReport(source PositionRetriever) error {
	prefix := source.UniqueID() + "_"
	out := make([]*MarginRecord, 0)
	for _, path := range r.MarginFiles {
		if _, err := os.Stat(path); err != nil {
			logrus.Warnf("Skipping margin file %s, adapter produced no output", path)
			continue
		}
		records, err := readMarginRecords(path)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if strings.HasPrefix(rec.Portfolio, prefix) {
				rec.Portfolio = strings.TrimPrefix(rec.Portfolio, prefix)
				out = append(out, rec)
			}
		}
	}
	return writeMarginRecords(source.SaveFile(), out)
}

func readMarginRecords(path string) ([]*MarginRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open margin file %s due to: %s", path, err.Error())
	}
	defer f.Close()

	records := make([]*MarginRecord, 0)
	if err = gocsv.UnmarshalFile(f, &records); err != nil {
		return nil, fmt.Errorf("unable to unmarshal margin file %s due to: %s", path, err.Error())
	}
	return records, nil
}

// scaleMonetaryColumns applies one FX rate to every monetary column, Delta
// included. The maintenance flag is not money and passes through.
func scaleMonetaryColumns(rec *MarginRecord, rate decimal.Decimal) {
	rec.Delta = scaleColumn(rec.Delta, rate)
	rec.MaintMargin = scaleColumn(rec.MaintMargin, rate)
	rec.OptValue = scaleColumn(rec.OptValue, rate)
	rec.SpanRequirement = scaleColumn(rec.SpanRequirement, rate)
	rec.ScanRisk = scaleColumn(rec.ScanRisk, rate)
	rec.InterCredit = scaleColumn(rec.InterCredit, rate)
	rec.IntraCharge = scaleColumn(rec.IntraCharge, rate)
	rec.InitReq = scaleColumn(rec.InitReq, rate)
	rec.InitMargin = scaleColumn(rec.InitMargin, rate)
}

func scaleColumn(value string, rate decimal.Decimal) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return value
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		logrus.Warnf("Leaving non-numeric column value %q unconverted", value)
		return value
	}
	return rate.Mul(d).String()
}

func columnValue(value string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero
	}
	return d
}
