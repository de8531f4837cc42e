package internal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Close prices read as text and converted to decimals: margin columns are
// scaled exactly, never through float arithmetic.
const CURRENCY_RATE_QUERY = `
SELECT CASE quote_def_cd
		WHEN 'JPYToUSD' THEN 'JPYUSD'
		WHEN 'ZARToUSD' THEN 'ZARUSD'
		WHEN 'AUDToUSD' THEN 'AUDUSD'
		ELSE quote_def_cd
	END AS quote_cd
	,close_price::TEXT
FROM instrument i
INNER JOIN instrument_quote q ON i.instr_id = q.instr_id
WHERE quote_def_cd IN ('EURUSD','JPYToUSD','GBPUSD','ZARToUSD','CADUSD','AUDToUSD')
	AND q.quote_dt = (
		SELECT MAX(quote_dt)
		FROM instrument_quote
		WHERE instr_id = (SELECT instr_id FROM instrument WHERE quote_def_cd = 'EURUSD')
			AND quote_dt <= $1)`

const INSTRUMENT_CURRENCY_QUERY = `
SELECT DISTINCT span_bfc_cd
	,sub_exchange
	,currency
FROM newedge_code_mapping c
INNER JOIN newedge_exchange_mapping m ON c.pexch = m.pexch
WHERE currency IS NOT NULL
	AND span_bfc_cd IS NOT NULL`

// CurrencyTable holds the as-of-date FX rates (USD base) and the
// instrument-to-currency lookup. Built once per run, read-only afterwards.
type CurrencyTable struct {
	Date               time.Time
	Rates              map[string]decimal.Decimal
	InstrumentCurrency map[InstrumentKey]string
}

func NewCurrencyTable(date time.Time) *CurrencyTable {
	return &CurrencyTable{
		Date:               date,
		Rates:              map[string]decimal.Decimal{"USD": decimal.NewFromInt(1)},
		InstrumentCurrency: make(map[InstrumentKey]string),
	}
}

// Load retrieves the rates effective on the as-of date and the instrument
// mapping. quote codes arrive as pairs like EURUSD; the base currency is the
// leading code.
func (ct *CurrencyTable) Load(ctx context.Context, ratesPool, workspacePool *pgxpool.Pool) error {
	rows, err := workspacePool.Query(ctx, INSTRUMENT_CURRENCY_QUERY)
	if err != nil {
		return fmt.Errorf("unable to load instrument currency mapping due to: %s", err.Error())
	}
	defer rows.Close()
	for rows.Next() {
		var commodity, subExchange, currency string
		if err = rows.Scan(&commodity, &subExchange, &currency); err != nil {
			return fmt.Errorf("unable to scan instrument currency mapping due to: %s", err.Error())
		}
		ct.InstrumentCurrency[InstrumentKey{Commodity: commodity, SubExchange: subExchange}] = currency
	}
	if err = rows.Err(); err != nil {
		return err
	}

	quoteRows, err := ratesPool.Query(ctx, CURRENCY_RATE_QUERY, ct.Date)
	if err != nil {
		return fmt.Errorf("unable to load currency rates due to: %s", err.Error())
	}
	defer quoteRows.Close()
	for quoteRows.Next() {
		var quoteCode, closePrice string
		if err = quoteRows.Scan(&quoteCode, &closePrice); err != nil {
			return fmt.Errorf("unable to scan currency rate due to: %s", err.Error())
		}
		rate, err := decimal.NewFromString(closePrice)
		if err != nil {
			return fmt.Errorf("close price %q for %s is not numeric", closePrice, quoteCode)
		}
		ct.Rates[strings.TrimSuffix(quoteCode, "USD")] = rate
	}
	return quoteRows.Err()
}

// Rate returns the USD rate for a currency code. An unknown code passes
// through at parity so an unexpected currency never zeroes a report.
func (ct *CurrencyTable) Rate(code string) decimal.Decimal {
	if rate, ok := ct.Rates[code]; ok {
		return rate
	}
	logrus.Warnf("No FX rate for currency %s, using 1", code)
	return decimal.NewFromInt(1)
}

// InstrumentRate resolves the rate for an instrument through the
// instrument-to-currency lookup.
func (ct *CurrencyTable) InstrumentRate(commodity, subExchange string) (decimal.Decimal, bool) {
	currency, ok := ct.InstrumentCurrency[InstrumentKey{Commodity: commodity, SubExchange: subExchange}]
	if !ok {
		return decimal.NewFromInt(1), false
	}
	return ct.Rate(currency), true
}
