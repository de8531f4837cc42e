package internal

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/araddon/dateparse"
	"github.com/gocarina/gocsv"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openmargin/marginrun/internal/toolkit"
	"github.com/sirupsen/logrus"
)

// Position queries against the nightly SPAN load snapshot. Each flavor keys
// the reporting entity differently: fixed firm labels for the two firm-level
// reports, book code and strategy number for the drill-down reports.
const HPLP_FIRM_QUERY = `
SELECT 'Hplp Newedge' AS portfolio_firm
	,span_clearing_house_cd AS ecport_ec
	,span_exchange_cd AS np_exch
	,span_bfc_cd AS ccport_cc
	,span_product_cd AS np_pfcode
	,sort_dt AS np_period
	,SUM(net_lots) AS np_net
	,span_trade_type_cd AS np_pftype
	,pc_ind AS np_optionind
	,strike_price AS np_strike
	,trade_type
FROM span_load
WHERE span_product_cd <> 'NULL'
	AND report_date = (SELECT MAX(report_date) FROM span_load)
	AND span_clearing_house_cd NOT IN ('JSE')
	AND book_cd NOT IN ('HEP','HCMMgmt','Management','Pooling','ListedPool','Consult HP','HPPG HOUSE','DMA HL','Epsilon','CXL')
	AND clearing_broker_cd = 'Newedge'
	AND desk_cd <> 'HPPG'
GROUP BY span_clearing_house_cd,span_bfc_cd,span_exchange_cd,span_product_cd,span_trade_type_cd,sort_dt,strike_price,pc_ind,trade_type
HAVING SUM(net_lots) <> 0
ORDER BY ecport_ec,ccport_cc,np_exch,np_pfcode,np_period,np_strike`

const HPPG_FIRM_QUERY = `
SELECT 'Hppg Newedge' AS portfolio_firm
	,span_clearing_house_cd AS ecport_ec
	,span_exchange_cd AS np_exch
	,span_bfc_cd AS ccport_cc
	,span_product_cd AS np_pfcode
	,sort_dt AS np_period
	,SUM(net_lots) AS np_net
	,span_trade_type_cd AS np_pftype
	,pc_ind AS np_optionind
	,strike_price AS np_strike
	,trade_type
FROM span_load
WHERE span_product_cd <> 'NULL'
	AND report_date = (SELECT MAX(report_date) FROM span_load)
	AND span_clearing_house_cd NOT IN ('JSE')
	AND desk_cd = 'HPPG'
	AND (clearing_broker_cd = 'Newedge' OR book_cd = 'LnPWR TL')
GROUP BY span_clearing_house_cd,span_bfc_cd,span_exchange_cd,span_product_cd,span_trade_type_cd,sort_dt,strike_price,pc_ind,trade_type
HAVING SUM(net_lots) <> 0
ORDER BY ecport_ec,ccport_cc,np_exch,np_pfcode,np_period,np_strike`

const BOOK_QUERY = `
SELECT book_cd AS portfolio_firm
	,span_clearing_house_cd AS ecport_ec
	,span_exchange_cd AS np_exch
	,span_bfc_cd AS ccport_cc
	,span_product_cd AS np_pfcode
	,sort_dt AS np_period
	,SUM(net_lots) AS np_net
	,span_trade_type_cd AS np_pftype
	,pc_ind AS np_optionind
	,strike_price AS np_strike
	,trade_type
FROM span_load
WHERE span_product_cd <> 'NULL'
	AND report_date = (SELECT MAX(report_date) FROM span_load)
	AND span_clearing_house_cd NOT IN ('JSE')
	AND desk_cd <> 'HPPG'
GROUP BY book_cd,span_clearing_house_cd,span_bfc_cd,span_exchange_cd,span_product_cd,span_trade_type_cd,sort_dt,strike_price,pc_ind,trade_type
HAVING SUM(net_lots) <> 0
ORDER BY portfolio_firm,ecport_ec,ccport_cc,np_pfcode,np_period,np_strike`

const STRATEGY_QUERY = `
SELECT strategy_num AS portfolio_firm
	,span_clearing_house_cd AS ecport_ec
	,span_exchange_cd AS np_exch
	,span_bfc_cd AS ccport_cc
	,span_product_cd AS np_pfcode
	,sort_dt AS np_period
	,SUM(net_lots) AS np_net
	,span_trade_type_cd AS np_pftype
	,pc_ind AS np_optionind
	,strike_price AS np_strike
	,trade_type
FROM span_load
WHERE span_product_cd <> 'NULL'
	AND report_date = (SELECT MAX(report_date) FROM span_load)
	AND span_clearing_house_cd NOT IN ('JSE')
	AND desk_cd <> 'HPPG'
GROUP BY strategy_num,span_clearing_house_cd,span_bfc_cd,span_exchange_cd,span_product_cd,span_trade_type_cd,sort_dt,strike_price,pc_ind,trade_type
HAVING SUM(net_lots) <> 0
ORDER BY portfolio_firm,ecport_ec,ccport_cc,np_pfcode,np_period,np_strike`

// PositionRetriever is one reporting-entity source of netted positions. Every
// retriever carries a run-scoped unique identifier; the aggregator prefixes
// entity keys with it so two sources may reuse the same entity name.
type PositionRetriever interface {
	UniqueID() string
	SaveFile() string
	RetrievePositions(ctx context.Context) ([]*SourcePosition, error)
}

type baseRetriever struct {
	uniqueID string
	saveFile string
}

func (r *baseRetriever) UniqueID() string { return r.uniqueID }
func (r *baseRetriever) SaveFile() string { return r.saveFile }

// SQLRetriever pulls positions from the relational snapshot store.
type SQLRetriever struct {
	baseRetriever
	pool  *pgxpool.Pool
	query string
}

func NewSQLRetriever(saveFile string, query string, pool *pgxpool.Pool) *SQLRetriever {
	return &SQLRetriever{
		baseRetriever: baseRetriever{uniqueID: toolkit.UniqueID(), saveFile: saveFile},
		pool:          pool,
		query:         query,
	}
}

func (r *SQLRetriever) RetrievePositions(ctx context.Context) ([]*SourcePosition, error) {
	rows, err := r.pool.Query(ctx, r.query)
	if err != nil {
		return nil, fmt.Errorf("unable to query positions due to: %s", err.Error())
	}
	defer rows.Close()

	positions := make([]*SourcePosition, 0)
	for rows.Next() {
		var raw RawPosition
		if err = rows.Scan(&raw.PortfolioFirm, &raw.Exchange, &raw.SubExchange, &raw.Logical, &raw.Physical,
			&raw.Period, &raw.Size, &raw.TradeType, &raw.OptionType, &raw.Strike, &raw.Type); err != nil {
			return nil, fmt.Errorf("unable to scan position row due to: %s", err.Error())
		}
		position, err := cleanRawPosition(&raw)
		if err != nil {
			logrus.WithFields(logrus.Fields{"source_id": r.uniqueID, "firm": raw.PortfolioFirm}).
				Warnf("Skipping position row due to: %s", err.Error())
			continue
		}
		positions = append(positions, &SourcePosition{Firm: raw.PortfolioFirm, Position: position})
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("unable to read position rows due to: %s", err.Error())
	}
	return positions, nil
}

// CSVRetriever loads positions from a flat file with the same columns the SQL
// snapshot exposes. Used by the mock generator and by tests.
type CSVRetriever struct {
	baseRetriever
	path string
}

func NewCSVRetriever(saveFile string, path string) *CSVRetriever {
	return &CSVRetriever{
		baseRetriever: baseRetriever{uniqueID: toolkit.UniqueID(), saveFile: saveFile},
		path:          path,
	}
}

func (r *CSVRetriever) RetrievePositions(_ context.Context) ([]*SourcePosition, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("unable to open position file %s due to: %s", r.path, err.Error())
	}
	defer f.Close()

	raws := make([]*RawPosition, 0)
	if err = gocsv.UnmarshalFile(f, &raws); err != nil {
		return nil, fmt.Errorf("unable to unmarshal position file %s due to: %s, "+
			"make sure your CSV file has the correct format", r.path, err.Error())
	}

	positions := make([]*SourcePosition, 0, len(raws))
	for _, raw := range raws {
		position, err := cleanRawPosition(raw)
		if err != nil {
			logrus.WithFields(logrus.Fields{"source_id": r.uniqueID, "firm": raw.PortfolioFirm}).
				Warnf("Skipping position row due to: %s", err.Error())
			continue
		}
		positions = append(positions, &SourcePosition{Firm: raw.PortfolioFirm, Position: position})
	}
	return positions, nil
}

func cleanRawPosition(raw *RawPosition) (*Position, error) {
	emptyColumns := make([]string, 0)

	firm := strings.TrimSpace(raw.PortfolioFirm)
	if len(firm) == 0 {
		emptyColumns = append(emptyColumns, "portfolio_firm")
	}
	subExchange := strings.TrimSpace(raw.SubExchange)
	if len(subExchange) == 0 {
		emptyColumns = append(emptyColumns, "np_exch")
	}
	logical := strings.TrimSpace(raw.Logical)
	if len(logical) == 0 {
		emptyColumns = append(emptyColumns, "ccPort_cc")
	}
	physical := strings.TrimSpace(raw.Physical)
	if len(physical) == 0 {
		emptyColumns = append(emptyColumns, "np_pfCode")
	}
	if len(emptyColumns) == 1 {
		return nil, fmt.Errorf("%s is empty", emptyColumns[0])
	} else if len(emptyColumns) > 1 {
		return nil, fmt.Errorf("%s are empty", strings.Join(emptyColumns, ", "))
	}

	period, err := dateparse.ParseAny(raw.Period)
	if err != nil {
		return nil, fmt.Errorf("fail to parse np_period %s, date is invalid", raw.Period)
	}

	size, err := strconv.ParseFloat(strings.TrimSpace(raw.Size), 64)
	if err != nil {
		return nil, fmt.Errorf("np_net %s is not a valid number", raw.Size)
	}
	if size == 0 {
		return nil, fmt.Errorf("np_net is zero, zero-net groups must be dropped upstream")
	}

	strike := 0.0
	if s := strings.TrimSpace(raw.Strike); s != "" {
		strike, err = strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("np_strike %s is not a valid number", raw.Strike)
		}
	}

	return &Position{
		Exchange:    strings.TrimSpace(raw.Exchange),
		SubExchange: subExchange,
		Logical:     logical,
		Physical:    physical,
		StartDate:   period,
		EndDate:     period,
		Size:        size,
		TradeType:   strings.TrimSpace(raw.TradeType),
		OptionType:  strings.TrimSpace(raw.OptionType),
		Strike:      strike,
		Type:        strings.TrimSpace(raw.Type),
	}, nil
}

type contractKey struct {
	subExchange string
	logical     string
	firm        string
}

type portfolioKey struct {
	subExchange string
	firm        string
}

// BuildPortfolios folds one source's positions into the shared routing map:
// positions group into Contracts by (sub-exchange, logical code, prefixed
// firm), Contracts into Portfolios by (sub-exchange, prefixed firm), and
// Portfolios are bucketed under their adapter routing code. Grouping preserves
// first-seen order so repeated runs over the same input produce identical
// files.
func BuildPortfolios(sourceID string, positions []*SourcePosition, exchangeToPortfolios map[string][]*Portfolio) {
	contractPositions := make(map[contractKey][]*Position)
	contractOrder := make([]contractKey, 0)
	for _, sp := range positions {
		firm := fmt.Sprintf(SOURCE_PREFIX_FORMAT, sourceID, sp.Firm)
		k := contractKey{subExchange: sp.Position.SubExchange, logical: sp.Position.Logical, firm: firm}
		if _, seen := contractPositions[k]; !seen {
			contractOrder = append(contractOrder, k)
		}
		contractPositions[k] = append(contractPositions[k], sp.Position)
	}

	portfolioContracts := make(map[portfolioKey][]*Contract)
	portfolioOrder := make([]portfolioKey, 0)
	for _, k := range contractOrder {
		pk := portfolioKey{subExchange: k.subExchange, firm: k.firm}
		if _, seen := portfolioContracts[pk]; !seen {
			portfolioOrder = append(portfolioOrder, pk)
		}
		portfolioContracts[pk] = append(portfolioContracts[pk], &Contract{
			SubExchange: k.subExchange,
			Code:        k.logical,
			Positions:   contractPositions[k],
		})
	}

	for _, pk := range portfolioOrder {
		exchangeToPortfolios[pk.subExchange] = append(exchangeToPortfolios[pk.subExchange], &Portfolio{
			Exchange:  pk.subExchange,
			Name:      pk.firm,
			Contracts: portfolioContracts[pk],
		})
	}
}
