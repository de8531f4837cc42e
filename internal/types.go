package internal

import "time"

const PERIOD_MONTH_FORMAT = "200601"
const PERIOD_DAY_FORMAT = "20060102"
const FILE_DATE_FORMAT = "20060102"
const SOURCE_PREFIX_FORMAT = "%s_%s"

// Settlement-type flag carried on every position. Anything other than
// DAILY_SETTLEMENT is treated as a monthly settled instrument.
const DAILY_SETTLEMENT = "DAILY"

// RawPosition is one netted position row as delivered by a retrieval source,
// before cleaning. All columns are strings so a malformed row can be reported
// verbatim.
type RawPosition struct {
	PortfolioFirm string `csv:"portfolio_firm"`
	Exchange      string `csv:"ecPort_ec"`
	SubExchange   string `csv:"np_exch"`
	Logical       string `csv:"ccPort_cc"`
	Physical      string `csv:"np_pfCode"`
	Period        string `csv:"np_period"`
	Size          string `csv:"np_net"`
	TradeType     string `csv:"np_pfType"`
	OptionType    string `csv:"np_optionInd"`
	Strike        string `csv:"np_strike"`
	Type          string `csv:"trade_type"`
}

// Position is a cleaned, netted economic exposure in one instrument.
// Size is net and never zero (zero-net groups are dropped by the sources).
type Position struct {
	Exchange    string
	SubExchange string
	Logical     string
	Physical    string
	StartDate   time.Time
	EndDate     time.Time
	Size        float64
	TradeType   string
	OptionType  string // empty = future
	Strike      float64
	Type        string // settlement-type flag, e.g. "DAILY"
}

// SourcePosition pairs a position with the reporting-entity key its source
// assigned to it. The key is not yet prefixed with the source identifier.
type SourcePosition struct {
	Firm     string
	Position *Position
}

// Contract groups the positions sharing one sub-exchange + logical code.
type Contract struct {
	SubExchange string
	Code        string
	Positions   []*Position
}

// Portfolio is a named reporting unit scoped to one adapter routing code.
// Its name carries the owning source's unique prefix until the final
// per-source report is extracted.
type Portfolio struct {
	Exchange  string
	Name      string
	Contracts []*Contract
}

// MarginRecord is the common flat schema every adapter and the reconciler
// normalize to. Columns stay strings: several of them are legitimately empty
// for some backends, and numeric columns must round-trip exactly as written.
type MarginRecord struct {
	Portfolio       string `csv:"Portfolio"`
	Exchange        string `csv:"Exchange"`
	Commodity       string `csv:"Commodity"`
	Delta           string `csv:"Delta"`
	MaintMargin     string `csv:"Maint Margin"`
	OptValue        string `csv:"Opt Value"`
	SpanRequirement string `csv:"SPAN Requirement"`
	ScanRisk        string `csv:"Scan Risk"`
	InterCredit     string `csv:"Inter Credit"`
	IntraCharge     string `csv:"Intra Charge"`
	InitReq         string `csv:"Init Req"`
	InitMargin      string `csv:"Init Margin"`
	IsMaint         string `csv:"Is Maint"`
}

// InstrumentKey identifies an instrument for currency lookup.
type InstrumentKey struct {
	Commodity   string
	SubExchange string
}
