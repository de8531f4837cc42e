package internal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SpanEngine drives the native SPAN-file calculator: it renders the routed
// portfolios into a SPAN position document plus a command script, hands the
// script to the external engine, and parses the saved result document back
// into margin records.
type SpanEngine struct {
	exchange      string
	superExchange string
	portfolios    []*Portfolio

	inputFile     string
	positionFile  string
	spnFile       string
	resultFile    string
	parameterFile string
	binary        string

	parser *ResultParser
	failed []string
}

func NewSpanEngine(exchangeToPortfolios map[string][]*Portfolio, parameter *ParameterFile,
	superExchange, exchange, workDir, binary string,
	exchanges *[]ExchangeAdapter, marginFiles *[]string) *SpanEngine {

	e := &SpanEngine{
		exchange:      exchange,
		superExchange: superExchange,
		portfolios:    exchangeToPortfolios[exchange],
		inputFile:     filepath.Join(workDir, exchange+"Daily.txt"),
		positionFile:  filepath.Join(workDir, exchange+".xml"),
		spnFile:       filepath.Join(workDir, exchange+".spn"),
		resultFile:    filepath.Join(workDir, exchange+"_Margin.csv"),
		parameterFile: parameter.StagedFile(),
		binary:        binary,
		parser:        &ResultParser{},
	}
	*exchanges = append(*exchanges, e)
	if marginFiles != nil {
		*marginFiles = append(*marginFiles, e.resultFile)
	}
	return e
}

func (e *SpanEngine) ExchangeCode() string { return e.exchange }
func (e *SpanEngine) ResultFile() string { return e.resultFile }
func (e *SpanEngine) FailedPortfolios() []string { return e.failed }

// BuildInput writes the command script and the SPAN position document.
func (e *SpanEngine) BuildInput() error {
	if err := e.buildCommandScript(); err != nil {
		return err
	}
	return e.buildPositionDocument()
}

func (e *SpanEngine) buildCommandScript() error {
	f, err := os.Create(e.inputFile)
	if err != nil {
		return fmt.Errorf("unable to create command script %s due to: %s", e.inputFile, err.Error())
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "LOG")
	fmt.Fprintf(w, "LOAD %s\n", e.parameterFile)
	fmt.Fprintf(w, "LOAD %s\n", e.positionFile)
	fmt.Fprintln(w, "CALC")
	fmt.Fprintf(w, "SAVE    %s\n", e.spnFile)
	fmt.Fprintf(w, "LOGSAVE %s\n", strings.TrimSuffix(e.spnFile, ".spn")+".log")
	return w.Flush()
}

func (e *SpanEngine) buildPositionDocument() error {
	f, err := os.Create(e.positionFile)
	if err != nil {
		return fmt.Errorf("unable to create position file %s due to: %s", e.positionFile, err.Error())
	}
	defer f.Close()

	today := time.Now().Format(FILE_DATE_FORMAT)
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, `<?xml version="1.0"?>`)
	fmt.Fprintln(w, "<posFile>")
	fmt.Fprintln(w, "<fileFormat>4.00</fileFormat>")
	fmt.Fprintf(w, "<created>%s</created>\n", today)
	fmt.Fprintln(w, "<pointInTime>")
	fmt.Fprintf(w, "<date>%s</date>\n", today)
	fmt.Fprintln(w, "<isSetl>1</isSetl>")
	fmt.Fprintln(w, "<setlQualifier>final</setlQualifier>")
	for _, p := range e.portfolios {
		fmt.Fprintln(w, "<portfolio>")
		fmt.Fprintf(w, "<firm>%s</firm>\n", p.Name)
		fmt.Fprintf(w, "<acctId>%s</acctId>\n", p.Name)
		fmt.Fprintln(w, "<acctType>H</acctType>")
		fmt.Fprintln(w, "<isCust>1</isCust>")
		fmt.Fprintln(w, "<seg>N/A</seg>")
		fmt.Fprintln(w, "<isNew>1</isNew>")
		fmt.Fprintln(w, "<qib>1</qib>")
		fmt.Fprintln(w, "<custPortUseLov>1</custPortUseLov>")
		fmt.Fprintln(w, "<currency>USD</currency>")
		fmt.Fprintln(w, "<ledgerBal>0.00</ledgerBal>")
		fmt.Fprintln(w, "<ote>0.00</ote>")
		fmt.Fprintln(w, "<securities>0.00</securities>")
		fmt.Fprintln(w, "<lue>0.00</lue>")
		fmt.Fprintln(w, "<ecPort>")
		fmt.Fprintf(w, "<ec>%s</ec>\n", e.superExchange)
		for _, c := range p.Contracts {
			fmt.Fprintln(w, "<ccPort>")
			fmt.Fprintf(w, "<cc>%s</cc>\n", c.Code)
			fmt.Fprintln(w, "<currency>USD</currency>")
			fmt.Fprintln(w, "<pss>0</pss>")
			for _, pos := range c.Positions {
				fmt.Fprintln(w, "<np>")
				fmt.Fprintf(w, "<exch>%s</exch>\n", pos.SubExchange)
				fmt.Fprintf(w, "<pfCode>%s</pfCode>\n", pos.Physical)
				fmt.Fprintf(w, "<pfType>%s</pfType>\n", pos.TradeType)
				fmt.Fprintf(w, "<pe>%s</pe>\n", periodStamp(pos.StartDate, pos.Type))
				if pos.TradeType != "FUT" {
					fmt.Fprintf(w, "<undPe>%s</undPe>\n", periodStamp(pos.EndDate, pos.Type))
					fmt.Fprintf(w, "<o>%s</o>\n", pos.OptionType)
					fmt.Fprintf(w, "<k>%s</k>\n", formatFloat(pos.Strike))
				}
				fmt.Fprintf(w, "<net>%s</net>\n", formatFloat(pos.Size))
				fmt.Fprintln(w, "</np>")
			}
			fmt.Fprintln(w, "</ccPort>")
		}
		fmt.Fprintln(w, "</ecPort>")
		fmt.Fprintln(w, "</portfolio>")
	}
	fmt.Fprintln(w, "</pointInTime>")
	fmt.Fprintln(w, "</posFile>")
	return w.Flush()
}

// periodStamp renders a position period for the native engine: day
// granularity for daily settled instruments, otherwise a year-month stamp
// with the synthetic "00" day suffix the engine expects on monthly periods.
func periodStamp(dt time.Time, settlementType string) string {
	if strings.ToUpper(strings.TrimSpace(settlementType)) == DAILY_SETTLEMENT {
		return dt.Format(PERIOD_DAY_FORMAT)
	}
	return dt.Format(PERIOD_MONTH_FORMAT) + "00"
}

// Invoke runs the external engine against the command script and waits for
// it. A non-zero exit marks every routed portfolio failed; the pipeline keeps
// going either way.
func (e *SpanEngine) Invoke() error {
	exitCode, err := runProcess(e.exchange, e.binary, e.inputFile)
	if err != nil {
		e.failed = portfolioNames(e.portfolios)
		return err
	}
	if exitCode != 0 {
		e.failed = portfolioNames(e.portfolios)
	}
	return nil
}

// Normalize parses the saved result document into the margin-record file. A
// malformed document is fatal for this adapter's entire result set: a
// header-only file is left behind so downstream steps keep working.
func (e *SpanEngine) Normalize() error {
	records, err := e.parser.ParseFile(e.spnFile)
	if err != nil {
		e.failed = portfolioNames(e.portfolios)
		if writeErr := writeMarginRecords(e.resultFile, nil); writeErr != nil {
			return writeErr
		}
		return err
	}
	return writeMarginRecords(e.resultFile, records)
}

func (e *SpanEngine) Run() error {
	if len(e.portfolios) == 0 {
		return nil
	}
	defer func() { logFailedPortfolios(e.exchange, e.failed) }()
	if err := e.BuildInput(); err != nil {
		return err
	}
	if err := e.Invoke(); err != nil {
		return err
	}
	return e.Normalize()
}
