package internal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
)

// IceBatch drives the vendor's batch margin tool. The tool reads a flat
// position file plus the staged parameter file and writes the result CSV
// itself, so Normalize only has to confirm the output exists: the raw result
// is consumed positionally by the merge reconciler, which is where it gets
// folded into the common schema.
type IceBatch struct {
	exchange     string
	exchangeCode string
	portfolios   []*Portfolio

	positionFile   string
	resultFileBase string
	parameterFile  string
	binary         string
	waitTime       int

	// physical codes settled monthly rather than per-delivery-day
	monthlySet map[string]bool

	failed []string
}

func NewIceBatch(exchangeToPortfolios map[string][]*Portfolio, parameter *ParameterFile,
	exchangeCode, exchange, workDir, binary string, waitTime int,
	exchanges *[]ExchangeAdapter) *IceBatch {

	e := &IceBatch{
		exchange:       exchange,
		exchangeCode:   exchangeCode,
		portfolios:     exchangeToPortfolios[exchange],
		positionFile:   filepath.Join(workDir, exchange+"Positions.csv"),
		resultFileBase: filepath.Join(workDir, exchange+"_Result"),
		parameterFile:  parameter.StagedFile(),
		binary:         binary,
		waitTime:       waitTime,
		monthlySet:     map[string]bool{"M": true, "TFM": true},
	}
	*exchanges = append(*exchanges, e)
	return e
}

func (e *IceBatch) ExchangeCode() string { return e.exchange }
func (e *IceBatch) ResultFile() string { return e.resultFileBase + ".csv" }
func (e *IceBatch) FailedPortfolios() []string { return e.failed }

// BuildInput renders every routed position as one flat record row. The trade
// code and period classification must match the vendor's conventions exactly;
// strike prices are quoted in hundredths, hence the x100.
func (e *IceBatch) BuildInput() error {
	f, err := os.Create(e.positionFile)
	if err != nil {
		return fmt.Errorf("unable to create position file %s due to: %s", e.positionFile, err.Error())
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, p := range e.portfolios {
		for _, c := range p.Contracts {
			for _, pos := range c.Positions {
				code, period := classifyTrade(pos, e.monthlySet)
				fmt.Fprintf(w, "P,%s,%s,%s,%s,%s,%s,%s,DCO,H\n",
					p.Name, e.exchangeCode, pos.Physical, code, period,
					formatFloat(pos.Strike*100), formatFloat(pos.Size))
			}
		}
	}
	return w.Flush()
}

// Invoke runs the batch tool with the conventional flag set and a wait-time
// budget. The stale run log is cleared first so a leftover from yesterday is
// never mistaken for today's.
func (e *IceBatch) Invoke() error {
	os.Remove(e.resultFileBase + "Log.xml")

	exitCode, err := runProcess(e.exchange, e.binary,
		"-pf", e.positionFile,
		"-rf", e.parameterFile,
		"-of", e.resultFileBase,
		"-lf", e.resultFileBase+"Log",
		"-ol",
		"-wt", fmt.Sprintf("%d", e.waitTime),
		"-ns")
	if err != nil {
		e.failed = portfolioNames(e.portfolios)
		return err
	}
	if exitCode != 0 {
		e.failed = portfolioNames(e.portfolios)
	}
	return nil
}

// Normalize confirms the tool produced its result file. The merge step reads
// it directly in the vendor's own column layout.
func (e *IceBatch) Normalize() error {
	if _, err := os.Stat(e.ResultFile()); err != nil {
		e.failed = portfolioNames(e.portfolios)
		return fmt.Errorf("vendor tool wrote no result file %s", e.ResultFile())
	}
	return nil
}

func (e *IceBatch) Run() error {
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
