package internal

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/sirupsen/logrus"
)

// ExchangeAdapter drives one calculator backend through a uniform lifecycle:
// build that backend's input format, invoke the calculator, normalize its
// output into margin records. Run is a no-op when no portfolios are routed to
// the adapter's exchange code. The variant is fixed at construction time.
type ExchangeAdapter interface {
	ExchangeCode() string
	ResultFile() string
	BuildInput() error
	Invoke() error
	Normalize() error
	Run() error

	// FailedPortfolios reports the portfolio names whose margin could not be
	// computed. A failure is backend-local: it surfaces as missing rows and a
	// non-zero run health signal, never as a pipeline abort.
	FailedPortfolios() []string
}

// Initializer is implemented by adapters that load exchange-specific
// reference data before running.
type Initializer interface {
	Init() error
}

// Per-position trade-type codes shared by the file-based backends.
const TRADE_CODE_FUTURE = "F"
const TRADE_CODE_DAILY = "D"
const TRADE_CODE_MONTHLY = "M"

// classifyTrade resolves the trade code and period stamp for one position.
// Daily settlement always wins and is stamped to day granularity; monthly-set
// membership applies only when no option type is set; an option type becomes
// the code itself; everything else is a future. Non-daily periods carry a
// synthetic "00" day suffix on the year-month stamp.
func classifyTrade(p *Position, monthlySet map[string]bool) (code string, period string) {
	code = TRADE_CODE_FUTURE
	period = p.StartDate.Format(PERIOD_MONTH_FORMAT) + "00"
	if strings.ToUpper(strings.TrimSpace(p.Type)) == DAILY_SETTLEMENT {
		code = TRADE_CODE_DAILY
		period = p.StartDate.Format(PERIOD_DAY_FORMAT)
	} else if monthlySet[p.Physical] && p.OptionType == "" {
		code = TRADE_CODE_MONTHLY
	} else if p.OptionType != "" {
		code = p.OptionType
	}
	return code, period
}

// writeMarginRecords writes one margin-record file with the fixed header row,
// even when no rows were computed.
func writeMarginRecords(path string, records []*MarginRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create margin file %s due to: %s", path, err.Error())
	}
	defer f.Close()

	if err = gocsv.MarshalFile(&records, f); err != nil {
		return fmt.Errorf("unable to write margin file %s due to: %s", path, err.Error())
	}
	return nil
}

// runProcess launches an external calculator and waits for it to finish.
// Only the exit status is captured; the calculators write their own logs.
func runProcess(exchange string, binary string, args ...string) (int, error) {
	cmd := exec.Command(binary, args...)
	err := cmd.Run()
	exitCode := 0
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return -1, fmt.Errorf("unable to start %s due to: %s", binary, err.Error())
		}
		exitCode = exitErr.ExitCode()
	}
	logrus.Infof("Process exited: %d %s", exitCode, exchange)
	return exitCode, nil
}

// logFailedPortfolios names every portfolio the adapter could not margin.
// Called on every Run exit path, a process that never started included.
func logFailedPortfolios(exchange string, names []string) {
	for _, name := range names {
		logrus.Errorf("%s Book %s Failed.", exchange, name)
	}
}

func portfolioNames(portfolios []*Portfolio) []string {
	names := make([]string, len(portfolios))
	for i, p := range portfolios {
		names[i] = p.Name
	}
	return names
}
