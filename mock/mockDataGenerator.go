package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strings"
	"time"
)

const DATA_FORMAT = "%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s\n"
const PORTFOLIO_FORMAT = "BOOK%02d"
const DATE_FORMAT = "2006-01-02"
const MAX_LOTS = 500
const MOCKDATA_PATH = "mock_positions.csv"

type contractSpec struct {
	exchange    string
	subExchange string
	physical    string
	code        string
	option      bool
}

var contracts = []contractSpec{
	{"NYMEX", "NYM", "CL", "CL", false},
	{"NYMEX", "NYM", "NG", "NG", true},
	{"CME", "CMX", "GC", "GC", false},
	{"CBOT", "CBT", "ZC", "ZC", true},
	{"ICE", "IPE", "B", "BRN", false},
	{"ICE", "NYB", "CC", "CC", false},
	{"SGX", "SG", "FE", "FE", false},
	{"LME", "LME", "AH", "AH", false},
	{"NODAL", "NDL", "PJM", "PJW", false},
}

var baseDate time.Time

func init() {
	baseDate, _ = time.Parse(DATE_FORMAT, "2026-09-01")
}

func main() {
	totalBooks := flag.Int("totalBooks", 10, "total number of portfolios")
	totalPositions := flag.Int("totalPositions", 1000, "total number of positions")
	totalPeriods := flag.Int("totalPeriods", 6, "total number of different delivery months")
	flag.Parse()

	periods := make([]string, *totalPeriods)
	for i := 0; i < len(periods); i++ {
		periods[i] = baseDate.AddDate(0, i, 0).Format(DATE_FORMAT)
	}
	log.Printf("Populate %d periods: %s\n", len(periods), strings.Join(periods, ", "))

	books := make([]string, *totalBooks)
	for i := 0; i < len(books); i++ {
		books[i] = fmt.Sprintf(PORTFOLIO_FORMAT, i+1)
	}
	log.Printf("Have %d books: %s\n", len(books), strings.Join(books, ", "))

	rows := make([]string, *totalPositions)
	var book, period, pfType, optionInd, strike, net, settlement string
	for i := 0; i < *totalPositions; i++ {
		contract := contracts[rand.Intn(len(contracts))]
		book = books[rand.Intn(*totalBooks)]
		period = periods[rand.Intn(*totalPeriods)]

		pfType = "FUT"
		optionInd = ""
		strike = ""
		if contract.option && rand.Intn(2) == 0 {
			pfType = "OOF"
			optionInd = []string{"C", "P"}[rand.Intn(2)]
			strike = fmt.Sprintf("%d.%02d", rand.Intn(90)+10, rand.Intn(100))
		}

		net = fmt.Sprintf("%d", rand.Intn(MAX_LOTS*2+1)-MAX_LOTS)
		if net == "0" {
			net = "1"
		}

		settlement = "M"
		if rand.Intn(10) == 0 {
			settlement = "DAILY"
		}

		rows[i] = fmt.Sprintf(DATA_FORMAT, book, contract.exchange, contract.subExchange,
			contract.code, contract.physical, period, net, pfType, optionInd, strike, settlement)
	}

	output := "portfolio_firm,ecPort_ec,np_exch,ccPort_cc,np_pfCode,np_period,np_net,np_pfType,np_optionInd,np_strike,trade_type\n" + strings.Join(rows, "")

	f, err := os.Create(MOCKDATA_PATH)
	if err != nil {
		log.Fatalf(err.Error())
	}

	f.WriteString(output)
	f.Close()

	log.Printf("Mock data generated at %s", MOCKDATA_PATH)
}
