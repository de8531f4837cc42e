package internal

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http/cookiejar"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openmargin/marginrun/api"
	"github.com/sirupsen/logrus"
)

const NODAL_EXCHANGE = "NDL"
const NODAL_USER_AGENT = "Mozilla/5.0 (Windows NT 6.1; WOW64; Trident/7.0; rv:11.0) like Gecko"
const NODAL_UPLOAD_NAME = "positions.csv"

const NODAL_POSITION_HEADER = "physical_commodity_code,contract_term_code,contract_type,expiry,strike_price,net_lots,units"

// The margin service replies with fragments inside larger, schema-variable
// payloads; the identifiers are pulled out positionally.
var referenceIDPattern = regexp.MustCompile(`referenceId"\s*:\s*"([^"]+)`)
var hashCodePattern = regexp.MustCompile(`hashCode"\s*:\s*(\d+)`)
var ownerIDPattern = regexp.MustCompile(`ownerId"\s*:\s*(\d+)`)
var dateCreatedPattern = regexp.MustCompile(`dateCreated"\s*:\s*(\d+)`)
var liquidityMarginPattern = regexp.MustCompile(`totalLiquidityMargin"\s*:\s*([^,}]+)`)
var priceRiskPattern = regexp.MustCompile(`totalPriceRisk"\s*:\s*([^,}]+)`)

// NodalConfig carries the web margin service endpoints and credentials.
type NodalConfig struct {
	LoginURL  string
	UploadURL string
	MarginURL string
	DeleteURL string
	Username  string
	Password  string

	// The service fronts an internal gateway with a self-signed chain.
	InsecureTLS bool
}

// NodalApi computes one margin figure per portfolio through the vendor's web
// service: authenticated session, position upload, risk-figure query, then
// cleanup of the server-side upload. Each portfolio gets its own session; a
// failed exchange isolates to that portfolio.
type NodalApi struct {
	exchange   string
	resultFile string
	portfolios []*Portfolio

	cfg  NodalConfig
	pool *pgxpool.Pool

	// physical codes quoted in lots rather than the default physical unit,
	// loaded by Init; absent lookups default to MW
	lotContracts map[string]bool

	portfolioFiles map[string]string
	portfolioOrder []string
	records        []*MarginRecord
	failed         []string
}

func NewNodalApi(exchangeToPortfolios map[string][]*Portfolio, cfg NodalConfig, pool *pgxpool.Pool,
	workDir string, exchanges *[]ExchangeAdapter, marginFiles *[]string) *NodalApi {

	e := &NodalApi{
		exchange:       NODAL_EXCHANGE,
		resultFile:     filepath.Join(workDir, NODAL_EXCHANGE+"_Margin.csv"),
		portfolios:     exchangeToPortfolios[NODAL_EXCHANGE],
		cfg:            cfg,
		pool:           pool,
		lotContracts:   make(map[string]bool),
		portfolioFiles: make(map[string]string),
	}
	*exchanges = append(*exchanges, e)
	if marginFiles != nil {
		*marginFiles = append(*marginFiles, e.resultFile)
	}
	return e
}

func (e *NodalApi) ExchangeCode() string { return e.exchange }
func (e *NodalApi) ResultFile() string { return e.resultFile }
func (e *NodalApi) FailedPortfolios() []string { return e.failed }

// Init loads the unit-of-measure reference set: commodity codes quoted in
// LOTS. Without a mapping row a commodity stays in the default physical unit.
func (e *NodalApi) Init() error {
	if e.pool == nil {
		logrus.Warn("No workspace database configured, all Nodal contracts default to MW units")
		return nil
	}
	rows, err := e.pool.Query(context.Background(),
		"SELECT commodity_code FROM nodal_unit_mapping WHERE unit = 'LOTS'")
	if err != nil {
		return fmt.Errorf("unable to load nodal unit mapping due to: %s", err.Error())
	}
	defer rows.Close()
	for rows.Next() {
		var code string
		if err = rows.Scan(&code); err != nil {
			return fmt.Errorf("unable to scan nodal unit mapping due to: %s", err.Error())
		}
		e.lotContracts[code] = true
	}
	return rows.Err()
}

// BuildInput renders one upload body per portfolio. Strikes are quoted in
// hundredths on our side and whole units on theirs, hence the /100.
func (e *NodalApi) BuildInput() error {
	for _, p := range e.portfolios {
		var b strings.Builder
		b.WriteString(NODAL_POSITION_HEADER + "\n")
		for _, c := range p.Contracts {
			for _, pos := range c.Positions {
				contractType := "f"
				if pos.OptionType != "" {
					contractType = strings.ToLower(pos.OptionType)
				}
				units := "MW"
				if e.lotContracts[pos.Physical] {
					units = "LOTS"
				}
				fmt.Fprintf(&b, "%s,f,%s,%s,%s,%s,%s\n",
					pos.Physical, contractType,
					pos.StartDate.Format(PERIOD_MONTH_FORMAT)+"00",
					formatFloat(pos.Strike/100), formatFloat(pos.Size), units)
			}
		}
		e.portfolioFiles[p.Name] = b.String()
		e.portfolioOrder = append(e.portfolioOrder, p.Name)
	}
	return nil
}

// Invoke runs the four-step HTTP exchange once per portfolio. Any step
// failing marks just that portfolio and moves on.
func (e *NodalApi) Invoke() error {
	for _, name := range e.portfolioOrder {
		margin, err := e.calculateMargin(e.portfolioFiles[name])
		if err != nil {
			logrus.WithFields(logrus.Fields{"exchange": e.exchange, "portfolio": name}).
				Errorf("Margin calculation failed due to: %s", err.Error())
			e.failed = append(e.failed, name)
			continue
		}
		m := formatFloat(margin)
		e.records = append(e.records, &MarginRecord{
			Portfolio:  name,
			Exchange:   "NODAL",
			Commodity:  "NODAL",
			InitReq:    m,
			InitMargin: m,
			IsMaint:    "0",
		})
	}
	return nil
}

func (e *NodalApi) calculateMargin(positions string) (float64, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return 0, err
	}
	client := resty.New().
		SetCookieJar(jar).
		SetHeader("User-Agent", NODAL_USER_AGENT)
	if e.cfg.InsecureTLS {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}

	resp, err := client.R().
		SetFormData(map[string]string{
			"redirectUrl-inputEl": "",
			"username":            e.cfg.Username,
			"password":            e.cfg.Password,
		}).
		Post(e.cfg.LoginURL)
	if err != nil {
		return 0, fmt.Errorf("login failed due to: %s", err.Error())
	}
	if resp.IsError() {
		return 0, fmt.Errorf("login failed with status %d", resp.StatusCode())
	}

	origin := originOf(e.cfg.UploadURL)
	resp, err = client.R().
		SetHeader("Origin", origin).
		SetHeader("Referer", origin+"/riskmanager/").
		SetFileReader("filepath", NODAL_UPLOAD_NAME, strings.NewReader(positions)).
		Post(e.cfg.UploadURL)
	if err != nil {
		return 0, fmt.Errorf("upload failed due to: %s", err.Error())
	}
	upload := extractUploadResult(resp.String())
	if upload.ReferenceID == "" {
		return 0, fmt.Errorf("upload response carries no referenceId: %s", resp.String())
	}

	resp, err = client.R().
		SetQueryParams(map[string]string{
			"forecast":                    "false",
			"client":                      "true",
			"_dc":                         fmt.Sprintf("%d", time.Now().Unix()),
			"testTradeUploadReferenceIds": upload.ReferenceID,
			"page":                        "1",
			"start":                       "0",
			"limit":                       "25",
		}).
		Get(e.cfg.MarginURL)
	if err != nil {
		return 0, fmt.Errorf("margin query failed due to: %s", err.Error())
	}
	liquidity, err := extractFigure(liquidityMarginPattern, resp.String(), "totalLiquidityMargin")
	if err != nil {
		return 0, err
	}
	priceRisk, err := extractFigure(priceRiskPattern, resp.String(), "totalPriceRisk")
	if err != nil {
		return 0, err
	}

	// Server-side uploads accumulate against the account, clean up even
	// though the margin figure is already in hand.
	hashCode, _ := strconv.ParseInt(upload.HashCode, 10, 64)
	ownerID, _ := strconv.ParseInt(upload.OwnerID, 10, 64)
	dateCreated, _ := strconv.ParseInt(upload.DateCreated, 10, 64)
	_, err = client.R().
		SetBody(api.DeleteUploadReq{
			ID:          hashCode,
			DateCreated: dateCreated,
			OwnerID:     ownerID,
			FileName:    NODAL_UPLOAD_NAME,
			ReferenceID: upload.ReferenceID,
			HashCode:    hashCode,
			Include:     false,
		}).
		Post(e.cfg.DeleteURL + "/" + upload.ReferenceID)
	if err != nil {
		logrus.Warnf("Unable to delete upload %s due to: %s", upload.ReferenceID, err.Error())
	}

	return priceRisk + liquidity, nil
}

// Normalize writes the accumulated per-portfolio figures.
func (e *NodalApi) Normalize() error {
	return writeMarginRecords(e.resultFile, e.records)
}

func (e *NodalApi) Run() error {
	if len(e.portfolios) == 0 {
		return nil
	}
	if err := e.BuildInput(); err != nil {
		return err
	}
	if err := e.Invoke(); err != nil {
		return err
	}
	err := e.Normalize()
	for _, name := range e.failed {
		logrus.Errorf("Nodal Book %s Failed.", name)
	}
	return err
}

func extractUploadResult(body string) api.UploadResult {
	return api.UploadResult{
		ReferenceID: firstGroup(referenceIDPattern, body),
		HashCode:    firstGroup(hashCodePattern, body),
		OwnerID:     firstGroup(ownerIDPattern, body),
		DateCreated: firstGroup(dateCreatedPattern, body),
	}
}

func extractFigure(pattern *regexp.Regexp, body, name string) (float64, error) {
	raw := firstGroup(pattern, body)
	if raw == "" {
		return 0, fmt.Errorf("margin response carries no %s: %s", name, body)
	}
	v, err := strconv.ParseFloat(strings.Trim(raw, `"`), 64)
	if err != nil {
		return 0, fmt.Errorf("%s value %q is not numeric", name, raw)
	}
	return v, nil
}

func firstGroup(pattern *regexp.Regexp, body string) string {
	m := pattern.FindStringSubmatch(body)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
