package internal

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Config is read from the environment (a .env file is honored when present).
type Config struct {
	WorkDir     string
	DownloadDir string
	ConfigDir   string

	SpanBinary  string
	IceBinary   string
	IceWaitTime int

	SnapshotDSN  string
	WorkspaceDSN string
	RatesDSN     string

	// Flat-file position source used when no snapshot database is configured.
	PositionsCSV string

	Nodal NodalConfig
}

func LoadConfig() *Config {
	return &Config{
		WorkDir:     getEnv("MARGIN_WORK_DIR", "InitialMargin"),
		DownloadDir: getEnv("MARGIN_DOWNLOAD_DIR", "Download"),
		ConfigDir:   getEnv("MARGIN_CONFIG_DIR", "Automation"),

		SpanBinary:  getEnv("SPAN_BINARY", "spanit"),
		IceBinary:   getEnv("ICE_BINARY", "marbat"),
		IceWaitTime: getEnvAsInt("ICE_WAIT_TIME", 100000),

		SnapshotDSN:  getEnv("SNAPSHOT_DSN", ""),
		WorkspaceDSN: getEnv("WORKSPACE_DSN", ""),
		RatesDSN:     getEnv("RATES_DSN", ""),

		PositionsCSV: getEnv("POSITIONS_CSV", ""),

		Nodal: NodalConfig{
			LoginURL:    getEnv("NODAL_LOGIN_URL", ""),
			UploadURL:   getEnv("NODAL_UPLOAD_URL", ""),
			MarginURL:   getEnv("NODAL_MARGIN_URL", ""),
			DeleteURL:   getEnv("NODAL_DELETE_URL", ""),
			Username:    getEnv("NODAL_USERNAME", ""),
			Password:    getEnv("NODAL_PASSWORD", ""),
			InsecureTLS: getEnv("NODAL_INSECURE_TLS", "") == "true",
		},
	}
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

// MainHandler wires the whole daily run: retrieval, aggregation, parameter
// staging, the adapter sequence, then reconciliation and the per-source
// reports. Adapters run one at a time in a fixed order; only the reconciler
// reads another component's output, strictly after all adapters complete.
type MainHandler struct {
	Config *Config

	Retrievers           []PositionRetriever
	ExchangeToPortfolios map[string][]*Portfolio
	Exchanges            []ExchangeAdapter
	MarginFiles          []string
	Reconciler           *Reconciler
}

func NewMainHandler(config *Config) *MainHandler {
	gocsv.FailIfUnmatchedStructTags = true
	return &MainHandler{
		Config:               config,
		ExchangeToPortfolios: make(map[string][]*Portfolio),
	}
}

// Run executes the pipeline and returns the process exit code: 0 only when
// every portfolio of every adapter margined cleanly.
func (handler *MainHandler) Run(ctx context.Context) int {
	cfg := handler.Config
	health := 0

	for _, dir := range []string{cfg.WorkDir, cfg.DownloadDir, cfg.ConfigDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logrus.Errorf("Unable to create directory %s due to: %s", dir, err.Error())
			return 1
		}
	}

	snapshotPool := connect(ctx, cfg.SnapshotDSN, "snapshot")
	workspacePool := connect(ctx, cfg.WorkspaceDSN, "workspace")
	ratesPool := connect(ctx, cfg.RatesDSN, "rates")

	handler.buildRetrievers(snapshotPool)
	if len(handler.Retrievers) == 0 {
		logrus.Error("No position source configured, set SNAPSHOT_DSN or POSITIONS_CSV")
		return 1
	}

	loadStart := time.Now()
	for _, retriever := range handler.Retrievers {
		positions, err := retriever.RetrievePositions(ctx)
		if err != nil {
			logrus.Errorf("Error in RetrievePositions due to: %s", err.Error())
			health = 1
			continue
		}
		BuildPortfolios(retriever.UniqueID(), positions, handler.ExchangeToPortfolios)
	}
	logrus.Infof("Done loading portfolios, took %s", time.Since(loadStart))

	dt := previousWorkday(time.Now())

	parameters := make([]*ParameterFile, 0)
	cmeP := NewParameterFile(dt, cfg.DownloadDir, cfg.ConfigDir, "cme.%s.s.pa2.zip", FILE_DATE_FORMAT, "cme.%s.s.pa2", FILE_DATE_FORMAT, "cmeDaily.pa2", &parameters)
	iceP := NewParameterFile(dt, cfg.DownloadDir, cfg.ConfigDir, "IPE%sF.SP6.zip", FILE_DATE_FORMAT, "IPE%sF.SP6", "0102", "iceDaily.SP6", &parameters)
	sgxP := NewParameterFile(dt, cfg.DownloadDir, cfg.ConfigDir, "sgx.%s.z.zip", FILE_DATE_FORMAT, "sgx.%s.z.pa2", FILE_DATE_FORMAT, "sgxDaily.pa2", &parameters)
	ipeCsvP := NewParameterFile(dt, cfg.DownloadDir, cfg.ConfigDir, "IPE%sF.CSV.zip", FILE_DATE_FORMAT, "IPE%sF.csv", "0102", "iceDaily.csv", &parameters)
	nybCsvP := NewParameterFile(dt, cfg.DownloadDir, cfg.ConfigDir, "NYB%sF.CSV.zip", FILE_DATE_FORMAT, "NYB%sF.csv", "0102", "nybDaily.csv", &parameters)
	lmeP := NewParameterFile(dt, cfg.DownloadDir, cfg.ConfigDir, "lme.%s.s.dat.zip", FILE_DATE_FORMAT, "%s_??????_SPF.dat", FILE_DATE_FORMAT, "lmeDaily.dat", &parameters)
	nybP := NewParameterFile(dt, cfg.DownloadDir, cfg.ConfigDir, "NYB%sF.SP6.zip", FILE_DATE_FORMAT, "NYB%sF.SP6", "0102", "nybDaily.SP6", &parameters)

	for _, p := range parameters {
		if err := p.Stage(); err != nil {
			// Non-fatal: the adapter that needs the file will surface it.
			logrus.Warnf("Parameter staging: %s", err.Error())
		}
	}

	handler.Exchanges = make([]ExchangeAdapter, 0)
	handler.MarginFiles = make([]string, 0)

	NewNodalApi(handler.ExchangeToPortfolios, cfg.Nodal, workspacePool, cfg.WorkDir, &handler.Exchanges, &handler.MarginFiles)
	NewSpanEngine(handler.ExchangeToPortfolios, cmeP, "CME", "CMX", cfg.WorkDir, cfg.SpanBinary, &handler.Exchanges, &handler.MarginFiles)
	NewSpanEngine(handler.ExchangeToPortfolios, cmeP, "CME", "CBT", cfg.WorkDir, cfg.SpanBinary, &handler.Exchanges, &handler.MarginFiles)
	NewSpanEngine(handler.ExchangeToPortfolios, sgxP, "SGX", "SG", cfg.WorkDir, cfg.SpanBinary, &handler.Exchanges, &handler.MarginFiles)
	NewSpanEngine(handler.ExchangeToPortfolios, cmeP, "CME", "CME", cfg.WorkDir, cfg.SpanBinary, &handler.Exchanges, &handler.MarginFiles)
	NewSpanEngine(handler.ExchangeToPortfolios, cmeP, "CME", "NYM", cfg.WorkDir, cfg.SpanBinary, &handler.Exchanges, &handler.MarginFiles)
	NewSpanEngine(handler.ExchangeToPortfolios, lmeP, "LCH", "LME", cfg.WorkDir, cfg.SpanBinary, &handler.Exchanges, &handler.MarginFiles)
	ipeSpan := NewSpanEngine(handler.ExchangeToPortfolios, iceP, "LCH", "IPE", cfg.WorkDir, cfg.SpanBinary, &handler.Exchanges, nil)
	nybSpan := NewSpanEngine(handler.ExchangeToPortfolios, nybP, "LCH", "NYB", cfg.WorkDir, cfg.SpanBinary, &handler.Exchanges, nil)
	ipeIce := NewIceBatch(handler.ExchangeToPortfolios, ipeCsvP, "I", "IPE", cfg.WorkDir, cfg.IceBinary, cfg.IceWaitTime, &handler.Exchanges)
	nybIce := NewIceBatch(handler.ExchangeToPortfolios, nybCsvP, "N", "NYB", cfg.WorkDir, cfg.IceBinary, cfg.IceWaitTime, &handler.Exchanges)

	for _, e := range handler.Exchanges {
		if init, ok := e.(Initializer); ok {
			if err := init.Init(); err != nil {
				logrus.Errorf("Error in Init for %s due to: %s", e.ExchangeCode(), err.Error())
				health = 1
				continue
			}
		}
		if err := e.Run(); err != nil {
			logrus.Errorf("Error in Run for %s due to: %s", e.ExchangeCode(), err.Error())
			health = 1
		}
		if len(e.FailedPortfolios()) > 0 {
			health = 1
		}
	}

	currency := NewCurrencyTable(dt)
	if ratesPool != nil && workspacePool != nil {
		if err := currency.Load(ctx, ratesPool, workspacePool); err != nil {
			logrus.Errorf("Error in currency Load due to: %s", err.Error())
			health = 1
		}
	} else {
		logrus.Warn("No rates/workspace database configured, all rows stay in their source currency")
	}

	handler.Reconciler = NewReconciler(currency, handler.MarginFiles)
	if err := handler.Reconciler.ConvertCurrency(); err != nil {
		logrus.Errorf("Error in ConvertCurrency due to: %s", err.Error())
		health = 1
	}

	for _, pair := range []struct {
		native, vendor ExchangeAdapter
		mergeFile      string
	}{
		{ipeSpan, ipeIce, filepath.Join(cfg.WorkDir, "IPE_Merge.csv")},
		{nybSpan, nybIce, filepath.Join(cfg.WorkDir, "NYB_Merge.csv")},
	} {
		if _, err := os.Stat(pair.native.ResultFile()); err != nil {
			logrus.Warnf("Skipping merge for %s, no native result file", pair.native.ExchangeCode())
			continue
		}
		if err := handler.Reconciler.Merge(pair.native, pair.vendor, pair.mergeFile); err != nil {
			logrus.Errorf("Error in Merge for %s due to: %s", pair.native.ExchangeCode(), err.Error())
			health = 1
		}
	}

	for _, retriever := range handler.Retrievers {
		if err := handler.Reconciler.BuildSourceReport(retriever); err != nil {
			logrus.Errorf("Error in BuildSourceReport due to: %s", err.Error())
			health = 1
		}
	}

	handler.CheckData()

	return health
}

func (handler *MainHandler) buildRetrievers(snapshotPool *pgxpool.Pool) {
	cfg := handler.Config
	if snapshotPool != nil {
		handler.Retrievers = []PositionRetriever{
			NewSQLRetriever(filepath.Join(cfg.WorkDir, "Hplp_Result_File.csv"), HPLP_FIRM_QUERY, snapshotPool),
			NewSQLRetriever(filepath.Join(cfg.WorkDir, "Hppg_Result_File.csv"), HPPG_FIRM_QUERY, snapshotPool),
			NewSQLRetriever(filepath.Join(cfg.WorkDir, "Hplp_Book_Result_File.csv"), BOOK_QUERY, snapshotPool),
			NewSQLRetriever(filepath.Join(cfg.WorkDir, "Hplp_Strategy_Result_File.csv"), STRATEGY_QUERY, snapshotPool),
		}
		return
	}
	if cfg.PositionsCSV != "" {
		handler.Retrievers = []PositionRetriever{
			NewCSVRetriever(filepath.Join(cfg.WorkDir, "Positions_Result_File.csv"), cfg.PositionsCSV),
		}
	}
}

func connect(ctx context.Context, dsn, name string) *pgxpool.Pool {
	if dsn == "" {
		return nil
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		logrus.Errorf("Unable to connect to %s database due to: %s", name, err.Error())
		return nil
	}
	return pool
}

func previousWorkday(now time.Time) time.Time {
	dt := now.AddDate(0, 0, -1)
	for dt.Weekday() == time.Saturday || dt.Weekday() == time.Sunday {
		dt = dt.AddDate(0, 0, -1)
	}
	return dt
}
