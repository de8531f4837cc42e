package internal

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNodalApi(t *testing.T, cfg NodalConfig, portfolios []*Portfolio) *NodalApi {
	t.Helper()
	exchanges := make([]ExchangeAdapter, 0)
	marginFiles := make([]string, 0)
	return NewNodalApi(map[string][]*Portfolio{"NDL": portfolios}, cfg, nil,
		t.TempDir(), &exchanges, &marginFiles)
}

func TestNodalApiBuildInput(t *testing.T) {
	march := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
	portfolios := []*Portfolio{{
		Exchange: "NDL",
		Name:     "1_BOOK1",
		Contracts: []*Contract{{
			SubExchange: "NDL",
			Code:        "PJW",
			Positions: []*Position{
				{SubExchange: "NDL", Physical: "PJW", StartDate: march, Size: 10},
				{SubExchange: "NDL", Physical: "NGP", StartDate: march, Size: -5, OptionType: "C", Strike: 250},
			},
		}},
	}}
	e := testNodalApi(t, NodalConfig{}, portfolios)
	e.lotContracts["NGP"] = true
	require.NoError(t, e.BuildInput())

	body := e.portfolioFiles["1_BOOK1"]
	lines := strings.Split(strings.TrimRight(body, "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, NODAL_POSITION_HEADER, lines[0])
	assert.Equal(t, "PJW,f,f,20260300,0,10,MW", lines[1])
	// strikes quoted in hundredths on our side, whole units on theirs
	assert.Equal(t, "NGP,f,c,20260300,2.5,-5,LOTS", lines[2])
}

func TestNodalApiCalculateMargin(t *testing.T) {
	var loggedIn, uploaded, queried, deleted bool

	mux := http.NewServeMux()
	mux.HandleFunc("/sso/login", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "user", r.FormValue("username"))
		assert.Equal(t, "pass", r.FormValue("password"))
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "abc"})
		loggedIn = true
	})
	mux.HandleFunc("/riskmanager/upload", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1 << 20))
		file, header, err := r.FormFile("filepath")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, NODAL_UPLOAD_NAME, header.Filename)
		uploaded = true
		fmt.Fprint(w, `{"success":true,"results":[{"referenceId":"ref-1","hashCode":111,"ownerId":222,"dateCreated":333}]}`)
	})
	mux.HandleFunc("/riskmanager/margin", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ref-1", r.URL.Query().Get("testTradeUploadReferenceIds"))
		queried = true
		fmt.Fprint(w, `{"rows":[{"totalLiquidityMargin":100.5,"totalPriceRisk":200.25}]}`)
	})
	mux.HandleFunc("/riskmanager/delete/ref-1", func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		assert.Contains(t, string(body), `"referenceId":"ref-1"`)
		assert.Contains(t, string(body), `"hashCode":111`)
		deleted = true
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := NodalConfig{
		LoginURL:  server.URL + "/sso/login",
		UploadURL: server.URL + "/riskmanager/upload",
		MarginURL: server.URL + "/riskmanager/margin",
		DeleteURL: server.URL + "/riskmanager/delete",
		Username:  "user",
		Password:  "pass",
	}
	e := testNodalApi(t, cfg, nil)

	margin, err := e.calculateMargin("header\nrow\n")
	require.NoError(t, err)
	assert.Equal(t, 300.75, margin)
	assert.True(t, loggedIn)
	assert.True(t, uploaded)
	assert.True(t, queried)
	assert.True(t, deleted)
}

func TestNodalApiCalculateMarginNoReference(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sso/login", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/riskmanager/upload", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":false}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	e := testNodalApi(t, NodalConfig{
		LoginURL:  server.URL + "/sso/login",
		UploadURL: server.URL + "/riskmanager/upload",
	}, nil)

	_, err := e.calculateMargin("header\n")
	assert.Error(t, err)
}

func TestExtractUploadResult(t *testing.T) {
	body := `{"results":[{"fileName":"positions.csv","referenceId":"abc-123","hashCode": 42,"ownerId":7,"dateCreated":1756300000000}]}`
	upload := extractUploadResult(body)
	assert.Equal(t, "abc-123", upload.ReferenceID)
	assert.Equal(t, "42", upload.HashCode)
	assert.Equal(t, "7", upload.OwnerID)
	assert.Equal(t, "1756300000000", upload.DateCreated)
}

func TestExtractFigure(t *testing.T) {
	body := `{"totalLiquidityMargin":100.5,"totalPriceRisk":"200.25"}`

	liquidity, err := extractFigure(liquidityMarginPattern, body, "totalLiquidityMargin")
	require.NoError(t, err)
	assert.Equal(t, 100.5, liquidity)

	// quoted figures appear on some gateway versions
	priceRisk, err := extractFigure(priceRiskPattern, body, "totalPriceRisk")
	require.NoError(t, err)
	assert.Equal(t, 200.25, priceRisk)

	_, err = extractFigure(liquidityMarginPattern, "{}", "totalLiquidityMargin")
	assert.Error(t, err)
}

func TestOriginOf(t *testing.T) {
	assert.Equal(t, "https://margin.example.com", originOf("https://margin.example.com/riskmanager/upload"))
}
