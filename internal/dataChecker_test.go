package internal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckData(t *testing.T) {
	dir := t.TempDir()
	save := filepath.Join(dir, "Source_Result_File.csv")
	require.NoError(t, writeMarginRecords(save, []*MarginRecord{
		{Portfolio: "BOOK1", Exchange: "CME", Commodity: "CL", InitReq: "100.5", IsMaint: "0"},
		{Portfolio: "BOOK1", Exchange: "CME", Commodity: "NG", InitReq: "200", IsMaint: "0"},
		{Portfolio: "BOOK2", Exchange: "CME", Commodity: "CL", InitReq: "", IsMaint: "0"},
	}))

	handler := NewMainHandler(&Config{})
	handler.Retrievers = []PositionRetriever{&stubSource{id: "7", save: save}}

	results := handler.CheckData()
	require.Len(t, results, 1)
	assert.Equal(t, "7", results[0].Source)
	assert.Equal(t, 3, results[0].Rows)
	assert.Equal(t, "300.5", results[0].TotalInitReq.String())
}

func TestCheckDataMissingReport(t *testing.T) {
	handler := NewMainHandler(&Config{})
	handler.Retrievers = []PositionRetriever{&stubSource{id: "7", save: filepath.Join(t.TempDir(), "missing.csv")}}

	results := handler.CheckData()
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].Rows)
}
