package internal

import (
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type SourceCheckResult struct {
	Source       string
	Rows         int
	TotalInitReq decimal.Decimal
}

// CheckData summarizes each per-source report after the run: row count and
// total initial requirement, plus a warning when a source produced no rows
// at all (usually a sign the upstream snapshot was empty).
func (handler *MainHandler) CheckData() []*SourceCheckResult {
	results := make([]*SourceCheckResult, 0, len(handler.Retrievers))
	for _, retriever := range handler.Retrievers {
		result := &SourceCheckResult{Source: retriever.UniqueID()}
		records, err := readMarginRecords(retriever.SaveFile())
		if err != nil {
			logrus.Warnf("Unable to check report %s due to: %s", retriever.SaveFile(), err.Error())
			results = append(results, result)
			continue
		}
		for _, record := range records {
			result.Rows++
			if d, err := decimal.NewFromString(record.InitReq); err == nil {
				result.TotalInitReq = result.TotalInitReq.Add(d)
			}
		}
		if result.Rows == 0 {
			logrus.Warnf("Source %s produced no margin rows", result.Source)
		} else {
			logrus.WithFields(logrus.Fields{
				"source":       result.Source,
				"rows":         result.Rows,
				"totalInitReq": result.TotalInitReq.String(),
			}).Info("Source report summary")
		}
		results = append(results, result)
	}
	return results
}
