package internal

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ResultParser converts one SPAN result document into flat margin records in
// a single forward pass, one row per (portfolio, commodity) pair that carries
// a total requirement. The document is never materialized: the parser is a
// small state machine over the decoder's token stream, which keeps the
// optional secondary-requirement node and the variable number of delta leaves
// independently handled.
type ResultParser struct {
	// AcctSuffix, when set, restricts parsing to portfolios whose account
	// identifier ends with it. Used to carve test accounts out of a shared
	// result document.
	AcctSuffix string
}

// Stages of the per-commodity state machine, in document order.
const (
	stageCC = iota
	stageNReq
	stageHead
	stageDelta
	stageWaitDReq
	stageDReq
	stageExch
	stageDone
)

func (rp *ResultParser) ParseFile(path string) ([]*MarginRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open result document %s due to: %s", path, err.Error())
	}
	defer f.Close()
	return rp.Parse(f)
}

func (rp *ResultParser) Parse(r io.Reader) ([]*MarginRecord, error) {
	dec := xml.NewDecoder(r)
	records := make([]*MarginRecord, 0)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed result document due to: %s", err.Error())
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "portfolio" {
			if err = rp.parsePortfolio(dec, &records); err != nil {
				return nil, err
			}
		}
	}
	return records, nil
}

// parsePortfolio consumes one portfolio element. Commodity groupings are only
// read once an account identifier has been seen (and matched, when filtering
// is enabled); everything else in the portfolio is skipped.
func (rp *ResultParser) parsePortfolio(dec *xml.Decoder, records *[]*MarginRecord) error {
	depth := 1
	firm := ""
	acctOK := false
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("malformed result document due to: %s", err.Error())
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "firm":
				if firm, err = readText(dec); err != nil {
					return err
				}
			case "acctId":
				acctID, err := readText(dec)
				if err != nil {
					return err
				}
				acctOK = rp.AcctSuffix == "" || strings.HasSuffix(acctID, rp.AcctSuffix)
			case "ecPort":
				depth++
			case "ccPort":
				if !acctOK {
					if err = dec.Skip(); err != nil {
						return fmt.Errorf("malformed result document due to: %s", err.Error())
					}
					continue
				}
				record, emit, err := rp.parseCcPort(dec)
				if err != nil {
					return err
				}
				if emit {
					record.Portfolio = firm
					*records = append(*records, record)
				}
			default:
				if err = dec.Skip(); err != nil {
					return fmt.Errorf("malformed result document due to: %s", err.Error())
				}
			}
		case xml.EndElement:
			depth--
		}
	}
	return nil
}

// parseCcPort consumes one commodity grouping. A grouping without a total
// requirement node yields no row; a grouping without a secondary-requirement
// node still yields a row with zero/empty secondary fields.
func (rp *ResultParser) parseCcPort(dec *xml.Decoder) (*MarginRecord, bool, error) {
	var (
		cc, srText, iaText, ieText, exch, dIsM string
		spanReq, anov, remainingDelta, dSpanReq float64
		hasNReq                                 bool
	)

	depth := 1
	stage := stageCC
	headField := 0 // isM, spanReq, anov, sr, ia, ie

	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return nil, false, fmt.Errorf("malformed result document due to: %s", err.Error())
		}
		switch t := tok.(type) {
		case xml.EndElement:
			depth--
			continue
		case xml.StartElement:
			name := t.Name.Local
			leaf := false
			text := ""

			readLeaf := func() error {
				text, err = readText(dec)
				leaf = true
				return err
			}

			switch stage {
			case stageCC:
				if name == "cc" {
					if err = readLeaf(); err != nil {
						return nil, false, err
					}
					cc = text
					stage = stageNReq
				}
			case stageNReq:
				if name == "nReq" {
					hasNReq = true
					stage = stageHead
				}
			case stageHead:
				expected := []string{"isM", "spanReq", "anov", "sr", "ia", "ie"}
				if name == expected[headField] {
					if err = readLeaf(); err != nil {
						return nil, false, err
					}
					switch name {
					case "spanReq":
						if spanReq, err = parseResultFloat(name, text); err != nil {
							return nil, false, err
						}
					case "anov":
						if anov, err = parseResultFloat(name, text); err != nil {
							return nil, false, err
						}
					case "sr":
						srText = text
					case "ia":
						iaText = text
					case "ie":
						ieText = text
					}
					headField++
					if headField == len(expected) {
						stage = stageDelta
					}
				}
			case stageDelta:
				switch name {
				case "rd":
					if err = readLeaf(); err != nil {
						return nil, false, err
					}
					rd, err := parseResultFloat(name, text)
					if err != nil {
						return nil, false, err
					}
					remainingDelta += rd
				case "str":
					stage = stageWaitDReq
				case "dReq":
					stage = stageDReq
				}
			case stageWaitDReq:
				if name == "dReq" {
					stage = stageDReq
				}
			case stageDReq:
				switch name {
				case "isM":
					if err = readLeaf(); err != nil {
						return nil, false, err
					}
					dIsM = text
				case "spanReq":
					if err = readLeaf(); err != nil {
						return nil, false, err
					}
					if dSpanReq, err = parseResultFloat(name, text); err != nil {
						return nil, false, err
					}
					stage = stageExch
				}
			case stageExch:
				if name == "exch" {
					if err = readLeaf(); err != nil {
						return nil, false, err
					}
					exch = text
					stage = stageDone
				}
			}

			if !leaf {
				depth++
			}
		}
	}

	if !hasNReq {
		return nil, false, nil
	}

	return &MarginRecord{
		Exchange:        exch,
		Commodity:       cc,
		Delta:           formatFloat(remainingDelta),
		MaintMargin:     formatFloat(spanReq - anov),
		OptValue:        formatFloat(anov),
		SpanRequirement: formatFloat(spanReq),
		ScanRisk:        srText,
		InterCredit:     ieText,
		IntraCharge:     iaText,
		InitReq:         formatFloat(dSpanReq),
		InitMargin:      formatFloat(dSpanReq - anov),
		IsMaint:         dIsM,
	}, true, nil
}

// readText consumes the remainder of the current element and returns its
// trimmed character data.
func readText(dec *xml.Decoder) (string, error) {
	var sb strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", fmt.Errorf("malformed result document due to: %s", err.Error())
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.StartElement:
			if err = dec.Skip(); err != nil {
				return "", fmt.Errorf("malformed result document due to: %s", err.Error())
			}
		case xml.EndElement:
			return strings.TrimSpace(sb.String()), nil
		}
	}
}

func parseResultFloat(name, text string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil {
		return 0, fmt.Errorf("malformed result document: %s value %q is not numeric", name, text)
	}
	return v, nil
}

// formatFloat renders v in the shortest round-trip form, falling back to
// fixed-point when that form would use scientific notation. Result files must
// never carry exponents: downstream consumers read them as plain decimals.
func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if strings.ContainsAny(s, "eE") {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return s
}
