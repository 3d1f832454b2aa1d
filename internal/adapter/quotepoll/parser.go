package quotepoll

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/melq/mdgate/internal/errs"
	"github.com/melq/mdgate/internal/schema"
)

// Quote page line layout (A-share convention): name, open, pre_close, last,
// high, low, bid1, ask1, volume, amount, then five (volume, price) pairs per
// book side, then date and time.
const (
	colOpen     = 1
	colPreClose = 2
	colLast     = 3
	colHigh     = 4
	colLow      = 5
	colVolume   = 8
	colAmount   = 9
	colBookBase = 10
	colDate     = 30
	colTime     = 31
	minColumns  = 32
)

var exchangeCodes = map[string]string{
	"SSE":  "sh",
	"SZSE": "sz",
}

// pageSymbol maps a canonical key to its quote page symbol
// ("SSE.600000" → "sh600000").
func pageSymbol(key string) (string, bool) {
	prefix := schema.ExchangePrefix(key)
	code, ok := exchangeCodes[prefix]
	if !ok {
		return "", false
	}
	return code + key[len(prefix)+1:], true
}

// splitQuoteLine extracts the page symbol and quoted payload from one
// `var hq_str_sh600000="...";` line.
func splitQuoteLine(line string) (code, payload string, ok bool) {
	line = strings.TrimSpace(line)
	const marker = "var hq_str_"
	if !strings.HasPrefix(line, marker) {
		return "", "", false
	}
	rest := line[len(marker):]
	eq := strings.IndexByte(rest, '=')
	if eq < 0 {
		return "", "", false
	}
	code = rest[:eq]
	quoted := strings.TrimSuffix(strings.TrimSpace(rest[eq+1:]), ";")
	if len(quoted) < 2 || quoted[0] != '"' || quoted[len(quoted)-1] != '"' {
		return "", "", false
	}
	return code, quoted[1 : len(quoted)-1], true
}

// parseQuoteLine normalizes one payload into a canonical snapshot. Columns
// carrying "-" or empty text stay out of the provided set.
func parseQuoteLine(key, payload string) (schema.Snapshot, error) {
	cols := strings.Split(payload, ",")
	if len(cols) < minColumns {
		return schema.Snapshot{}, errs.New("quotepoll/parse", errs.CodeInvalid, errs.WithMessage("short quote line"))
	}
	var snap schema.Snapshot
	snap.InstrumentID = key
	snap.ExchangeID = schema.ExchangePrefix(key)
	snap.Fields = schema.NewFieldSet(schema.FieldInstrumentID, schema.FieldExchangeID)

	setFloat(&snap, schema.FieldOpen, cols[colOpen])
	setFloat(&snap, schema.FieldPreClose, cols[colPreClose])
	setFloat(&snap, schema.FieldLastPrice, cols[colLast])
	setFloat(&snap, schema.FieldHigh, cols[colHigh])
	setFloat(&snap, schema.FieldLow, cols[colLow])
	setInt(&snap, schema.FieldVolume, cols[colVolume])
	setFloat(&snap, schema.FieldAmount, cols[colAmount])

	for level := 0; level < schema.BookDepth; level++ {
		bid := colBookBase + level*2
		ask := colBookBase + schema.BookDepth*2 + level*2
		setInt(&snap, schema.BidVolumeField(level), cols[bid])
		setFloat(&snap, schema.BidPriceField(level), cols[bid+1])
		setInt(&snap, schema.AskVolumeField(level), cols[ask])
		setFloat(&snap, schema.AskPriceField(level), cols[ask+1])
	}

	date := strings.TrimSpace(cols[colDate])
	clock := strings.TrimSpace(cols[colTime])
	if date != "" && clock != "" {
		snap.DateTime = date + "T" + clock + ".000+08:00"
		snap.TradingDay = strings.ReplaceAll(date, "-", "")
		snap.Fields = snap.Fields.With(schema.FieldDateTime).With(schema.FieldTradingDay)
	}
	if !snap.Fields.Has(schema.FieldLastPrice) {
		return schema.Snapshot{}, errs.New("quotepoll/parse", errs.CodeInvalid, errs.WithMessage("quote line missing last price"))
	}
	return snap, nil
}

// setFloat parses an exact decimal column into the snapshot field; the
// float64 conversion happens only at this schema boundary.
func setFloat(snap *schema.Snapshot, f schema.Field, col string) {
	d, ok := parseDecimal(col)
	if !ok {
		return
	}
	v, _ := d.Float64()
	snap.SetFloat(f, v)
}

func setInt(snap *schema.Snapshot, f schema.Field, col string) {
	d, ok := parseDecimal(col)
	if !ok {
		return
	}
	snap.SetInt(f, d.IntPart())
}

func parseDecimal(col string) (decimal.Decimal, bool) {
	col = strings.TrimSpace(col)
	if col == "" || col == "-" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(col)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}
