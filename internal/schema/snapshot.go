// Package schema defines the canonical market data snapshot and the
// provided-set machinery used by the diff engine.
package schema

import (
	"math"
	"math/bits"
	"strings"

	"github.com/melq/mdgate/internal/errs"
)

// BookDepth is the number of price levels carried per book side.
const BookDepth = 5

// Field identifies one canonical snapshot field.
type Field uint8

// Canonical snapshot fields. The order is wire-stable: FieldSet persists
// positions, so new fields append at the end.
const (
	FieldInstrumentID Field = iota
	FieldExchangeID
	FieldSource
	FieldDateTime
	FieldTradingDay

	FieldLastPrice
	FieldVolume
	FieldAmount
	FieldOpenInterest
	FieldPreOpenInterest
	FieldAverage

	FieldOpen
	FieldHigh
	FieldLow
	FieldPreClose
	FieldPreSettlement
	FieldSettlement
	FieldUpperLimit
	FieldLowerLimit

	FieldBidPrice1
	FieldBidPrice2
	FieldBidPrice3
	FieldBidPrice4
	FieldBidPrice5
	FieldBidVolume1
	FieldBidVolume2
	FieldBidVolume3
	FieldBidVolume4
	FieldBidVolume5
	FieldAskPrice1
	FieldAskPrice2
	FieldAskPrice3
	FieldAskPrice4
	FieldAskPrice5
	FieldAskVolume1
	FieldAskVolume2
	FieldAskVolume3
	FieldAskVolume4
	FieldAskVolume5

	fieldCount
)

// BidPriceField returns the field for the bid price at the given zero-based level.
func BidPriceField(level int) Field { return FieldBidPrice1 + Field(level) }

// BidVolumeField returns the field for the bid volume at the given zero-based level.
func BidVolumeField(level int) Field { return FieldBidVolume1 + Field(level) }

// AskPriceField returns the field for the ask price at the given zero-based level.
func AskPriceField(level int) Field { return FieldAskPrice1 + Field(level) }

// AskVolumeField returns the field for the ask volume at the given zero-based level.
func AskVolumeField(level int) Field { return FieldAskVolume1 + Field(level) }

// Name returns the canonical wire name of the field.
func (f Field) Name() string {
	if f >= fieldCount {
		return ""
	}
	return fieldTable[f].name
}

// FieldByName resolves a canonical wire name to its field.
func FieldByName(name string) (Field, bool) {
	f, ok := fieldByName[name]
	return f, ok
}

// FieldSet records which snapshot fields a producer actually delivered.
type FieldSet uint64

// With returns the set with f added.
func (s FieldSet) With(f Field) FieldSet { return s | 1<<f }

// Without returns the set with f removed.
func (s FieldSet) Without(f Field) FieldSet { return s &^ (1 << f) }

// Has reports whether f is in the set.
func (s FieldSet) Has(f Field) bool { return s&(1<<f) != 0 }

// Union returns the union of both sets.
func (s FieldSet) Union(o FieldSet) FieldSet { return s | o }

// Empty reports whether no field is set.
func (s FieldSet) Empty() bool { return s == 0 }

// Count returns the number of fields in the set.
func (s FieldSet) Count() int { return bits.OnesCount64(uint64(s)) }

// Each invokes fn for every field in the set, in field order.
func (s FieldSet) Each(fn func(Field)) {
	for rest := uint64(s); rest != 0; {
		f := Field(bits.TrailingZeros64(rest))
		rest &= rest - 1
		fn(f)
	}
}

// NewFieldSet builds a set from the given fields.
func NewFieldSet(fields ...Field) FieldSet {
	var s FieldSet
	for _, f := range fields {
		s = s.With(f)
	}
	return s
}

// Snapshot is the normalized per-instrument market data record. Fields marks
// which members carry producer-delivered values; the rest are sentinels and
// never cross the wire.
type Snapshot struct {
	InstrumentID string
	ExchangeID   string
	Source       string
	DateTime     string
	TradingDay   string

	LastPrice       float64
	Volume          int64
	Amount          float64
	OpenInterest    float64
	PreOpenInterest float64
	Average         float64

	Open          float64
	High          float64
	Low           float64
	PreClose      float64
	PreSettlement float64
	Settlement    float64
	UpperLimit    float64
	LowerLimit    float64

	BidPrice  [BookDepth]float64
	BidVolume [BookDepth]int64
	AskPrice  [BookDepth]float64
	AskVolume [BookDepth]int64

	Fields FieldSet
}

// Clone returns a copy of the snapshot.
func (s *Snapshot) Clone() Snapshot {
	return *s
}

// Merge copies every field in set from src into s and adds set to s.Fields.
func (s *Snapshot) Merge(src *Snapshot, set FieldSet) {
	set.Each(func(f Field) {
		desc := &fieldTable[f]
		switch desc.kind {
		case kindString:
			*desc.str(s) = *desc.str(src)
		case kindFloat:
			*desc.f64(s) = *desc.f64(src)
		case kindInt:
			*desc.i64(s) = *desc.i64(src)
		}
	})
	s.Fields = s.Fields.Union(set)
}

// Diff returns the fields of s that the receiver of sent has not yet seen
// with their current value. Numeric comparison is bitwise on the IEEE-754
// encoding, so an unchanged NaN is not a change. A field present in s but
// absent from sent always counts as changed.
func (s *Snapshot) Diff(sent *Snapshot) FieldSet {
	var changed FieldSet
	s.Fields.Each(func(f Field) {
		if !sent.Fields.Has(f) {
			changed = changed.With(f)
			return
		}
		desc := &fieldTable[f]
		switch desc.kind {
		case kindString:
			if *desc.str(s) != *desc.str(sent) {
				changed = changed.With(f)
			}
		case kindFloat:
			if math.Float64bits(*desc.f64(s)) != math.Float64bits(*desc.f64(sent)) {
				changed = changed.With(f)
			}
		case kindInt:
			if *desc.i64(s) != *desc.i64(sent) {
				changed = changed.With(f)
			}
		}
	})
	return changed
}

// ValidateInstrument checks a canonical instrument key.
func ValidateInstrument(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errs.New("schema/instrument", errs.CodeInvalid, errs.WithMessage("instrument key required"))
	}
	if strings.ContainsAny(key, ", \t\r\n") {
		return errs.New("schema/instrument", errs.CodeInvalid, errs.WithMessage("instrument key contains separator characters"))
	}
	return nil
}

// ExchangePrefix returns the exchange qualifier of a canonical key
// ("SHFE" for "SHFE.au2412"), or "" when the key carries none.
func ExchangePrefix(key string) string {
	if i := strings.IndexByte(key, '.'); i > 0 {
		return key[:i]
	}
	return ""
}

type fieldKind uint8

const (
	kindString fieldKind = iota
	kindFloat
	kindInt
)

type fieldDesc struct {
	name string
	kind fieldKind
	str  func(*Snapshot) *string
	f64  func(*Snapshot) *float64
	i64  func(*Snapshot) *int64
}

var (
	fieldTable  [fieldCount]fieldDesc
	fieldByName map[string]Field
)

func stringField(name string, at func(*Snapshot) *string) fieldDesc {
	return fieldDesc{name: name, kind: kindString, str: at}
}

func floatField(name string, at func(*Snapshot) *float64) fieldDesc {
	return fieldDesc{name: name, kind: kindFloat, f64: at}
}

func intField(name string, at func(*Snapshot) *int64) fieldDesc {
	return fieldDesc{name: name, kind: kindInt, i64: at}
}

func init() {
	fieldTable[FieldInstrumentID] = stringField("instrument_id", func(s *Snapshot) *string { return &s.InstrumentID })
	fieldTable[FieldExchangeID] = stringField("exchange_id", func(s *Snapshot) *string { return &s.ExchangeID })
	fieldTable[FieldSource] = stringField("source", func(s *Snapshot) *string { return &s.Source })
	fieldTable[FieldDateTime] = stringField("datetime", func(s *Snapshot) *string { return &s.DateTime })
	fieldTable[FieldTradingDay] = stringField("trading_day", func(s *Snapshot) *string { return &s.TradingDay })

	fieldTable[FieldLastPrice] = floatField("last_price", func(s *Snapshot) *float64 { return &s.LastPrice })
	fieldTable[FieldVolume] = intField("volume", func(s *Snapshot) *int64 { return &s.Volume })
	fieldTable[FieldAmount] = floatField("amount", func(s *Snapshot) *float64 { return &s.Amount })
	fieldTable[FieldOpenInterest] = floatField("open_interest", func(s *Snapshot) *float64 { return &s.OpenInterest })
	fieldTable[FieldPreOpenInterest] = floatField("pre_open_interest", func(s *Snapshot) *float64 { return &s.PreOpenInterest })
	fieldTable[FieldAverage] = floatField("average", func(s *Snapshot) *float64 { return &s.Average })

	fieldTable[FieldOpen] = floatField("open", func(s *Snapshot) *float64 { return &s.Open })
	fieldTable[FieldHigh] = floatField("high", func(s *Snapshot) *float64 { return &s.High })
	fieldTable[FieldLow] = floatField("low", func(s *Snapshot) *float64 { return &s.Low })
	fieldTable[FieldPreClose] = floatField("pre_close", func(s *Snapshot) *float64 { return &s.PreClose })
	fieldTable[FieldPreSettlement] = floatField("pre_settlement", func(s *Snapshot) *float64 { return &s.PreSettlement })
	fieldTable[FieldSettlement] = floatField("settlement", func(s *Snapshot) *float64 { return &s.Settlement })
	fieldTable[FieldUpperLimit] = floatField("upper_limit", func(s *Snapshot) *float64 { return &s.UpperLimit })
	fieldTable[FieldLowerLimit] = floatField("lower_limit", func(s *Snapshot) *float64 { return &s.LowerLimit })

	levelNames := [BookDepth]string{"1", "2", "3", "4", "5"}
	for i := 0; i < BookDepth; i++ {
		level := i
		fieldTable[BidPriceField(level)] = floatField("bid_price"+levelNames[i], func(s *Snapshot) *float64 { return &s.BidPrice[level] })
		fieldTable[BidVolumeField(level)] = intField("bid_volume"+levelNames[i], func(s *Snapshot) *int64 { return &s.BidVolume[level] })
		fieldTable[AskPriceField(level)] = floatField("ask_price"+levelNames[i], func(s *Snapshot) *float64 { return &s.AskPrice[level] })
		fieldTable[AskVolumeField(level)] = intField("ask_volume"+levelNames[i], func(s *Snapshot) *int64 { return &s.AskVolume[level] })
	}

	fieldByName = make(map[string]Field, fieldCount)
	for f := Field(0); f < fieldCount; f++ {
		fieldByName[fieldTable[f].name] = f
	}
}
