package schema

import (
	"math"
	"testing"
)

func TestFieldSetBasics(t *testing.T) {
	var s FieldSet
	if !s.Empty() {
		t.Fatal("zero set should be empty")
	}
	s = s.With(FieldLastPrice).With(FieldVolume)
	if !s.Has(FieldLastPrice) || !s.Has(FieldVolume) {
		t.Fatal("expected fields present")
	}
	if s.Count() != 2 {
		t.Fatalf("count = %d, want 2", s.Count())
	}
	s = s.Without(FieldVolume)
	if s.Has(FieldVolume) {
		t.Fatal("volume should be removed")
	}

	var visited []Field
	NewFieldSet(FieldOpen, FieldLastPrice).Each(func(f Field) {
		visited = append(visited, f)
	})
	if len(visited) != 2 || visited[0] != FieldLastPrice || visited[1] != FieldOpen {
		t.Fatalf("unexpected iteration order: %v", visited)
	}
}

func TestFieldNameRoundTrip(t *testing.T) {
	for f := Field(0); f < fieldCount; f++ {
		name := f.Name()
		if name == "" {
			t.Fatalf("field %d has no name", f)
		}
		got, ok := FieldByName(name)
		if !ok || got != f {
			t.Fatalf("FieldByName(%q) = %v, %v", name, got, ok)
		}
	}
	if _, ok := FieldByName("nope"); ok {
		t.Fatal("unknown name resolved")
	}
}

func TestMergeAccumulatesFields(t *testing.T) {
	var canon Snapshot
	canon.SetString(FieldInstrumentID, "SHFE.au2412")
	canon.SetFloat(FieldLastPrice, 100)
	canon.SetInt(FieldVolume, 10)

	var next Snapshot
	next.SetString(FieldInstrumentID, "SHFE.au2412")
	next.SetInt(FieldVolume, 12)
	next.SetFloat(FieldBidPrice1, 99)

	canon.Merge(&next, next.Fields)

	if v, ok := canon.FloatValue(FieldLastPrice); !ok || v != 100 {
		t.Fatalf("last price = %v, %v; want retained 100", v, ok)
	}
	if v, ok := canon.IntValue(FieldVolume); !ok || v != 12 {
		t.Fatalf("volume = %v, %v; want 12", v, ok)
	}
	if v, ok := canon.FloatValue(FieldBidPrice1); !ok || v != 99 {
		t.Fatalf("bid price = %v, %v; want 99", v, ok)
	}
}

func TestDiffChangedFieldsOnly(t *testing.T) {
	var canon Snapshot
	canon.SetString(FieldInstrumentID, "SHFE.au2412")
	canon.SetFloat(FieldLastPrice, 100)
	canon.SetInt(FieldVolume, 12)
	canon.SetFloat(FieldBidPrice1, 99)

	sent := canon.Clone()
	if d := canon.Diff(&sent); !d.Empty() {
		t.Fatalf("identical snapshots diffed to %v fields", d.Count())
	}

	canon.SetInt(FieldVolume, 15)
	d := canon.Diff(&sent)
	if d != NewFieldSet(FieldVolume) {
		t.Fatalf("diff = %b, want volume only", d)
	}
}

func TestDiffMissingVersusValue(t *testing.T) {
	var canon Snapshot
	canon.SetString(FieldInstrumentID, "SHFE.au2412")
	canon.SetFloat(FieldLastPrice, 100)
	canon.SetFloat(FieldSettlement, 101.5)

	var sent Snapshot
	sent.SetString(FieldInstrumentID, "SHFE.au2412")
	sent.SetFloat(FieldLastPrice, 100)

	d := canon.Diff(&sent)
	if d != NewFieldSet(FieldSettlement) {
		t.Fatalf("diff = %b, want settlement only", d)
	}
}

func TestDiffNaNIsBitwise(t *testing.T) {
	var canon Snapshot
	canon.SetString(FieldInstrumentID, "SHFE.au2412")
	canon.SetFloat(FieldSettlement, math.NaN())

	sent := canon.Clone()
	if d := canon.Diff(&sent); !d.Empty() {
		t.Fatal("NaN-to-NaN counted as change")
	}

	canon.SetFloat(FieldSettlement, 5)
	if d := canon.Diff(&sent); d != NewFieldSet(FieldSettlement) {
		t.Fatalf("diff = %b, want settlement", d)
	}
}

func TestValidateInstrument(t *testing.T) {
	cases := []struct {
		key string
		ok  bool
	}{
		{"SHFE.au2412", true},
		{"single", true},
		{"", false},
		{"  ", false},
		{"a,b", false},
		{"has space", false},
	}
	for _, tc := range cases {
		err := ValidateInstrument(tc.key)
		if (err == nil) != tc.ok {
			t.Errorf("ValidateInstrument(%q) err=%v, want ok=%v", tc.key, err, tc.ok)
		}
	}
}

func TestExchangePrefix(t *testing.T) {
	if p := ExchangePrefix("SHFE.au2412"); p != "SHFE" {
		t.Fatalf("prefix = %q", p)
	}
	if p := ExchangePrefix("nodot"); p != "" {
		t.Fatalf("prefix = %q, want empty", p)
	}
}
