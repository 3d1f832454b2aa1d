package schema

import (
	"reflect"
	"testing"

	json "github.com/goccy/go-json"
)

func TestDecodeClientCommand(t *testing.T) {
	cases := []struct {
		name  string
		input string
		kind  CommandKind
		keys  []string
		fails bool
	}{
		{
			name:  "subscribe quote",
			input: `{"aid":"subscribe_quote","ins_list":"SHFE.au2412,DCE.a2405"}`,
			kind:  CommandSubscribeSet,
			keys:  []string{"SHFE.au2412", "DCE.a2405"},
		},
		{
			name:  "subscribe quote empty list",
			input: `{"aid":"subscribe_quote","ins_list":""}`,
			kind:  CommandSubscribeSet,
			keys:  []string{},
		},
		{
			name:  "unsubscribe form",
			input: `{"type":"unsubscribe","payload":{"instruments":["SHFE.au2412"]}}`,
			kind:  CommandUnsubscribe,
			keys:  []string{"SHFE.au2412"},
		},
		{
			name:  "subscriptions peek",
			input: `{"type":"subscriptions"}`,
			kind:  CommandSubscriptions,
		},
		{
			name:  "peek message",
			input: `{"aid":"peek_message"}`,
			kind:  CommandPeekMessage,
		},
		{name: "bad json", input: `{"aid":`, fails: true},
		{name: "unknown aid", input: `{"aid":"place_order"}`, fails: true},
		{name: "unknown type", input: `{"type":"order"}`, fails: true},
		{name: "missing discriminator", input: `{}`, fails: true},
		{name: "subscribe without ins_list", input: `{"aid":"subscribe_quote"}`, fails: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd, err := DecodeClientCommand([]byte(tc.input))
			if tc.fails {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if cmd.Kind != tc.kind {
				t.Fatalf("kind = %v, want %v", cmd.Kind, tc.kind)
			}
			if len(tc.keys) != len(cmd.Instruments) {
				t.Fatalf("instruments = %v, want %v", cmd.Instruments, tc.keys)
			}
			for i, key := range tc.keys {
				if cmd.Instruments[i] != key {
					t.Fatalf("instruments = %v, want %v", cmd.Instruments, tc.keys)
				}
			}
		})
	}
}

func TestSplitInsList(t *testing.T) {
	got := SplitInsList(" SHFE.au2412, ,DCE.a2405,")
	want := []string{"SHFE.au2412", "DCE.a2405"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("split = %v, want %v", got, want)
	}
	if got := SplitInsList(""); len(got) != 0 {
		t.Fatalf("empty list produced %v", got)
	}
}

func TestQuoteObjectSelectsFields(t *testing.T) {
	var snap Snapshot
	snap.SetString(FieldInstrumentID, "SHFE.au2412")
	snap.SetFloat(FieldLastPrice, 2056.5)
	snap.SetInt(FieldVolume, 12500)
	snap.SetFloat(FieldBidPrice1, 2056)

	obj := QuoteObject(&snap, NewFieldSet(FieldVolume))
	if len(obj) != 2 {
		t.Fatalf("object = %v, want instrument_id and volume only", obj)
	}
	if obj["instrument_id"] != "SHFE.au2412" {
		t.Fatalf("instrument_id = %v", obj["instrument_id"])
	}
	if obj["volume"] != int64(12500) {
		t.Fatalf("volume = %v (%T)", obj["volume"], obj["volume"])
	}
}

func TestRtnDataRoundTrip(t *testing.T) {
	var snap Snapshot
	snap.SetString(FieldInstrumentID, "SHFE.au2412")
	snap.SetFloat(FieldLastPrice, 100)
	snap.SetInt(FieldVolume, 10)
	snap.SetFloat(FieldBidPrice1, 99)

	frame, err := EncodeRtnData(map[string]map[string]any{
		"SHFE.au2412": QuoteObject(&snap, snap.Fields),
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var probe struct {
		Aid string `json:"aid"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil || probe.Aid != "rtn_data" {
		t.Fatalf("frame aid = %q err = %v", probe.Aid, err)
	}

	snaps, err := DecodeRtnData(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("decoded %d snapshots", len(snaps))
	}
	got := snaps[0]
	if got.InstrumentID != "SHFE.au2412" {
		t.Fatalf("instrument = %q", got.InstrumentID)
	}
	if v, ok := got.FloatValue(FieldLastPrice); !ok || v != 100 {
		t.Fatalf("last price = %v, %v", v, ok)
	}
	if v, ok := got.IntValue(FieldVolume); !ok || v != 10 {
		t.Fatalf("volume = %v, %v", v, ok)
	}
}

func TestDecodeRtnDataOtherAid(t *testing.T) {
	snaps, err := DecodeRtnData([]byte(`{"aid":"rsp_login"}`))
	if err != nil || snaps != nil {
		t.Fatalf("snaps=%v err=%v, want nil/nil", snaps, err)
	}
}

func TestDecodeQuoteObjectSkipsUnknownAndSentinel(t *testing.T) {
	snap, err := DecodeQuoteObject(map[string]any{
		"instrument_id": "SSE.600000",
		"last_price":    12.5,
		"settlement":    "-",
		"mystery":       1,
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Fields.Has(FieldSettlement) {
		t.Fatal("sentinel settlement entered provided set")
	}
	if v, ok := snap.FloatValue(FieldLastPrice); !ok || v != 12.5 {
		t.Fatalf("last price = %v, %v", v, ok)
	}

	if _, err := DecodeQuoteObject(map[string]any{"last_price": 1.0}); err == nil {
		t.Fatal("missing instrument_id accepted")
	}
}

func TestAckFrames(t *testing.T) {
	frame, err := EncodeSubscribeAck([]string{"SHFE.au2412", "DCE.a2405"})
	if err != nil {
		t.Fatalf("encode ack: %v", err)
	}
	var ack struct {
		Aid     string `json:"aid"`
		InsList string `json:"ins_list"`
	}
	if err := json.Unmarshal(frame, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.Aid != "rsp_subscribe_quote" || ack.InsList != "SHFE.au2412,DCE.a2405" {
		t.Fatalf("ack = %+v", ack)
	}

	frame, err = EncodePeekAck(nil)
	if err != nil {
		t.Fatalf("encode peek ack: %v", err)
	}
	if err := json.Unmarshal(frame, &ack); err != nil || ack.Aid != "rsp_peek_message" {
		t.Fatalf("peek ack = %+v err = %v", ack, err)
	}
}
