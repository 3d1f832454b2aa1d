package schema

import (
	"strings"

	json "github.com/goccy/go-json"

	"github.com/melq/mdgate/internal/errs"
)

// CommandKind enumerates client command shapes accepted on a session.
type CommandKind uint8

const (
	// CommandSubscribeSet replaces the session subscription set ("subscribe_quote").
	CommandSubscribeSet CommandKind = iota
	// CommandUnsubscribe removes the listed instruments from the session set.
	CommandUnsubscribe
	// CommandSubscriptions asks for the current session set.
	CommandSubscriptions
	// CommandPeekMessage asks for the current session set in QA framing.
	CommandPeekMessage
)

// ClientCommand is a parsed client control message.
type ClientCommand struct {
	Kind        CommandKind
	Instruments []string
}

type clientCommandJSON struct {
	Aid     string  `json:"aid"`
	Type    string  `json:"type"`
	InsList *string `json:"ins_list"`
	Payload struct {
		Instruments []string `json:"instruments"`
	} `json:"payload"`
}

// DecodeClientCommand parses one inbound text frame into a command.
func DecodeClientCommand(data []byte) (ClientCommand, error) {
	var raw clientCommandJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return ClientCommand{}, errs.New("schema/command", errs.CodeInvalid, errs.WithMessage("malformed JSON"), errs.WithCause(err))
	}
	switch {
	case raw.Aid == "subscribe_quote":
		if raw.InsList == nil {
			return ClientCommand{}, errs.New("schema/command", errs.CodeInvalid, errs.WithMessage("subscribe_quote requires ins_list"))
		}
		return ClientCommand{Kind: CommandSubscribeSet, Instruments: SplitInsList(*raw.InsList)}, nil
	case raw.Aid == "peek_message":
		return ClientCommand{Kind: CommandPeekMessage}, nil
	case raw.Type == "unsubscribe":
		return ClientCommand{Kind: CommandUnsubscribe, Instruments: raw.Payload.Instruments}, nil
	case raw.Type == "subscriptions":
		return ClientCommand{Kind: CommandSubscriptions}, nil
	case raw.Aid != "":
		return ClientCommand{}, errs.New("schema/command", errs.CodeInvalid, errs.WithMessage("unknown aid "+raw.Aid))
	case raw.Type != "":
		return ClientCommand{}, errs.New("schema/command", errs.CodeInvalid, errs.WithMessage("unknown type "+raw.Type))
	default:
		return ClientCommand{}, errs.New("schema/command", errs.CodeInvalid, errs.WithMessage("missing aid or type"))
	}
}

// SplitInsList splits a comma-separated instrument list, dropping blanks.
func SplitInsList(list string) []string {
	parts := strings.Split(list, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// JoinInsList renders instruments as a comma-separated list.
func JoinInsList(instruments []string) string {
	return strings.Join(instruments, ",")
}

// QuoteObject renders the fields of s named by set as a wire quote object.
// instrument_id is always present so clients can route the entry.
func QuoteObject(s *Snapshot, set FieldSet) map[string]any {
	obj := make(map[string]any, set.Count()+1)
	obj["instrument_id"] = s.InstrumentID
	set.Each(func(f Field) {
		desc := &fieldTable[f]
		switch desc.kind {
		case kindString:
			obj[desc.name] = *desc.str(s)
		case kindFloat:
			obj[desc.name] = *desc.f64(s)
		case kindInt:
			obj[desc.name] = *desc.i64(s)
		}
	})
	return obj
}

// DecodeQuoteObject converts a wire quote object into a snapshot. Unknown
// keys are ignored; numeric fields carrying non-numeric values (quote pages
// use "-" for unavailable columns) stay out of the provided set.
func DecodeQuoteObject(obj map[string]any) (Snapshot, error) {
	var snap Snapshot
	for name, value := range obj {
		f, ok := fieldByName[name]
		if !ok {
			continue
		}
		desc := &fieldTable[f]
		switch desc.kind {
		case kindString:
			s, ok := value.(string)
			if !ok {
				continue
			}
			*desc.str(&snap) = s
		case kindFloat:
			v, ok := value.(float64)
			if !ok {
				continue
			}
			*desc.f64(&snap) = v
		case kindInt:
			v, ok := value.(float64)
			if !ok {
				continue
			}
			*desc.i64(&snap) = int64(v)
		}
		snap.Fields = snap.Fields.With(f)
	}
	if snap.InstrumentID == "" {
		return Snapshot{}, errs.New("schema/quote", errs.CodeInvalid, errs.WithMessage("quote object missing instrument_id"))
	}
	return snap, nil
}

type rtnDataJSON struct {
	Aid  string        `json:"aid"`
	Data []rtnDataPart `json:"data"`
}

type rtnDataPart struct {
	Quotes map[string]map[string]any `json:"quotes"`
}

// EncodeRtnData renders a batched quotes frame in QA framing.
func EncodeRtnData(quotes map[string]map[string]any) ([]byte, error) {
	frame := rtnDataJSON{Aid: "rtn_data", Data: []rtnDataPart{{Quotes: quotes}}}
	out, err := json.Marshal(frame)
	if err != nil {
		return nil, errs.New("schema/rtn-data", errs.CodeInvalid, errs.WithCause(err))
	}
	return out, nil
}

// DecodeRtnData parses a QA quotes frame into snapshots, preserving part order.
// Frames with a different aid yield no snapshots and no error.
func DecodeRtnData(data []byte) ([]Snapshot, error) {
	var frame rtnDataJSON
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, errs.New("schema/rtn-data", errs.CodeInvalid, errs.WithMessage("malformed rtn_data frame"), errs.WithCause(err))
	}
	if frame.Aid != "rtn_data" {
		return nil, nil
	}
	var snaps []Snapshot
	for _, part := range frame.Data {
		for _, obj := range part.Quotes {
			snap, err := DecodeQuoteObject(obj)
			if err != nil {
				continue
			}
			snaps = append(snaps, snap)
		}
	}
	return snaps, nil
}

// EncodeSubscribeQuote renders the upstream/downstream subscribe_quote command.
func EncodeSubscribeQuote(instruments []string) ([]byte, error) {
	frame := struct {
		Aid     string `json:"aid"`
		InsList string `json:"ins_list"`
	}{Aid: "subscribe_quote", InsList: JoinInsList(instruments)}
	out, err := json.Marshal(frame)
	if err != nil {
		return nil, errs.New("schema/subscribe-quote", errs.CodeInvalid, errs.WithCause(err))
	}
	return out, nil
}

// EncodeSubscribeAck renders the rsp_subscribe_quote acknowledgement.
func EncodeSubscribeAck(instruments []string) ([]byte, error) {
	return encodeAck("rsp_subscribe_quote", instruments)
}

// EncodePeekAck renders the rsp_peek_message reply.
func EncodePeekAck(instruments []string) ([]byte, error) {
	return encodeAck("rsp_peek_message", instruments)
}

func encodeAck(aid string, instruments []string) ([]byte, error) {
	frame := struct {
		Aid     string `json:"aid"`
		InsList string `json:"ins_list"`
	}{Aid: aid, InsList: JoinInsList(instruments)}
	out, err := json.Marshal(frame)
	if err != nil {
		return nil, errs.New("schema/ack", errs.CodeInvalid, errs.WithCause(err))
	}
	return out, nil
}

// EncodeSubscriptions renders the reply to a subscriptions peek.
func EncodeSubscriptions(instruments []string) ([]byte, error) {
	frame := struct {
		Type    string `json:"type"`
		Payload struct {
			Instruments []string `json:"instruments"`
		} `json:"payload"`
	}{Type: "subscriptions"}
	frame.Payload.Instruments = instruments
	out, err := json.Marshal(frame)
	if err != nil {
		return nil, errs.New("schema/subscriptions", errs.CodeInvalid, errs.WithCause(err))
	}
	return out, nil
}

// EncodeError renders a non-fatal error reply for a session.
func EncodeError(reason string) []byte {
	frame := struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	}{Type: "error", Reason: reason}
	out, err := json.Marshal(frame)
	if err != nil {
		return []byte(`{"type":"error","reason":"internal"}`)
	}
	return out
}
