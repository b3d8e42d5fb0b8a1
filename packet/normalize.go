package packet

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Normalize converts heterogeneous inbound data into the canonical
// packet form. Accepted inputs are an already-canonical *Packet, a
// structured map, serialized JSON text, or any other value (wrapped as
// a bare text message). Normalization never fails and never drops:
// unparseable input becomes {decoded:{text:...}}.
//
// Every "raw" key is stripped at every nesting depth before decoding,
// and a binary payload is re-encoded as base64 so downstream stages
// only ever see text-safe structures.
func Normalize(input any) *Packet {
	switch v := input.(type) {
	case *Packet:
		return v
	case Packet:
		return &v
	case map[string]any:
		return fromMap(v)
	case []byte:
		return fromText(string(v))
	case string:
		return fromText(v)
	case nil:
		return &Packet{}
	default:
		return textPacket(fmt.Sprint(v))
	}
}

// fromText parses serialized JSON; anything else becomes a text packet.
func fromText(text string) *Packet {
	var fields map[string]any
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return textPacket(text)
	}
	return fromMap(fields)
}

// fromMap decodes a structured mapping into the canonical form.
func fromMap(fields map[string]any) *Packet {
	stripRaw(fields)
	encodePayload(fields)

	data, err := json.Marshal(fields)
	if err != nil {
		return textPacket(fmt.Sprint(fields))
	}

	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return textPacket(string(data))
	}

	return &p
}

func textPacket(text string) *Packet {
	return &Packet{Decoded: &Decoded{Text: text}}
}

// stripRaw removes every "raw" key from the mapping and all nested
// mappings. The raw field carries the device's native representation
// and is debug-only; it must never be forwarded downstream.
func stripRaw(fields map[string]any) {
	delete(fields, "raw")

	for _, v := range fields {
		stripRawValue(v)
	}
}

func stripRawValue(v any) {
	switch nested := v.(type) {
	case map[string]any:
		stripRaw(nested)
	case []any:
		for _, item := range nested {
			stripRawValue(item)
		}
	}
}

// encodePayload re-encodes a binary decoded.payload as base64. Payloads
// already present as text are left untouched.
func encodePayload(fields map[string]any) {
	decoded, ok := fields["decoded"].(map[string]any)
	if !ok {
		return
	}

	if raw, ok := decoded["payload"].([]byte); ok {
		decoded["payload"] = base64.StdEncoding.EncodeToString(raw)
	}
}
