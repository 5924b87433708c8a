package domain

import (
	"testing"
	"unicode/utf8"
)

// FuzzParseUserID checks that parsing never panics and accepted ids round-trip.
func FuzzParseUserID(f *testing.F) {
	f.Add("")
	f.Add("550e8400-e29b-41d4-a716-446655440000")
	f.Add("00000000-0000-0000-0000-000000000000")
	f.Add("not-a-uuid")
	f.Add(string([]byte{0x00, 0x01, 0x02}))

	f.Fuzz(func(t *testing.T, input string) {
		id, err := ParseUserID(input)
		if err == nil {
			roundTrip, err2 := ParseUserID(id.String())
			if err2 != nil {
				t.Errorf("valid id failed round-trip: %v", err2)
			}
			if roundTrip != id {
				t.Error("round-trip changed id value")
			}
		}
		if !utf8.ValidString(input) && err == nil {
			t.Error("non-UTF8 input was accepted")
		}
	})
}

// FuzzRequestIDText checks that every id ParseRequestID accepts survives the
// text codec used for JSON bodies.
func FuzzRequestIDText(f *testing.F) {
	f.Add("550e8400-e29b-41d4-a716-446655440000")
	f.Add("not-a-uuid")

	f.Fuzz(func(t *testing.T, input string) {
		parsed, err := ParseRequestID(input)
		if err != nil {
			return
		}
		text, err := parsed.MarshalText()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var decoded RequestID
		if err := decoded.UnmarshalText(text); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if decoded != parsed {
			t.Error("text codec changed id value")
		}
	})
}
