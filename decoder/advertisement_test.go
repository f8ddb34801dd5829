package decoder

import (
	"fmt"
	"strings"
	"testing"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"Colon separated", "FD:AD:42:D6:35:6B", false},
		{"Lower case", "fd:ad:42:d6:35:6b", false},
		{"Dash separated", "fd-ad-42-d6-35-6b", false},
		{"Bare hex", "fdad42d6356b", false},
		{"Surrounding spaces", "  FD:AD:42:D6:35:6B ", false},
		{"Too short", "FD:AD:42:D6:35", true},
		{"Too long", "FD:AD:42:D6:35:6B:00", true},
		{"Non-hex", "ZZ:AD:42:D6:35:6B", true},
		{"Empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := ParseAddress(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q, got nil", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if addr != testAddress {
				t.Errorf("Expected %s, got %s", testAddress, addr)
			}
		})
	}
}

func TestDeviceAddress_Formats(t *testing.T) {
	if got := testAddress.String(); got != "FD:AD:42:D6:35:6B" {
		t.Errorf("Expected FD:AD:42:D6:35:6B, got %s", got)
	}
	if got := testAddress.Hex(); got != "fdad42d6356b" {
		t.Errorf("Expected fdad42d6356b, got %s", got)
	}
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey("0df4d0395b7d1a876c0c33ecb9e70dcd")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if key != testKey {
		t.Errorf("Parsed key does not match")
	}
	if key.Fingerprint() != 0x0D {
		t.Errorf("Expected fingerprint 0D, got %02X", key.Fingerprint())
	}

	invalid := []string{"", "0df4", "0df4d0395b7d1a876c0c33ecb9e70dcd00", "xx"}
	for _, s := range invalid {
		if _, err := ParseKey(s); err == nil {
			t.Errorf("Expected error for key %q, got nil", s)
		}
	}
}

func TestDeviceKey_NotFormatted(t *testing.T) {
	outputs := []string{
		fmt.Sprint(testKey),
		fmt.Sprintf("%v", testKey),
		fmt.Sprintf("%s", testKey),
		fmt.Sprintf("%#v", testKey),
	}

	for _, out := range outputs {
		if strings.Contains(strings.ToLower(out), "0df4") || strings.Contains(out, "13") {
			t.Errorf("Key material leaked into formatted output: %s", out)
		}
	}
}
