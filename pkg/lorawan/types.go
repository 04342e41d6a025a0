package lorawan

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// EUI64 represents an 8-byte Extended Unique Identifier
type EUI64 [8]byte

// String returns hex string representation
func (e EUI64) String() string {
	return hex.EncodeToString(e[:])
}

// MarshalJSON implements json.Marshaler
func (e EUI64) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (e *EUI64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := ParseEUI64(s)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// ParseEUI64 parses a hex EUI. Separators ("-", ":", " ") are ignored and
// case does not matter.
func ParseEUI64(s string) (EUI64, error) {
	var e EUI64
	b, err := decodeHex(s, len(e))
	if err != nil {
		return e, fmt.Errorf("invalid EUI64 %q: %w", s, err)
	}
	copy(e[:], b)
	return e, nil
}

// DevAddr represents a 4-byte device address
type DevAddr [4]byte

// String returns hex string representation
func (d DevAddr) String() string {
	return hex.EncodeToString(d[:])
}

// ParseDevAddr parses a hex device address.
func ParseDevAddr(s string) (DevAddr, error) {
	var d DevAddr
	b, err := decodeHex(s, len(d))
	if err != nil {
		return d, fmt.Errorf("invalid DevAddr %q: %w", s, err)
	}
	copy(d[:], b)
	return d, nil
}

// AES128Key represents a 128-bit AES key
type AES128Key [16]byte

// String returns hex string representation
func (k AES128Key) String() string {
	return hex.EncodeToString(k[:])
}

// ParseAES128Key parses a hex session or root key.
func ParseAES128Key(s string) (AES128Key, error) {
	var k AES128Key
	b, err := decodeHex(s, len(k))
	if err != nil {
		return k, fmt.Errorf("invalid AES128 key: %w", err)
	}
	copy(k[:], b)
	return k, nil
}

// NormalizeHex strips separators and lower-cases a hex identifier. Vendors
// disagree on case, so identifiers are compared in this form.
func NormalizeHex(s string) string {
	r := strings.NewReplacer("-", "", ":", "", " ", "")
	return strings.ToLower(r.Replace(s))
}

func decodeHex(s string, size int) ([]byte, error) {
	b, err := hex.DecodeString(NormalizeHex(s))
	if err != nil {
		return nil, err
	}
	if len(b) != size {
		return nil, fmt.Errorf("expected %d bytes, got %d", size, len(b))
	}
	return b, nil
}

// MACVersion is a LoRaWAN MAC version in dotted form, e.g. "1.0.3".
type MACVersion string

// Known MAC versions
const (
	MACVersion100 MACVersion = "1.0.0"
	MACVersion101 MACVersion = "1.0.1"
	MACVersion102 MACVersion = "1.0.2"
	MACVersion103 MACVersion = "1.0.3"
	MACVersion104 MACVersion = "1.0.4"
	MACVersion110 MACVersion = "1.1.0"
)

// EnumName returns the upper-case enum form used by newer network servers,
// e.g. "LORAWAN_1_0_3".
func (v MACVersion) EnumName() string {
	if v == "" {
		return ""
	}
	return "LORAWAN_" + strings.ReplaceAll(string(v), ".", "_")
}

// ParseMACVersion accepts both the dotted and the enum form.
func ParseMACVersion(s string) (MACVersion, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	if strings.HasPrefix(strings.ToUpper(s), "LORAWAN_") {
		s = strings.ReplaceAll(s[len("LORAWAN_"):], "_", ".")
	}
	switch v := MACVersion(s); v {
	case MACVersion100, MACVersion101, MACVersion102, MACVersion103, MACVersion104, MACVersion110:
		return v, nil
	}
	return "", fmt.Errorf("unknown MAC version %q", s)
}
