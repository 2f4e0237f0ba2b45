package chain

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

var ss58Prefix = []byte("SS58PRE")

// IsEVMAddress reports whether s is a 0x-prefixed 20-byte hex address
func IsEVMAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// DecodeSS58 decodes an SS58 address into its 32-byte account id and network prefix
func DecodeSS58(addr string) ([]byte, uint16, error) {
	raw, err := base58.Decode(addr)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid ss58 address: %w", err)
	}
	if len(raw) < 2 {
		return nil, 0, fmt.Errorf("invalid ss58 address: too short")
	}

	var prefix uint16
	prefixLen := 1
	if raw[0]&0b0100_0000 != 0 {
		prefixLen = 2
		lower := (raw[0]&0b0011_1111)<<2 | raw[1]>>6
		upper := raw[1] & 0b0011_1111
		prefix = uint16(lower) | uint16(upper)<<8
	} else {
		prefix = uint16(raw[0])
	}

	if len(raw) != prefixLen+32+2 {
		return nil, 0, fmt.Errorf("invalid ss58 address: unexpected length %d", len(raw))
	}

	body := raw[:prefixLen+32]
	sum := ss58Checksum(body)
	if !bytes.Equal(sum[:2], raw[prefixLen+32:]) {
		return nil, 0, fmt.Errorf("invalid ss58 address: checksum mismatch")
	}

	return raw[prefixLen : prefixLen+32], prefix, nil
}

// EncodeSS58 encodes a 32-byte account id with a network prefix
func EncodeSS58(accountID []byte, prefix uint16) (string, error) {
	if len(accountID) != 32 {
		return "", fmt.Errorf("account id must be 32 bytes, got %d", len(accountID))
	}
	var body []byte
	switch {
	case prefix < 64:
		body = []byte{byte(prefix)}
	case prefix < 16384:
		first := byte((prefix&0b0000_0000_1111_1100)>>2) | 0b0100_0000
		second := byte(prefix>>8) | byte(prefix&0b0000_0000_0000_0011)<<6
		body = []byte{first, second}
	default:
		return "", fmt.Errorf("ss58 prefix %d out of range", prefix)
	}
	body = append(body, accountID...)
	sum := ss58Checksum(body)
	return base58.Encode(append(body, sum[:2]...)), nil
}

func ss58Checksum(body []byte) [64]byte {
	return blake2b.Sum512(append(append([]byte{}, ss58Prefix...), body...))
}

// ParseAccountID32 accepts an SS58 address or a 0x-prefixed 32-byte hex key
func ParseAccountID32(s string) ([]byte, error) {
	if strings.HasPrefix(s, "0x") {
		b, err := hex.DecodeString(s[2:])
		if err != nil {
			return nil, fmt.Errorf("invalid hex account id: %w", err)
		}
		if len(b) != 32 {
			return nil, fmt.Errorf("hex account id must be 32 bytes, got %d", len(b))
		}
		return b, nil
	}
	id, _, err := DecodeSS58(s)
	return id, err
}

// ParseAccountKey20 parses an EVM address into its 20 bytes
func ParseAccountKey20(s string) ([]byte, error) {
	if !IsEVMAddress(s) {
		return nil, fmt.Errorf("invalid evm address: %s", s)
	}
	return common.HexToAddress(s).Bytes(), nil
}

// EVMToAccountID maps an EVM address to the native 32-byte account that
// substrate EVM pallets derive for it: blake2b-256("evm:" ++ address).
func EVMToAccountID(addr string) ([]byte, error) {
	key, err := ParseAccountKey20(addr)
	if err != nil {
		return nil, err
	}
	sum := blake2b.Sum256(append([]byte("evm:"), key...))
	return sum[:], nil
}
