package xcm

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DecodeLocation parses a version-tagged location descriptor back into its
// logical form. The interior shape must match the version's rules.
func DecodeLocation(raw []byte) (Version, Location, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var envelope map[string]any
	if err := dec.Decode(&envelope); err != nil {
		return 0, Location{}, fmt.Errorf("failed to decode location: %w", err)
	}
	if len(envelope) != 1 {
		return 0, Location{}, fmt.Errorf("location envelope must have exactly one version key")
	}

	var (
		tag  string
		body any
	)
	for k, b := range envelope {
		tag, body = k, b
	}
	n, err := strconv.Atoi(strings.TrimPrefix(tag, "V"))
	if err != nil || !strings.HasPrefix(tag, "V") {
		return 0, Location{}, fmt.Errorf("invalid version key '%s'", tag)
	}
	v, err := ParseVersion(n)
	if err != nil {
		return 0, Location{}, err
	}

	obj, ok := body.(map[string]any)
	if !ok {
		return 0, Location{}, fmt.Errorf("location body must be an object")
	}
	parents, err := asUint(obj["parents"], 8)
	if err != nil {
		return 0, Location{}, fmt.Errorf("parents: %w", err)
	}

	interior, err := decodeInterior(obj["interior"], v)
	if err != nil {
		return 0, Location{}, err
	}
	return v, Location{Parents: uint8(parents), Interior: interior}, nil
}

func decodeInterior(raw any, v Version) ([]Junction, error) {
	if s, ok := raw.(string); ok {
		if s != "Here" {
			return nil, fmt.Errorf("unknown interior '%s'", s)
		}
		return nil, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok || len(obj) != 1 {
		return nil, fmt.Errorf("interior must be Here or a single Xn key")
	}

	var (
		key  string
		body any
	)
	for k, b := range obj {
		key, body = k, b
	}
	count, err := strconv.Atoi(strings.TrimPrefix(key, "X"))
	if err != nil || !strings.HasPrefix(key, "X") || count < 1 {
		return nil, fmt.Errorf("invalid interior key '%s'", key)
	}

	var items []any
	switch b := body.(type) {
	case []any:
		if count == 1 && v < V4 {
			return nil, fmt.Errorf("%s encodes X1 as a bare junction, got an array", v.Tag())
		}
		items = b
	case map[string]any:
		if count != 1 || v >= V4 {
			return nil, fmt.Errorf("%s expects an array for %s", v.Tag(), key)
		}
		items = []any{b}
	default:
		return nil, fmt.Errorf("invalid %s body", key)
	}
	if len(items) != count {
		return nil, fmt.Errorf("%s holds %d junctions", key, len(items))
	}

	js := make([]Junction, len(items))
	for i, item := range items {
		j, err := decodeJunction(item)
		if err != nil {
			return nil, fmt.Errorf("junction %d: %w", i, err)
		}
		js[i] = j
	}
	return js, nil
}

func decodeJunction(raw any) (Junction, error) {
	obj, ok := raw.(map[string]any)
	if !ok || len(obj) != 1 {
		return Junction{}, fmt.Errorf("junction must be a single-key object")
	}
	for k, body := range obj {
		switch JunctionKind(k) {
		case JunctionParachain:
			id, err := asUint(body, 32)
			if err != nil {
				return Junction{}, err
			}
			return Parachain(uint32(id)), nil

		case JunctionPalletInstance:
			p, err := asUint(body, 8)
			if err != nil {
				return Junction{}, err
			}
			return Junction{Kind: JunctionPalletInstance, PalletInstance: uint8(p)}, nil

		case JunctionGeneralIndex:
			switch idx := body.(type) {
			case string:
				return Junction{Kind: JunctionGeneralIndex, GeneralIndex: idx}, nil
			case json.Number:
				return Junction{Kind: JunctionGeneralIndex, GeneralIndex: idx.String()}, nil
			}
			return Junction{}, fmt.Errorf("invalid general index")

		case JunctionAccountID32:
			id, err := accountBytes(body, "id", 32)
			if err != nil {
				return Junction{}, err
			}
			return AccountID32(id), nil

		case JunctionAccountKey20:
			key, err := accountBytes(body, "key", 20)
			if err != nil {
				return Junction{}, err
			}
			return AccountKey20(key), nil

		case JunctionGlobalConsensus:
			net, ok := body.(map[string]any)
			if !ok || len(net) != 1 {
				return Junction{}, fmt.Errorf("invalid global consensus")
			}
			for name, detail := range net {
				var chainID int64
				if d, ok := detail.(map[string]any); ok {
					n, err := asUint(d["chainId"], 63)
					if err != nil {
						return Junction{}, fmt.Errorf("chainId: %w", err)
					}
					chainID = int64(n)
				}
				return GlobalConsensus(name, chainID), nil
			}
		}
		return Junction{}, fmt.Errorf("unknown junction '%s'", k)
	}
	return Junction{}, fmt.Errorf("empty junction")
}

func accountBytes(raw any, field string, size int) ([]byte, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("account junction must be an object")
	}
	s, ok := obj[field].(string)
	if !ok || !strings.HasPrefix(s, "0x") {
		return nil, fmt.Errorf("%s must be a 0x hex string", field)
	}
	b, err := hex.DecodeString(s[2:])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	if len(b) != size {
		return nil, fmt.Errorf("%s must be %d bytes, got %d", field, size, len(b))
	}
	return b, nil
}

func asUint(raw any, bits int) (uint64, error) {
	n, ok := raw.(json.Number)
	if !ok {
		return 0, fmt.Errorf("expected a number, got %T", raw)
	}
	return strconv.ParseUint(n.String(), 10, bits)
}
