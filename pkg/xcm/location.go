// Package xcm builds version-tagged cross-chain message descriptors: where
// (destination location), who (beneficiary) and what (multi-asset).
package xcm

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// JunctionKind names one kind of hop in a location's interior
type JunctionKind string

const (
	JunctionParachain       JunctionKind = "Parachain"
	JunctionAccountID32     JunctionKind = "AccountId32"
	JunctionAccountKey20    JunctionKind = "AccountKey20"
	JunctionPalletInstance  JunctionKind = "PalletInstance"
	JunctionGeneralIndex    JunctionKind = "GeneralIndex"
	JunctionGlobalConsensus JunctionKind = "GlobalConsensus"
)

// Junction is one logical hop; only the fields of its kind are set
type Junction struct {
	Kind           JunctionKind
	ParaID         uint32
	ID             []byte // AccountId32 (32 bytes) or AccountKey20 (20 bytes)
	PalletInstance uint8
	GeneralIndex   string // u128 as decimal string
	Network        string // global consensus network name
	ChainID        int64  // EVM chain id of an Ethereum-like global consensus
}

func (j Junction) String() string {
	switch j.Kind {
	case JunctionParachain:
		return fmt.Sprintf("Parachain(%d)", j.ParaID)
	case JunctionAccountID32, JunctionAccountKey20:
		return fmt.Sprintf("%s(0x%s)", j.Kind, hex.EncodeToString(j.ID))
	case JunctionPalletInstance:
		return fmt.Sprintf("PalletInstance(%d)", j.PalletInstance)
	case JunctionGeneralIndex:
		return fmt.Sprintf("GeneralIndex(%s)", j.GeneralIndex)
	case JunctionGlobalConsensus:
		return fmt.Sprintf("GlobalConsensus(%s)", j.Network)
	}
	return string(j.Kind)
}

// Parachain returns a parachain junction
func Parachain(id uint32) Junction {
	return Junction{Kind: JunctionParachain, ParaID: id}
}

// AccountID32 returns a 32-byte account junction
func AccountID32(id []byte) Junction {
	return Junction{Kind: JunctionAccountID32, ID: id}
}

// AccountKey20 returns a 20-byte account junction
func AccountKey20(key []byte) Junction {
	return Junction{Kind: JunctionAccountKey20, ID: key}
}

// GlobalConsensus returns a consensus-anchor junction
func GlobalConsensus(network string, chainID int64) Junction {
	return Junction{Kind: JunctionGlobalConsensus, Network: network, ChainID: chainID}
}

// Location is the logical (version independent) form of a multilocation
type Location struct {
	Parents  uint8
	Interior []Junction
}

// IsHere reports whether the location points at the sender's own context
func (l Location) IsHere() bool {
	return len(l.Interior) == 0
}

func (l Location) String() string {
	if l.IsHere() {
		return fmt.Sprintf("{parents: %d, Here}", l.Parents)
	}
	parts := make([]string, len(l.Interior))
	for i, j := range l.Interior {
		parts[i] = j.String()
	}
	return fmt.Sprintf("{parents: %d, X%d[%s]}", l.Parents, len(l.Interior), strings.Join(parts, ", "))
}

// Descriptor is a version-tagged, JSON-ready message fragment, e.g.
// {"V3": {"parents": 1, "interior": {"X1": {"Parachain": 2000}}}}
type Descriptor map[string]any

func hexBytes(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}
