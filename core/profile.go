package core

import (
	"fmt"
	"sort"
)

// Profile describes the capabilities of one controller variant.
// Profiles are static; the engine never mutates the one it was built with.
type Profile struct {
	Name string

	NeedPadSel bool // Pad select register routes the active chip select
	// MustTx means the controller has to clock out transmit data even on
	// receive-only transfers.
	MustTx        bool
	EnhanceTiming bool // Wide timing fields in CFG0/CFG2, CS polarity and sample select
	DMAExt        bool // DMA addresses carry bits 32-35 in the *_64 registers
	IPM           bool // IPM design: 64KiB packets, tick delay in CMD, CFG3 for mem ops
	SupportQuad   bool // Dual/quad memory operations
	NeedAHBClock  bool // Separate bus clock (consumed by attach code, not the engine)
}

// Hardware limits
const (
	FIFOSize          = 32
	PacketSize        = 1024
	IPMPacketSize     = 64 * 1024
	PacketLoopMax     = 256
	MaxPadSel         = 3
	memOpMinTxSize    = 32
	memOpMaxAddrDummy = 16
)

// MaxPacket returns the largest packet length the CFG1 register can express.
func (p Profile) MaxPacket() uint32 {
	if p.IPM {
		return IPMPacketSize
	}
	return PacketSize
}

// MaxLoop returns the largest packet loop count.
func (p Profile) MaxLoop() uint32 {
	return PacketLoopMax
}

// Lanes returns the widest bus width supported by memory operations.
func (p Profile) Lanes() uint8 {
	if p.SupportQuad {
		return 4
	}
	return 1
}

// DMAAddrBits returns the width of a DMA bus address.
func (p Profile) DMAAddrBits() int {
	if p.DMAExt {
		return 36
	}
	return 32
}

var (
	commonProfile = Profile{Name: "common"}

	mt2712Profile = Profile{Name: "mt2712", MustTx: true}

	ipmSingleProfile = Profile{
		Name:          "ipm-single",
		MustTx:        true,
		EnhanceTiming: true,
		DMAExt:        true,
		IPM:           true,
		NeedAHBClock:  true,
	}

	ipmQuadProfile = Profile{
		Name:          "ipm-quad",
		MustTx:        true,
		EnhanceTiming: true,
		DMAExt:        true,
		IPM:           true,
		SupportQuad:   true,
		NeedAHBClock:  true,
	}

	mt6765Profile = Profile{
		Name:          "mt6765",
		NeedPadSel:    true,
		MustTx:        true,
		EnhanceTiming: true,
		DMAExt:        true,
	}

	mt7622Profile = Profile{Name: "mt7622", MustTx: true, EnhanceTiming: true}

	mt8173Profile = Profile{Name: "mt8173", NeedPadSel: true, MustTx: true}

	mt8183Profile = Profile{
		Name:          "mt8183",
		NeedPadSel:    true,
		MustTx:        true,
		EnhanceTiming: true,
	}
)

// compatibleProfiles maps device-tree compatible strings to profiles
var compatibleProfiles = map[string]Profile{
	"mediatek,ipm-spi-single": ipmSingleProfile,
	"mediatek,ipm-spi-quad":   ipmQuadProfile,
	"mediatek,mt2701-spi":     commonProfile,
	"mediatek,mt2712-spi":     mt2712Profile,
	"mediatek,mt6589-spi":     commonProfile,
	"mediatek,mt6765-spi":     mt6765Profile,
	"mediatek,mt7622-spi":     mt7622Profile,
	"mediatek,mt7629-spi":     mt7622Profile,
	"mediatek,mt8135-spi":     commonProfile,
	"mediatek,mt8173-spi":     mt8173Profile,
	"mediatek,mt8183-spi":     mt8183Profile,
}

// ProfileFor returns the profile registered for a compatible string.
func ProfileFor(compatible string) (Profile, error) {
	p, ok := compatibleProfiles[compatible]
	if !ok {
		return Profile{}, fmt.Errorf("%w: unknown compatible %q", ErrNotSupported, compatible)
	}
	return p, nil
}

// Compatibles returns the known compatible strings.
func Compatibles() []string {
	names := make([]string, 0, len(compatibleProfiles))
	for name := range compatibleProfiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
