package core

// Registers is the controller's memory-mapped register block.
// Offsets are byte offsets from the controller base address.
type Registers interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, val uint32)
}

// Register offsets
const (
	RegCfg0    = 0x0000
	RegCfg1    = 0x0004
	RegTxSrc   = 0x0008
	RegRxDst   = 0x000c
	RegTxData  = 0x0010
	RegRxData  = 0x0014
	RegCmd     = 0x0018
	RegStatus0 = 0x001c
	RegPadSel  = 0x0024
	RegCfg2    = 0x0028
	RegTxSrc64 = 0x002c
	RegRxDst64 = 0x0030
	RegCfg3IPM = 0x0040
)

// CmdReg is a value of the CMD register.
type CmdReg uint32

// CMD register bits
const (
	CmdAct           CmdReg = 1 << 0
	CmdResume        CmdReg = 1 << 1
	CmdRst           CmdReg = 1 << 2
	CmdPauseEn       CmdReg = 1 << 4
	CmdDeassert      CmdReg = 1 << 5
	CmdSampleSel     CmdReg = 1 << 6
	CmdCSPol         CmdReg = 1 << 7
	CmdCPHA          CmdReg = 1 << 8
	CmdCPOL          CmdReg = 1 << 9
	CmdRxDMA         CmdReg = 1 << 10
	CmdTxDMA         CmdReg = 1 << 11
	CmdTxMSBF        CmdReg = 1 << 12
	CmdRxMSBF        CmdReg = 1 << 13
	CmdRxEndian      CmdReg = 1 << 14
	CmdTxEndian      CmdReg = 1 << 15
	CmdFinishIE      CmdReg = 1 << 16
	CmdPauseIE       CmdReg = 1 << 17
	CmdIPMNonIdle    CmdReg = 1 << 19
	CmdIPMSpimLoop   CmdReg = 1 << 21
	cmdIPMTickShift         = 22
	cmdIPMTickMask   CmdReg = 0x7 << cmdIPMTickShift
)

// With returns r with bits set when on is true and cleared otherwise.
func (r CmdReg) With(bits CmdReg, on bool) CmdReg {
	if on {
		return r | bits
	}
	return r &^ bits
}

// Has reports whether all bits are set.
func (r CmdReg) Has(bits CmdReg) bool {
	return r&bits == bits
}

// WithTickDelay sets the IPM get-tick-delay field (bits 22-24).
func (r CmdReg) WithTickDelay(d uint8) CmdReg {
	return r&^cmdIPMTickMask | CmdReg(d)<<cmdIPMTickShift&cmdIPMTickMask
}

// TickDelay returns the IPM get-tick-delay field.
func (r CmdReg) TickDelay() uint8 {
	return uint8((r & cmdIPMTickMask) >> cmdIPMTickShift)
}

// Cfg0Reg is a value of the CFG0 register. Its layout depends on whether the
// controller has enhanced timing: legacy packs four 8-bit fields (sck high,
// sck low, cs hold, cs setup), enhanced packs two 16-bit fields (cs hold,
// cs setup) and moves sck timing to CFG2.
type Cfg0Reg uint32

// Legacy CFG0 accessors.

func (r Cfg0Reg) WithSckHigh(v uint32) Cfg0Reg { return setField(r, v, 0, 0xff) }
func (r Cfg0Reg) WithSckLow(v uint32) Cfg0Reg  { return setField(r, v, 8, 0xff) }
func (r Cfg0Reg) WithCSHold(v uint32) Cfg0Reg  { return setField(r, v, 16, 0xff) }
func (r Cfg0Reg) WithCSSetup(v uint32) Cfg0Reg { return setField(r, v, 24, 0xff) }
func (r Cfg0Reg) SckHigh() uint32              { return getField(r, 0, 0xff) }
func (r Cfg0Reg) SckLow() uint32               { return getField(r, 8, 0xff) }
func (r Cfg0Reg) CSHold() uint32               { return getField(r, 16, 0xff) }
func (r Cfg0Reg) CSSetup() uint32              { return getField(r, 24, 0xff) }

// Enhanced CFG0 accessors.

func (r Cfg0Reg) WithAdjCSHold(v uint32) Cfg0Reg  { return setField(r, v, 0, 0xffff) }
func (r Cfg0Reg) WithAdjCSSetup(v uint32) Cfg0Reg { return setField(r, v, 16, 0xffff) }
func (r Cfg0Reg) AdjCSHold() uint32               { return getField(r, 0, 0xffff) }
func (r Cfg0Reg) AdjCSSetup() uint32              { return getField(r, 16, 0xffff) }

// Cfg1Reg is a value of the CFG1 register.
type Cfg1Reg uint32

const (
	cfg1PacketLengthMask    = 0x3ff
	cfg1IPMPacketLengthMask = 0xffff
)

func (r Cfg1Reg) WithCSIdle(v uint32) Cfg1Reg     { return setField(r, v, 0, 0xff) }
func (r Cfg1Reg) WithPacketLoop(v uint32) Cfg1Reg { return setField(r, v, 8, 0xff) }
func (r Cfg1Reg) WithTickDelay(v uint32) Cfg1Reg  { return setField(r, v, 29, 0x7) }
func (r Cfg1Reg) CSIdle() uint32                  { return getField(r, 0, 0xff) }
func (r Cfg1Reg) PacketLoop() uint32              { return getField(r, 8, 0xff) }
func (r Cfg1Reg) TickDelay() uint32               { return getField(r, 29, 0x7) }

// WithPacketLength writes the packet length field, which is 10 bits wide on
// legacy controllers and 16 bits wide on IPM controllers.
func (r Cfg1Reg) WithPacketLength(v uint32, ipm bool) Cfg1Reg {
	if ipm {
		return setField(r, v, 16, cfg1IPMPacketLengthMask)
	}
	return setField(r, v, 16, cfg1PacketLengthMask)
}

// PacketLength returns the packet length field.
func (r Cfg1Reg) PacketLength(ipm bool) uint32 {
	if ipm {
		return getField(r, 16, cfg1IPMPacketLengthMask)
	}
	return getField(r, 16, cfg1PacketLengthMask)
}

// Cfg2Reg is a value of the CFG2 register (enhanced timing only).
type Cfg2Reg uint32

func (r Cfg2Reg) WithSckHigh(v uint32) Cfg2Reg { return setField(r, v, 0, 0xffff) }
func (r Cfg2Reg) WithSckLow(v uint32) Cfg2Reg  { return setField(r, v, 16, 0xffff) }
func (r Cfg2Reg) SckHigh() uint32              { return getField(r, 0, 0xffff) }
func (r Cfg2Reg) SckLow() uint32               { return getField(r, 16, 0xffff) }

// Cfg3Reg is a value of the IPM CFG3 register, used only by memory
// operations.
type Cfg3Reg uint32

// CFG3 bits
const (
	Cfg3HalfDuplexDir Cfg3Reg = 1 << 2
	Cfg3HalfDuplexEn  Cfg3Reg = 1 << 3
	Cfg3XModeEn       Cfg3Reg = 1 << 4
	Cfg3NoData        Cfg3Reg = 1 << 5
)

func (r Cfg3Reg) With(bits Cfg3Reg, on bool) Cfg3Reg {
	if on {
		return r | bits
	}
	return r &^ bits
}

func (r Cfg3Reg) Has(bits Cfg3Reg) bool { return r&bits == bits }

func (r Cfg3Reg) WithPinMode(v uint32) Cfg3Reg     { return setField(r, v, 0, 0x3) }
func (r Cfg3Reg) WithCmdByteLen(v uint32) Cfg3Reg  { return setField(r, v, 8, 0xf) }
func (r Cfg3Reg) WithAddrByteLen(v uint32) Cfg3Reg { return setField(r, v, 12, 0xf) }
func (r Cfg3Reg) PinMode() uint32                  { return getField(r, 0, 0x3) }
func (r Cfg3Reg) CmdByteLen() uint32               { return getField(r, 8, 0xf) }
func (r Cfg3Reg) AddrByteLen() uint32              { return getField(r, 12, 0xf) }

// StatusReg is a value of the STATUS0 register.
type StatusReg uint32

// StatusPause is set when the burst ended on a pause rather than a finish.
const StatusPause StatusReg = 0x2

// StatusFinish is set when the burst ended on a finish.
const StatusFinish StatusReg = 0x1

func (r StatusReg) Paused() bool { return r&StatusPause != 0 }

type regValue interface {
	~uint32
}

func setField[T regValue](r T, v uint32, shift uint, mask uint32) T {
	return r&^T(mask<<shift) | T((v&mask)<<shift)
}

func getField[T regValue](r T, shift uint, mask uint32) uint32 {
	return uint32(r>>shift) & mask
}
