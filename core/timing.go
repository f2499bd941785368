package core

import "encoding/binary"

// Timing holds the clock values derived for one requested bus speed.
// Sck is the half-period of the bus clock in source-clock ticks; CS is the
// chip-select setup/hold/idle time.
type Timing struct {
	Div uint32
	Sck uint32
	CS  uint32
}

// ComputeTiming derives the divisor and timing values for requestedHz.
// A zero request runs the bus at the fastest rate.
func ComputeTiming(sourceHz, requestedHz uint32) Timing {
	div := uint32(1)
	if requestedHz != 0 && requestedHz < sourceHz/2 {
		div = (sourceHz + requestedHz - 1) / requestedHz
	}
	sck := (div + 1) / 2
	return Timing{Div: div, Sck: sck, CS: sck * 2}
}

// ProgramTiming writes the clock and chip-select timing registers.
// Field values are masked to the register width.
func ProgramTiming(regs Registers, prof Profile, sourceHz, requestedHz uint32) Timing {
	t := ComputeTiming(sourceHz, requestedHz)

	if prof.EnhanceTiming {
		cfg2 := Cfg2Reg(0).WithSckHigh(t.Sck - 1).WithSckLow(t.Sck - 1)
		regs.Write32(RegCfg2, uint32(cfg2))
		cfg0 := Cfg0Reg(0).WithAdjCSHold(t.CS - 1).WithAdjCSSetup(t.CS - 1)
		regs.Write32(RegCfg0, uint32(cfg0))
	} else {
		cfg0 := Cfg0Reg(0).
			WithSckHigh(t.Sck - 1).
			WithSckLow(t.Sck - 1).
			WithCSHold(t.CS - 1).
			WithCSSetup(t.CS - 1)
		regs.Write32(RegCfg0, uint32(cfg0))
	}

	cfg1 := Cfg1Reg(regs.Read32(RegCfg1)).WithCSIdle(t.CS - 1)
	regs.Write32(RegCfg1, uint32(cfg1))

	return t
}

// ReadTiming decodes the sck and cs values currently programmed.
// Div is not recoverable from the registers and is left zero.
func ReadTiming(regs Registers, prof Profile) Timing {
	var t Timing
	cfg0 := Cfg0Reg(regs.Read32(RegCfg0))
	if prof.EnhanceTiming {
		cfg2 := Cfg2Reg(regs.Read32(RegCfg2))
		t.Sck = cfg2.SckHigh() + 1
		t.CS = cfg0.AdjCSHold() + 1
	} else {
		t.Sck = cfg0.SckHigh() + 1
		t.CS = cfg0.CSHold() + 1
	}
	return t
}

// Packet is the packet framing of one burst.
type Packet struct {
	Size uint32
	Loop uint32
}

// ComputePacket splits totalLen into packet size and loop count.
// totalLen must be a multiple of the resulting packet size. A zero length
// has no framing and yields the zero Packet.
func ComputePacket(prof Profile, totalLen uint32) Packet {
	if totalLen == 0 {
		return Packet{}
	}
	size := min(totalLen, prof.MaxPacket())
	return Packet{Size: size, Loop: totalLen / size}
}

// ProgramPacket writes the packet length and loop count for the next burst.
// A zero length writes nothing.
func ProgramPacket(regs Registers, prof Profile, totalLen uint32) Packet {
	p := ComputePacket(prof, totalLen)
	if p.Size == 0 {
		return p
	}
	cfg1 := Cfg1Reg(regs.Read32(RegCfg1)).
		WithPacketLength(p.Size-1, prof.IPM).
		WithPacketLoop(p.Loop - 1)
	regs.Write32(RegCfg1, uint32(cfg1))
	return p
}

var hostBigEndian = binary.NativeEndian.Uint16([]byte{0, 1}) == 1

// ProgramMode initializes the controller for a device: clock phase and
// polarity, bit order, data endianness, chip-select polarity, sample edge,
// interrupt enables and pad selection. DMA and deassert modes are cleared.
func ProgramMode(regs Registers, prof Profile, dev Device) {
	if prof.EnhanceTiming {
		if prof.IPM {
			// CFG3 is only used by memory operations
			regs.Write32(RegCfg3IPM, 0)
			cmd := CmdReg(regs.Read32(RegCmd)).WithTickDelay(dev.tickDelay())
			regs.Write32(RegCmd, uint32(cmd))
		} else {
			cfg1 := Cfg1Reg(regs.Read32(RegCfg1)).WithTickDelay(uint32(dev.tickDelay()))
			regs.Write32(RegCfg1, uint32(cfg1))
		}
	}

	cmd := CmdReg(regs.Read32(RegCmd))
	if prof.IPM {
		cmd = cmd.With(CmdIPMNonIdle, true).
			With(CmdIPMSpimLoop, dev.Mode&ModeLoop != 0)
	}

	cmd = cmd.With(CmdCPHA, dev.Mode&ModeCPHA != 0).
		With(CmdCPOL, dev.Mode&ModeCPOL != 0).
		With(CmdTxMSBF|CmdRxMSBF, dev.Mode&ModeLSBFirst == 0).
		With(CmdTxEndian|CmdRxEndian, hostBigEndian)

	if prof.EnhanceTiming {
		cmd = cmd.With(CmdCSPol, dev.Mode&ModeCSHigh != 0).
			With(CmdSampleSel, dev.SampleSel)
	}

	cmd = cmd.With(CmdFinishIE|CmdPauseIE, true).
		With(CmdTxDMA|CmdRxDMA, false).
		With(CmdDeassert, false)
	regs.Write32(RegCmd, uint32(cmd))

	if prof.NeedPadSel {
		regs.Write32(RegPadSel, dev.PadSel)
	}
}

// Reset pulses the controller's software reset bit.
func Reset(regs Registers) {
	cmd := CmdReg(regs.Read32(RegCmd))
	regs.Write32(RegCmd, uint32(cmd.With(CmdRst, true)))
	cmd = CmdReg(regs.Read32(RegCmd))
	regs.Write32(RegCmd, uint32(cmd.With(CmdRst, false)))
}

// trigger starts a burst: ACT from idle, RESUME when the controller is
// paused holding chip select.
func trigger(regs Registers, paused bool) {
	cmd := CmdReg(regs.Read32(RegCmd))
	if paused {
		cmd = cmd.With(CmdResume, true)
	} else {
		cmd = cmd.With(CmdAct, true)
	}
	regs.Write32(RegCmd, uint32(cmd))
}

func setDMAEnables(regs Registers, tx, rx bool) {
	cmd := CmdReg(regs.Read32(RegCmd))
	cmd = cmd.With(CmdTxDMA, tx).With(CmdRxDMA, rx)
	regs.Write32(RegCmd, uint32(cmd))
}
