package core_test

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gospi/core"
	"gospi/targets/sim"
)

type bench struct {
	ctrl *sim.Controller
	mem  *sim.Memory
	e    *core.Engine
	lb   *sim.Loopback
}

func newBench(t *testing.T, prof core.Profile, opts ...sim.Option) *bench {
	t.Helper()
	lb := &sim.Loopback{}
	mem := sim.NewMemory(prof.DMAAddrBits())
	ctrl := sim.NewController(prof, mem, lb, opts...)
	e := core.New(ctrl, mem, prof, sim.DefaultSourceHz, core.WithTrace(1024))
	require.NoError(t, e.Prepare(core.Device{MaxSpeedHz: 10_000_000}))
	return &bench{ctrl: ctrl, mem: mem, e: e, lb: lb}
}

// step services exactly one pending interrupt.
func (b *bench) step(t *testing.T) {
	t.Helper()
	ok, err := b.ctrl.Step(b.e.HandleInterrupt)
	require.True(t, ok, "no interrupt pending")
	require.NoError(t, err)
}

// drain services interrupts until none are pending.
func (b *bench) drain(t *testing.T) {
	t.Helper()
	for {
		ok, err := b.ctrl.Step(b.e.HandleInterrupt)
		require.NoError(t, err)
		if !ok {
			return
		}
	}
}

func result(t *testing.T, done <-chan core.Result) core.Result {
	t.Helper()
	select {
	case r := <-done:
		return r
	default:
		require.FailNow(t, "transfer not finalized")
		return core.Result{}
	}
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

// unaligned returns an n-byte slice whose data is not 4-byte aligned.
func unaligned(n int) []byte {
	b := make([]byte, n+4)
	off := 1
	if uintptr(unsafe.Pointer(&b[0]))%4 == 3 {
		off = 2
	}
	return b[off : off+n]
}

func burstLens(bursts []sim.Burst) []int {
	var out []int
	for _, b := range bursts {
		out = append(out, b.Len)
	}
	return out
}

func TestFIFOTransferContinues(t *testing.T) {
	b := newBench(t, mustProfile(t, "mediatek,mt8183-spi"))

	tx := unaligned(40)
	copy(tx, pattern(40))
	rx := unaligned(40)
	xfer := &core.Transfer{Tx: tx, Rx: rx}
	require.False(t, core.CanDMA(xfer))

	done, err := b.e.Submit(xfer)
	require.NoError(t, err)

	s := b.e.Session()
	assert.Equal(t, core.PhaseBurstActive, s.Phase)
	assert.Equal(t, core.PathFIFO, s.Path)
	assert.Equal(t, 32, s.Burst)

	b.step(t)
	s = b.e.Session()
	assert.Equal(t, 32, s.Transferred)
	assert.Equal(t, 8, s.Burst)
	assert.Equal(t, tx[:32], rx[:32])

	b.step(t)
	r := result(t, done)
	require.NoError(t, r.Err)
	assert.Equal(t, 40, r.Transferred)
	assert.Equal(t, tx, rx)
	assert.Equal(t, []int{32, 8}, burstLens(b.ctrl.Bursts()))
	assert.Equal(t, core.PhaseIdle, b.e.Session().Phase)
	assert.NoError(t, b.ctrl.Err())
}

func TestFIFOPartialWord(t *testing.T) {
	b := newBench(t, mustProfile(t, "mediatek,mt2701-spi"))

	tx := pattern(7)
	rx := make([]byte, 7)
	done, err := b.e.Submit(&core.Transfer{Tx: tx, Rx: rx})
	require.NoError(t, err)
	b.drain(t)

	r := result(t, done)
	require.NoError(t, r.Err)
	assert.Equal(t, 7, r.Transferred)
	assert.Equal(t, tx, rx)
}

func TestReceiveOnlyMustTx(t *testing.T) {
	b := newBench(t, mustProfile(t, "mediatek,mt8183-spi"))

	rx := pattern(64)
	done, err := b.e.Submit(&core.Transfer{Rx: rx})
	require.NoError(t, err)
	b.drain(t)

	require.NoError(t, result(t, done).Err)
	// the dummy transmit buffer clocks out zeros
	assert.Equal(t, make([]byte, 64), rx)
	for _, burst := range b.ctrl.Bursts() {
		assert.True(t, burst.TxDMA, "must-tx controllers transmit on receive-only transfers")
	}
}

func TestClockOnlyTransfer(t *testing.T) {
	// no buffers and no must-tx dummy: nothing to map, so the FIFO path
	// clocks the bus
	b := newBench(t, mustProfile(t, "mediatek,mt2701-spi"))
	xfer := &core.Transfer{Len: 64}
	assert.False(t, core.CanDMA(xfer))

	done, err := b.e.Submit(xfer)
	require.NoError(t, err)
	assert.Equal(t, core.PathFIFO, b.e.Session().Path)
	b.drain(t)

	r := result(t, done)
	require.NoError(t, r.Err)
	assert.Equal(t, 64, r.Transferred)
	assert.Equal(t, []int{32, 32}, burstLens(b.ctrl.Bursts()))
	assert.NoError(t, b.ctrl.Err())
}

func TestDMATransfer(t *testing.T) {
	b := newBench(t, mustProfile(t, "mediatek,mt2712-spi"))

	tx := pattern(3000)
	rx := make([]byte, 3000)
	xfer := &core.Transfer{Tx: tx, Rx: rx}
	require.True(t, core.CanDMA(xfer))

	done, err := b.e.Submit(xfer)
	require.NoError(t, err)
	assert.Equal(t, core.PathDMA, b.e.Session().Path)
	b.drain(t)

	r := result(t, done)
	require.NoError(t, r.Err)
	assert.Equal(t, 3000, r.Transferred)
	assert.Equal(t, tx, rx)
	assert.Equal(t, []int{2048, 952}, burstLens(b.ctrl.Bursts()))

	allocs, maps := b.mem.Outstanding()
	assert.Zero(t, allocs)
	assert.Zero(t, maps)
	cmd := core.CmdReg(b.ctrl.Reg(core.RegCmd))
	assert.False(t, cmd.Has(core.CmdTxDMA))
	assert.False(t, cmd.Has(core.CmdRxDMA))
	assert.NoError(t, b.ctrl.Err())
}

func TestDMAScatterGatherMismatch(t *testing.T) {
	b := newBench(t, mustProfile(t, "mediatek,mt2712-spi"))

	tx := pattern(160)
	rx := make([]byte, 160)
	txSG := mapSegments(t, b.mem, tx, core.ToDevice, 100, 60)
	rxSG := mapSegments(t, b.mem, rx, core.FromDevice, 60, 100)

	done, err := b.e.Submit(&core.Transfer{Tx: tx, Rx: rx, TxSG: txSG, RxSG: rxSG})
	require.NoError(t, err)
	b.drain(t)

	require.NoError(t, result(t, done).Err)
	assert.Equal(t, tx, rx)

	bursts := b.ctrl.Bursts()
	require.Equal(t, []int{60, 40, 60}, burstLens(bursts))
	assert.Equal(t, txSG[0].Addr, bursts[0].TxAddr)
	assert.Equal(t, rxSG[0].Addr, bursts[0].RxAddr)
	assert.Equal(t, txSG[0].Addr+60, bursts[1].TxAddr)
	assert.Equal(t, rxSG[1].Addr, bursts[1].RxAddr)
	assert.Equal(t, txSG[1].Addr, bursts[2].TxAddr)
	assert.Equal(t, rxSG[1].Addr+40, bursts[2].RxAddr)

	// caller-made mappings stay with the caller
	_, maps := b.mem.Outstanding()
	assert.Equal(t, 4, maps)
}

func mapSegments(t *testing.T, mem *sim.Memory, buf []byte, dir core.DataDir, lens ...int) []core.Segment {
	t.Helper()
	var segs []core.Segment
	off := 0
	for _, n := range lens {
		addr, err := mem.Map(buf[off:off+n], dir)
		require.NoError(t, err)
		segs = append(segs, core.Segment{Addr: addr, Len: uint32(n)})
		off += n
	}
	return segs
}

func TestDMAExtendedAddress(t *testing.T) {
	b := newBench(t, mustProfile(t, "mediatek,mt6765-spi"))

	tx := pattern(256)
	rx := make([]byte, 256)
	done, err := b.e.Submit(&core.Transfer{Tx: tx, Rx: rx})
	require.NoError(t, err)
	b.drain(t)

	require.NoError(t, result(t, done).Err)
	assert.Equal(t, tx, rx)
	assert.Equal(t, uint32(0x8), b.ctrl.Reg(core.RegTxSrc64))
	assert.Equal(t, uint32(0x8), b.ctrl.Reg(core.RegRxDst64))
	assert.GreaterOrEqual(t, uint64(b.ctrl.Bursts()[0].TxAddr), uint64(1)<<32)
}

func TestArmingWriteOrder(t *testing.T) {
	b := newBench(t, mustProfile(t, "mediatek,mt8183-spi"))
	b.e.Trace().Clear()

	_, err := b.e.Submit(&core.Transfer{Tx: pattern(128), Rx: make([]byte, 128)})
	require.NoError(t, err)

	last := map[uint32]int{}
	trig := -1
	for i, ev := range b.e.Trace().Writes() {
		if ev.Offset == core.RegCmd && core.CmdReg(ev.Value).Has(core.CmdAct) {
			trig = i
			break
		}
		last[ev.Offset] = i
	}
	require.NotEqual(t, -1, trig, "burst never triggered")
	assert.Less(t, last[core.RegCfg2], last[core.RegCfg0])
	assert.Less(t, last[core.RegCfg0], last[core.RegCfg1])
	assert.Less(t, last[core.RegCfg1], last[core.RegTxSrc])
	assert.Less(t, last[core.RegTxSrc], last[core.RegRxDst])
	assert.Less(t, last[core.RegRxDst], trig)
}

func TestInterruptReadsStatusFirst(t *testing.T) {
	b := newBench(t, mustProfile(t, "mediatek,mt2712-spi"))
	_, err := b.e.Submit(&core.Transfer{Tx: pattern(100), Rx: make([]byte, 100)})
	require.NoError(t, err)

	b.e.Trace().Clear()
	b.step(t)
	evs := b.e.Trace().Events()
	require.NotEmpty(t, evs)
	assert.Equal(t, core.RegRead, evs[0].Op)
	assert.Equal(t, uint32(core.RegStatus0), evs[0].Offset)
}

func TestChipSelectPauseResume(t *testing.T) {
	b := newBench(t, mustProfile(t, "mediatek,mt8183-spi"))
	require.NoError(t, b.e.SetChipSelect(true))

	first, second := pattern(8), pattern(12)
	done, err := b.e.Submit(&core.Transfer{Tx: first})
	require.NoError(t, err)
	b.drain(t)
	require.NoError(t, result(t, done).Err)

	s := b.e.Session()
	assert.Equal(t, core.PhasePaused, s.Phase)
	assert.True(t, s.HWPaused)
	assert.True(t, b.ctrl.Selected(), "chip select held across the pause")

	done, err = b.e.Submit(&core.Transfer{Tx: second})
	require.NoError(t, err)
	b.drain(t)
	require.NoError(t, result(t, done).Err)

	bursts := b.ctrl.Bursts()
	require.Len(t, bursts, 2)
	assert.False(t, bursts[0].Resume)
	assert.True(t, bursts[1].Resume)

	require.NoError(t, b.e.SetChipSelect(false))
	assert.Equal(t, core.PhaseIdle, b.e.Session().Phase)
	assert.False(t, b.ctrl.Selected())
	require.Len(t, b.lb.Frames(), 1)
	assert.Equal(t, append(first, second...), b.lb.Frames()[0])
	assert.NoError(t, b.ctrl.Err())
}

func TestSpuriousInterrupt(t *testing.T) {
	b := newBench(t, mustProfile(t, "mediatek,mt8183-spi"))
	b.e.Trace().Clear()

	err := b.e.HandleInterrupt()
	assert.ErrorIs(t, err, core.ErrSpuriousInterrupt)
	assert.Empty(t, b.e.Trace().Writes())
	assert.Equal(t, core.PhaseIdle, b.e.Session().Phase)
}

func TestSubmitWhileBusy(t *testing.T) {
	b := newBench(t, mustProfile(t, "mediatek,mt8183-spi"))
	_, err := b.e.Submit(&core.Transfer{Tx: pattern(100)})
	require.NoError(t, err)

	_, err = b.e.Submit(&core.Transfer{Tx: pattern(4)})
	assert.ErrorIs(t, err, core.ErrBusy)
	assert.ErrorIs(t, b.e.Prepare(core.Device{}), core.ErrBusy)
	assert.ErrorIs(t, b.e.SetChipSelect(true), core.ErrBusy)
}

func TestSubmitRejectsBeforeWriting(t *testing.T) {
	b := newBench(t, mustProfile(t, "mediatek,mt8183-spi"))

	tests := []struct {
		name string
		xfer core.Transfer
		want error
	}{
		{"dual lane", core.Transfer{Tx: pattern(8), BusWidth: 2}, core.ErrNotSupported},
		{"quad lane", core.Transfer{Tx: pattern(64), BusWidth: 4}, core.ErrNotSupported},
		{"empty", core.Transfer{}, core.ErrInvalidTransfer},
		{"short rx", core.Transfer{Tx: pattern(8), Rx: make([]byte, 4), Len: 8}, core.ErrInvalidTransfer},
		{"sg total", core.Transfer{Tx: pattern(64), TxSG: []core.Segment{{Addr: 0x1000, Len: 32}}}, core.ErrInvalidTransfer},
		{"empty segment", core.Transfer{Tx: pattern(64), TxSG: []core.Segment{{Addr: 0x1000, Len: 64}, {Addr: 0x2000}}}, core.ErrInvalidTransfer},
		{"tx segments only", core.Transfer{Len: 64, TxSG: []core.Segment{{Addr: 0x1000, Len: 64}}}, core.ErrInvalidTransfer},
		{"rx segments only", core.Transfer{Tx: pattern(64), RxSG: []core.Segment{{Addr: 0x1000, Len: 64}}}, core.ErrInvalidTransfer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b.e.Trace().Clear()
			_, err := b.e.Submit(&tt.xfer)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, b.e.Trace().Events())
		})
	}
}

func TestDetachFailsTransfer(t *testing.T) {
	b := newBench(t, mustProfile(t, "mediatek,mt2712-spi"), sim.WithStall())

	done, err := b.e.Submit(&core.Transfer{Tx: pattern(100), Rx: make([]byte, 100)})
	require.NoError(t, err)
	require.NoError(t, b.e.Detach())

	r := result(t, done)
	assert.ErrorIs(t, r.Err, core.ErrDetached)
	_, maps := b.mem.Outstanding()
	assert.Zero(t, maps)

	_, err = b.e.Submit(&core.Transfer{Tx: pattern(4)})
	assert.ErrorIs(t, err, core.ErrDetached)
}

func TestPrepareRejectsPadSelect(t *testing.T) {
	b := newBench(t, mustProfile(t, "mediatek,mt8183-spi"))
	err := b.e.Prepare(core.Device{PadSel: core.MaxPadSel + 1})
	assert.ErrorIs(t, err, core.ErrNotSupported)
}

func TestLoopbackMode(t *testing.T) {
	prof := mustProfile(t, "mediatek,ipm-spi-single")
	mem := sim.NewMemory(prof.DMAAddrBits())
	// no peripheral: data only comes back through the internal loop
	ctrl := sim.NewController(prof, mem, nil)
	e := core.New(ctrl, mem, prof, sim.DefaultSourceHz)
	require.NoError(t, e.Prepare(core.Device{Mode: core.ModeLoop}))

	tx := pattern(16)
	rx := make([]byte, 16)
	done, err := e.Submit(&core.Transfer{Tx: tx, Rx: rx})
	require.NoError(t, err)
	ok, err := ctrl.Step(e.HandleInterrupt)
	require.True(t, ok)
	require.NoError(t, err)
	require.NoError(t, result(t, done).Err)
	assert.Equal(t, tx, rx)
}

func TestLSBFirstRoundTrip(t *testing.T) {
	b := newBench(t, mustProfile(t, "mediatek,mt8183-spi"))
	require.NoError(t, b.e.Prepare(core.Device{Mode: core.ModeLSBFirst}))

	tx := []byte{0x01, 0x80, 0xf0}
	rx := make([]byte, 3)
	done, err := b.e.Submit(&core.Transfer{Tx: tx, Rx: rx})
	require.NoError(t, err)
	b.drain(t)
	require.NoError(t, result(t, done).Err)
	assert.Equal(t, tx, rx)
	assert.Equal(t, []byte{0x80, 0x01, 0x0f}, b.lb.Frames()[0], "wire order is bit reversed")
}

func TestProfileFor(t *testing.T) {
	_, err := core.ProfileFor("mediatek,unknown")
	assert.True(t, errors.Is(err, core.ErrNotSupported))
	assert.Len(t, core.Compatibles(), 11)

	p := mustProfile(t, "mediatek,ipm-spi-quad")
	assert.Equal(t, uint32(core.IPMPacketSize), p.MaxPacket())
	assert.Equal(t, uint8(4), p.Lanes())
	assert.Equal(t, 36, p.DMAAddrBits())
}

func mustProfile(t *testing.T, compatible string) core.Profile {
	t.Helper()
	p, err := core.ProfileFor(compatible)
	require.NoError(t, err)
	return p
}
