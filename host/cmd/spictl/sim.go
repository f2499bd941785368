package main

import (
	"errors"
	"io"
	"net"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gospi/core"
	"gospi/host/config"
	"gospi/host/mcu"
	"gospi/targets/sim"
)

// simBoard is a simulated board served over an in-process pipe.
type simBoard struct {
	rig    *sim.Rig
	chip   *sim.Flash
	mcu    *mcu.MCU
	conn   net.Conn
	served chan error
}

func startSimBoard(cfg config.SimConfig, log *zap.Logger, opts ...mcu.Option) (*simBoard, error) {
	prof, err := core.ProfileFor(cfg.Compatible)
	if err != nil {
		return nil, err
	}
	id, err := cfg.ID()
	if err != nil {
		return nil, err
	}

	b := &simBoard{
		chip:   sim.NewFlash(cfg.FlashSize, id),
		served: make(chan error, 1),
	}
	b.rig = sim.NewRig(prof, b.chip, []sim.Option{sim.WithLogger(log)}, core.WithLogger(log.Named("engine")))

	hostConn, devConn := net.Pipe()
	b.conn = devConn
	dev := sim.NewDevice(b.rig, devConn, log)
	go func() { b.served <- dev.Serve(devConn) }()

	b.mcu = mcu.New(hostConn, opts...)
	return b, nil
}

// Close stops the host side, then the device and its rig.
func (b *simBoard) Close() error {
	err := b.mcu.Close()
	err = multierr.Append(err, b.conn.Close())
	if serr := <-b.served; serr != nil && !errors.Is(serr, io.ErrClosedPipe) {
		err = multierr.Append(err, serr)
	}
	return multierr.Append(err, b.rig.Close())
}
