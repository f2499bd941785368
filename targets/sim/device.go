package sim

import (
	"io"

	"go.uber.org/zap"

	"gospi/core"
	"gospi/protocol"
)

// Device is the firmware side of a simulated board: a command set on a
// rig's engine behind the framed protocol.
type Device struct {
	Rig      *Rig
	Commands *core.CommandSet

	transport *protocol.Transport
	log       *zap.Logger
}

// NewDevice wires a command set to rig. Acknowledgements and responses are
// written to out.
func NewDevice(rig *Rig, out io.Writer, log *zap.Logger, opts ...core.CommandOption) *Device {
	if log == nil {
		log = zap.NewNop()
	}
	cs := core.NewCommandSet(rig.Engine, append([]core.CommandOption{core.WithCommandLogger(log)}, opts...)...)
	d := &Device{
		Rig:      rig,
		Commands: cs,
		log:      log,
	}
	d.transport = protocol.NewTransport(out, cs.Dispatch, log)
	d.transport.SetResetCallback(func() {
		log.Debug("host restarted sequence")
	})
	cs.SetSender(d.transport)
	return d
}

// Serve feeds the host stream from r to the command set until r fails or
// reaches EOF.
func (d *Device) Serve(r io.Reader) error {
	d.log.Info("simulated device serving",
		zap.String("controller", d.Rig.Engine.Profile().Name),
		zap.Int("commands", d.Commands.Registry().Count()))
	return d.transport.Run(r)
}
