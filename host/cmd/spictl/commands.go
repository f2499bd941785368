package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"gospi/host/mcu"
)

func newDictCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "dict",
		Short: "Print the board's data dictionary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			m, release, err := a.connect()
			if err != nil {
				return err
			}
			defer func() {
				err = multierr.Append(err, release())
			}()
			return m.PrintDictionary(cmd.OutOrStdout())
		},
	}
}

func newTransferCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "transfer <hex>",
		Short: "Clock bytes out in one chip-select frame and print the bytes clocked in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tx, err := parseHex(args[0])
			if err != nil {
				return err
			}
			return a.withBoard(func(m *mcu.MCU) error {
				rx, err := m.Transfer(a.cfg.Bus.OID, tx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(rx))
				return nil
			})
		},
	}
}

func newJEDECCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "jedec",
		Short: "Read the JEDEC id of a flash chip",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withBoard(func(m *mcu.MCU) error {
				rx, err := m.Transfer(a.cfg.Bus.OID, []byte{0x9f, 0, 0, 0})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%02x:%02x%02x\n", rx[1], rx[2], rx[3])
				return nil
			})
		},
	}
}

func newReadCmd(a *app) *cobra.Command {
	var (
		addr, count     uint32
		opcode, addrLen uint8
		dummy, width    uint8
		out             string
	)
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read flash contents with memory operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count == 0 {
				return fmt.Errorf("--count must be positive")
			}
			return a.withBoard(func(m *mcu.MCU) error {
				data, err := m.ReadMemory(a.cfg.Bus.OID, mcu.MemRead{
					Opcode:  opcode,
					Addr:    addr,
					AddrLen: addrLen,
					Dummy:   dummy,
					Width:   width,
				}, int(count))
				if err != nil {
					return err
				}
				if out != "" {
					return os.WriteFile(out, data, 0o644)
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), hex.Dump(data))
				return err
			})
		},
	}
	flags := cmd.Flags()
	flags.Uint32Var(&addr, "addr", 0, "start address")
	flags.Uint32Var(&count, "count", 256, "bytes to read")
	flags.Uint8Var(&opcode, "opcode", 0x0B, "read opcode")
	flags.Uint8Var(&addrLen, "addr-len", 3, "address bytes")
	flags.Uint8Var(&dummy, "dummy", 1, "dummy bytes")
	flags.Uint8Var(&width, "width", 1, "data lanes: 1, 2 or 4")
	flags.StringVarP(&out, "output", "o", "", "write the data to a file instead of a hex dump")
	return cmd
}

func newStopCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Send the emergency stop and report the configuration state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withBoard(func(m *mcu.MCU) error {
				if err := m.EmergencyStop(); err != nil {
					return err
				}
				st, err := m.Config()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "shutdown=%t\n", st.IsShutdown)
				return nil
			})
		},
	}
}

// parseHex accepts "9f000000", "9f 00 00 00" and "0x9f,0x00".
func parseHex(s string) ([]byte, error) {
	s = strings.NewReplacer("0x", "", "0X", "", ",", "", " ", "", ":", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bad hex data: %w", err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("no data")
	}
	return b, nil
}

func parseUint(s string, bits int) (uint64, error) {
	return strconv.ParseUint(s, 0, bits)
}
