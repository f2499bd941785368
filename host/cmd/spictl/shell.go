package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"gospi/host/mcu"
)

func newShellCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Issue commands interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withBoard(func(m *mcu.MCU) error {
				return runShell(m, a.cfg.Bus.OID, cmd.InOrStdin(), cmd.OutOrStdout())
			})
		},
	}
}

func runShell(m *mcu.MCU, oid uint8, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}

		switch parts[0] {
		case "quit", "exit", "q":
			return nil
		case "help", "?":
			printHelp(out)
		case "commands":
			fmt.Fprintln(out, strings.Join(m.CommandNames(), " "))
		case "uptime":
			up, err := m.Uptime()
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "%d\n", up)
		case "transfer", "send":
			if len(parts) < 2 {
				fmt.Fprintf(out, "usage: %s <hex>\n", parts[0])
				continue
			}
			tx, err := parseHex(strings.Join(parts[1:], ""))
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			if parts[0] == "send" {
				if err := m.SendSPI(oid, tx); err != nil {
					fmt.Fprintf(out, "error: %v\n", err)
				}
				continue
			}
			rx, err := m.Transfer(oid, tx)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			fmt.Fprintln(out, hex.EncodeToString(rx))
		case "read":
			if len(parts) != 3 {
				fmt.Fprintln(out, "usage: read <addr> <count>")
				continue
			}
			addr, err := parseUint(parts[1], 32)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			count, err := parseUint(parts[2], 16)
			if err != nil || count == 0 {
				fmt.Fprintln(out, "error: bad count")
				continue
			}
			data, err := m.ReadMemory(oid, mcu.MemRead{Opcode: 0x0B, Addr: uint32(addr), AddrLen: 3, Dummy: 1, Width: 1}, int(count))
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			fmt.Fprint(out, hex.Dump(data))
		default:
			fmt.Fprintf(out, "unknown command %q, try help\n", parts[0])
		}
	}
}

func printHelp(out io.Writer) {
	fmt.Fprint(out, `commands:
  transfer <hex>       full-duplex transfer, prints the bytes clocked in
  send <hex>           transmit only
  read <addr> <count>  fast read from a flash chip
  uptime               board uptime in ticks
  commands             list dictionary commands
  quit
`)
}
