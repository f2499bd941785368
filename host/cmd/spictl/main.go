// Command spictl talks to a board running the SPI command set, over a
// serial link or against an in-process simulated board.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
