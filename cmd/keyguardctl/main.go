// Command keyguardctl manages device keys and talks to a KeyGuard gateway.
package main

import (
	"os"

	"github.com/HailBahafi/KeyGuard-sub002/cmd/keyguardctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
