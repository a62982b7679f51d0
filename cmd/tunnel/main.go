// Command tunnel implements both halves of the reverse-tunnel protocol:
// `tunnel local` exposes a local TCP service through a running `tunnel
// server`.
package main

import (
	"os"

	"github.com/kallelund/boretun/internal/obs"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		obs.Error("fatal", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}
