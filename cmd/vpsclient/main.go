// Command vpsclient runs the visual positioning localization client against
// a recorded AR session and inspects its localization history.
package main

import (
	"context"
	"os"

	"github.com/charmbracelet/fang"

	"github.com/banshee-data/vpsclient/internal/version"
)

func main() {
	root := newRootCmd()

	if err := fang.Execute(
		context.Background(),
		root,
		fang.WithVersion(version.String()),
		fang.WithNotifySignal(os.Interrupt, os.Kill),
	); err != nil {
		os.Exit(1)
	}
}
