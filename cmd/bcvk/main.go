// Command bcvk runs bootc container images as virtual machines, either
// ephemerally inside a privileged container or persistently through a
// hypervisor manager.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/cgwalters/bcvk/internal/bcvkerr"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := newRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		logrus.WithError(err).Error("bcvk failed")
		os.Exit(bcvkerr.ExitCode(err))
	}
}
