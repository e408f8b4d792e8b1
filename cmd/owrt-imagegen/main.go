package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/openwrt-imagegen/owrt-imagegen/cmd"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/errutil"
)

// Statically-populated build metadata, set by -ldflags at build time.
var date, vers, hash string

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
		<-sigs // a second interrupt forces an immediate exit
		os.Exit(130)
	}()

	root, err := cmd.NewRootCmd(cmd.RootCommandConfig{
		Name:    "owrt-imagegen",
		Date:    date,
		Version: vers,
		Hash:    hash,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errutil.Internal(err))
		os.Exit(1)
	}
}
