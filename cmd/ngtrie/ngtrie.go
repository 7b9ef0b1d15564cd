package main

import (
	"context"
	"fmt"
	"os"

	"github.com/lexstat/ngtrie/internal/cli"
	"github.com/lexstat/ngtrie/internal/sig"
	"github.com/lexstat/ngtrie/internal/util"
)

func main() {
	var st int
	defer func() { os.Exit(st) }()

	h := sig.New(sig.ReceivedHandlerFunc(func(s os.Signal) {
		fmt.Fprintf(os.Stderr, "ngtrie: received %s, stopping\n", s)
	}))
	ctx, release := h.Watch(context.Background())
	defer release()

	if err := cli.New().Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		st, _ = util.GetExitStatus(err)
	}
}
