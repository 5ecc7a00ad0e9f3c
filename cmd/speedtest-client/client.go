package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/casterlabs/speedtest/pkg/client"
	"github.com/casterlabs/speedtest/pkg/version"
	"github.com/charmbracelet/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"
)

var (
	flagServer   = flag.String("server", "", "Server address (host[:port]). If empty, the Locate API is used")
	flagScheme   = flag.String("scheme", client.DefaultScheme, "HTTP scheme (https or http)")
	flagCC       = flag.String("cc", "", "Congestion control algorithm to request from the server")
	flagDuration = flag.Duration("duration", client.DefaultMaxTestTime, "Maximum length of a size-bound subtest")
	flagNoVerify = flag.Bool("no-verify", false, "Skip TLS certificate verification")
	flagDebug    = flag.Bool("debug", false, "Print debug information")
)

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse env args")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cl := client.New("speedtest-client", version.Version, client.Config{
		Server:            *flagServer,
		Scheme:            *flagScheme,
		CongestionControl: *flagCC,
		MaxTestTime:       *flagDuration,
		Emitter:           client.HumanReadable{Debug: *flagDebug},
		NoVerify:          *flagNoVerify,
	})

	if _, err := cl.Run(ctx); err != nil {
		log.Error("Speed test failed", "err", err)
		os.Exit(1)
	}
}
