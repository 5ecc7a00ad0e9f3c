package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/casterlabs/speedtest/internal/config"
	"github.com/casterlabs/speedtest/internal/handler"
	"github.com/casterlabs/speedtest/internal/heartbeat"
	"github.com/casterlabs/speedtest/internal/netx"
	"github.com/casterlabs/speedtest/internal/policy"
	"github.com/casterlabs/speedtest/pkg/speedtest/spec"
	"github.com/casterlabs/speedtest/pkg/version"
	"github.com/charmbracelet/log"
	"github.com/gorilla/handlers"
	"github.com/justinas/alice"
	"github.com/m-lab/access/controller"
	"github.com/m-lab/access/token"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/quic-go/quic-go/http3"
)

var (
	flagConfig            = flag.String("config", "config.json", "Path of the JSON configuration file")
	flagConfigPoll        = flag.Duration("config.poll", 2*time.Second, "How often to check the configuration file for changes")
	flagReadHeaderTimeout = flag.Duration("http.read-header-timeout", 10*time.Second, "Maximum time to read request headers")
	flagReadTimeout       = flag.Duration("http.read-timeout", 0, "Maximum duration of a request, including the body (0 = unlimited)")
	flagWriteTimeout      = flag.Duration("http.write-timeout", 0, "Maximum duration of a response (0 = unlimited)")
	tokenVerifyKey        = flagx.FileBytesArray{}
	tokenVerify           bool
	tokenMachine          string
)

func init() {
	flag.Var(&tokenVerifyKey, "token.verify-key", "Public key for verifying access tokens")
	flag.BoolVar(&tokenVerify, "token.verify", false, "Verify access tokens")
	flag.StringVar(&tokenMachine, "token.machine", "", "Use given machine name to verify token claims")
}

// httpServer creates a new *http.Server for the given address and handler.
//
// This server can only provide connection details to the handler when used
// with a netx.Listener.
func httpServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: *flagReadHeaderTimeout,
		// NOTE: a download must be allowed to last as long as the client
		// needs to fetch the maximum size, so body timeouts are off unless
		// explicitly configured.
		ReadTimeout:  *flagReadTimeout,
		WriteTimeout: *flagWriteTimeout,
		ConnContext:  netx.SaveConnInfo,
	}
}

func applyLogLevel(cfg config.Config) {
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

// altSvc advertises the HTTP/3 endpoint on every TCP response.
func altSvc(h3 *http3.Server) alice.Constructor {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			if err := h3.SetQUICHeaders(rw.Header()); err != nil {
				log.Debug("Cannot set Alt-Svc", "err", err)
			}
			next.ServeHTTP(rw, req)
		})
	}
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse env args")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Initialize logging and metrics.
	log.SetReportCaller(true)
	log.SetReportTimestamp(true)
	log.Info("Starting speedtest server", "version", version.Version, "commit", version.GitCommit)

	cfg, err := config.LoadOrCreate(*flagConfig)
	if errors.Is(err, config.ErrCreated) {
		log.Info("Config file doesn't exist, created a new one. Modify it and restart.", "path", *flagConfig)
		os.Exit(1)
	}
	rtx.Must(err, "Unable to load config file %s", *flagConfig)
	applyLogLevel(cfg)

	p, err := cfg.Policy()
	rtx.Must(err, "Invalid limits")
	policies := policy.NewHolder(p)
	log.Info("Session policy", "mode", p.Kind, "max", p.MaxBytes, "time_limit", p.TimeLimit)

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()

	v, err := token.NewVerifier(tokenVerifyKey.Get()...)
	if tokenVerify && err != nil {
		rtx.Must(err, "Failed to load verifier")
	}
	// Enforce tokens on uploads and downloads.
	txPaths := controller.Paths{
		spec.DownloadPath: true,
		spec.UploadPath:   true,
	}
	tokenPaths := controller.Paths{
		spec.DownloadPath: true,
		spec.UploadPath:   true,
	}
	acm, _ := controller.Setup(ctx, v, tokenVerify, tokenMachine, txPaths, tokenPaths)

	// CORS goes first so that rejections from the access controller carry
	// the headers too.
	chain := alice.New(handler.CORS)
	if cfg.IsBehindProxy {
		chain = chain.Append(handlers.ProxyHeaders)
	}
	chain = chain.Extend(acm)

	var h3 *http3.Server
	tcpChain := chain
	if cfg.SSL.Enabled && cfg.HTTP3 {
		tc, err := cfg.SSL.TLSConfig()
		rtx.Must(err, "Unable to load TLS configuration")
		h3 = &http3.Server{
			Addr:      cfg.Addr(),
			Handler:   chain.Then(handler.New(policies)),
			TLSConfig: http3.ConfigureTLSConfig(tc),
		}
		tcpChain = chain.Append(altSvc(h3))
	} else if cfg.HTTP3 {
		log.Warn("HTTP/3 requires ssl.enabled, ignoring")
	}

	srv := httpServer(cfg.Addr(), tcpChain.Then(handler.New(policies)))
	tcpl, err := net.Listen("tcp", srv.Addr)
	rtx.Must(err, "failed to create listener")
	l := netx.NewListener(tcpl.(*net.TCPListener))
	defer l.Close()

	if cfg.SSL.Enabled {
		srv.TLSConfig, err = cfg.SSL.TLSConfig()
		rtx.Must(err, "Unable to load TLS configuration")
		log.Info("About to listen for https tests", "endpoint", srv.Addr)
		go func() {
			err := srv.ServeTLS(l, "", "")
			if !errors.Is(err, http.ErrServerClosed) {
				rtx.Must(err, "Could not start TLS server")
			}
		}()
	} else {
		log.Info("About to listen for http tests", "endpoint", srv.Addr)
		go func() {
			err := srv.Serve(l)
			if !errors.Is(err, http.ErrServerClosed) {
				rtx.Must(err, "Could not start cleartext server")
			}
		}()
	}
	defer srv.Close()

	if h3 != nil {
		log.Info("About to listen for HTTP/3 tests", "endpoint", h3.Addr)
		go func() {
			if err := h3.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("HTTP/3 server failed", "err", err)
			}
		}()
		defer h3.Close()
	}

	hb := heartbeat.NewRunner(ctx, nil)
	rtx.Must(hb.Reconfigure(cfg.HeartbeatURL, cfg.HeartbeatInterval()), "Invalid heartbeat configuration")
	defer hb.Stop()

	go func() {
		err := config.Watch(ctx, *flagConfig, *flagConfigPoll, func(newCfg config.Config) {
			reload(cfg, newCfg, policies, hb)
		})
		rtx.Must(err, "Cannot watch config file")
	}()

	<-ctx.Done()
	log.Info("Shutting down")
}

// reload applies the parts of newCfg that can change at runtime. Listener
// settings require a restart.
func reload(current, newCfg config.Config, policies *policy.Holder, hb *heartbeat.Runner) {
	p, err := newCfg.Policy()
	if err != nil {
		log.Error("Ignoring invalid limits", "err", err)
		return
	}
	policies.Store(p)
	if err := hb.Reconfigure(newCfg.HeartbeatURL, newCfg.HeartbeatInterval()); err != nil {
		log.Error("Cannot reconfigure heartbeat", "err", err)
	}
	applyLogLevel(newCfg)

	if newCfg.Port != current.Port || newCfg.SSL.Enabled != current.SSL.Enabled ||
		newCfg.HTTP3 != current.HTTP3 || newCfg.IsBehindProxy != current.IsBehindProxy {
		log.Warn("Listener settings changed. You will need to fully restart for this to take effect.")
	}
	log.Info("Reloaded config!", "mode", p.Kind, "max", p.MaxBytes, "time_limit", p.TimeLimit)
}
