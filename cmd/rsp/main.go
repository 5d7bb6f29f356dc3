// rsp runs the Rapid SSH Proxy: a SOCKS5 or transparent TCP proxy that
// tunnels every client connection through a warm pool of SSH sessions to
// a single upstream host.
package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/snawoot/rsp-go/internal/config"
	"github.com/snawoot/rsp-go/internal/logging"
	"github.com/snawoot/rsp-go/internal/notify"
	"github.com/snawoot/rsp-go/internal/proxylistener"
	"github.com/snawoot/rsp-go/internal/ratelimit"
	"github.com/snawoot/rsp-go/internal/rspssh"
	"github.com/snawoot/rsp-go/internal/sshpool"
	"github.com/snawoot/rsp-go/internal/trust"
)

// Version is set at build time.
var Version = "1.0.0"

func main() {
	cfg, err := config.Parse(os.Args[1:], config.DefaultFileConfigPath())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		// logging.Setup writes to os.Stderr.
		os.Stderr = f
	}
	logging.Setup(cfg.Verbosity, true)
	slog.Info("starting rsp", slog.String("version", Version))

	store, err := trust.Load(cfg.HostsFile)
	if err != nil {
		slog.Error("failed to load known_hosts", slog.String("error", err.Error()))
		os.Exit(1)
	}
	hostKeyCB, err := store.HostKeyCallback()
	if err != nil {
		slog.Error("failed to build host key callback", slog.String("error", err.Error()))
		os.Exit(1)
	}

	dstAddr := net.JoinHostPort(cfg.DstAddress, strconv.Itoa(cfg.DstPort))
	if err := trust.CheckOnce(dstAddr, hostKeyCB); err != nil {
		slog.Error("refusing to start: upstream host key is not trusted", slog.String("error", err.Error()))
		os.Exit(1)
	}

	target := rspssh.Target{
		Host: cfg.DstAddress,
		Port: cfg.DstPort,
		Options: rspssh.SSHOptions{
			Login:           cfg.Login,
			Identities:      cfg.Identities,
			Password:        cfg.Password,
			UseAgent:        cfg.UseAgent,
			ClientVersion:   cfg.ClientVersion,
			HostKeyCallback: hostKeyCB,
		},
	}

	limiter := ratelimit.New(cfg.ConnectRate, nil)
	pool := sshpool.New(target, limiter, sshpool.Config{
		Size:    cfg.PoolSize,
		Timeout: cfg.Timeout,
		Backoff: cfg.Backoff,
	})
	pool.Start()

	listenAddr := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.BindPort))
	var listener proxylistener.Listener
	if cfg.Transparent {
		listener = proxylistener.NewTransparentListener(listenAddr, pool, cfg.Timeout)
	} else {
		listener = proxylistener.NewSocks5Listener(listenAddr, pool, cfg.Timeout)
	}
	if err := listener.Start(); err != nil {
		slog.Error("failed to start listener", slog.String("error", err.Error()))
		pool.Stop()
		os.Exit(1)
	}

	notifier := notify.New()
	notifier.Ready()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	slog.Info("received shutdown signal, stopping gracefully")

	done := make(chan struct{})
	go func() {
		notifier.Stopping()
		listener.Stop()
		pool.Stop()
		notifier.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-sigCh:
		slog.Warn("received second shutdown signal, terminating hard")
		os.Exit(1)
	}
	slog.Info("rsp stopped")
}
