// Command botwave-server runs the BotWave fleet-control plane: the TLS
// control channel, the File Transfer Service, the Broadcast Scheduler,
// and (optionally) the remote-shell port and the SQLite audit trail.
package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"botwave/internal/audit"
	"botwave/internal/control"
	"botwave/internal/handlers"
	"botwave/internal/logging"
	"botwave/internal/opcmd"
	"botwave/internal/orchestrator"
	"botwave/internal/protocol"
	"botwave/internal/queue"
	"botwave/internal/registry"
	"botwave/internal/remoteshell"
	"botwave/internal/scheduler"
	"botwave/internal/syncengine"
	"botwave/internal/tlsutil"
	"botwave/internal/transfer"
)

// ServerVersion is the negotiated protocol version.
const ServerVersion = "2.0.1"

func main() {
	controlAddr := flag.String("control-addr", ":9938", "control channel TLS listen address")
	transferAddr := flag.String("transfer-addr", ":9921", "file transfer HTTP listen address")
	shellAddr := flag.String("shell-addr", "", "remote-shell WebSocket listen address (empty to disable)")
	passkey := flag.String("passkey", "", "control channel AUTH passkey (empty disables AUTH phase)")
	shellPasskey := flag.String("shell-passkey", "", "remote-shell auth passkey (empty accepts any)")
	uploadDir := flag.String("upload-dir", "./uploads", "directory holding the fleet's shared WAV library")
	handlersDir := flag.String("handlers-dir", "./handlers", "directory of lifecycle handler scripts")
	certValidity := flag.Duration("cert-validity", tlsutil.DefaultValidity, "self-signed TLS certificate validity")
	auditPath := flag.String("audit-db", "", "SQLite path for the observational audit trail (empty disables it)")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	hub := logging.NewHub(slog.NewTextHandler(os.Stderr, nil))
	log = hub.Logger()

	if err := os.MkdirAll(*uploadDir, 0o755); err != nil {
		log.Error("create upload dir", "err", err)
		os.Exit(1)
	}

	tlsConfig, fingerprint, err := tlsutil.GenerateSelfSigned(*certValidity)
	if err != nil {
		log.Error("generate TLS certificate", "err", err)
		os.Exit(1)
	}
	log.Info("TLS certificate fingerprint (pin this out of band)", "sha256", fingerprint)

	var auditStore *audit.Store
	if *auditPath != "" {
		auditStore, err = audit.Open(*auditPath, log)
		if err != nil {
			log.Error("open audit trail", "err", err)
			os.Exit(1)
		}
		defer auditStore.Close()
	}

	reg := registry.New()
	sessions := orchestrator.NewSessionTable()
	handlerRunner := handlers.New(*handlersDir, log)
	q := queue.New(scheduler.Params{})
	dispatcher := orchestrator.NewDispatcher(q, handlerRunner, auditStore, log)

	sched := scheduler.New(reg, log, sessions.SessionFor)

	tokens := transfer.NewStore()
	go tokens.RunSweeper(nil)
	transferSvc := transfer.NewService(tokens, *uploadDir, log)
	baseURL := "https://127.0.0.1" + *transferAddr
	syncEngine := syncengine.New(tokens, transferSvc, baseURL, log)

	// opDispatcher is the single command dispatcher that services
	// interactive input: the server's own stdin console, lifecycle handler
	// scripts, and authenticated remote-shell frames all route through it.
	opDispatcher := opcmd.New(sched, syncEngine, q, reg, sessions, log)
	dispatcher.Ops = opDispatcher.Dispatch

	sched.OnStart = func() {
		handlerRunner.Fire(context.Background(), "onstart", opDispatcher.Dispatch)
	}

	reg.OnConnect(func(s *registry.ClientSession) {
		if auditStore != nil {
			auditStore.Record(s.ClientID, audit.KindConnect, s.Hostname)
		}
		handlerRunner.Fire(context.Background(), "onconnect", opDispatcher.Dispatch)
	})
	reg.OnDisconnect(func(s *registry.ClientSession) {
		if auditStore != nil {
			auditStore.Record(s.ClientID, audit.KindDisconnect, s.Hostname)
		}
		handlerRunner.Fire(context.Background(), "ondisconnect", opDispatcher.Dispatch)
	})

	listener, err := control.NewTLSListener(*controlAddr, tlsConfig)
	if err != nil {
		log.Error("listen control channel", "err", err)
		os.Exit(1)
	}

	ctrl := &control.Server{
		Listener: listener,
		Registry: reg,
		Handshake: control.HandshakeConfig{
			Passkey:       *passkey,
			ServerVersion: ServerVersion,
			Timeout:       5 * time.Second,
		},
		Dispatcher:     dispatcher,
		Log:            log,
		OnSessionStart: sessions.Put,
		OnSessionEnd:   sessions.Delete,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	transferSvc.Register(e)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info("shutting down")
		for _, cs := range reg.Snapshot() {
			if sess, ok := sessions.Get(cs.ClientID); ok {
				_ = sess.SendBestEffort(protocol.Frame{
					Verb:    protocol.VerbKick,
					Keyword: map[string]string{"reason": "shutting down"},
				})
			}
		}
		cancel()
	}()

	// Interactive stdin console: the same line grammar the lifecycle
	// handlers and remote-shell frames use, typed straight at the server.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}
			opDispatcher.Dispatch(ctx, scanner.Text())
		}
	}()

	if *shellAddr != "" {
		shellHandler := remoteshell.NewHandler(*shellPasskey, opDispatcher.Dispatch, hub, log)
		shellSrv := &http.Server{Addr: *shellAddr, Handler: shellHandler}
		go func() {
			<-ctx.Done()
			shellSrv.Close()
		}()
		go func() {
			if err := shellSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("remote-shell server", "err", err)
			}
		}()
		log.Info("remote-shell listening", "addr", *shellAddr)
	}

	transferSrv := &http.Server{Addr: *transferAddr, Handler: e, TLSConfig: tlsConfig}
	go func() {
		<-ctx.Done()
		transferSrv.Close()
	}()
	go func() {
		if err := transferSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			log.Error("transfer server", "err", err)
		}
	}()
	log.Info("file transfer listening", "addr", *transferAddr)

	log.Info("control channel listening", "addr", *controlAddr)
	if err := ctrl.Serve(ctx); err != nil {
		log.Error("control server", "err", err)
		os.Exit(1)
	}
}
