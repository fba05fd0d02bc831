// Command botwave-client connects one SBC broadcast node to a BotWave
// control plane: it maintains the TLS control channel, runs the
// single-threaded transmitter trampoline on the main goroutine, and
// services the server's playback and file-transfer commands.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"runtime"

	"botwave/internal/clientrt"
	"botwave/internal/handlers"
	"botwave/internal/tlsutil"
	"botwave/internal/transmitter"
)

// ClientVersion is reported during the VER phase of the handshake.
const ClientVersion = "2.0.1"

func main() {
	serverAddr := flag.String("server", "127.0.0.1:9938", "control plane address host:port")
	passkey := flag.String("passkey", "", "AUTH passkey, must match the server's")
	uploadDir := flag.String("upload-dir", "./uploads", "directory holding the local WAV library")
	handlersDir := flag.String("handlers-dir", "./handlers", "directory of lifecycle handler scripts")
	hostnameFlag := flag.String("hostname", "", "override detected hostname")
	queueDepth := flag.Int("queue-depth", 4, "trampoline request queue depth")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := os.MkdirAll(*uploadDir, 0o755); err != nil {
		log.Error("create upload dir", "err", err)
		os.Exit(1)
	}

	hostname := *hostnameFlag
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			h = "unknown"
		}
		hostname = h
	}

	tlsConfig := tlsutil.TrustingClientConfig()

	ch, clientID, err := clientrt.Dial(*serverAddr, tlsConfig, clientrt.DialParams{
		Hostname:      hostname,
		Machine:       runtime.GOARCH,
		System:        runtime.GOOS,
		Release:       runtime.Version(),
		Passkey:       *passkey,
		ClientVersion: ClientVersion,
	})
	if err != nil {
		log.Error("dial control plane", "err", err)
		os.Exit(1)
	}
	log.Info("registered", "client_id", clientID, "server", *serverAddr)

	handlerRunner := handlers.New(*handlersDir, log)
	backend := &transmitter.Noop{}
	tramp := clientrt.NewTrampoline(backend, *queueDepth)
	rt := clientrt.NewRuntime(ch, tramp, handlerRunner, *uploadDir, tlsConfig, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	go func() {
		for {
			f, err := ch.ReadFrame()
			if err != nil {
				log.Warn("control channel closed", "err", err)
				cancel()
				return
			}
			rt.Dispatch(ctx, f)
		}
	}()

	go rt.MonitorPlayback(ctx)

	// The transmitter backend may only be driven from this goroutine;
	// every other path posts a Request onto the trampoline instead of
	// calling the backend directly.
	tramp.Run(ctx)

	log.Info("client exiting")
}
