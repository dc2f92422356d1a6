package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/synthbridge/sclink/internal/boot"
	"github.com/synthbridge/sclink/internal/config"
	"github.com/synthbridge/sclink/internal/lifecycle"
	"github.com/synthbridge/sclink/internal/scsynth"
	"github.com/synthbridge/sclink/internal/session"
	"github.com/synthbridge/sclink/internal/transport"
	"github.com/synthbridge/sclink/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (built-in defaults when omitted)")
	attach := flag.Bool("attach", false, "Attach to an already running server instead of booting one")
	addr := flag.String("addr", "", "Override server address (host:port)")
	httpPort := flag.Int("http-port", 0, "Override monitor HTTP port")
	flag.Parse()

	logger := log.New(os.Stdout, "", log.LstdFlags)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Fatalf("[main] load config: %v", err)
		}
	}
	if *addr != "" {
		cfg.Server.Address = *addr
	}
	if *httpPort > 0 {
		cfg.HTTP.Port = *httpPort
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("[main] config: %v", err)
	}

	var sup *boot.Supervisor
	var ctrlSup lifecycle.Supervisor
	if *attach {
		if st, ok := boot.FindRunning(cfg.Server.Program); ok {
			logger.Printf("[main] attaching to %s at %s (local pid %d)", cfg.Server.Program, cfg.Server.Address, st.PID)
		} else {
			logger.Printf("[main] attaching to %s (no local %s process found)", cfg.Server.Address, cfg.Server.Program)
		}
	} else {
		prog, args, err := boot.Command(cfg)
		if err != nil {
			logger.Fatalf("[main] build server command: %v", err)
		}
		sup = boot.NewSupervisor(prog, args, logger)
		ctrlSup = sup
	}

	dial := func() (lifecycle.Transport, error) {
		conn, err := transport.Dial(cfg.Server.Transport, cfg.Server.Address, logger)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	broadcaster := ws.NewBroadcaster(logger)
	server := ws.NewServer(broadcaster, cfg.HTTP.AllowedOrigins, cfg.HTTP.AuthToken, logger)
	ctrl := lifecycle.NewController(cfg.Server.Program, cfg, dial, ctrlSup, logger)

	var sessMu sync.Mutex
	var current *session.Session

	server.SetStateSource(func() string { return ctrl.State().String() })
	server.SetStatusSource(func() (ws.StatusPayload, bool) {
		sessMu.Lock()
		sess := current
		sessMu.Unlock()
		if sess == nil {
			return ws.StatusPayload{}, false
		}
		st, at := sess.Status()
		return statusPayload(sess, sup, st, at), true
	})
	server.SetSessionSource(func() (session.Summary, bool) {
		sessMu.Lock()
		sess := current
		sessMu.Unlock()
		if sess == nil {
			return session.Summary{}, false
		}
		return sess.Summarize(), true
	})

	ctrl.Notify(func(ev lifecycle.Event) {
		p := ws.LifecyclePayload{
			Server: ctrl.Name(),
			Event:  ev.Kind.String(),
			State:  ctrl.State().String(),
		}
		if ev.Err != nil {
			p.Error = ev.Err.Error()
		}
		broadcaster.PublishLifecycle(p)

		if ev.Kind != lifecycle.Running || ev.Session == nil {
			return
		}
		sess := ev.Session
		sessMu.Lock()
		current = sess
		sessMu.Unlock()

		sess.SetOnStatus(func(st scsynth.Status) {
			broadcaster.PublishStatus(statusPayload(sess, sup, st, time.Now()))
		})
		sess.SetOnLost(func() {
			broadcaster.PublishError("server stopped answering status polls")
		})
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctrl.Start(ctx)

	go func() {
		if _, err := ctrl.Wait(); err != nil {
			logger.Printf("[main] startup failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Println("[main] shutting down")

		sessMu.Lock()
		sess := current
		sessMu.Unlock()

		switch {
		case sess == nil:
			ctrl.Abort()
		case *attach:
			// The server is not ours to stop; unsubscribe and go.
			sess.Detach()
		default:
			sess.Quit()
			if sup != nil {
				sup.Stop()
			}
		}
		cancel()
		os.Exit(0)
	}()

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	if err := ws.ListenAndServe(cfg.HTTP.Host, cfg.HTTP.Port, mux, logger); err != nil {
		logger.Fatalf("[main] monitor server error: %v", err)
	}
}

func statusPayload(sess *session.Session, sup *boot.Supervisor, st scsynth.Status, at time.Time) ws.StatusPayload {
	p := ws.StatusPayload{Status: st, Timestamp: at}
	if sup != nil {
		if ps, err := sup.Stats(); err == nil {
			p.Process = &ps
		}
	}
	summary := sess.Summarize()
	p.Session = &summary
	return p
}
