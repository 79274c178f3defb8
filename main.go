// Command dot-forwarder forwards plaintext DNS queries received over TCP
// and UDP to a pool of DNS-over-TLS upstream resolvers. Wired the way the
// teacher's own main.go wires proxy.NewServer: parse flags, build the
// server, register an optional pprof/debug mux, then run until a signal
// cancels the context.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path"
	"runtime/debug"
	"syscall"

	"github.com/gologme/log"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/relaydns/dot-forwarder/config"
	"github.com/relaydns/dot-forwarder/forward"
	"github.com/relaydns/dot-forwarder/listener"
	"github.com/relaydns/dot-forwarder/pool"
	"github.com/relaydns/dot-forwarder/stats"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Parse(args)
	if err != nil {
		log.Errorf("%v", err)
		return 1
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		log.Infof("%s v%s", path.Base(bi.Path), bi.Main.Version)
	}
	if cfg.Version {
		return 0
	}

	level := logrus.WarnLevel
	if cfg.Debug {
		log.EnableLevel("debug")
		level = logrus.DebugLevel
	} else if cfg.Verbose {
		log.EnableLevel("info")
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if cfg.LogFile != "" {
		lf, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0640)
		if err != nil {
			log.Errorf("unable to open log file for writing: %s", err)
		} else {
			log.SetOutput(lf)
			logrus.SetOutput(lf)
		}
	}

	p, err := pool.New(cfg.Nameservers, pool.WithCapacity(cfg.PoolSize))
	if err != nil {
		log.Errorf("unable to build upstream pool: %v", err)
		return 1
	}
	defer p.Shutdown()

	var sink *stats.Sink
	var statsSink forward.StatsSink
	if cfg.EnableStats {
		sink = stats.New()
		statsSink = sink
	}
	forwarder := forward.New(p, statsSink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		log.Infof("received signal %v, shutting down", s)
		cancel()
	}()

	if sink != nil {
		go sink.Run(ctx.Done())
	}

	if cfg.PprofPort != 0 {
		mux := http.NewServeMux()
		mux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
		mux.HandleFunc("/debug/server/", debugHandler(p))
		srv := &http.Server{Addr: fmt.Sprintf("localhost:%d", cfg.PprofPort), Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("pprof server: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	g, gctx := errgroup.WithContext(ctx)
	if cfg.EnableTCP {
		l := &listener.TCP{Addr: addr, Forwarder: forwarder}
		g.Go(func() error { return l.Run(gctx) })
	}
	if cfg.EnableUDP {
		l := &listener.UDP{Addr: addr, Forwarder: forwarder}
		g.Go(func() error { return l.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		log.Errorf("listener exited: %v", err)
		return 1
	}
	return 0
}

func debugHandler(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := p.Stats()
		fmt.Fprintf(w, "{\"pool\":{\"capacity\":%d,\"permits_free\":%d,\"idle\":%d,\"blacklisted\":%d}}\n",
			snap.Capacity, snap.PermitsFree, snap.IdleCount, snap.BlacklistSize)
	}
}
