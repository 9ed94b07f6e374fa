// Command connector runs the ckpool-style Stratum connector: an epoll-based
// TCP front-end, a Unix-domain control plane, and (depending on mode) a
// redirector or remote-upstream client. Construction order and graceful
// shutdown follow the teacher's cmd/wsserver/main.go.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/ckpool-io/connector/internal/acceptor"
	"github.com/ckpool-io/connector/internal/audit"
	"github.com/ckpool-io/connector/internal/banlist"
	"github.com/ckpool-io/connector/internal/bus"
	"github.com/ckpool-io/connector/internal/config"
	"github.com/ckpool-io/connector/internal/control"
	"github.com/ckpool-io/connector/internal/logx"
	"github.com/ckpool-io/connector/internal/metrics"
	"github.com/ckpool-io/connector/internal/netpoll"
	"github.com/ckpool-io/connector/internal/parser"
	"github.com/ckpool-io/connector/internal/ratelimit"
	"github.com/ckpool-io/connector/internal/receiver"
	"github.com/ckpool-io/connector/internal/redirector"
	"github.com/ckpool-io/connector/internal/registry"
	"github.com/ckpool-io/connector/internal/sender"
	"github.com/ckpool-io/connector/internal/upstream"

	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("connector: config: %v", err)
	}
	logx.SetLevel(parseLogLevel(cfg.LogLevel))

	log.Printf("connector: starting")
	log.Printf("  listeners:        %v", cfg.Listeners)
	log.Printf("  max_clients:      %d", cfg.MaxClients)
	log.Printf("  worker_pool:      %d", cfg.WorkerPoolSize)
	log.Printf("  passthrough:      %v", cfg.Passthrough)
	log.Printf("  node:             %v", cfg.Node)
	log.Printf("  remote:           %v", cfg.Remote)
	log.Printf("  redirector:       %v", cfg.Redirector)
	log.Printf("  control_socket:   %s", cfg.ControlSocketPath)

	reg := registry.New(len(cfg.Listeners))

	poll, err := netpoll.New()
	if err != nil {
		log.Fatalf("connector: netpoll: %v", err)
	}
	defer poll.Close()

	// --- Redis-backed rate limiting and banlist ---
	var limiter *ratelimit.Limiter
	var bans *banlist.Store
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatalf("connector: redis connection failed: %v", err)
		}
		limiter = ratelimit.NewLimiter(rdb)
		bans = banlist.NewStore(rdb)
	} else {
		limiter = ratelimit.NewLimiter(noopRedis{})
		bans = banlist.NewStore(noopRedis{})
	}

	// --- PostgreSQL audit log ---
	var auditStore *audit.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("connector: failed to open database connection: %v", err)
		}
		if err := db.Ping(); err != nil {
			log.Fatalf("connector: failed to ping database: %v", err)
		}
		if err := audit.Migrate(db); err != nil {
			log.Fatalf("connector: audit migrations: %v", err)
		}
		auditStore = audit.NewStore(db)
		defer db.Close()
		log.Printf("connector: audit log backed by %s", cfg.DatabaseURL)
	}

	// --- message bus links to the stratifier/generator ---
	stratifierLink, generatorLink, closeLinks := buildLinks(cfg)
	defer closeLinks()

	p := parser.New(parser.Links{StratifierRecv: stratifierLink, GeneratorSend: generatorLink}, parser.Mode{
		Passthrough: cfg.Passthrough,
		Node:        cfg.Node,
		Redirector:  cfg.Redirector,
	})

	var redir *redirector.Redirector
	if cfg.Redirector {
		redir = redirector.New(cfg.RedirectURLs)
	}

	dropper := &stratifierDropper{link: stratifierLink, reg: reg, bans: bans, audit: auditStore, autoBanThreshold: cfg.AutoBanThreshold}
	snd := sender.New(reg, dropper, redir)
	recv := receiver.New(poll, reg, p, cfg.WorkerPoolSize)

	// --- listeners, one acceptor goroutine each ---
	listeners := make([]*net.TCPListener, len(cfg.Listeners))
	listenerFDs := make(map[int]int, len(cfg.Listeners))
	for i, l := range cfg.Listeners {
		addr, err := net.ResolveTCPAddr("tcp", l.Addr)
		if err != nil {
			log.Fatalf("connector: resolve listener %d (%s): %v", i, l.Addr, err)
		}
		ln, err := net.ListenTCP("tcp", addr)
		if err != nil {
			log.Fatalf("connector: listen on %s: %v", l.Addr, err)
		}
		listeners[i] = ln
		if f, err := ln.File(); err == nil {
			listenerFDs[i] = int(f.Fd())
		} else {
			logx.Warningf("main", "failed to extract fd for listener %d: %v", i, err)
		}
		log.Printf("connector: listening on %s (high_diff=%v)", l.Addr, l.HighDiff)
	}

	mode := &control.Mode{Redirector: cfg.Redirector}
	mode.Passthrough.Store(cfg.Passthrough)

	ctl := control.New(cfg.ControlSocketPath, reg, snd, dropper, recv, mode, func(n int) (int, bool) {
		fd, ok := listenerFDs[n]
		return fd, ok
	})

	var upstreamClient *upstream.Client
	if cfg.Remote {
		upstreamClient = upstream.New(cfg.UpstreamURL, upstream.Handlers{
			Transactions: func(msg json.RawMessage) { logx.Debugf("upstream", "transactions: %s", msg) },
			AuthResult:   func(msg json.RawMessage) { logx.Debugf("upstream", "authresult: %s", msg) },
			WorkInfo:     func(msg json.RawMessage) { logx.Debugf("upstream", "workinfo: %s", msg) },
			Block:        func(msg json.RawMessage) { logx.Debugf("upstream", "block: %s", msg) },
			ReqTxns:      func(msg json.RawMessage) { logx.Debugf("upstream", "reqtxns: %s", msg) },
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	fatal := make(chan error, len(listeners)+4)

	for i, ln := range listeners {
		a := acceptor.New(ln, i, cfg, reg, poll, limiter, bans)
		go a.Run(ctx, fatal)
	}
	go recv.Run(ctx)
	go snd.Run(ctx)
	go func() {
		if err := ctl.Run(ctx); err != nil {
			logx.Emergencyf("main", "control plane: %v", err)
			select {
			case fatal <- err:
			default:
			}
		}
	}()
	if upstreamClient != nil {
		go func() {
			if err := upstreamClient.Run(ctx); err != nil && ctx.Err() == nil {
				logx.Emergencyf("main", "upstream client: %v", err)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{Addr: ":9090", Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.Warningf("main", "metrics server: %v", err)
		}
	}()

	// Once the external stratifier/generator processes have signalled
	// readiness over the bus, flip these gates. Here there is no external
	// process handshake to wait on, so the connector opens immediately.
	recv.SetStratifierReady(true)
	recv.SetAcceptEnabled(true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("connector: received signal %v, shutting down", sig)
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		shutdownCancel()
		os.Exit(0)
	case err := <-fatal:
		log.Printf("connector: fatal error, exiting: %v", err)
		cancel()
		os.Exit(1)
	}
}

// stratifierDropper forwards a dropclient notification to the stratifier
// link when the sender or control loop sees a client id that no longer
// resolves in the registry (spec §4.1 "notify_process" semantics). It also
// records the drop in the audit log and feeds the source IP into the
// banlist's offense counter, auto-banning repeat offenders (SPEC_FULL's
// domain-stack wiring for internal/audit and internal/banlist).
type stratifierDropper struct {
	link             bus.Link
	reg              *registry.Registry
	bans             *banlist.Store
	audit            *audit.Store
	autoBanThreshold int
}

func (d *stratifierDropper) DropID(id int64) {
	msg := []byte(fmt.Sprintf(`{"method":"dropclient","client_id":%d}`, id))
	if err := d.link.Send(context.Background(), msg); err != nil {
		logx.Warningf("main", "failed to notify stratifier of dropped client %d: %v", id, err)
	}

	ctx := context.Background()
	if d.audit != nil {
		if err := d.audit.Record(ctx, &audit.Event{ClientID: id, Kind: "drop"}); err != nil {
			logx.Warningf("main", "failed to record audit event for client %d: %v", id, err)
		}
	}

	if d.bans == nil || d.autoBanThreshold <= 0 {
		return
	}
	client, ok := d.reg.RefByID(id)
	if !ok {
		return
	}
	addr, _, err := net.SplitHostPort(client.Addr)
	if err != nil {
		addr = client.Addr
	}
	d.reg.DecRef(client)

	banned, duration, err := d.bans.RecordOffense(ctx, addr, "dropped_client")
	if err != nil {
		logx.Warningf("main", "failed to record offense for %s: %v", addr, err)
		return
	}
	if banned {
		logx.Noticef("main", "auto-banned %s for %s after repeated drops", addr, duration)
		if d.audit != nil {
			_ = d.audit.Record(ctx, &audit.Event{ClientID: id, Kind: "ban", Detail: map[string]interface{}{"ip": addr, "duration": duration.String()}})
		}
	}
}

func buildLinks(cfg *config.Config) (stratifierRecv, generatorSend bus.Link, closeFn func()) {
	if cfg.NATSURL == "" {
		s := bus.NewChanLink(256)
		g := bus.NewChanLink(256)
		return s, g, func() { s.Close(); g.Close() }
	}

	natsCfg := bus.DefaultNATSConfig()
	natsCfg.URL = cfg.NATSURL

	s, err := bus.NewNATSLink(natsCfg, bus.SubjectStratifierSend, bus.SubjectStratifierRecv)
	if err != nil {
		log.Fatalf("connector: nats stratifier link: %v", err)
	}
	g, err := bus.NewNATSLink(natsCfg, bus.SubjectGeneratorSend, bus.SubjectGeneratorRecv)
	if err != nil {
		log.Fatalf("connector: nats generator link: %v", err)
	}
	return s, g, func() { s.Close(); g.Close() }
}

func parseLogLevel(s string) logx.Level {
	switch s {
	case "debug":
		return logx.Debug
	case "info":
		return logx.Info
	case "notice":
		return logx.Notice
	case "warning":
		return logx.Warning
	case "error":
		return logx.Error
	case "emergency":
		return logx.Emergency
	default:
		return logx.Info
	}
}

// noopRedis backs ratelimit/banlist when REDIS_ADDR is unset, so the
// connector still runs (rate limiting and banning become no-ops) rather
// than failing to start (spec's Non-goals don't require Redis).
type noopRedis struct{}

func (noopRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	cmd.SetErr(redis.Nil)
	return cmd
}
func (noopRedis) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	return redis.NewStatusCmd(ctx)
}
func (noopRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	return redis.NewIntCmd(ctx)
}
func (noopRedis) TTL(ctx context.Context, key string) *redis.DurationCmd {
	return redis.NewDurationCmd(ctx, 0)
}
func (noopRedis) Incr(ctx context.Context, key string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}
func (noopRedis) Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	cmd.SetVal(true)
	return cmd
}
