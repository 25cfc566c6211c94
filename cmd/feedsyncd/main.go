package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"feedsync/internal/admin"
	"feedsync/internal/blob"
	"feedsync/internal/config"
	"feedsync/internal/debuglog"
	"feedsync/internal/directory"
	"feedsync/internal/feed"
	"feedsync/internal/metrics"
	"feedsync/internal/session"
	"feedsync/internal/store"
	"feedsync/internal/transport"
)

const redialDelay = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("feedsyncd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "replication listen addr (overrides FEEDSYNC_LISTEN_ADDR)")
	adminAddr := fs.String("admin", "", "admin listen addr (overrides FEEDSYNC_ADMIN_ADDR)")
	home := fs.String("home", "", "data directory (overrides FEEDSYNC_HOME)")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		_ = os.Setenv("FEEDSYNC_DEBUG", "1")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *adminAddr != "" {
		cfg.AdminAddr = *adminAddr
	}
	if *home != "" {
		cfg.Home = *home
	}
	if err := os.MkdirAll(cfg.Home, 0700); err != nil {
		fmt.Fprintf(stderr, "home: %v\n", err)
		return 1
	}

	id, err := transport.LoadOrCreateIdentity(cfg.Home)
	if err != nil {
		fmt.Fprintf(stderr, "identity: %v\n", err)
		return 1
	}

	st, err := store.Open(filepath.Join(cfg.Home, "feeds.db"), feed.Ed25519Verifier{})
	if err != nil {
		fmt.Fprintf(stderr, "store: %v\n", err)
		return 1
	}
	defer st.Close()

	dir, err := directory.Open(filepath.Join(cfg.Home, "replicate.jsonl"))
	if err != nil {
		fmt.Fprintf(stderr, "directory: %v\n", err)
		return 1
	}

	blobs, err := blob.Open(filepath.Join(cfg.Home, "blobs"))
	if err != nil {
		fmt.Fprintf(stderr, "blobs: %v\n", err)
		return 1
	}

	m := metrics.New()
	mgr := session.NewManager(st, dir, blobs, m, session.Config{
		EBTWaitTimeout:  cfg.EBTWaitTimeout,
		StreamQueueSize: cfg.StreamQueueSize,
		SendBatchSize:   cfg.SendBatchSize,
		InvalidLimit:    cfg.InvalidLimit,
	})
	st.SetAppendHook(mgr.NotifyAppend)

	ln, err := transport.Listen(cfg.ListenAddr, id)
	if err != nil {
		fmt.Fprintf(stderr, "listen: %v\n", err)
		return 1
	}
	defer ln.Close()

	fmt.Fprintf(stdout, "feedsyncd: id=%s listen=%s admin=%s\n", id.FeedID(), ln.Addr(), cfg.AdminAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return acceptLoop(ctx, ln, mgr)
	})
	g.Go(func() error {
		mgr.WatchDirectory(ctx)
		return nil
	})
	g.Go(func() error {
		mgr.WatchBlobs(ctx)
		return nil
	})
	for _, peerAddr := range cfg.Peers {
		g.Go(func() error {
			dialLoop(ctx, peerAddr, id, mgr)
			return nil
		})
	}
	adminSrv := admin.NewServer(id, st, dir, blobs, mgr, m)
	g.Go(func() error {
		return adminSrv.ListenAndServe(ctx, cfg.AdminAddr)
	})
	g.Go(func() error {
		<-ctx.Done()
		_ = ln.Close()
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "feedsyncd: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "feedsyncd: shut down")
	return 0
}

func acceptLoop(ctx context.Context, ln *transport.Listener, mgr *session.Manager) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			debuglog.Logf("accept: %v", err)
			continue
		}
		go func() {
			if err := mgr.HandleConn(ctx, conn.Peer, conn, false); err != nil {
				debuglog.Logf("inbound session peer=%s err=%v", conn.Peer, err)
			}
		}()
	}
}

// dialLoop keeps one static peer connected, redialing with a flat delay.
func dialLoop(ctx context.Context, addr string, id *transport.Identity, mgr *session.Manager) {
	for {
		conn, err := transport.Dial(ctx, addr, id)
		if err != nil {
			debuglog.Logf("dial %s: %v", addr, err)
		} else {
			if err := mgr.HandleConn(ctx, conn.Peer, conn, true); err != nil {
				debuglog.Logf("outbound session %s err=%v", addr, err)
			}
		}
		select {
		case <-time.After(redialDelay):
		case <-ctx.Done():
			return
		}
	}
}
