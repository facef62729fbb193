package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/epokhe/caskdb/core"
	"github.com/epokhe/caskdb/internal/config"
	"github.com/epokhe/caskdb/internal/wire"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  server [-dir <data-dir>] [-addr <host:port>]\n")
	os.Exit(1)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	var (
		dir  = flag.String("dir", cfg.LogDir, "path to the segment directory")
		addr = flag.String("addr", cfg.Addr(), "listen address")
	)
	flag.Parse()
	if flag.NArg() != 0 {
		usage()
	}
	cfg.LogDir = *dir

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync() // nolint:errcheck
	sugar := logger.Sugar()

	store, err := core.Open(cfg.Config, sugar)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}

	listener, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("listen on %s: %v", *addr, err)
	}
	sugar.Infow("server listening", "addr", listener.Addr(), "dir", cfg.LogDir)

	go acceptLoop(listener, store, sugar)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	sugar.Infow("received signal, shutting down", "signal", sig.String())

	_ = listener.Close()
	if err := store.Close(); err != nil {
		log.Fatalf("close store: %v", err)
	}
}

func acceptLoop(listener net.Listener, store *core.Store, logger *zap.SugaredLogger) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Errorw("accept failed", "error", err)
			continue
		}
		go serveConn(conn, store, logger)
	}
}

// serveConn reads and dispatches requests until EOF or a decode error. One
// goroutine per connection; the store's own write mutex is the only
// serialization point, so this holds no locks of its own.
func serveConn(conn net.Conn, store *core.Store, logger *zap.SugaredLogger) {
	defer conn.Close() // nolint:errcheck

	r := bufio.NewReader(conn)
	for {
		cmd, err := wire.ReadCommand(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warnw("bad request", "remote", conn.RemoteAddr(), "error", err)
				io.WriteString(conn, wire.EncodeError(err)) // nolint:errcheck
			}
			return
		}

		if _, err := io.WriteString(conn, dispatch(store, cmd)); err != nil {
			logger.Warnw("write failed", "remote", conn.RemoteAddr(), "error", err)
			return
		}
	}
}

func dispatch(store *core.Store, cmd wire.Command) string {
	switch cmd.Op {
	case wire.OpSet:
		if err := store.Set(cmd.Key, cmd.Value); err != nil {
			return wire.EncodeError(err)
		}
		return wire.EncodeStatus(wire.StatusOK)

	case wire.OpGet:
		val, err := store.Get(cmd.Key)
		if err != nil {
			if errors.Is(err, core.ErrKeyMiss) {
				return wire.EncodeStatus(wire.StatusMiss)
			}
			return wire.EncodeError(err)
		}
		return wire.EncodeValue(val)

	case wire.OpDelete:
		if err := store.Delete(cmd.Key); err != nil {
			return wire.EncodeError(err)
		}
		return wire.EncodeStatus(wire.StatusOK)

	case wire.OpMerge:
		if err := store.Merge(); err != nil {
			return wire.EncodeError(err)
		}
		return wire.EncodeStatus(wire.StatusOK)

	default:
		return wire.EncodeError(fmt.Errorf("unhandled op %q", cmd.Op))
	}
}
