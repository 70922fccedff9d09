package main

import (
	"bufio"
	"context"
	cryptotls "crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"gihan9a/recordsync/internal/config"
	"gihan9a/recordsync/internal/transport"
	"gihan9a/recordsync/pkg/record"
)

func main() {
	cfg, err := config.ParseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing configuration: %v\n", err)
		os.Exit(2)
	}
	logger, err := config.NewLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn := transport.New(cfg.Client.URL,
		transport.WithLogger(logger.Named("transport")),
		transport.WithSettings(settings(cfg.Client)),
		transport.WithTLSConfig(&cryptotls.Config{InsecureSkipVerify: cfg.Client.InsecureSkipVerify}),
	)
	defer conn.Close()

	registry := record.NewRegistry(conn, record.WithLogger(logger.Named("record")))
	conn.OnReconnect(registry.Resync)
	conn.Start(registry.Dispatch)

	for _, name := range cfg.Client.Records {
		h, err := registry.Get(name)
		if err != nil {
			logger.Error("invalid record name", zap.String("record", name), zap.Error(err))
			continue
		}
		defer h.Release()
		watch(logger, h)
	}

	proxy := registry.NewProxy()
	defer proxy.Dispose()
	proxy.OnNameChanged(func(e record.NameChanged) {
		logger.Info("proxy bound", zap.String("record", e.Name))
	})
	proxy.OnReady(func(e record.Ready) {
		logger.Info("proxy ready", zap.String("record", e.Name))
	})
	if _, err := proxy.Subscribe("", func(v any) {
		logger.Info("proxy update", zap.String("record", proxy.Name()), zap.Any("value", v))
	}); err != nil {
		logger.Fatal("proxy subscribe failed", zap.Error(err))
	}

	lines := make(chan string)
	go readLines(os.Stdin, lines)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := execute(proxy, line, os.Stdout); quit {
				return
			}
		}
	}
}

func settings(cfg config.ClientConfig) *transport.Settings {
	s := transport.DefaultSettings()
	if cfg.ReconnectTimeout > 0 {
		s.ReconnectTimeout = cfg.ReconnectTimeout
	}
	if cfg.WriteTimeout > 0 {
		s.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.ReadTimeout > 0 {
		s.ReadTimeout = cfg.ReadTimeout
		s.PingTimeout = cfg.ReadTimeout / 3
	}
	if cfg.BufferSize > 0 {
		s.BufferSize = cfg.BufferSize
	}
	return s
}

// watch logs every update and deletion of a subscribed record
func watch(logger *zap.Logger, h *record.Handle) {
	name := h.Name()
	h.Subscribe("", func(v any) {
		logger.Info("record update", zap.String("record", name), zap.Uint64("version", h.Version()), zap.Any("value", v))
	})
	h.OnDeleted(func(e record.Deleted) {
		logger.Info("record deleted", zap.String("record", e.Name), zap.Uint64("version", e.Version))
	})
	h.OnError(func(e record.Failed) {
		logger.Warn("record error", zap.String("record", e.Name), zap.String("code", e.Code), zap.String("text", e.Text))
	})
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

// execute runs one stdin command against the proxy and reports whether the
// client should exit.
func execute(proxy *record.Proxy, line string, out io.Writer) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "quit", "exit":
		return true
	case "bind":
		if len(fields) != 2 {
			fmt.Fprintln(out, "usage: bind <name>")
			return false
		}
		if err := proxy.SetName(fields[1]); err != nil {
			fmt.Fprintln(out, "error:", err)
		}
	case "get":
		path := ""
		if len(fields) > 1 {
			path = fields[1]
		}
		v, ok := proxy.Get(path)
		if !ok {
			fmt.Fprintln(out, "(absent)")
			return false
		}
		data, _ := json.Marshal(v)
		fmt.Fprintln(out, string(data))
	case "set":
		if len(fields) < 3 {
			fmt.Fprintln(out, "usage: set <path> <json>")
			return false
		}
		path := fields[1]
		if path == "." {
			path = ""
		}
		var v any
		if err := json.Unmarshal([]byte(strings.Join(fields[2:], " ")), &v); err != nil {
			fmt.Fprintln(out, "error: invalid json:", err)
			return false
		}
		if err := proxy.Set(path, v); err != nil {
			fmt.Fprintln(out, "error:", err)
		}
	default:
		fmt.Fprintln(out, "commands: bind <name>, get [path], set <path|.> <json>, quit")
	}
	return false
}
