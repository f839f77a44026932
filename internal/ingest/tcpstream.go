package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"

	"mqttguard/internal/config"
)

func StartTCPStream(ctx context.Context, cfg *config.Manager, d *Dispatcher, logger *slog.Logger) {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", current.Addr)
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		if logger != nil {
			logger.Error("tcp stream listen error", "err", err)
		}
		return
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go serveLines(ctx, ln, d, "tcp_stream", nil, logger)
}

// serveLines accepts connections until ln is closed and reads one event per
// line from each. Every connection gets its own parser so CSV headers do not
// leak between peers. clean, when set, rewrites each line before parsing.
func serveLines(ctx context.Context, ln net.Listener, d *Dispatcher, source string, clean func(string) string, logger *slog.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if logger != nil {
				logger.Warn(source+" accept error", "err", err)
			}
			continue
		}
		go handleLineConn(ctx, conn, d, source, clean, logger)
	}
}

func handleLineConn(ctx context.Context, conn net.Conn, d *Dispatcher, source string, clean func(string) string, logger *slog.Logger) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	parser := NewParser()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if clean != nil {
			line = clean(line)
		}
		_ = d.DispatchLine(parser, line, source)
		if ctx.Err() != nil {
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && logger != nil {
		logger.Warn(source+" scanner error", "remote", conn.RemoteAddr().String(), "err", err)
	}
}
