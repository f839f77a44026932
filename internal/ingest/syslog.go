package ingest

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"mqttguard/internal/config"
)

// stripSyslogHeader strips an RFC 3164/5424 priority and header so the message
// body reaches the line parser.
func stripSyslogHeader(line string) string {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "<") {
		return line
	}
	end := strings.IndexByte(line, '>')
	if end < 0 || end > 4 {
		return line
	}
	line = line[end+1:]
	// RFC 5424 carries a version digit right after the priority.
	if len(line) > 1 && line[0] >= '1' && line[0] <= '9' && line[1] == ' ' {
		line = line[2:]
	}
	if i := strings.Index(line, ": "); i >= 0 && !strings.ContainsAny(line[:i], "{=,") {
		ts, _ := extractTimestamp(line[:i])
		body := strings.TrimSpace(line[i+2:])
		if ts != "" && !strings.HasPrefix(body, "{") {
			return ts + " " + body
		}
		return body
	}
	return line
}

func StartSyslog(ctx context.Context, cfg *config.Manager, d *Dispatcher, logger *slog.Logger) {
	current := cfg.Get().Ingest.Syslog
	if !current.Enabled {
		if logger != nil {
			logger.Info("syslog ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("syslog ingest enabled", "udp_addr", current.UDPAddr, "tcp_addr", current.TCPAddr)
	}
	if current.UDPAddr != "" {
		go listenUDP(ctx, current.UDPAddr, d, logger)
	}
	if current.TCPAddr != "" {
		go listenTCP(ctx, current.TCPAddr, d, logger)
	}
}

func listenUDP(ctx context.Context, addr string, d *Dispatcher, logger *slog.Logger) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		if logger != nil {
			logger.Error("syslog udp resolve error", "err", err)
		}
		return
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		if logger != nil {
			logger.Error("syslog udp listen error", "err", err)
		}
		return
	}
	defer conn.Close()
	parser := NewParser()
	buf := make([]byte, 65535)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if logger != nil {
				logger.Warn("syslog udp read error", "err", err)
			}
			continue
		}
		for _, line := range strings.Split(string(buf[:n]), "\n") {
			_ = d.DispatchLine(parser, stripSyslogHeader(line), "syslog")
		}
	}
}

func listenTCP(ctx context.Context, addr string, d *Dispatcher, logger *slog.Logger) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if logger != nil {
			logger.Error("syslog tcp listen error", "err", err)
		}
		return
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	serveLines(ctx, ln, d, "syslog", stripSyslogHeader, logger)
}
