// Package ingress implements UDP and TCP syslog listeners: binding,
// RFC 6587 framing for TCP, and handing decoded records to the pipeline.
package ingress

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"
	uuid "github.com/satori/go.uuid"

	"syslogfwd/internal/metrics"
	"syslogfwd/internal/parser"
	"syslogfwd/internal/record"
)

// Protocol is the wire protocol an input listens on.
type Protocol string

const (
	ProtocolUDP Protocol = "udp"
	ProtocolTCP Protocol = "tcp"
)

// Config describes one configured input listener.
type Config struct {
	Name     string
	Protocol Protocol
	Address  string // host:port
}

// Handler receives one decoded record per message, synchronously, in
// arrival order for a given connection (§5 ordering guarantee).
type Handler func(rec *record.Record)

// maxTCPFrameSize bounds both RFC 6587 framings on ingress.
const maxTCPFrameSize = 1 << 20 // 1 MiB

// maxUDPDatagramSize accepts oversize datagrams the kernel delivered
// without attempting application-level fragmentation, per §4.5.
const maxUDPDatagramSize = 64 * 1024

// Listener is a running input; Close stops it.
type Listener interface {
	Close() error
}

// StartUDP binds a UDP listener and begins receiving datagrams in a
// background goroutine. Each datagram is exactly one message (§4.5); no
// framing state is kept across datagrams.
func StartUDP(cfg Config, reg *metrics.Registry, log logr.Logger, handler Handler) (Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", cfg.Address)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	log = log.WithValues("input", cfg.Name, "protocol", "udp")
	log.Info("udp listener started", "address", cfg.Address)

	go func() {
		buf := make([]byte, maxUDPDatagramSize)
		for {
			conn.SetReadDeadline(time.Now().Add(time.Second))
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					continue
				}
				return // listener closed
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			handleMessage(data, "udp", reg, log, handler)
		}
	}()

	return conn, nil
}

// StartTCP binds a TCP listener and accepts connections in a background
// goroutine, spawning one goroutine per connection (§5).
func StartTCP(cfg Config, reg *metrics.Registry, log logr.Logger, handler Handler) (Listener, error) {
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, err
	}

	log = log.WithValues("input", cfg.Name, "protocol", "tcp")
	log.Info("tcp listener started", "address", cfg.Address)

	var wg sync.WaitGroup
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return // listener closed
			}
			wg.Add(1)
			go func(c net.Conn) {
				defer wg.Done()
				serveTCPConnection(c, cfg.Name, reg, log, handler)
			}(conn)
		}
	}()

	return &tcpListener{ln: ln, wg: &wg}, nil
}

type tcpListener struct {
	ln net.Listener
	wg *sync.WaitGroup
}

func (t *tcpListener) Close() error {
	err := t.ln.Close()
	t.wg.Wait()
	return err
}

func serveTCPConnection(conn net.Conn, inputName string, reg *metrics.Registry, log logr.Logger, handler Handler) {
	defer conn.Close()

	connID := uuid.NewV4().String()
	connLog := log.WithValues("conn", connID, "remote", conn.RemoteAddr().String())
	connLog.Info("connection accepted")

	reg.ActiveConnections.WithLabelValues(inputName).Inc()
	defer reg.ActiveConnections.WithLabelValues(inputName).Dec()

	br := bufio.NewReaderSize(conn, 64*1024)
	for {
		frame, err := ReadFrame(br, maxTCPFrameSize)
		if len(frame) > 0 {
			handleMessage(frame, "tcp", reg, connLog, handler)
		}
		if err != nil {
			if errors.Is(err, ErrFraming) {
				connLog.Error(err, "framing error, closing connection")
			} else if err != io.EOF {
				connLog.Error(err, "read error, closing connection")
			}
			connLog.Info("connection closed")
			return
		}
	}
}

func handleMessage(data []byte, protocol string, reg *metrics.Registry, log logr.Logger, handler Handler) {
	rec, err := parser.Parse(data, nil)
	if err != nil {
		reg.MessagesParseErrors.WithLabelValues(protocol).Inc()
		log.V(1).Info("failed to parse message", "error", err.Error())
		return
	}
	reg.MessagesReceived.WithLabelValues(protocol, rec.FacilityName(), rec.SeverityName()).Inc()
	handler(rec)
}
