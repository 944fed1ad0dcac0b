// Package egress implements UDP and TCP syslog forwarding: connection
// state, retry with exponential backoff, and per-destination ordering.
package egress

import (
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"

	"syslogfwd/internal/metrics"
	"syslogfwd/internal/record"
)

// Protocol is the wire protocol a destination sends over.
type Protocol string

const (
	ProtocolUDP Protocol = "udp"
	ProtocolTCP Protocol = "tcp"
)

// Retry configures sendWithRetry's backoff schedule (§4.6).
type Retry struct {
	MaxAttempts    int
	BackoffSeconds float64
}

// Config describes one configured output destination.
type Config struct {
	Name    string
	Protocol Protocol
	Address string // host:port
	Format  record.Format
	Retry   Retry
}

const dialTimeout = 10 * time.Second
const writeTimeout = 5 * time.Second

// state is the connection lifecycle §5 names for a TCP destination.
type state int

const (
	stateDisconnected state = iota
	stateBackoff
	stateConnected
)

// Destination is a single-writer egress queue: messages routed to it are
// sent in arrival order, one at a time, preserving order even across
// reconnects (§5).
type Destination struct {
	cfg   Config
	reg   *metrics.Registry
	log   logr.Logger
	clock clock.Clock

	mu    sync.Mutex
	conn  net.Conn
	state state

	queue  chan queuedRecord
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type queuedRecord struct {
	rec *record.Record
	now func() time.Time
}

// New builds a Destination and starts its single-writer send loop. Close
// stops it after sending whatever is already queued.
func New(cfg Config, reg *metrics.Registry, log logr.Logger, clk clock.Clock) *Destination {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	d := &Destination{
		cfg:    cfg,
		reg:    reg,
		log:    log.WithValues("destination", cfg.Name, "protocol", string(cfg.Protocol)),
		clock:  clk,
		state:  stateDisconnected,
		queue:  make(chan queuedRecord, 1024),
		stopCh: make(chan struct{}),
	}
	d.reg.DestinationUp.WithLabelValues(cfg.Name).Set(0)
	d.wg.Add(1)
	go d.run()
	return d
}

// Send enqueues a record for forwarding. It never blocks the caller on
// network I/O; delivery happens asynchronously on the destination's
// single-writer loop.
func (d *Destination) Send(rec *record.Record, now func() time.Time) {
	select {
	case d.queue <- queuedRecord{rec: rec, now: now}:
	case <-d.stopCh:
	}
}

// Close stops accepting new sends, drains whatever is already queued
// within the grace period, then disconnects.
func (d *Destination) Close(ctx context.Context) error {
	close(d.stopCh)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		err := d.conn.Close()
		d.conn = nil
		return err
	}
	return nil
}

func (d *Destination) run() {
	defer d.wg.Done()
	for {
		select {
		case qr := <-d.queue:
			d.sendWithRetry(qr.rec, qr.now)
		case <-d.stopCh:
			// Drain whatever was already queued before stop was
			// requested, then exit.
			for {
				select {
				case qr := <-d.queue:
					d.sendWithRetry(qr.rec, qr.now)
				default:
					return
				}
			}
		}
	}
}

// sendWithRetry mirrors the teacher's per-message retry loop: connect if
// needed, attempt to send, back off exponentially on failure. UDP is
// one-shot and non-blocking per §4.6: no backoff, no retry, a failed
// send is simply a dropped message.
func (d *Destination) sendWithRetry(rec *record.Record, now func() time.Time) {
	if d.cfg.Protocol == ProtocolUDP {
		d.sendUDPOnce(rec, now)
		return
	}

	backoff := time.Duration(d.cfg.Retry.BackoffSeconds * float64(time.Second))

	for attempt := 0; attempt < d.cfg.Retry.MaxAttempts; attempt++ {
		if !d.isConnected() {
			if err := d.connect(); err != nil {
				d.log.V(1).Info("connect failed", "attempt", attempt+1, "error", err.Error())
				if attempt < d.cfg.Retry.MaxAttempts-1 {
					d.waitBackoff(backoff, attempt)
				}
				continue
			}
		}

		if d.sendOnce(rec, now) {
			d.reg.MessagesForwarded.WithLabelValues(d.cfg.Name).Inc()
			return
		}

		d.setDisconnected()
		if attempt < d.cfg.Retry.MaxAttempts-1 {
			d.waitBackoff(backoff, attempt)
		}
	}

	d.reg.MessagesDropped.WithLabelValues("send_failed").Inc()
	d.log.Info("dropping message after exhausting retries", "max_attempts", d.cfg.Retry.MaxAttempts)
}

// sendUDPOnce connects lazily (UDP "connect" just binds a remote peer,
// no handshake) and attempts exactly one send.
func (d *Destination) sendUDPOnce(rec *record.Record, now func() time.Time) {
	if !d.isConnected() {
		if err := d.connect(); err != nil {
			d.log.V(1).Info("udp socket setup failed", "error", err.Error())
			d.reg.MessagesDropped.WithLabelValues("send_failed").Inc()
			return
		}
	}
	if d.sendOnce(rec, now) {
		d.reg.MessagesForwarded.WithLabelValues(d.cfg.Name).Inc()
		return
	}
	d.setDisconnected()
	d.reg.MessagesDropped.WithLabelValues("send_failed").Inc()
}

func (d *Destination) waitBackoff(base time.Duration, attempt int) {
	d.setState(stateBackoff)
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	t := d.clock.Timer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-d.stopCh:
	}
}

func (d *Destination) isConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == stateConnected
}

func (d *Destination) setState(s state) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

func (d *Destination) setDisconnected() {
	d.mu.Lock()
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
	d.state = stateDisconnected
	d.mu.Unlock()
	d.reg.DestinationUp.WithLabelValues(d.cfg.Name).Set(0)
}

func (d *Destination) connect() error {
	conn, err := net.DialTimeout(string(d.cfg.Protocol), d.cfg.Address, dialTimeout)
	if err != nil {
		d.reg.DestinationUp.WithLabelValues(d.cfg.Name).Set(0)
		return err
	}
	d.mu.Lock()
	d.conn = conn
	d.state = stateConnected
	d.mu.Unlock()
	d.reg.DestinationUp.WithLabelValues(d.cfg.Name).Set(1)
	d.log.Info("connected", "address", d.cfg.Address)
	return nil
}

func (d *Destination) sendOnce(rec *record.Record, now func() time.Time) bool {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return false
	}

	data := rec.Serialize(d.cfg.Format, now)
	if d.cfg.Protocol == ProtocolTCP {
		// Non-transparent framing on egress: an embedded LF in the
		// serialized body would desynchronize the receiver's framing,
		// so it is replaced with a space before the frame terminator is
		// appended.
		data = bytes.ReplaceAll(data, []byte("\n"), []byte(" "))
		data = append(data, '\n')
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := conn.Write(data)
	if err != nil {
		d.log.V(1).Info("send failed", "error", err.Error())
		return false
	}
	return true
}
