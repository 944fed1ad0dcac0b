package pipeline

import (
	"context"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gopkg.in/yaml.v3"

	"syslogfwd/internal/config"
)

func freeUDPAddr() string {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	Expect(err).NotTo(HaveOccurred())
	addr := conn.LocalAddr().String()
	conn.Close()
	return addr
}

func freeTCPAddr() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func readUDPWithTimeout(conn *net.UDPConn, timeout time.Duration) ([]byte, bool) {
	buf := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := conn.Read(buf)
	if err != nil {
		return nil, false
	}
	return buf[:n], true
}

var _ = Describe("end-to-end scenarios", func() {
	var testLog logr.Logger

	BeforeEach(func() {
		testLog = logr.Discard()
	})

	It("scenario 1: drop-debug + forward-rest", func() {
		cAddr := freeUDPAddr()
		cConn, err := net.ListenUDP("udp", mustResolveUDP(cAddr))
		Expect(err).NotTo(HaveOccurred())
		defer cConn.Close()

		inputAddr := freeUDPAddr()
		snap := config.Snapshot{
			Inputs: []config.Input{
				{Name: "in", Protocol: config.ProtocolUDP, Address: inputAddr},
			},
			Destinations: []config.Destination{
				{Name: "c", Protocol: config.ProtocolUDP, Address: cAddr, Format: config.FormatRFC3164},
			},
			Filters: []config.Filter{
				{Name: "drop-debug", Match: &config.Match{Severities: []string{"debug"}}, Action: config.ActionDrop},
				{Name: "rest", Destinations: []string{"c"}},
			},
		}

		p, err := New(snap, testLog, clock.New())
		Expect(err).NotTo(HaveOccurred())
		ctx, cancel := context.WithCancel(context.Background())
		go p.Run(ctx)
		defer func() { cancel(); time.Sleep(50 * time.Millisecond) }()
		time.Sleep(50 * time.Millisecond)

		sendUDP(inputAddr, []byte("<15>Oct 11 22:14:15 host1 app: hello"))

		_, ok := readUDPWithTimeout(cConn, 300*time.Millisecond)
		Expect(ok).To(BeFalse(), "dropped message must not reach destination c")

		Eventually(func() float64 {
			return testutil.ToFloat64(p.registry.MessagesDropped.WithLabelValues("filter"))
		}, time.Second).Should(BeNumerically(">=", 1))
	})

	It("scenario 2: route auth to SIEM", func() {
		siemAddr := freeTCPAddr()
		siemLn, err := net.Listen("tcp", siemAddr)
		Expect(err).NotTo(HaveOccurred())
		defer siemLn.Close()

		centralAddr := freeUDPAddr()
		centralConn, err := net.ListenUDP("udp", mustResolveUDP(centralAddr))
		Expect(err).NotTo(HaveOccurred())
		defer centralConn.Close()

		inputAddr := freeUDPAddr()

		yamlDoc := `
inputs:
  - name: in
    protocol: udp
    address: ` + inputAddr + `
destinations:
  - name: siem
    protocol: tcp
    address: ` + siemAddr + `
    format: rfc5424
    retry: {max_attempts: 1, backoff_base: 0.01}
  - name: central
    protocol: udp
    address: ` + centralAddr + `
    format: rfc3164
filters:
  - name: auth-to-siem
    match: {facility: [auth]}
    destinations: [siem]
  - name: rest-to-central
    destinations: [central]
`
		var snap config.Snapshot
		Expect(yaml.Unmarshal([]byte(yamlDoc), &snap)).To(Succeed())

		p, err := New(snap, testLog, clock.New())
		Expect(err).NotTo(HaveOccurred())
		ctx, cancel := context.WithCancel(context.Background())
		go p.Run(ctx)
		defer func() { cancel(); time.Sleep(50 * time.Millisecond) }()
		time.Sleep(50 * time.Millisecond)

		received := make(chan string, 1)
		go func() {
			conn, err := siemLn.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
			buf := make([]byte, 4096)
			n, _ := conn.Read(buf)
			received <- string(buf[:n])
		}()

		sendUDP(inputAddr, []byte("<38>Oct 11 22:14:15 host1 sshd[1234]: Failed password for root"))

		var frame string
		Eventually(received, 2*time.Second).Should(Receive(&frame))
		Expect(frame).To(HavePrefix("<38>1 "))
		Expect(frame).To(ContainSubstring("host1 sshd 1234 - - Failed password for root"))

		_, ok := readUDPWithTimeout(centralConn, 300*time.Millisecond)
		Expect(ok).To(BeFalse(), "auth message must not also reach central")
	})

	It("scenario 3: mask secrets transform", func() {
		cAddr := freeUDPAddr()
		cConn, err := net.ListenUDP("udp", mustResolveUDP(cAddr))
		Expect(err).NotTo(HaveOccurred())
		defer cConn.Close()

		inputAddr := freeUDPAddr()
		snap := config.Snapshot{
			Inputs: []config.Input{
				{Name: "in", Protocol: config.ProtocolUDP, Address: inputAddr},
			},
			Destinations: []config.Destination{
				{Name: "c", Protocol: config.ProtocolUDP, Address: cAddr, Format: config.FormatRFC3164},
			},
			Transforms: []config.Transform{
				{
					Name: "mask",
					MaskPatterns: []config.Replace{
						{Pattern: `(password)=\S+`, Replacement: `\1=***`},
					},
				},
			},
			Filters: []config.Filter{
				{Name: "all", Destinations: []string{"c"}, Transforms: []string{"mask"}},
			},
		}

		p, err := New(snap, testLog, clock.New())
		Expect(err).NotTo(HaveOccurred())
		ctx, cancel := context.WithCancel(context.Background())
		go p.Run(ctx)
		defer func() { cancel(); time.Sleep(50 * time.Millisecond) }()
		time.Sleep(50 * time.Millisecond)

		sendUDP(inputAddr, []byte("<14>Oct 11 22:14:15 h1 app: user=alice password=hunter2"))

		data, ok := readUDPWithTimeout(cConn, 2*time.Second)
		Expect(ok).To(BeTrue())
		Expect(string(data)).To(ContainSubstring("user=alice password=***"))
	})

	It("scenario 4: TCP octet-counting ingress", func() {
		cAddr := freeUDPAddr()
		cConn, err := net.ListenUDP("udp", mustResolveUDP(cAddr))
		Expect(err).NotTo(HaveOccurred())
		defer cConn.Close()

		inputAddr := freeTCPAddr()
		snap := config.Snapshot{
			Inputs: []config.Input{
				{Name: "in", Protocol: config.ProtocolTCP, Address: inputAddr},
			},
			Destinations: []config.Destination{
				{Name: "c", Protocol: config.ProtocolUDP, Address: cAddr, Format: config.FormatRFC3164},
			},
			Filters: []config.Filter{
				{Name: "all", Destinations: []string{"c"}},
			},
		}

		p, err := New(snap, testLog, clock.New())
		Expect(err).NotTo(HaveOccurred())
		ctx, cancel := context.WithCancel(context.Background())
		go p.Run(ctx)
		defer func() { cancel(); time.Sleep(50 * time.Millisecond) }()
		time.Sleep(50 * time.Millisecond)

		conn, err := net.Dial("tcp", inputAddr)
		Expect(err).NotTo(HaveOccurred())
		_, err = conn.Write([]byte("12 <13>hi there7 <13>bye"))
		Expect(err).NotTo(HaveOccurred())

		var bodies []string
		for i := 0; i < 2; i++ {
			data, ok := readUDPWithTimeout(cConn, 2*time.Second)
			Expect(ok).To(BeTrue())
			bodies = append(bodies, string(data))
		}
		conn.Close()

		Expect(bodies[0]).To(ContainSubstring("hi there"))
		Expect(bodies[1]).To(ContainSubstring("bye"))

		Eventually(func() float64 {
			return testutil.ToFloat64(p.registry.MessagesReceived.WithLabelValues("tcp", "user", "notice"))
		}, time.Second).Should(BeNumerically(">=", 2))
	})

	It("scenario 5: unreachable destination", func() {
		inputAddr := freeUDPAddr()
		downAddr := "127.0.0.1:1" // nothing listens here
		snap := config.Snapshot{
			Inputs: []config.Input{
				{Name: "in", Protocol: config.ProtocolUDP, Address: inputAddr},
			},
			Destinations: []config.Destination{
				{
					Name: "down", Protocol: config.ProtocolTCP, Address: downAddr, Format: config.FormatRFC3164,
					Retry: config.Retry{MaxAttempts: 3, BackoffSeconds: 0.01},
				},
			},
			Filters: []config.Filter{
				{Name: "all", Destinations: []string{"down"}},
			},
		}

		mock := clock.NewMock()
		p, err := New(snap, testLog, mock)
		Expect(err).NotTo(HaveOccurred())
		ctx, cancel := context.WithCancel(context.Background())
		go p.Run(ctx)
		defer func() { cancel(); time.Sleep(50 * time.Millisecond) }()
		time.Sleep(50 * time.Millisecond)

		sendUDP(inputAddr, []byte("<13>Oct 11 22:14:15 h1 app: hello"))

		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			mock.Add(time.Second)
			time.Sleep(time.Millisecond)
			if testutil.ToFloat64(p.registry.MessagesDropped.WithLabelValues("send_failed")) > 0 {
				break
			}
		}

		Expect(testutil.ToFloat64(p.registry.MessagesDropped.WithLabelValues("send_failed"))).To(Equal(float64(1)))
		Expect(testutil.ToFloat64(p.registry.DestinationUp.WithLabelValues("down"))).To(Equal(float64(0)))
	})

	It("scenario 6: graceful shutdown draining", func() {
		cAddr := freeUDPAddr()
		cConn, err := net.ListenUDP("udp", mustResolveUDP(cAddr))
		Expect(err).NotTo(HaveOccurred())
		defer cConn.Close()
		go func() {
			buf := make([]byte, 4096)
			for {
				cConn.SetReadDeadline(time.Now().Add(3 * time.Second))
				if _, err := cConn.Read(buf); err != nil {
					return
				}
			}
		}()

		inputAddr := freeUDPAddr()
		snap := config.Snapshot{
			Inputs: []config.Input{
				{Name: "in", Protocol: config.ProtocolUDP, Address: inputAddr},
			},
			Destinations: []config.Destination{
				{Name: "c", Protocol: config.ProtocolUDP, Address: cAddr, Format: config.FormatRFC3164},
			},
			Filters: []config.Filter{
				{Name: "all", Destinations: []string{"c"}},
			},
			Service: config.Service{ShutdownGrace: "2s"},
		}

		p, err := New(snap, testLog, clock.New())
		Expect(err).NotTo(HaveOccurred())
		ctx, cancel := context.WithCancel(context.Background())
		runDone := make(chan struct{})
		go func() { p.Run(ctx); close(runDone) }()
		time.Sleep(50 * time.Millisecond)

		for i := 0; i < 100; i++ {
			sendUDP(inputAddr, []byte("<13>Oct 11 22:14:15 h1 app: msg"))
		}
		cancel()

		Eventually(runDone, 3*time.Second).Should(BeClosed())

		received := testutil.ToFloat64(p.registry.MessagesReceived.WithLabelValues("udp", "user", "notice"))
		forwarded := testutil.ToFloat64(p.registry.MessagesForwarded.WithLabelValues("c"))
		var dropped float64
		for _, reason := range []string{"filter", "no_match", "parse_error", "send_failed"} {
			dropped += testutil.ToFloat64(p.registry.MessagesDropped.WithLabelValues(reason))
		}
		Expect(received - (forwarded + dropped)).To(Equal(float64(0)))
	})
})

func mustResolveUDP(addr string) *net.UDPAddr {
	a, err := net.ResolveUDPAddr("udp", addr)
	Expect(err).NotTo(HaveOccurred())
	return a
}

func sendUDP(addr string, data []byte) {
	conn, err := net.Dial("udp", addr)
	Expect(err).NotTo(HaveOccurred())
	defer conn.Close()
	_, err = conn.Write(data)
	Expect(err).NotTo(HaveOccurred())
}
