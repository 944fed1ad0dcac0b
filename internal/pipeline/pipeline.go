// Package pipeline wires ingress, router, transform and egress into a
// running relay (C8): construction validates the config snapshot and
// fails fast with a single fatal error; Run manages the supervisor's
// lifecycle and performs the graceful shutdown when its context ends.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"syslogfwd/internal/config"
	"syslogfwd/internal/egress"
	"syslogfwd/internal/ingress"
	"syslogfwd/internal/metrics"
	"syslogfwd/internal/record"
	"syslogfwd/internal/router"
	"syslogfwd/internal/transform"
)

// Pipeline is a fully constructed, runnable relay.
type Pipeline struct {
	log   logr.Logger
	clock clock.Clock

	registry *metrics.Registry

	router      *router.Router
	transformer *transform.Transformer
	destByName  map[string]*egress.Destination

	listeners []ingress.Listener
	dests     []*egress.Destination

	metricsServer  *metrics.Server
	shutdownGrace  time.Duration

	mu      sync.Mutex
	running bool
}

// New validates snap and constructs a Pipeline. Destination send loops
// are started and input listeners are bound and begin receiving inside
// New; the observation endpoint is started by Run. A construction error
// is always a single wrapped error naming the first problem found
// (§4.7/§7); the caller should exit 2 on failure.
func New(snap config.Snapshot, log logr.Logger, clk clock.Clock) (*Pipeline, error) {
	if clk == nil {
		clk = clock.New()
	}
	reg := metrics.NewRegistry()

	transforms := make(map[string]*transform.Compiled, len(snap.Transforms))
	for _, tc := range snap.Transforms {
		if _, dup := transforms[tc.Name]; dup {
			return nil, errors.Errorf("duplicate transform name %q", tc.Name)
		}
		compiled, err := transform.Compile(transform.Config{
			Name:           tc.Name,
			RemoveFields:   tc.RemoveFields,
			SetFields:      tc.SetFields,
			MessageReplace: convertReplace(tc.MessageReplace),
			MaskPatterns:   convertReplaces(tc.MaskPatterns),
			MessagePrefix:  tc.MessagePrefix,
			MessageSuffix:  tc.MessageSuffix,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "transform %q", tc.Name)
		}
		transforms[tc.Name] = compiled
	}

	destByName := make(map[string]*egress.Destination, len(snap.Destinations))
	var dests []*egress.Destination
	for _, dc := range snap.Destinations {
		if _, dup := destByName[dc.Name]; dup {
			return nil, errors.Errorf("duplicate destination name %q", dc.Name)
		}
		d := egress.New(egress.Config{
			Name:     dc.Name,
			Protocol: egress.Protocol(dc.Protocol),
			Address:  dc.Address,
			Format:   convertFormat(dc.Format),
			Retry: egress.Retry{
				MaxAttempts:    dc.Retry.MaxAttempts,
				BackoffSeconds: dc.Retry.BackoffSeconds,
			},
		}, reg, log.WithName("egress"), clk)
		destByName[dc.Name] = d
		dests = append(dests, d)
	}

	var rules []*router.Rule
	for _, fc := range snap.Filters {
		rule := &router.Rule{
			Name:         fc.Name,
			Action:       router.Action(fc.Action),
			Destinations: fc.Destinations,
			Transforms:   fc.Transforms,
		}
		if fc.Match != nil {
			rule.Match = &router.Match{
				Facilities:      fc.Match.Facilities,
				Severities:      fc.Match.Severities,
				HostnamePattern: fc.Match.HostnamePattern,
				MessagePattern:  fc.Match.MessagePattern,
			}
		}
		if err := rule.Compile(); err != nil {
			return nil, errors.Wrapf(err, "rule %q", fc.Name)
		}
		for _, destName := range rule.Destinations {
			if _, ok := destByName[destName]; !ok {
				return nil, errors.Errorf("rule %q: unknown destination %q", fc.Name, destName)
			}
		}
		for _, trName := range rule.Transforms {
			if _, ok := transforms[trName]; !ok {
				return nil, errors.Errorf("rule %q: unknown transform %q", fc.Name, trName)
			}
		}
		rules = append(rules, rule)
	}

	shutdownGrace := 10 * time.Second
	if snap.Service.ShutdownGrace != "" {
		d, err := time.ParseDuration(snap.Service.ShutdownGrace)
		if err != nil {
			return nil, errors.Wrapf(err, "service.shutdown_grace %q", snap.Service.ShutdownGrace)
		}
		shutdownGrace = d
	}

	p := &Pipeline{
		log:           log,
		clock:         clk,
		registry:      reg,
		router:        router.New(rules),
		transformer:   transform.New(transforms),
		destByName:    destByName,
		dests:         dests,
		shutdownGrace: shutdownGrace,
	}

	if snap.Service.Observation.Address != "" {
		p.metricsServer = metrics.NewServer(snap.Service.Observation.Address, reg, p.IsRunning, snap.Service.Observation.Required)
	}

	p.listeners = make([]ingress.Listener, 0, len(snap.Inputs))
	for _, ic := range snap.Inputs {
		ic := ic
		var (
			ln  ingress.Listener
			err error
		)
		cfg := ingress.Config{Name: ic.Name, Protocol: ingress.Protocol(ic.Protocol), Address: ic.Address}
		switch ic.Protocol {
		case config.ProtocolUDP:
			ln, err = ingress.StartUDP(cfg, reg, log.WithName("ingress"), p.handle)
		case config.ProtocolTCP:
			ln, err = ingress.StartTCP(cfg, reg, log.WithName("ingress"), p.handle)
		default:
			return nil, errors.Errorf("input %q: unknown protocol %q", ic.Name, ic.Protocol)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "input %q", ic.Name)
		}
		p.listeners = append(p.listeners, ln)
	}

	return p, nil
}

func convertReplace(r *config.Replace) *transform.Replace {
	if r == nil {
		return nil
	}
	return &transform.Replace{Pattern: r.Pattern, Replacement: r.Replacement}
}

func convertReplaces(rs []config.Replace) []transform.Replace {
	if len(rs) == 0 {
		return nil
	}
	out := make([]transform.Replace, len(rs))
	for i, r := range rs {
		out[i] = transform.Replace{Pattern: r.Pattern, Replacement: r.Replacement}
	}
	return out
}

func convertFormat(f config.Format) record.Format {
	switch f {
	case config.FormatRFC3164:
		return record.FormatRFC3164
	case config.FormatRFC5424:
		return record.FormatRFC5424
	default:
		return record.FormatAuto
	}
}

// handle is the per-record entrypoint every ingress listener calls
// synchronously, in arrival order per connection (§5).
func (p *Pipeline) handle(rec *record.Record) {
	start := p.clock.Now()
	decision := p.router.Evaluate(rec)
	p.registry.ProcessingLatency.WithLabelValues(decision.RuleName).Observe(p.clock.Since(start).Seconds())

	if !decision.Forward {
		reason := string(decision.DropReason)
		p.registry.MessagesDropped.WithLabelValues(reason).Inc()
		return
	}

	out := p.transformer.Apply(rec, decision.Transforms)
	for _, destName := range decision.Destinations {
		d, ok := p.destByName[destName]
		if !ok {
			continue
		}
		d.Send(out, p.clock.Now)
	}
}

// IsRunning reports whether the pipeline's supervisor loop is active,
// for the /health handler.
func (p *Pipeline) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Run starts the metrics server (if configured) and blocks until ctx is
// canceled, then performs a graceful shutdown.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	var metricsErrCh <-chan error
	if p.metricsServer != nil {
		metricsErrCh = p.metricsServer.Start()
	}

	select {
	case <-ctx.Done():
	case err, ok := <-metricsErrCh:
		if ok && err != nil {
			if p.metricsServer.Required() {
				return fmt.Errorf("observation endpoint: %w", err)
			}
			p.log.Error(err, "observation endpoint failed, continuing without it")
		}
		<-ctx.Done()
	}

	return p.shutdown()
}

func (p *Pipeline) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), p.shutdownGrace)
	defer cancel()

	for _, ln := range p.listeners {
		ln.Close()
	}
	for _, d := range p.dests {
		d.Close(shutdownCtx)
	}
	if p.metricsServer != nil {
		p.metricsServer.Shutdown(shutdownCtx)
	}
	return nil
}
