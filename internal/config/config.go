// Package config defines the nested shape the pipeline is constructed
// from (§6): a pre-validated snapshot, already resolved of any
// "${VAR}"-style substitution. Loading a snapshot from YAML/env is the
// external loader's job and lives outside this repository; this package
// only names the Go types the loader's output is shaped into.
package config

// Protocol is the wire protocol an input or destination speaks.
type Protocol string

const (
	ProtocolUDP Protocol = "udp"
	ProtocolTCP Protocol = "tcp"
)

// Format selects the wire format a destination serializes records into.
type Format string

const (
	FormatRFC3164 Format = "rfc3164"
	FormatRFC5424 Format = "rfc5424"
	FormatAuto    Format = "auto"
)

// Input is one configured listener.
type Input struct {
	Name     string   `yaml:"name"`
	Protocol Protocol `yaml:"protocol"`
	Address  string   `yaml:"address"`
}

// Retry configures a TCP destination's reconnect/resend backoff.
type Retry struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	BackoffSeconds float64 `yaml:"backoff_base"`
}

// Destination is one configured output.
type Destination struct {
	Name     string   `yaml:"name"`
	Protocol Protocol `yaml:"protocol"`
	Address  string   `yaml:"address"`
	Format   Format   `yaml:"format"`
	Retry    Retry    `yaml:"retry"`
}

// Replace is a single regex-replace operation for a transform.
type Replace struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// Transform is one named, ordered set of field edits (§4.4).
type Transform struct {
	Name           string            `yaml:"name"`
	RemoveFields   []string          `yaml:"remove_fields"`
	SetFields      map[string]string `yaml:"set_fields"`
	MessageReplace *Replace          `yaml:"message_replace"`
	MaskPatterns   []Replace         `yaml:"mask_patterns"`
	MessagePrefix  string            `yaml:"message_prefix"`
	MessageSuffix  string            `yaml:"message_suffix"`
}

// Match is a rule's AND-of-clauses predicate; a nil clause is always
// satisfied. Facilities/Severities take canonical lowercase names (plus
// "error" as an alias of "err"), resolved at pipeline construction
// (§4.3); numeric codes are not accepted.
type Match struct {
	Facilities      []string `yaml:"facility"`
	Severities      []string `yaml:"severity"`
	HostnamePattern string   `yaml:"hostname_pattern"`
	MessagePattern  string   `yaml:"message_pattern"`
}

// Action is a rule's terminal disposition.
type Action string

const (
	ActionForward Action = "forward"
	ActionDrop    Action = "drop"
)

// Filter is one routing rule (the spec's "filters", evaluated
// first-match-wins by internal/router).
type Filter struct {
	Name         string   `yaml:"name"`
	Match        *Match   `yaml:"match"`
	Action       Action   `yaml:"action"`
	Destinations []string `yaml:"destinations"`
	Transforms   []string `yaml:"transforms"`
}

// Observation configures the /metrics and /health HTTP surface.
type Observation struct {
	Address  string `yaml:"address"`
	Required bool   `yaml:"required"`
}

// Service holds process-wide settings.
type Service struct {
	Observation    Observation `yaml:"observation"`
	ShutdownGrace  string      `yaml:"shutdown_grace"`
}

// Snapshot is the complete, already-validated configuration the pipeline
// is built from.
type Snapshot struct {
	Inputs       []Input       `yaml:"inputs"`
	Destinations []Destination `yaml:"destinations"`
	Transforms   []Transform   `yaml:"transforms"`
	Filters      []Filter      `yaml:"filters"`
	Service      Service       `yaml:"service"`
}
