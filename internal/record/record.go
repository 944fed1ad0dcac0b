// Package record defines the canonical in-memory syslog message passed
// between the parser, router, transformer and egress stages.
package record

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Format identifies which dialect a record was decoded from, or should
// be re-encoded as.
type Format string

const (
	FormatRFC3164    Format = "rfc3164"
	FormatRFC5424    Format = "rfc5424"
	FormatPermissive Format = "permissive"
	FormatAuto       Format = "auto"
)

// Field is the closed set of record fields a transform may edit by name.
// Representing it as an enum (rather than an open string-keyed map) means
// set_fields/remove_fields dispatch through a switch, not a dynamic map
// lookup.
type Field int

const (
	FieldHostname Field = iota
	FieldAppName
	FieldProcID
	FieldMsgID
	FieldStructuredData
)

// ParseField maps a config-level field name to a Field, for transform
// configuration validation at pipeline construction time.
func ParseField(name string) (Field, bool) {
	switch name {
	case "hostname":
		return FieldHostname, true
	case "app_name":
		return FieldAppName, true
	case "proc_id":
		return FieldProcID, true
	case "msg_id":
		return FieldMsgID, true
	case "structured_data":
		return FieldStructuredData, true
	default:
		return 0, false
	}
}

// nilValue is RFC 5424's NILVALUE, also used as the textual stand-in for
// an absent RFC 3164 field.
const nilValue = "-"

// FacilityNames maps a facility code to its canonical lowercase name.
var FacilityNames = map[int]string{
	0: "kern", 1: "user", 2: "mail", 3: "daemon", 4: "auth", 5: "syslog",
	6: "lpr", 7: "news", 8: "uucp", 9: "cron", 10: "authpriv", 11: "ftp",
	12: "ntp", 13: "audit", 14: "alert", 15: "clock",
	16: "local0", 17: "local1", 18: "local2", 19: "local3",
	20: "local4", 21: "local5", 22: "local6", 23: "local7",
}

// FacilityByName is the reverse of FacilityNames.
var FacilityByName = reverseMap(FacilityNames)

// SeverityNames maps a severity code to its canonical lowercase name.
var SeverityNames = map[int]string{
	0: "emerg", 1: "alert", 2: "crit", 3: "err", 4: "warning",
	5: "notice", 6: "info", 7: "debug",
}

// SeverityByName is the reverse of SeverityNames, plus the "error" alias
// for severity 3 that both spellings must resolve to.
var SeverityByName = reverseMap(SeverityNames)

func init() {
	SeverityByName["error"] = 3
}

func reverseMap(m map[int]string) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// Record is the canonical syslog message passed between pipeline stages.
type Record struct {
	Facility  int
	Severity  int
	Timestamp time.Time // zero value means absent
	HasTime   bool

	Hostname       string
	AppName        string
	ProcID         string
	MsgID          string
	StructuredData string // opaque RFC 5424 SD text, brackets included, or ""

	Message string
	Raw     []byte

	OriginFormat Format

	// Mutated is set the first time a transform edits this record. It
	// gates the "auto" serializer's passthrough-vs-reserialize choice
	// (§4.2) and must never be touched outside the transformer.
	Mutated bool
}

// FacilityName returns the canonical lowercase facility name, or a
// placeholder for values outside 0..23 (which the parser must never
// produce, per the facility/severity invariant).
func (r *Record) FacilityName() string {
	if name, ok := FacilityNames[r.Facility]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", r.Facility)
}

// SeverityName returns the canonical lowercase severity name.
func (r *Record) SeverityName() string {
	if name, ok := SeverityNames[r.Severity]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", r.Severity)
}

// Priority returns facility*8 + severity.
func (r *Record) Priority() int {
	return r.Facility*8 + r.Severity
}

// Get reads a transform-editable field by enum.
func (r *Record) Get(f Field) string {
	switch f {
	case FieldHostname:
		return r.Hostname
	case FieldAppName:
		return r.AppName
	case FieldProcID:
		return r.ProcID
	case FieldMsgID:
		return r.MsgID
	case FieldStructuredData:
		return r.StructuredData
	default:
		return ""
	}
}

// Set writes a transform-editable field by enum.
func (r *Record) Set(f Field, value string) {
	switch f {
	case FieldHostname:
		r.Hostname = value
	case FieldAppName:
		r.AppName = value
	case FieldProcID:
		r.ProcID = value
	case FieldMsgID:
		r.MsgID = value
	case FieldStructuredData:
		r.StructuredData = value
	}
}

// Clone returns a shallow copy safe for the transformer to mutate
// in-place without affecting the record any other in-flight consumer
// (e.g. a second destination) might still be holding.
func (r *Record) Clone() *Record {
	c := *r
	return &c
}

// Serialize re-encodes the record in the requested format. raw is only
// used when format is FormatAuto.
func (r *Record) Serialize(format Format, now func() time.Time) []byte {
	switch format {
	case FormatRFC3164:
		return r.serializeRFC3164(now)
	case FormatRFC5424:
		return r.serializeRFC5424(now)
	case FormatAuto:
		if !r.Mutated {
			return r.Raw
		}
		if r.OriginFormat == FormatRFC5424 {
			return r.serializeRFC5424(now)
		}
		return r.serializeRFC3164(now)
	default:
		return r.serializeRFC3164(now)
	}
}

func (r *Record) serializeRFC3164(now func() time.Time) []byte {
	ts := r.Timestamp
	if !r.HasTime {
		ts = now()
	}
	hostname := r.Hostname
	if hostname == "" {
		hostname = nilValue
	}
	tag := r.AppName
	if tag == "" {
		tag = nilValue
	}
	if r.ProcID != "" {
		tag = fmt.Sprintf("%s[%s]", tag, r.ProcID)
	}
	return []byte(fmt.Sprintf("<%d>%s %s %s: %s",
		r.Priority(), ts.Local().Format("Jan _2 15:04:05"), hostname, tag, r.Message))
}

func (r *Record) serializeRFC5424(now func() time.Time) []byte {
	ts := nilValue
	if r.HasTime {
		ts = r.Timestamp.Format("2006-01-02T15:04:05.000000Z07:00")
	}
	hostname := orNil(r.Hostname)
	appName := orNil(r.AppName)
	procID := orNil(r.ProcID)
	msgID := orNil(r.MsgID)
	sd := r.StructuredData
	if sd == "" {
		sd = nilValue
	}
	msg := r.Message
	if !isASCII(msg) {
		msg = "\xEF\xBB\xBF" + msg
	}
	return []byte(fmt.Sprintf("<%d>1 %s %s %s %s %s %s %s",
		r.Priority(), ts, hostname, appName, procID, msgID, sd, msg))
}

func orNil(s string) string {
	if s == "" {
		return nilValue
	}
	return s
}

func isASCII(s string) bool {
	for _, r := range s {
		if r >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// StripBOM removes a leading UTF-8 byte-order mark from a message body,
// per §4.1.
func StripBOM(s string) string {
	return strings.TrimPrefix(s, "\xEF\xBB\xBF")
}
