// Package transform applies ordered, named field edits and message
// masking to a routed record before it is handed to egress.
package transform

import (
	"fmt"
	"regexp"

	"syslogfwd/internal/record"
)

// Replace is a single regex-replace operation; the replacement string
// may contain backreferences (\1..\9), supported directly by
// regexp.Regexp.ReplaceAll's $-syntax once translated (see toDollarRefs).
type Replace struct {
	Pattern     string
	Replacement string
}

// Config is one named transform, as received from the config snapshot.
type Config struct {
	Name           string
	RemoveFields   []string
	SetFields      map[string]string
	MessageReplace *Replace
	MaskPatterns   []Replace
	MessagePrefix  string
	MessageSuffix  string
}

// Compiled is a Config with its regexes compiled and its field names
// resolved to record.Field, built once at pipeline construction.
type Compiled struct {
	name           string
	removeFields   []record.Field
	setFields      map[record.Field]string
	messageReplace *compiledReplace
	maskPatterns   []compiledReplace
	messagePrefix  string
	messageSuffix  string
}

type compiledReplace struct {
	re          *regexp.Regexp
	replacement string
}

// Compile resolves and validates one transform config. An unknown field
// name or invalid regex is a pipeline construction error (§4.4/§4.7),
// never a per-message failure.
func Compile(cfg Config) (*Compiled, error) {
	c := &Compiled{name: cfg.Name, messagePrefix: cfg.MessagePrefix, messageSuffix: cfg.MessageSuffix}

	for _, name := range cfg.RemoveFields {
		f, ok := record.ParseField(name)
		if !ok {
			return nil, fmt.Errorf("transform %q: unknown field %q in remove_fields", cfg.Name, name)
		}
		c.removeFields = append(c.removeFields, f)
	}

	if len(cfg.SetFields) > 0 {
		c.setFields = make(map[record.Field]string, len(cfg.SetFields))
		for name, value := range cfg.SetFields {
			f, ok := record.ParseField(name)
			if !ok {
				return nil, fmt.Errorf("transform %q: unknown field %q in set_fields", cfg.Name, name)
			}
			c.setFields[f] = value
		}
	}

	if cfg.MessageReplace != nil {
		re, err := regexp.Compile(cfg.MessageReplace.Pattern)
		if err != nil {
			return nil, fmt.Errorf("transform %q: invalid message_replace pattern: %w", cfg.Name, err)
		}
		c.messageReplace = &compiledReplace{re: re, replacement: toDollarRefs(cfg.MessageReplace.Replacement)}
	}

	for i, mask := range cfg.MaskPatterns {
		re, err := regexp.Compile(mask.Pattern)
		if err != nil {
			return nil, fmt.Errorf("transform %q: invalid mask_patterns[%d]: %w", cfg.Name, i, err)
		}
		c.maskPatterns = append(c.maskPatterns, compiledReplace{re: re, replacement: toDollarRefs(mask.Replacement)})
	}

	return c, nil
}

// toDollarRefs translates \1..\9 backreferences (the syntax the
// configuration contract uses, matching common sed/PCRE convention)
// into Go regexp's ReplaceAll ${N} syntax (braced, so a following word
// character is not read as part of the group name).
func toDollarRefs(replacement string) string {
	out := make([]byte, 0, len(replacement))
	for i := 0; i < len(replacement); i++ {
		if replacement[i] == '\\' && i+1 < len(replacement) && replacement[i+1] >= '1' && replacement[i+1] <= '9' {
			out = append(out, '$', '{', replacement[i+1], '}')
			i++
			continue
		}
		if replacement[i] == '$' {
			out = append(out, '$', '$')
			continue
		}
		out = append(out, replacement[i])
	}
	return string(out)
}

// Transformer applies a set of named, pre-compiled transforms in the
// order a rule lists them.
type Transformer struct {
	byName map[string]*Compiled
}

// New builds a Transformer from already-compiled transforms, keyed by
// name. Names must be unique (checked at pipeline construction).
func New(transforms map[string]*Compiled) *Transformer {
	return &Transformer{byName: transforms}
}

// Apply applies the named transforms, in order, to rec. Each named
// transform itself applies its operations in the fixed order from §4.4:
// remove_fields, set_fields, message_replace, mask_patterns, then
// prefix/suffix. An unknown transform name is a construction-time error
// (validated before Apply is ever called) so Apply itself never fails.
func (t *Transformer) Apply(rec *record.Record, names []string) *record.Record {
	if len(names) == 0 {
		return rec
	}
	result := rec
	for _, name := range names {
		c, ok := t.byName[name]
		if !ok {
			continue
		}
		if result == rec {
			result = rec.Clone()
		}
		c.applyTo(result)
	}
	if result != rec {
		result.Mutated = true
	}
	return result
}

func (c *Compiled) applyTo(rec *record.Record) {
	for _, f := range c.removeFields {
		rec.Set(f, "")
	}
	for f, v := range c.setFields {
		rec.Set(f, v)
	}
	if c.messageReplace != nil {
		rec.Message = c.messageReplace.re.ReplaceAllString(rec.Message, c.messageReplace.replacement)
	}
	for _, mask := range c.maskPatterns {
		rec.Message = mask.re.ReplaceAllString(rec.Message, mask.replacement)
	}
	if c.messagePrefix != "" {
		rec.Message = c.messagePrefix + rec.Message
	}
	if c.messageSuffix != "" {
		rec.Message = rec.Message + c.messageSuffix
	}
}
