package schema

import (
	"fmt"
	"regexp"

	"github.com/danmuck/stompd/internal/protocol"
	"github.com/danmuck/stompd/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// Rule constrains one header of a command.
type Rule struct {
	Header   string
	Required bool
	Pattern  *regexp.Regexp
}

// Table maps commands to their header rules for one protocol version.
// Commands absent from the table accept any headers.
type Table struct {
	Version protocol.Version
	rules   map[frame.Command][]Rule
}

type ValidationError struct {
	Command frame.Command
	Header  string
	Value   string
	Pattern string
	Frame   string
}

func (e ValidationError) Error() string {
	if e.Pattern == "" {
		return fmt.Sprintf(`Header "%s" is required, and missing from frame: %s`, e.Header, e.Frame)
	}
	return fmt.Sprintf(
		`Header "%s" has value "%s" which does not match against the following regex: /%s/ (Frame: %s)`,
		e.Header,
		e.Value,
		e.Pattern,
		e.Frame,
	)
}

var (
	numeric   = regexp.MustCompile(`^[0-9]+$`)
	version11 = regexp.MustCompile(`^1\.[01]$`)
)

func required(header string) Rule {
	return Rule{Header: header, Required: true}
}

func matching(header string, re *regexp.Regexp) Rule {
	return Rule{Header: header, Pattern: re}
}

var tables = map[protocol.Version]map[frame.Command][]Rule{
	protocol.V10: {
		frame.Connected: {required(frame.HeaderSession)},
		frame.Message: {
			required(frame.HeaderDestination),
			required(frame.HeaderMessageID),
		},
		frame.Receipt: {required(frame.HeaderReceiptID)},
		frame.Error:   {},

		frame.Send:        {required(frame.HeaderDestination)},
		frame.Subscribe:   {required(frame.HeaderDestination)},
		frame.Unsubscribe: {required(frame.HeaderDestination)},
		frame.Begin:       {required(frame.HeaderTransaction)},
		frame.Commit:      {required(frame.HeaderTransaction)},
		frame.Abort:       {required(frame.HeaderTransaction)},
		frame.Ack:         {required(frame.HeaderMessageID)},
	},
	protocol.V11: {
		frame.Connected: {
			required(frame.HeaderVersion),
			matching(frame.HeaderVersion, version11),
		},
		frame.Message: {
			required(frame.HeaderDestination),
			required(frame.HeaderMessageID),
		},
		frame.Receipt: {required(frame.HeaderReceiptID)},
		frame.Error:   {},

		frame.Connect:     {required(frame.HeaderHost)},
		frame.Send:        {required(frame.HeaderDestination)},
		frame.Subscribe:   {required(frame.HeaderDestination)},
		frame.Unsubscribe: {required(frame.HeaderDestination)},
		frame.Begin:       {required(frame.HeaderTransaction)},
		frame.Commit:      {required(frame.HeaderTransaction)},
		frame.Abort:       {required(frame.HeaderTransaction)},
		frame.Ack:         {required(frame.HeaderMessageID)},
	},
}

// ForVersion returns the validation table for v.
func ForVersion(v protocol.Version) (Table, error) {
	rules, ok := tables[v]
	if !ok {
		return Table{}, fmt.Errorf("%w: %q", protocol.ErrUnsupportedVersion, string(v))
	}
	return Table{Version: v, rules: rules}, nil
}

// Validate checks f against the table. Rules are evaluated in declaration
// order and the first failure is returned. A numeric content-length is
// enforced on every command.
func (t Table) Validate(f *frame.Frame) error {
	if f == nil {
		return frame.ErrNilFrame
	}
	base := t.rules[f.Command]
	rules := make([]Rule, 0, len(base)+1)
	rules = append(rules, base...)
	rules = append(rules, matching(frame.HeaderContentLength, numeric))
	for _, rule := range rules {
		value, present := f.Header.Lookup(rule.Header)
		if rule.Required && !present {
			log.Debug().
				Str("version", string(t.Version)).
				Str("command", f.Command.String()).
				Str("header", rule.Header).
				Msg("schema: missing required header")
			return ValidationError{Command: f.Command, Header: rule.Header, Frame: f.String()}
		}
		if rule.Pattern != nil && present && !rule.Pattern.MatchString(value) {
			log.Debug().
				Str("version", string(t.Version)).
				Str("command", f.Command.String()).
				Str("header", rule.Header).
				Str("value", value).
				Msg("schema: header pattern mismatch")
			return ValidationError{
				Command: f.Command,
				Header:  rule.Header,
				Value:   value,
				Pattern: rule.Pattern.String(),
				Frame:   f.String(),
			}
		}
	}
	return nil
}

// Validator adapts the table to a decoder option.
func (t Table) Validator() frame.Validator {
	return t.Validate
}
