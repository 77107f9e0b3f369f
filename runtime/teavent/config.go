package teavent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Poll anchor defaults: the registration poll opens five hours before the
// event and closes two hours before it.
const (
	DefaultMaxParticipants = 100
	DefaultMinParticipants = 1

	DefaultStartPollDelta = 5 * time.Hour
	DefaultStopPollDelta  = 2 * time.Hour
)

// ErrDescriptionParse reports a calendar event description whose config
// block cannot be parsed. The error is fatal to the affected event only.
var ErrDescriptionParse = errors.New("cannot parse event description")

type (
	// Config carries the per-event knobs read from the calendar event
	// description. The zero value means "all defaults".
	Config struct {
		// Max is the hard capacity; participants beyond it become reserve.
		Max int `json:"max,omitempty" yaml:"max"`
		// Min is the readiness threshold the poll must reach.
		Min int `json:"min,omitempty" yaml:"min"`

		// StartPollAt and StopPollAt override the delta-derived poll
		// anchors, as absolute instants or wall times on the event's date.
		StartPollAt *Anchor `json:"start_poll_at,omitempty" yaml:"start_poll_at"`
		StopPollAt  *Anchor `json:"stop_poll_at,omitempty" yaml:"stop_poll_at"`

		// StartPollDelta and StopPollDelta tune how long before Start the
		// delta-derived anchors fall. StopPollDelta must stay below
		// StartPollDelta.
		StartPollDelta Duration `json:"start_poll_delta,omitempty" yaml:"start_poll_delta"`
		StopPollDelta  Duration `json:"stop_poll_delta,omitempty" yaml:"stop_poll_delta"`
	}

	// Anchor is a poll boundary from the config block: either an absolute
	// RFC 3339 instant or a wall time composed with the event's date in the
	// event's timezone.
	Anchor struct {
		abs         time.Time
		wall        bool
		hh, mm, ss  int
		withSeconds bool
	}

	// Duration is a time.Duration that reads and writes Go duration strings
	// ("5h", "90m") in YAML and JSON.
	Duration time.Duration

	// descriptionDoc is the YAML shape of a calendar event description that
	// carries configuration. Unknown keys are rejected.
	descriptionDoc struct {
		Description string  `yaml:"description"`
		Config      *Config `yaml:"config"`
	}
)

// ParseConfig extracts the config block from a calendar event description.
// Descriptions that are not YAML mappings carry no config and yield the
// defaults; mappings are decoded strictly and unknown keys, malformed values
// or inconsistent deltas surface as ErrDescriptionParse.
func ParseConfig(description string) (Config, error) {
	cfg := Config{}

	var probe any
	if err := yaml.Unmarshal([]byte(description), &probe); err != nil {
		return cfg, fmt.Errorf("%w: %s", ErrDescriptionParse, err)
	}
	if _, ok := probe.(map[string]any); !ok {
		return cfg, nil
	}

	dec := yaml.NewDecoder(strings.NewReader(description))
	dec.KnownFields(true)
	var doc descriptionDoc
	if err := dec.Decode(&doc); err != nil {
		return cfg, fmt.Errorf("%w: %s", ErrDescriptionParse, err)
	}
	if doc.Config == nil {
		return cfg, nil
	}

	cfg = *doc.Config
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrDescriptionParse, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Max < 0 || c.Min < 0 {
		return errors.New("max and min must be positive")
	}
	if c.StartPollDelta < 0 || c.StopPollDelta < 0 {
		return errors.New("poll deltas must be positive")
	}
	if c.stopPollDelta() >= c.startPollDelta() {
		return fmt.Errorf("stop poll delta %s must be less than start poll delta %s",
			time.Duration(c.stopPollDelta()), time.Duration(c.startPollDelta()))
	}
	return nil
}

func (c Config) max() int {
	if c.Max == 0 {
		return DefaultMaxParticipants
	}
	return c.Max
}

func (c Config) min() int {
	if c.Min == 0 {
		return DefaultMinParticipants
	}
	return c.Min
}

func (c Config) startPollDelta() time.Duration {
	if c.StartPollDelta == 0 {
		return DefaultStartPollDelta
	}
	return time.Duration(c.StartPollDelta)
}

func (c Config) stopPollDelta() time.Duration {
	if c.StopPollDelta == 0 {
		return DefaultStopPollDelta
	}
	return time.Duration(c.StopPollDelta)
}

// ParseAnchor parses an anchor from its string form: RFC 3339 for absolute
// instants, "15:04" or "15:04:05" for wall times.
func ParseAnchor(s string) (Anchor, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return Anchor{abs: t}, nil
	}
	if t, err := time.Parse("15:04:05", s); err == nil {
		hh, mm, ss := t.Clock()
		return Anchor{wall: true, hh: hh, mm: mm, ss: ss, withSeconds: true}, nil
	}
	if t, err := time.Parse("15:04", s); err == nil {
		hh, mm, _ := t.Clock()
		return Anchor{wall: true, hh: hh, mm: mm}, nil
	}
	return Anchor{}, fmt.Errorf("invalid poll anchor %q", s)
}

// Resolve returns the instant the anchor stands for. Wall times are composed
// with start's date in start's timezone.
func (a Anchor) Resolve(start time.Time) time.Time {
	if !a.wall {
		return a.abs
	}
	y, m, d := start.Date()
	return time.Date(y, m, d, a.hh, a.mm, a.ss, start.Nanosecond(), start.Location())
}

// String renders the anchor in the form ParseAnchor accepts.
func (a Anchor) String() string {
	if !a.wall {
		return a.abs.Format(time.RFC3339)
	}
	if a.withSeconds {
		return fmt.Sprintf("%02d:%02d:%02d", a.hh, a.mm, a.ss)
	}
	return fmt.Sprintf("%02d:%02d", a.hh, a.mm)
}

// MarshalJSON implements json.Marshaler.
func (a Anchor) MarshalJSON() ([]byte, error) { return json.Marshal(a.String()) }

// UnmarshalJSON implements json.Unmarshaler.
func (a *Anchor) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseAnchor(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *Anchor) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseAnchor(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (a Anchor) MarshalYAML() (any, error) { return a.String(), nil }

// String renders the duration in Go syntax.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }
