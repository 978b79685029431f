package classifier

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Extractor copies capture groups of a match into the event.
// match[0] is the matched text, match[1:] are the capture groups.
type Extractor func(match []string, ev *Event) error

// Rule is one (pattern, kind, extractor) entry of the rule table.
type Rule struct {
	Name    string
	Kind    EventKind
	Pattern *regexp.Regexp

	// Phase is fixed for EventPhaseChange rules.
	Phase Phase

	// Message replaces the line as the event message when set. The matched
	// line is prepended unless it is empty.
	Message string

	// Extract overrides the default extractor for Kind.
	Extract Extractor
}

// MustRule compiles pattern as a regular expression. Patterns are not
// anchored: a match anywhere in the line is enough.
func MustRule(name string, kind EventKind, pattern string) Rule {
	return Rule{Name: name, Kind: kind, Pattern: regexp.MustCompile(pattern)}
}

// NewRule is MustRule returning the compile error.
func NewRule(name string, kind EventKind, pattern string) (Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q: %w", name, err)
	}
	return Rule{Name: name, Kind: kind, Pattern: re}, nil
}

// Literal matches text as a case-sensitive substring.
func Literal(name string, kind EventKind, text string) Rule {
	return Rule{Name: name, Kind: kind, Pattern: regexp.MustCompile(regexp.QuoteMeta(text))}
}

// WithPhase sets the phase of an EventPhaseChange rule.
func (r Rule) WithPhase(p Phase) Rule {
	r.Phase = p
	return r
}

// WithMessage sets a message appended to fatal and info events.
func (r Rule) WithMessage(msg string) Rule {
	r.Message = msg
	return r
}

// Classifier holds an immutable, ordered rule table.
// Classify has no side effects and is safe for concurrent use.
type Classifier struct {
	rules []Rule
}

// New returns a classifier evaluating rules in the given order.
func New(rules ...Rule) *Classifier {
	r := make([]Rule, len(rules))
	copy(r, rules)
	return &Classifier{rules: r}
}

// Rules returns a copy of the rule table in evaluation order.
func (c *Classifier) Rules() []Rule {
	r := make([]Rule, len(c.rules))
	copy(r, c.rules)
	return r
}

// Prepend returns a new classifier whose extra rules are evaluated before
// the existing ones.
func (c *Classifier) Prepend(extra ...Rule) *Classifier {
	return New(append(append([]Rule{}, extra...), c.rules...)...)
}

// Classify returns the event of the first matching rule. ok is false when
// no rule matches, which is the common case.
func (c *Classifier) Classify(line string) (ev Event, ok bool) {
	for i := range c.rules {
		rule := &c.rules[i]
		match := rule.Pattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}

		ev = Event{
			Kind:  rule.Kind,
			Rule:  rule.Name,
			Line:  line,
			Phase: rule.Phase,
		}

		extract := rule.Extract
		if extract == nil {
			extract = defaultExtractor(rule.Kind)
		}
		if extract != nil {
			if err := extract(match, &ev); err != nil {
				// A pattern that matched but carried an unusable number
				// (e.g. overflow) is treated as a miss.
				continue
			}
		}

		switch rule.Kind {
		case EventFatal, EventWarning, EventInfo:
			ev.Message = message(line, rule.Message)
		}
		return ev, true
	}
	return Event{}, false
}

func message(line, extra string) string {
	line = strings.TrimSpace(line)
	if extra == "" {
		return line
	}
	if line == "" {
		return extra
	}
	return line + "\n" + extra
}

// defaultExtractor maps capture groups by kind:
//
//	frame_started:  1 = frame number
//	sub_progress:   1 = percent
//	block_progress: 1 = completed, 2 = total
//	frame_ordinal:  1 = ordinal
func defaultExtractor(kind EventKind) Extractor {
	switch kind {
	case EventFrameStarted:
		return func(m []string, ev *Event) error {
			n, err := group(m, 1)
			ev.Frame = n
			return err
		}
	case EventSubProgress:
		return func(m []string, ev *Event) error {
			n, err := group(m, 1)
			ev.Percent = n
			return err
		}
	case EventFrameOrdinal:
		return func(m []string, ev *Event) error {
			n, err := group(m, 1)
			ev.Frame = n
			return err
		}
	case EventBlockProgress:
		return func(m []string, ev *Event) error {
			done, err := group(m, 1)
			if err != nil {
				return err
			}
			total, err := group(m, 2)
			if err != nil {
				return err
			}
			if total <= 0 {
				return fmt.Errorf("block total %d", total)
			}
			ev.Completed, ev.Total = done, total
			return nil
		}
	default:
		return nil
	}
}

func group(m []string, i int) (int, error) {
	if i >= len(m) {
		return 0, fmt.Errorf("missing capture group %d", i)
	}
	return strconv.Atoi(m[i])
}
