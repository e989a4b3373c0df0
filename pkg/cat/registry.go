package cat

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dougsko/k4d/pkg/protocol"
)

// OpKind says which directions a command supports
type OpKind int

const (
	OpGet OpKind = iota
	OpSet
	OpGetSet
)

// String returns string representation of the operation kind
func (o OpKind) String() string {
	switch o {
	case OpGet:
		return "GET"
	case OpSet:
		return "SET"
	case OpGetSet:
		return "GET_SET"
	default:
		return "UNKNOWN"
	}
}

// CanGet reports whether a query form exists
func (o OpKind) CanGet() bool { return o == OpGet || o == OpGetSet }

// CanSet reports whether a value form exists
func (o OpKind) CanSet() bool { return o == OpSet || o == OpGetSet }

// DomainKind tags the value domain variant
type DomainKind int

const (
	DomainNone DomainKind = iota
	DomainIntRange
	DomainEnum
	DomainFrequency
	DomainText
)

// String returns string representation of the domain kind
func (k DomainKind) String() string {
	switch k {
	case DomainNone:
		return "none"
	case DomainIntRange:
		return "int"
	case DomainEnum:
		return "enum"
	case DomainFrequency:
		return "frequency"
	case DomainText:
		return "text"
	default:
		return "unknown"
	}
}

// EnumValue is one wire value of an enumerated domain
type EnumValue struct {
	Wire  string `json:"wire"`
	Label string `json:"label"`
}

// Domain is the tagged value domain of a descriptor. Only the fields of the
// active Kind are meaningful.
type Domain struct {
	Kind DomainKind `json:"kind"`

	// DomainIntRange, DomainFrequency
	Min       int  `json:"min,omitempty"`
	Max       int  `json:"max,omitempty"`
	Width     int  `json:"width,omitempty"`
	ForceSign bool `json:"force_sign,omitempty"`

	// DomainEnum
	Values []EnumValue `json:"values,omitempty"`

	// DomainText
	MaxLen  int            `json:"max_len,omitempty"`
	Pattern *regexp.Regexp `json:"-"`
}

// Action is an operation suffix a descriptor accepts
type Action byte

const (
	ActToggle    Action = '/'
	ActUp        Action = '+'
	ActDown      Action = '-'
	ActNormalize Action = '~'
	ActStackUp   Action = '^'
	ActStackNext Action = '>'
)

// MarshalText renders the suffix character
func (a Action) MarshalText() ([]byte, error) {
	return []byte{byte(a)}, nil
}

// Descriptor is the immutable definition of one CAT command
type Descriptor struct {
	Mnemonic string   `json:"mnemonic"`
	Op       OpKind   `json:"op"`
	Domain   Domain   `json:"domain"`
	Sub      bool     `json:"sub"` // a $-suffixed sub receiver variant exists
	Field    string   `json:"field"`
	Label    string   `json:"label"`
	Actions  []Action `json:"actions,omitempty"`
}

// Numeric reports whether the domain is an integer range or frequency
func (d Descriptor) Numeric() bool {
	return d.Domain.Kind == DomainIntRange || d.Domain.Kind == DomainFrequency
}

// Allows reports whether the descriptor accepts an operation suffix
func (d Descriptor) Allows(a Action) bool {
	for _, x := range d.Actions {
		if x == a {
			return true
		}
	}
	return false
}

// WireFormat describes the SET form, e.g. "FA{11 digits};"
func (d Descriptor) WireFormat() string {
	if !d.Op.CanSet() {
		return ""
	}
	return d.Mnemonic + d.subMarker() + d.valuePattern() + ";"
}

// ResponseFormat describes what the radio sends back for this command
func (d Descriptor) ResponseFormat() string {
	if !d.Op.CanGet() {
		return ""
	}
	return d.Mnemonic + d.subMarker() + d.valuePattern() + ";"
}

func (d Descriptor) subMarker() string {
	if d.Sub {
		return "[$]"
	}
	return ""
}

func (d Descriptor) valuePattern() string {
	switch d.Domain.Kind {
	case DomainIntRange, DomainFrequency:
		sign := ""
		if d.Domain.ForceSign {
			sign = "±"
		} else if d.Domain.Min < 0 {
			sign = "[-]"
		}
		if d.Domain.Width > 0 {
			return fmt.Sprintf("%s{%d digits}", sign, d.Domain.Width)
		}
		return sign + "{n}"
	case DomainEnum:
		wires := make([]string, len(d.Domain.Values))
		for i, v := range d.Domain.Values {
			wires[i] = v.Wire
		}
		return "{" + strings.Join(wires, "|") + "}"
	case DomainText:
		return "{text}"
	default:
		return ""
	}
}

// Validate checks a SET value against the descriptor's domain and returns the
// canonical wire text for it
func (d Descriptor) Validate(value string) (string, error) {
	switch d.Domain.Kind {
	case DomainNone:
		if value != "" {
			return "", fmt.Errorf("%w: %s takes no value", protocol.ErrInvalidCommandValue, d.Mnemonic)
		}
		return "", nil
	case DomainIntRange, DomainFrequency:
		return validateInt(d, value)
	case DomainEnum:
		return validateEnum(d, value)
	case DomainText:
		return validateText(d, value)
	default:
		return "", fmt.Errorf("%w: %s has unknown domain", protocol.ErrInvalidCommandValue, d.Mnemonic)
	}
}

func validateInt(d Descriptor, value string) (string, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(value), "+"))
	if err != nil {
		return "", fmt.Errorf("%w: %s value %q is not an integer", protocol.ErrInvalidCommandValue, d.Mnemonic, value)
	}
	if n < d.Domain.Min || n > d.Domain.Max {
		return "", fmt.Errorf("%w: %s value %d outside %d..%d",
			protocol.ErrInvalidCommandValue, d.Mnemonic, n, d.Domain.Min, d.Domain.Max)
	}
	return formatInt(n, d.Domain.Width, d.Domain.ForceSign), nil
}

func formatInt(n, width int, forceSign bool) string {
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	} else if forceSign {
		sign = "+"
	}
	digits := strconv.Itoa(n)
	if len(digits) < width {
		digits = strings.Repeat("0", width-len(digits)) + digits
	}
	return sign + digits
}

func validateEnum(d Descriptor, value string) (string, error) {
	v := strings.TrimSpace(value)
	for _, ev := range d.Domain.Values {
		if strings.EqualFold(ev.Wire, v) {
			return ev.Wire, nil
		}
	}
	// Labels are accepted too, so "USB" and "on" work as values
	for _, ev := range d.Domain.Values {
		if strings.EqualFold(ev.Label, v) {
			return ev.Wire, nil
		}
	}
	return "", fmt.Errorf("%w: %s value %q not one of %s",
		protocol.ErrInvalidCommandValue, d.Mnemonic, value, d.valuePattern())
}

func validateText(d Descriptor, value string) (string, error) {
	if d.Domain.MaxLen > 0 && len(value) > d.Domain.MaxLen {
		return "", fmt.Errorf("%w: %s text longer than %d", protocol.ErrInvalidCommandValue, d.Mnemonic, d.Domain.MaxLen)
	}
	for _, r := range value {
		if r < 0x20 || r > 0x7e || r == ';' {
			return "", fmt.Errorf("%w: %s text contains %q", protocol.ErrInvalidCommandValue, d.Mnemonic, r)
		}
	}
	if d.Domain.Pattern != nil && !d.Domain.Pattern.MatchString(value) {
		return "", fmt.Errorf("%w: %s value %q does not match %s",
			protocol.ErrInvalidCommandValue, d.Mnemonic, value, d.Domain.Pattern)
	}
	return value, nil
}

// Registry maps mnemonics to descriptors
type Registry struct {
	byMnemonic map[string]Descriptor
	ordered    []Descriptor
	maxLen     int
}

// NewRegistry builds a registry from descriptors; duplicate mnemonics panic
func NewRegistry(descs []Descriptor) *Registry {
	r := &Registry{byMnemonic: make(map[string]Descriptor, len(descs))}
	for _, d := range descs {
		if _, dup := r.byMnemonic[d.Mnemonic]; dup {
			panic(fmt.Sprintf("cat: duplicate descriptor %s", d.Mnemonic))
		}
		r.byMnemonic[d.Mnemonic] = d
		r.ordered = append(r.ordered, d)
		if len(d.Mnemonic) > r.maxLen {
			r.maxLen = len(d.Mnemonic)
		}
	}
	sort.Slice(r.ordered, func(i, j int) bool { return r.ordered[i].Mnemonic < r.ordered[j].Mnemonic })
	return r
}

// Lookup returns the descriptor for an exact mnemonic
func (r *Registry) Lookup(mnemonic string) (Descriptor, bool) {
	d, ok := r.byMnemonic[strings.ToUpper(mnemonic)]
	return d, ok
}

// Match finds the descriptor whose mnemonic is the longest prefix of cmd
func (r *Registry) Match(cmd string) (Descriptor, bool) {
	n := r.maxLen
	if len(cmd) < n {
		n = len(cmd)
	}
	for ; n > 0; n-- {
		if d, ok := r.byMnemonic[cmd[:n]]; ok {
			return d, true
		}
	}
	return Descriptor{}, false
}

// All returns every descriptor sorted by mnemonic
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Len returns the number of descriptors
func (r *Registry) Len() int {
	return len(r.ordered)
}
