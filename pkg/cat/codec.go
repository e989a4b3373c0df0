package cat

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dougsko/k4d/pkg/protocol"
)

// VFO selects the receiver a command addresses
type VFO int

const (
	VFOMain VFO = iota
	VFOSub
)

// String returns string representation of the VFO
func (v VFO) String() string {
	if v == VFOSub {
		return "sub"
	}
	return "main"
}

// ParseVFO accepts "a", "main", "b", "sub" and the empty string (main)
func ParseVFO(s string) (VFO, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "a", "main":
		return VFOMain, nil
	case "b", "sub":
		return VFOSub, nil
	default:
		return VFOMain, fmt.Errorf("unknown vfo %q", s)
	}
}

// Invocation is one command to encode: a query, an action suffix or a value
type Invocation struct {
	Mnemonic string
	VFO      VFO
	Query    bool
	Action   Action
	Value    string
}

// Get builds a query invocation
func Get(mnemonic string, vfo VFO) Invocation {
	return Invocation{Mnemonic: mnemonic, VFO: vfo, Query: true}
}

// Set builds a value invocation
func Set(mnemonic string, vfo VFO, value string) Invocation {
	return Invocation{Mnemonic: mnemonic, VFO: vfo, Value: value}
}

// Do builds an action invocation such as "SB/;"
func Do(mnemonic string, vfo VFO, action Action) Invocation {
	return Invocation{Mnemonic: mnemonic, VFO: vfo, Action: action}
}

// Encode validates an invocation and returns its wire text including the
// terminating ';'. Nothing is returned on error.
func (r *Registry) Encode(inv Invocation) (string, error) {
	d, ok := r.Lookup(inv.Mnemonic)
	if !ok {
		return "", fmt.Errorf("%w: %s", protocol.ErrUnknownCommand, inv.Mnemonic)
	}

	prefix := d.Mnemonic
	if inv.VFO == VFOSub {
		if !d.Sub {
			return "", fmt.Errorf("%w: %s has no sub receiver variant", protocol.ErrInvalidCommandValue, d.Mnemonic)
		}
		prefix += "$"
	}

	switch {
	case inv.Query:
		if !d.Op.CanGet() {
			return "", fmt.Errorf("%w: %s cannot be queried", protocol.ErrInvalidCommandValue, d.Mnemonic)
		}
		return prefix + ";", nil
	case inv.Action != 0:
		if !d.Allows(inv.Action) {
			return "", fmt.Errorf("%w: %s does not accept %q", protocol.ErrInvalidCommandValue, d.Mnemonic, rune(inv.Action))
		}
		return prefix + string(rune(inv.Action)) + ";", nil
	default:
		if !d.Op.CanSet() {
			return "", fmt.Errorf("%w: %s is read-only", protocol.ErrInvalidCommandValue, d.Mnemonic)
		}
		wire, err := d.Validate(inv.Value)
		if err != nil {
			return "", err
		}
		return prefix + wire + ";", nil
	}
}

// ParseCommand turns one raw client command such as "MD$3;" into an
// invocation. The mnemonic is resolved by longest match.
func (r *Registry) ParseCommand(raw string) (Invocation, error) {
	orig := strings.TrimSuffix(strings.TrimSpace(raw), ";")
	cmd := strings.ToUpper(orig)
	if cmd == "" {
		return Invocation{}, fmt.Errorf("%w: empty command", protocol.ErrUnknownCommand)
	}
	d, ok := r.Match(cmd)
	if !ok {
		return Invocation{}, fmt.Errorf("%w: %s", protocol.ErrUnknownCommand, cmd)
	}

	inv := Invocation{Mnemonic: d.Mnemonic}
	rest := cmd[len(d.Mnemonic):]
	if d.Sub && strings.HasPrefix(rest, "$") {
		inv.VFO = VFOSub
		rest = rest[1:]
	}

	switch {
	case rest == "" && d.Op.CanGet():
		inv.Query = true
	case len(rest) == 1 && d.Allows(Action(rest[0])):
		inv.Action = Action(rest[0])
	default:
		// Text values keep the caller's case
		if d.Domain.Kind == DomainText && len(orig) == len(cmd) {
			rest = orig[len(orig)-len(rest):]
		}
		inv.Value = rest
	}
	return inv, nil
}

// ParseCommands splits a raw client string on ';' and parses every command.
// The first failure aborts the whole batch.
func (r *Registry) ParseCommands(raw string) ([]Invocation, error) {
	var out []Invocation
	for _, part := range strings.Split(raw, ";") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		inv, err := r.ParseCommand(part)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty command", protocol.ErrUnknownCommand)
	}
	return out, nil
}

// Update is one decoded field reported by the radio
type Update struct {
	Mnemonic string      `json:"mnemonic"`
	VFO      VFO         `json:"-"`
	Field    string      `json:"field"`
	Label    string      `json:"label"`
	Raw      string      `json:"raw"`
	Value    interface{} `json:"value"`
}

// Key is the update's field name, suffixed with "_sub" for the sub receiver
func (u Update) Key() string {
	if u.VFO == VFOSub {
		return u.Field + "_sub"
	}
	return u.Field
}

// Decode splits a Text frame into commands and decodes every known one.
// Unknown mnemonics are returned separately and never stop decoding.
func (r *Registry) Decode(text string) (updates []Update, unknown []string) {
	for _, part := range strings.Split(text, ";") {
		cmd := strings.TrimSpace(part)
		if cmd == "" {
			continue
		}
		d, ok := r.Match(cmd)
		if !ok {
			unknown = append(unknown, cmd)
			continue
		}

		u := Update{Mnemonic: d.Mnemonic, Field: d.Field, Label: d.Label, Raw: cmd + ";"}
		rest := cmd[len(d.Mnemonic):]
		if d.Sub && strings.HasPrefix(rest, "$") {
			u.VFO = VFOSub
			rest = rest[1:]
		}
		u.Value = decodeValue(d, rest)
		updates = append(updates, u)
	}
	return updates, unknown
}

func decodeValue(d Descriptor, rest string) interface{} {
	switch d.Domain.Kind {
	case DomainNone:
		return nil
	case DomainIntRange, DomainFrequency:
		if n, err := strconv.Atoi(strings.TrimPrefix(rest, "+")); err == nil {
			return n
		}
	case DomainEnum:
		for _, ev := range d.Domain.Values {
			if strings.EqualFold(ev.Wire, rest) {
				return ev.Wire
			}
		}
	}
	return rest
}

// Updates collapses decoded updates into a field map; later values win
func Updates(ups []Update) map[string]interface{} {
	out := make(map[string]interface{}, len(ups))
	for _, u := range ups {
		out[u.Key()] = u.Value
	}
	return out
}
