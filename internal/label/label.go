// Package label defines the sensitivity lattice and taint model every unit
// of data in the kernel carries. Labels and taint are immutable values
// attached alongside data, never ambient state. Combination points call
// the propagation functions explicitly.
package label

import "fmt"

// Label is the monotonic data sensitivity classification.
// Can only advance (increase) through propagation, never retreat.
type Label int

const (
	Public    Label = 0
	Internal  Label = 1
	Sensitive Label = 2
	Regulated Label = 3
	Secret    Label = 4
)

func (l Label) String() string {
	switch l {
	case Public:
		return "public"
	case Internal:
		return "internal"
	case Sensitive:
		return "sensitive"
	case Regulated:
		return "regulated"
	case Secret:
		return "secret"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// Parse converts a config string into a Label.
func Parse(s string) (Label, error) {
	switch s {
	case "public":
		return Public, nil
	case "internal":
		return Internal, nil
	case "sensitive":
		return Sensitive, nil
	case "regulated":
		return Regulated, nil
	case "secret":
		return Secret, nil
	default:
		return Public, fmt.Errorf("label: unknown label %q", s)
	}
}

// MarshalYAML serializes the label as its name.
func (l Label) MarshalYAML() (any, error) {
	return l.String(), nil
}

// UnmarshalYAML parses a label name from config.
func (l *Label) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Max returns the higher of two labels.
func Max(a, b Label) Label {
	if a > b {
		return a
	}
	return b
}
