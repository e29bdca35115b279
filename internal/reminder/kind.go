package reminder

import "fmt"

// Kind is the recurrence policy of a reminder. The zero value means one-off.
type Kind string

const (
	None    Kind = ""
	Daily   Kind = "daily"
	Weekly  Kind = "weekly"
	Monthly Kind = "monthly"
)

func (k Kind) IsRecurring() bool {
	return k == Daily || k == Weekly || k == Monthly
}

func (k Kind) String() string {
	if k == None {
		return "none"
	}
	return string(k)
}

// ParseKind parses a recurrence keyword. "none" is not accepted here: it is
// only meaningful as an edit sentinel and callers handle it before parsing.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "daily":
		return Daily, nil
	case "weekly":
		return Weekly, nil
	case "monthly":
		return Monthly, nil
	default:
		return None, fmt.Errorf("unknown recurrence kind %q", s)
	}
}

func kindFromRecord(v *string) Kind {
	if v == nil {
		return None
	}
	switch *v {
	case "daily":
		return Daily
	case "weekly":
		return Weekly
	case "monthly":
		return Monthly
	default:
		return None
	}
}

func (k Kind) recordValue() *string {
	if !k.IsRecurring() {
		return nil
	}
	v := string(k)
	return &v
}
