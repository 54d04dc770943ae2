package zone

// EventKind distinguishes zone entry from zone exit.
type EventKind int

const (
	Enter EventKind = iota
	Exit
)

func (k EventKind) String() string {
	switch k {
	case Enter:
		return "enter"
	case Exit:
		return "exit"
	default:
		return "unknown"
	}
}

// Event is a single zone boundary crossing.
type Event struct {
	Kind EventKind
	Zone string
}

// Transition compares an entity's previous zone with its newly resolved zone.
// An empty name means Unassigned. A move between two zones is always reported
// as Exit of the old zone followed by Enter of the new one.
func Transition(prev, next string) []Event {
	if prev == next {
		return nil
	}
	var events []Event
	if prev != "" {
		events = append(events, Event{Kind: Exit, Zone: prev})
	}
	if next != "" {
		events = append(events, Event{Kind: Enter, Zone: next})
	}
	return events
}
