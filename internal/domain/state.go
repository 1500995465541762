package domain

// State is the lifecycle state of a provider connection
type State string

const (
	StateUnbound State = "unbound"
	StateBinding State = "binding"
	StateBound   State = "bound"
)

// String implements fmt.Stringer
func (s State) String() string {
	return string(s)
}

// IsValid returns true if the state is recognized
func (s State) IsValid() bool {
	switch s {
	case StateUnbound, StateBinding, StateBound:
		return true
	default:
		return false
	}
}
