package sase

// State is the process-wide shared state: one policy store and one audit
// hub. It is created once at startup and passed by pointer to every
// component that needs it.
type State struct {
	Policy *PolicyStore
	Hub    *Hub
}

// NewState creates the shared state with the given initial policy and
// per-subscriber hub capacity.
func NewState(initial PolicyConfig, hubCapacity int) *State {
	return &State{
		Policy: NewPolicyStore(initial),
		Hub:    NewHub(hubCapacity),
	}
}
