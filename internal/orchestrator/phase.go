package orchestrator

import "fmt"

// Phase is the composite status of a send session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseResolving
	PhaseCheckingBalance
	PhaseApproving
	PhaseDepositing
	PhaseSendingNotification
	PhaseSuccess
	PhaseError
)

var phaseNames = map[Phase]string{
	PhaseIdle:                "idle",
	PhaseResolving:           "resolving",
	PhaseCheckingBalance:     "checking_balance",
	PhaseApproving:           "approving",
	PhaseDepositing:          "depositing",
	PhaseSendingNotification: "sending_notification",
	PhaseSuccess:             "success",
	PhaseError:               "error",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// InFlight is true while the session is between submission and a result.
func (p Phase) InFlight() bool {
	return p >= PhaseResolving && p <= PhaseSendingNotification
}

// transitions lists the legal edges of the state machine. Error reaches
// SendingNotification only through a manual re-notify.
var transitions = map[Phase][]Phase{
	PhaseIdle:                {PhaseResolving, PhaseCheckingBalance, PhaseError},
	PhaseResolving:           {PhaseCheckingBalance, PhaseError},
	PhaseCheckingBalance:     {PhaseApproving, PhaseDepositing, PhaseError},
	PhaseApproving:           {PhaseDepositing, PhaseError},
	PhaseDepositing:          {PhaseSendingNotification, PhaseError},
	PhaseSendingNotification: {PhaseSuccess, PhaseError},
	PhaseSuccess:             {PhaseIdle},
	PhaseError:               {PhaseIdle, PhaseSendingNotification},
}

func canTransition(from, to Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
