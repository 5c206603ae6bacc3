package enums

// AttemptOutcome records how a single delivery attempt ended.
type AttemptOutcome string

const (
	AttemptOutcomeAccepted         AttemptOutcome = "accepted"
	AttemptOutcomeRejected         AttemptOutcome = "rejected"
	AttemptOutcomeTransportFailure AttemptOutcome = "transport_failure"
)

var validAttemptOutcomes = []AttemptOutcome{
	AttemptOutcomeAccepted,
	AttemptOutcomeRejected,
	AttemptOutcomeTransportFailure,
}

func (o AttemptOutcome) IsValid() bool {
	for _, candidate := range validAttemptOutcomes {
		if candidate == o {
			return true
		}
	}
	return false
}
