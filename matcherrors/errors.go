package matcherrors

import "errors"

// Match sentinel errors. Shared by the match, dispatch, storage and api
// packages to avoid circular imports.
var (
	// ErrClockExhausted is fatal to the match: the acting team forfeits.
	ErrClockExhausted = errors.New("clock exhausted")

	// Caller errors; the match state is unchanged.
	ErrNotYourTurnState   = errors.New("operation not valid in the current match state")
	ErrEndSetupIncomplete = errors.New("end setup has not been performed for this end")
	ErrEndSetupDone       = errors.New("end setup already completed")
	ErrNotSetupTeam       = errors.New("team does not hold end setup rights")
	ErrPowerPlayUsed      = errors.New("power play already used")
	ErrInvalidEndSetup    = errors.New("invalid end setup request")

	// ErrSimulationFailure is transient; the simulator leg is retried.
	ErrSimulationFailure = errors.New("simulation failure")
	// ErrPersistenceFailure leaves the match in its pre-transition state.
	ErrPersistenceFailure = errors.New("persistence failure")

	ErrMatchNotFound      = errors.New("match not found")
	ErrMatchFinished      = errors.New("match finished")
	ErrTooManyMatches     = errors.New("active match limit reached")
	ErrAgentNotConnected  = errors.New("agent not connected")
	ErrStaleShot          = errors.New("shot response does not match the outstanding request")
	ErrInvalidMatchConfig = errors.New("invalid match configuration")
)
