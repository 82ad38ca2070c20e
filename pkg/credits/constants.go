package credits

const (
	operationDeduct      = "deduct"
	operationAdd         = "add"
	operationPlaceHold   = "place_hold"
	operationCommitHold  = "commit_hold"
	operationReleaseHold = "release_hold"
	operationSweep       = "sweep_expired"
	operationAdmit       = "admit"

	operationStatusOK      = "ok"
	operationStatusDenied  = "denied"
	operationStatusNoOp    = "noop"
	operationStatusError   = "error"
	operationStatusAllowed = "allowed"

	descriptionHoldCommitted = "hold committed"
	descriptionHoldReleased  = "hold released"
	descriptionHoldExpired   = "hold expired"
)
