package colibri

import "fmt"

// Failure kinds for Allocate/Update/Expire, matching §4.4's taxonomy.
var (
	// ErrBridgeSelectionFailed means no bridge was available (§4.4).
	ErrBridgeSelectionFailed = fmt.Errorf("colibri: bridge selection failed")
	// ErrBadRequest means the bridge rejected participant attributes; not
	// retried (§4.4).
	ErrBadRequest = fmt.Errorf("colibri: bad request")
	// ErrDisposed means the manager has shut down mid-request (§4.4).
	ErrDisposed = fmt.Errorf("colibri: manager disposed")
)

// BridgeFailedError means the bridge was unreachable or returned a
// malformed response; the bridge is marked non-operational and the
// conference should discard the session (§4.4).
type BridgeFailedError struct {
	BridgeID string
	Restart  bool
	Cause    error
}

func (e *BridgeFailedError) Error() string {
	return fmt.Sprintf("colibri: bridge %s failed (restart=%v): %v", e.BridgeID, e.Restart, e.Cause)
}

func (e *BridgeFailedError) Unwrap() error { return e.Cause }

// ColibriExpiredError means the bridge no longer knows the conference id;
// the session must be torn down and a fresh create issued (§4.4).
type ColibriExpiredError struct {
	BridgeID string
	Restart  bool
}

func (e *ColibriExpiredError) Error() string {
	return fmt.Sprintf("colibri: bridge %s no longer knows this conference (restart=%v)", e.BridgeID, e.Restart)
}
