package bridge

import "errors"

// ErrNoSuitableBridge is returned by a Selector when no candidate bridge
// can host the participant (spec §4.3 "returns one bridge or null if none
// is suitable").
var ErrNoSuitableBridge = errors.New("bridge: no suitable bridge")

// ErrUnknownBridge is returned when an operation references a bridge id
// the registry does not know about.
var ErrUnknownBridge = errors.New("bridge: unknown bridge id")
