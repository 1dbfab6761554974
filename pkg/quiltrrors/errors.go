// Package quiltrrors defines the typed error taxonomy used across the
// daemon so callers can branch on error kind with errors.As instead of
// string matching.
package quiltrrors

import "fmt"

// ValidationFailed reports bad input: an empty command, a malformed
// mount, an invalid volume name. No state change occurs.
type ValidationFailed struct {
	Message string
}

func (e *ValidationFailed) Error() string { return "validation failed: " + e.Message }

// NotFound reports that a container, volume, or layer id/name does not
// exist.
type NotFound struct {
	Kind string // "container", "volume", "layer", ...
	ID   string
}

func (e *NotFound) Error() string { return fmt.Sprintf("%s not found: %s", e.Kind, e.ID) }

// DuplicateName reports an insert conflict on a unique name.
type DuplicateName struct {
	Name string
}

func (e *DuplicateName) Error() string { return "duplicate name: " + e.Name }

// DuplicateID reports an insert conflict on an id (should not occur;
// ids are random).
type DuplicateID struct {
	ID string
}

func (e *DuplicateID) Error() string { return "duplicate id: " + e.ID }

// IPAllocationConflict is transient and automatically retried by the
// caller up to a fixed attempt count.
type IPAllocationConflict struct {
	Attempt int
}

func (e *IPAllocationConflict) Error() string {
	return fmt.Sprintf("ip allocation conflict on attempt %d", e.Attempt)
}

// NoAvailableIP reports that the configured address pool is exhausted.
type NoAvailableIP struct {
	Subnet string
}

func (e *NoAvailableIP) Error() string { return "no available ip in subnet " + e.Subnet }

// ImageExtractionFailed reports that layer extraction failed; the layer
// state becomes Failed and the next caller may retry.
type ImageExtractionFailed struct {
	Hash   string
	Reason string
}

func (e *ImageExtractionFailed) Error() string {
	return fmt.Sprintf("image extraction failed for %s: %s", e.Hash, e.Reason)
}

// OverlayUnsupported reports that the overlay filesystem is unavailable
// on this host; the cache falls back to per-container extraction.
type OverlayUnsupported struct {
	Reason string
}

func (e *OverlayUnsupported) Error() string { return "overlay unsupported: " + e.Reason }

// NamespaceSetupFailed reports a failure during container startup at a
// named phase; the container transitions to Error and cleanup runs.
type NamespaceSetupFailed struct {
	Phase  string
	Reason string
}

func (e *NamespaceSetupFailed) Error() string {
	return fmt.Sprintf("namespace setup failed at %s: %s", e.Phase, e.Reason)
}

// ProcessExited reports normal process termination. Not itself an
// error condition when Code is 0 for synchronous containers; callers
// decide how to surface it.
type ProcessExited struct {
	Code int
}

func (e *ProcessExited) Error() string { return fmt.Sprintf("process exited with code %d", e.Code) }

// SignalTerminated reports that the container process was terminated
// by a signal rather than exiting normally.
type SignalTerminated struct {
	Signal string
}

func (e *SignalTerminated) Error() string { return "process terminated by signal " + e.Signal }

// Timeout reports that a bounded operation (extraction, mount, overlay
// probing) exceeded its deadline.
type Timeout struct {
	Operation string
}

func (e *Timeout) Error() string { return "timeout: " + e.Operation }

// Wrap attaches context to err while preserving it for errors.As/Is.
func Wrap(context string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}
