package execwrap

import "strings"

// FailureClass identifies known failure signatures in a subprocess's stderr.
type FailureClass string

const (
	// FailureUnknown is any failure without a recognized signature.
	FailureUnknown FailureClass = "unknown"
	// FailureDeviceMismatch is the compute-device mismatch raised by the
	// neural model when texture baking runs on a different device than the
	// mesh. The caller retries once without the texture-baking flag.
	FailureDeviceMismatch FailureClass = "device_mismatch"
)

// Substring detection is a compatibility shim: the model surfaces this
// condition only as text on stderr. Matching is confined here so callers
// work with the classified value.
var deviceMismatchSignatures = []string{
	"Expected all tensors to be on the same device",
	"found at least two devices",
	"can't convert cuda:0 device type tensor",
}

// ClassifyFailure maps a failed result's stderr to a known failure class.
func ClassifyFailure(res *Result) FailureClass {
	if res == nil {
		return FailureUnknown
	}

	for _, sig := range deviceMismatchSignatures {
		if strings.Contains(res.Stderr, sig) {
			return FailureDeviceMismatch
		}
	}

	return FailureUnknown
}
