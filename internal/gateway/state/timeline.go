package state

import (
	"github.com/openfuture/open-commerce/internal/gateway/interfaces"
)

// Canonicalize reduces a remote status report to its single authoritative
// status. When a timeline is present only the last entry counts; earlier
// entries are historical. Scalar reports are used directly.
func Canonicalize(report *interfaces.StatusReport) interfaces.CanonicalStatus {
	if report == nil {
		return interfaces.CanonicalStatus{}
	}

	if n := len(report.Timeline); n > 0 {
		last := report.Timeline[n-1]
		return interfaces.CanonicalStatus{
			Value:   interfaces.RemoteStatus(last.Status),
			Context: last.Context,
		}
	}

	return interfaces.CanonicalStatus{
		Value:   interfaces.RemoteStatus(report.Status),
		Context: report.Context,
	}
}
