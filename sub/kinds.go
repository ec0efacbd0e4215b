package sub

import (
	"fmt"
	"strings"

	"github.com/nickman/tsdblite/errors"
	"github.com/nickman/tsdblite/metric"
)

// EventMask is the set of event kinds a subscription is interested in.
type EventMask uint8

const (
	// MaskNewMetric selects NEW_METRIC notifications.
	MaskNewMetric EventMask = 1 << iota
	// MaskExpiredMetric selects EXPIRED_METRIC notifications.
	MaskExpiredMetric
	// MaskData selects DATA notifications.
	MaskData

	// MaskAll selects every event kind.
	MaskAll = MaskNewMetric | MaskExpiredMetric | MaskData
)

// Has reports whether the mask includes the given cache event kind.
func (m EventMask) Has(kind metric.EventKind) bool {
	switch kind {
	case metric.EventNewMetric:
		return m&MaskNewMetric != 0
	case metric.EventExpiredMetric:
		return m&MaskExpiredMetric != 0
	case metric.EventData:
		return m&MaskData != 0
	default:
		return false
	}
}

// ParseKinds builds a mask from kind names. Both the event wire names
// (NEW_METRIC, EXPIRED_METRIC, DATA) and the legacy subscription subjects
// (METRICS, NEWMETRICS, EXPIREDMETRICS, DATA4METRICS) are accepted. An
// empty list selects all kinds.
func ParseKinds(names []string) (EventMask, error) {
	if len(names) == 0 {
		return MaskAll, nil
	}

	var mask EventMask
	for _, name := range names {
		switch strings.ToUpper(strings.TrimSpace(name)) {
		case "NEW_METRIC", "NEWMETRICS":
			mask |= MaskNewMetric
		case "EXPIRED_METRIC", "EXPIREDMETRICS":
			mask |= MaskExpiredMetric
		case "DATA", "DATA4METRICS":
			mask |= MaskData
		case "METRICS":
			mask |= MaskNewMetric | MaskExpiredMetric
		default:
			return 0, errors.WrapInvalid(
				fmt.Errorf("%w: unknown event kind %q", errors.ErrInvalidPattern, name),
				"sub", "ParseKinds", "reading event kinds")
		}
	}
	return mask, nil
}
