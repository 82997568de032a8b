package engine

import "strings"

// ErrorCategory represents the classification of pipeline errors for telemetry
type ErrorCategory int

const (
	// ErrCategoryNetwork indicates transport failures (ICE, DTLS, signalling, timeouts)
	ErrCategoryNetwork ErrorCategory = iota
	// ErrCategoryCodec indicates codec/stream failures (decode errors, caps negotiation)
	ErrCategoryCodec
	// ErrCategoryNegotiation indicates SDP offer/answer failures
	ErrCategoryNegotiation
	// ErrCategoryDevice indicates GPU or audio device failures
	ErrCategoryDevice
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

// String returns a human-readable string representation of the error category
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryNegotiation:
		return "negotiation"
	case ErrCategoryDevice:
		return "device"
	default:
		return "unknown"
	}
}

// ClassifyError categorizes a bus error from its message and debug string.
//
// Engines do not expose stable error domains to Go, so classification is
// keyword based. Order matters: the most specific categories are checked first.
func ClassifyError(message, debug string) ErrorCategory {
	combined := strings.ToLower(message + " " + debug)
	if strings.TrimSpace(combined) == "" {
		return ErrCategoryUnknown
	}

	switch {
	case containsAny(combined, negotiationKeywords):
		return ErrCategoryNegotiation
	case containsAny(combined, deviceKeywords):
		return ErrCategoryDevice
	case containsAny(combined, codecKeywords):
		return ErrCategoryCodec
	case containsAny(combined, networkKeywords):
		return ErrCategoryNetwork
	default:
		return ErrCategoryUnknown
	}
}

var negotiationKeywords = []string{
	"sdp",
	"offer",
	"answer",
	"remote description",
	"local description",
	"signaller",
	"producer",
}

var deviceKeywords = []string{
	"d3d11",
	"device",
	"gpu",
	"texture",
	"wasapi",
	"audio sink",
	"audio source",
	"out of memory",
}

var codecKeywords = []string{
	"codec",
	"decode",
	"encode",
	"not negotiated",
	"caps",
	"h264",
	"opus",
	"no decoder",
	"missing plugin",
	"unsupported format",
	"invalid format",
}

var networkKeywords = []string{
	"ice candidate",
	"ice connection",
	"ice failed",
	"dtls",
	"stun",
	"turn server",
	"connection",
	"timeout",
	"unreachable",
	"network",
	"socket",
	"websocket",
	"could not connect",
	"failed to connect",
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
