package datachannel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

// ErrInvalidOffer is returned for offers that do not parse as SDP.
var ErrInvalidOffer = errors.New("datachannel: invalid sdp offer")

// OfferInfo is what the controller reads from a remote offer.
type OfferInfo struct {
	SessionID   uint64
	Media       []string // m-line media types in order
	Application bool     // offer carries an SCTP application section
}

// ParseOffer parses and sanity-checks an SDP offer.
func ParseOffer(offer string) (OfferInfo, error) {
	if strings.TrimSpace(offer) == "" {
		return OfferInfo{}, fmt.Errorf("%w: empty", ErrInvalidOffer)
	}

	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(offer); err != nil {
		return OfferInfo{}, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return OfferInfo{}, fmt.Errorf("%w: no media sections", ErrInvalidOffer)
	}

	info := OfferInfo{SessionID: desc.Origin.SessionID}
	for _, m := range desc.MediaDescriptions {
		info.Media = append(info.Media, m.MediaName.Media)
		if m.MediaName.Media == "application" {
			info.Application = true
		}
	}
	return info, nil
}
