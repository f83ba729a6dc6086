package protocol

import (
	"fmt"
	"strconv"

	"github.com/coreos/go-semver/semver"
)

// ComponentID identifies an updatable component. The primary controller and
// each of its sub-components have distinct IDs.
type ComponentID uint8

// MarshalJSON encodes the ID as a number, so []ComponentID is a JSON array
// rather than base64.
func (id ComponentID) MarshalJSON() ([]byte, error) {
	return strconv.AppendUint(nil, uint64(id), 10), nil
}

// MaxSubcomponentCount is the largest number of sub-components a primary may
// report in a single version response.
const MaxSubcomponentCount = 7

// MaxContentData is the payload size of a single FWUPDATE_CONTENT block.
const MaxContentData = 52

// FwVersion is a component firmware version.
type FwVersion struct {
	Major   uint8  `json:"major"`
	Minor   uint16 `json:"minor"`
	Variant uint8  `json:"variant"`
}

// String renders the version as major.minor.variant.
func (v FwVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Variant)
}

// Semver returns the version as a semantic version so it can be compared.
func (v FwVersion) Semver() semver.Version {
	return semver.Version{
		Major: int64(v.Major),
		Minor: int64(v.Minor),
		Patch: int64(v.Variant),
	}
}

// Less reports whether v is older than other.
func (v FwVersion) Less(other FwVersion) bool {
	return v.Semver().LessThan(other.Semver())
}

// Packed returns the 32-bit packed form used in version reports:
// major in the top byte, minor in the middle 16 bits, variant in the low byte.
func (v FwVersion) Packed() uint32 {
	return uint32(v.Major)<<24 | uint32(v.Minor)<<8 | uint32(v.Variant)
}

// UnpackFwVersion is the inverse of FwVersion.Packed.
func UnpackFwVersion(p uint32) FwVersion {
	return FwVersion{
		Major:   uint8(p >> 24),
		Minor:   uint16(p >> 8),
		Variant: uint8(p),
	}
}

// ParseFwVersion parses a "major.minor.variant" string.
func ParseFwVersion(s string) (FwVersion, error) {
	sv, err := semver.NewVersion(s)
	if err != nil {
		return FwVersion{}, fmt.Errorf("%w: version %q: %w", ErrInvalidCommand, s, err)
	}
	if sv.Major < 0 || sv.Major > 0xff || sv.Minor < 0 || sv.Minor > 0xffff || sv.Patch < 0 || sv.Patch > 0xff {
		return FwVersion{}, fmt.Errorf("%w: version %q out of range", ErrInvalidCommand, s)
	}
	return FwVersion{Major: uint8(sv.Major), Minor: uint16(sv.Minor), Variant: uint8(sv.Patch)}, nil
}

// FwVerComponentInfo describes one component in a version report.
type FwVerComponentInfo struct {
	ComponentID ComponentID `json:"component_id"`
	FwVersion   FwVersion   `json:"fw_version"`
	Bank        uint8       `json:"bank"`
}

// GetFwVersionResponse is the answer to a GET_FWVERSION command.
type GetFwVersionResponse struct {
	ComponentCount int                  `json:"component_count"`
	ComponentInfo  []FwVerComponentInfo `json:"component_info"`
}

// FwUpdateOfferCommand offers a firmware image to a component.
type FwUpdateOfferCommand struct {
	ComponentID         ComponentID `json:"component_id"`
	Token               uint8       `json:"token"`
	FwVersion           FwVersion   `json:"fw_version"`
	ForceIgnoreVersion  bool        `json:"force_ignore_version,omitempty"`
	ForceImmediateReset bool        `json:"force_immediate_reset,omitempty"`
	ProductID           uint32      `json:"product_id,omitempty"`
}

// OfferStatus is a component's verdict on an offer.
type OfferStatus uint8

// Offer verdicts.
const (
	OfferAccept OfferStatus = iota
	OfferSkip
	OfferReject
	OfferBusy
	OfferCommandReady
)

var offerStatusNames = map[OfferStatus]string{
	OfferAccept:       "accept",
	OfferSkip:         "skip",
	OfferReject:       "reject",
	OfferBusy:         "busy",
	OfferCommandReady: "command_ready",
}

// String returns the lower-case name of the status.
func (s OfferStatus) String() string {
	if n, ok := offerStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("offer_status(%d)", uint8(s))
}

// RejectReason explains an OfferReject verdict.
type RejectReason uint8

// Reject reasons.
const (
	RejectNone RejectReason = iota
	RejectOldFirmware
	RejectInvalidComponent
	RejectSwapPending
	RejectWrongBank
	RejectSignRule
	RejectVerFailed
)

// FwUpdateOfferResponse is the answer to an offer.
type FwUpdateOfferResponse struct {
	Token        uint8        `json:"token"`
	Status       OfferStatus  `json:"status"`
	RejectReason RejectReason `json:"reject_reason,omitempty"`
}

// Accepted reports whether the component accepted the offer.
func (r FwUpdateOfferResponse) Accepted() bool {
	return r.Status == OfferAccept
}

// Content block flags.
const (
	FlagFirstBlock uint8 = 0x80
	FlagLastBlock  uint8 = 0x40
)

// FwUpdateContentCommand carries one block of a firmware image.
type FwUpdateContentCommand struct {
	Flags          uint8  `json:"flags"`
	SequenceNumber uint16 `json:"sequence_number"`
	Address        uint32 `json:"address"`
	Data           []byte `json:"data"`
}

// First reports whether this is the first block of the image.
func (c FwUpdateContentCommand) First() bool { return c.Flags&FlagFirstBlock != 0 }

// Last reports whether this is the final block of the image.
func (c FwUpdateContentCommand) Last() bool { return c.Flags&FlagLastBlock != 0 }

// Validate checks the block is well formed.
func (c FwUpdateContentCommand) Validate() error {
	if len(c.Data) == 0 {
		return fmt.Errorf("%w: empty data", ErrInvalidBlock)
	}
	if len(c.Data) > MaxContentData {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidBlock, len(c.Data), MaxContentData)
	}
	return nil
}

// ContentStatus is a component's verdict on a content block.
type ContentStatus uint8

// Content verdicts.
const (
	ContentSuccess ContentStatus = iota
	ContentErrorPrepare
	ContentErrorWrite
	ContentErrorComplete
	ContentErrorVerify
	ContentErrorCRC
	ContentErrorSignature
	ContentErrorVersion
	ContentSwapPending
	ContentErrorInvalidAddr
	ContentErrorNoOffer
	ContentErrorInvalid
)

var contentStatusNames = map[ContentStatus]string{
	ContentSuccess:          "success",
	ContentErrorPrepare:     "error_prepare",
	ContentErrorWrite:       "error_write",
	ContentErrorComplete:    "error_complete",
	ContentErrorVerify:      "error_verify",
	ContentErrorCRC:         "error_crc",
	ContentErrorSignature:   "error_signature",
	ContentErrorVersion:     "error_version",
	ContentSwapPending:      "swap_pending",
	ContentErrorInvalidAddr: "error_invalid_addr",
	ContentErrorNoOffer:     "error_no_offer",
	ContentErrorInvalid:     "error_invalid",
}

// String returns the lower-case name of the status.
func (s ContentStatus) String() string {
	if n, ok := contentStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("content_status(%d)", uint8(s))
}

// FwUpdateContentResponse is the answer to a content block.
type FwUpdateContentResponse struct {
	SequenceNumber uint16        `json:"sequence_number"`
	Status         ContentStatus `json:"status"`
}

// Success reports whether the block was written.
func (r FwUpdateContentResponse) Success() bool {
	return r.Status == ContentSuccess
}
