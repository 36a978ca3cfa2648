// Package wire implements the on-wire message codec: the Header/Entry
// binary layout and its reduced-header and fragment-framing variants.
// Encoding is little-endian throughout.
package wire

import "github.com/madara-run/madara/knowledge"

// MagicID tags every message this runtime emits; peers reject anything
// else at decode time.
const MagicID = "MADARA1\x00"

// Type is the Header's wire type field.
type Type uint32

const (
	TypeAssign             Type = 1
	TypeMultiAssign        Type = 2
	TypeReducedAssign      Type = 11
	TypeReducedMultiAssign Type = 12
	TypeFragment           Type = 20
	TypeReducedFragment    Type = 21
)

// IsReduced reports whether t signals the reduced header layout.
func (t Type) IsReduced() bool {
	return t == TypeReducedAssign || t == TypeReducedMultiAssign || t == TypeReducedFragment
}

// IsFragment reports whether t is a fragment framing type.
func (t Type) IsFragment() bool {
	return t == TypeFragment || t == TypeReducedFragment
}

// Header is the common prefix of every message and fragment.
type Header struct {
	Size           uint64
	Domain         string // omitted on the wire when reduced
	Originator     string
	Type           Type
	NumUpdates     uint32 // fragment framing repurposes this as FragmentIndex
	TotalFragments uint32 // only meaningful when Type.IsFragment()
	Quality        uint32
	Clock          uint64 // the batch's message clock
	TimestampNS    int64  // omitted on the wire when reduced
	TTL            uint8  // omitted on the wire when reduced
}

// Entry is one (key, record) pair within a Message.
type Entry struct {
	Key     string
	Type    knowledge.Type
	Clock   uint64
	Payload []byte
}

// Message is a decoded Header plus its ordered Entry sequence.
type Message struct {
	Header  Header
	Entries []Entry
}

// FragmentPayload is the decoded body of one fragment: the same Header
// (with Type.IsFragment() true) plus the raw byte slice it carries.
type FragmentPayload struct {
	Header  Header
	Payload []byte
}
