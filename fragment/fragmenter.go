// Package fragment splits an oversized encoded batch into numbered
// fragments and reassembles fragments keyed by (originator,
// message_clock) back into the full buffer.
package fragment

import "github.com/madara-run/madara/wire"

// Split slices an encoded message buffer into fragments no larger than
// maxFragmentSize, prefixing each with a fragment Header sharing hdr's
// originator/quality/clock/domain/ttl but carrying hdr.Type's
// fragment-framing variant, a fragment index, and the total count.
// A buffer that already fits in one fragment still produces exactly
// one fragment (total_fragments=1), keeping the reassembly path
// uniform regardless of size.
func Split(hdr wire.Header, encoded []byte, maxFragmentSize int) ([][]byte, error) {
	if maxFragmentSize <= 0 {
		maxFragmentSize = len(encoded)
		if maxFragmentSize == 0 {
			maxFragmentSize = 1
		}
	}
	total := (len(encoded) + maxFragmentSize - 1) / maxFragmentSize
	if total == 0 {
		total = 1
	}

	fragHdr := hdr
	if fragHdr.Type == wire.TypeReducedAssign || fragHdr.Type == wire.TypeReducedMultiAssign {
		fragHdr.Type = wire.TypeReducedFragment
	} else {
		fragHdr.Type = wire.TypeFragment
	}
	fragHdr.TotalFragments = uint32(total)

	out := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxFragmentSize
		end := start + maxFragmentSize
		if end > len(encoded) {
			end = len(encoded)
		}
		fragHdr.NumUpdates = uint32(i) // fragment_index
		buf, err := wire.EncodeFragment(fragHdr, encoded[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, buf)
	}
	return out, nil
}
