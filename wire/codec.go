package wire

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/madara-run/madara/api"
	"github.com/madara-run/madara/knowledge"
	"github.com/madara-run/madara/pool"
)

// scratch pools the encode path's working buffers; the encoded bytes are
// copied into the returned slice before the buffer goes back, so pooled
// storage never escapes.
var scratch = pool.NewSyncPool(func() *bytes.Buffer { return new(bytes.Buffer) })

// Encode serializes msg into a full or reduced message per
// msg.Header.Type. The Size field is recomputed and overwritten to
// match the actual encoded length, so callers need not precompute it.
//
// Field order on the wire is magic, originator, type, domain (full
// header only), num_updates/fragment-index+total, quality, clock,
// timestamp_ns+ttl (full header only), entries. Type precedes domain
// because domain's presence is exactly what Type.IsReduced() decides; a
// decoder must parse Type before it can know whether to expect a domain
// field at all.
func Encode(msg Message) ([]byte, error) {
	body := scratch.Get()
	body.Reset()
	defer scratch.Put(body)

	writeString(body, MagicID)
	writeLPString(body, msg.Header.Originator)
	writeU32(body, uint32(msg.Header.Type))
	if !msg.Header.Type.IsReduced() {
		writeLPString(body, msg.Header.Domain)
	}
	if msg.Header.Type.IsFragment() {
		writeU32(body, msg.Header.NumUpdates) // fragment_index
		writeU32(body, msg.Header.TotalFragments)
	} else {
		writeU32(body, msg.Header.NumUpdates)
	}
	writeU32(body, msg.Header.Quality)
	writeU64(body, msg.Header.Clock)
	if !msg.Header.Type.IsReduced() {
		writeI64(body, msg.Header.TimestampNS)
		body.WriteByte(msg.Header.TTL)
	}

	for _, e := range msg.Entries {
		if e.Type == knowledge.Uninitialized {
			return nil, api.ContextErrorf("wire: entry %q is Uninitialized, never transmitted", e.Key)
		}
		writeLPString(body, e.Key)
		writeU32(body, uint32(e.Type))
		writeU32(body, uint32(len(e.Payload)))
		writeU64(body, e.Clock)
		body.Write(e.Payload)
	}

	full := make([]byte, 8+body.Len())
	binary.LittleEndian.PutUint64(full[:8], uint64(len(full)))
	copy(full[8:], body.Bytes())
	return full, nil
}

// EncodeFragment serializes a fragment framing header plus a raw
// payload slice, used by the Fragmenter once it has sliced an
// oversized encoded buffer. hdr.NumUpdates carries fragment_index.
func EncodeFragment(hdr Header, payload []byte) ([]byte, error) {
	body := scratch.Get()
	body.Reset()
	defer scratch.Put(body)

	writeString(body, MagicID)
	writeLPString(body, hdr.Originator)
	writeU32(body, uint32(hdr.Type))
	if !hdr.Type.IsReduced() {
		writeLPString(body, hdr.Domain)
	}
	writeU32(body, hdr.NumUpdates)
	writeU32(body, hdr.TotalFragments)
	writeU32(body, hdr.Quality)
	writeU64(body, hdr.Clock)
	if !hdr.Type.IsReduced() {
		writeI64(body, hdr.TimestampNS)
		body.WriteByte(hdr.TTL)
	}
	body.Write(payload)

	full := make([]byte, 8+body.Len())
	binary.LittleEndian.PutUint64(full[:8], uint64(len(full)))
	copy(full[8:], body.Bytes())
	return full, nil
}

// decodeHeader parses the common Header prefix (after the 8-byte size
// and magic, which the caller already consumed) and leaves r positioned
// at the start of the entries/payload region.
func decodeHeader(r *bytes.Reader) (Header, error) {
	var hdr Header
	var err error

	hdr.Originator, err = readLPString(r)
	if err != nil {
		return hdr, api.CodecErrorf("wire: originator: %v", err)
	}
	typ, err := readU32(r)
	if err != nil {
		return hdr, api.CodecErrorf("wire: type: %v", err)
	}
	hdr.Type = Type(typ)

	if !hdr.Type.IsReduced() {
		hdr.Domain, err = readLPString(r)
		if err != nil {
			return hdr, api.CodecErrorf("wire: domain: %v", err)
		}
	}

	if hdr.Type.IsFragment() {
		hdr.NumUpdates, err = readU32(r) // fragment_index
		if err != nil {
			return hdr, api.CodecErrorf("wire: fragment_index: %v", err)
		}
		hdr.TotalFragments, err = readU32(r)
		if err != nil {
			return hdr, api.CodecErrorf("wire: total_fragments: %v", err)
		}
	} else {
		hdr.NumUpdates, err = readU32(r)
		if err != nil {
			return hdr, api.CodecErrorf("wire: num_updates: %v", err)
		}
	}
	hdr.Quality, err = readU32(r)
	if err != nil {
		return hdr, api.CodecErrorf("wire: quality: %v", err)
	}
	hdr.Clock, err = readU64(r)
	if err != nil {
		return hdr, api.CodecErrorf("wire: clock: %v", err)
	}
	if !hdr.Type.IsReduced() {
		hdr.TimestampNS, err = readI64(r)
		if err != nil {
			return hdr, api.CodecErrorf("wire: timestamp_ns: %v", err)
		}
		ttl, err := r.ReadByte()
		if err != nil {
			return hdr, api.CodecErrorf("wire: ttl: %v", err)
		}
		hdr.TTL = ttl
	}
	return hdr, nil
}

// Decode parses a full (non-fragment) message. Callers check
// Header.Type.IsFragment() first and route fragments to
// DecodeFragmentPayload instead.
func Decode(buf []byte) (Message, error) {
	if len(buf) < 8 {
		return Message{}, api.CodecErrorf("wire: buffer too short for size prefix")
	}
	size := binary.LittleEndian.Uint64(buf[:8])
	if size != uint64(len(buf)) {
		return Message{}, api.CodecErrorf("wire: declared size %d does not match buffer length %d", size, len(buf))
	}
	r := bytes.NewReader(buf[8:])
	if err := skipMagic(r); err != nil {
		return Message{}, err
	}

	hdr, err := decodeHeader(r)
	if err != nil {
		return Message{}, err
	}
	if hdr.Type.IsFragment() {
		return Message{}, api.CodecErrorf("wire: Decode called on a fragment message; use DecodeFragmentPayload")
	}

	entries := make([]Entry, 0, hdr.NumUpdates)
	for r.Len() > 0 {
		e, err := decodeEntry(r)
		if err != nil {
			return Message{}, err
		}
		entries = append(entries, e)
	}
	hdr.Size = size
	return Message{Header: hdr, Entries: entries}, nil
}

// DecodeFragmentPayload decodes a fragment-framed message and returns
// its header plus raw payload bytes, for handoff to the Fragmenter's
// reassembly map.
func DecodeFragmentPayload(buf []byte) (FragmentPayload, error) {
	if len(buf) < 8 {
		return FragmentPayload{}, api.CodecErrorf("wire: fragment buffer too short")
	}
	size := binary.LittleEndian.Uint64(buf[:8])
	if size != uint64(len(buf)) {
		return FragmentPayload{}, api.CodecErrorf("wire: fragment declared size mismatch")
	}
	r := bytes.NewReader(buf[8:])
	if err := skipMagic(r); err != nil {
		return FragmentPayload{}, err
	}
	hdr, err := decodeHeader(r)
	if err != nil {
		return FragmentPayload{}, err
	}
	if !hdr.Type.IsFragment() {
		return FragmentPayload{}, api.CodecErrorf("wire: DecodeFragmentPayload called on a non-fragment message")
	}
	payload := make([]byte, r.Len())
	readFull(r, payload)
	return FragmentPayload{Header: hdr, Payload: payload}, nil
}

func skipMagic(r *bytes.Reader) error {
	magic := make([]byte, len(MagicID))
	if _, err := readFull(r, magic); err != nil {
		return api.CodecErrorf("wire: short read on magic id: %v", err)
	}
	if string(magic) != MagicID {
		return api.CodecErrorf("wire: unknown magic id %q", magic)
	}
	return nil
}

func decodeEntry(r *bytes.Reader) (Entry, error) {
	key, err := readLPString(r)
	if err != nil {
		return Entry{}, api.CodecErrorf("wire: entry key: %v", err)
	}
	typTag, err := readU32(r)
	if err != nil {
		return Entry{}, api.CodecErrorf("wire: entry type_tag: %v", err)
	}
	size, err := readU32(r)
	if err != nil {
		return Entry{}, api.CodecErrorf("wire: entry size: %v", err)
	}
	clock, err := readU64(r)
	if err != nil {
		return Entry{}, api.CodecErrorf("wire: entry clock: %v", err)
	}
	payload := make([]byte, size)
	if _, err := readFull(r, payload); err != nil {
		return Entry{}, api.CodecErrorf("wire: entry payload: %v", err)
	}
	return Entry{Key: key, Type: knowledge.Type(typTag), Clock: clock, Payload: payload}, nil
}

// EncodeRecord produces the wire payload bytes for rec, per variant.
func EncodeRecord(rec knowledge.Record) []byte {
	var buf bytes.Buffer
	switch rec.Type {
	case knowledge.Integer:
		writeI64(&buf, rec.Int())
	case knowledge.Double:
		writeU64(&buf, math.Float64bits(rec.Float()))
	case knowledge.String:
		buf.WriteString(rec.Str())
		buf.WriteByte(0)
	case knowledge.IntegerArray:
		arr := rec.IntArray()
		writeU32(&buf, uint32(len(arr)))
		for _, v := range arr {
			writeI64(&buf, v)
		}
	case knowledge.DoubleArray:
		arr := rec.DoubleArr()
		writeU32(&buf, uint32(len(arr)))
		for _, v := range arr {
			writeU64(&buf, math.Float64bits(v))
		}
	default:
		buf.Write(rec.Bytes())
	}
	return buf.Bytes()
}

// DecodeRecord rebuilds a Record from an Entry's type tag and payload.
func DecodeRecord(typ knowledge.Type, clock uint64, payload []byte) knowledge.Record {
	rec := knowledge.Record{}
	r := bytes.NewReader(payload)
	switch typ {
	case knowledge.Integer:
		v, _ := readI64(r)
		rec.SetInteger(v)
	case knowledge.Double:
		u, _ := readU64(r)
		rec.SetDouble(math.Float64frombits(u))
	case knowledge.String:
		s := string(payload)
		if n := len(s); n > 0 && s[n-1] == 0 {
			s = s[:n-1]
		}
		rec.SetString(s)
	case knowledge.IntegerArray:
		n, _ := readU32(r)
		arr := make([]int64, n)
		for i := range arr {
			arr[i], _ = readI64(r)
		}
		rec.SetIntegerArray(arr)
	case knowledge.DoubleArray:
		n, _ := readU32(r)
		arr := make([]float64, n)
		for i := range arr {
			u, _ := readU64(r)
			arr[i] = math.Float64frombits(u)
		}
		rec.SetDoubleArray(arr)
	default:
		rec.SetBinary(typ, append([]byte(nil), payload...))
	}
	rec.Clock = clock
	return rec
}

// --- primitive helpers ---

func writeString(w *bytes.Buffer, s string) { w.WriteString(s) }

func writeLPString(w *bytes.Buffer, s string) {
	writeU32(w, uint32(len(s)))
	w.WriteString(s)
}

func readLPString(r *bytes.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeU32(w *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.Write(tmp[:])
}

func writeU64(w *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.Write(tmp[:])
}

func writeI64(w *bytes.Buffer, v int64) { writeU64(w, uint64(v)) }

func readU32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := readFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(tmp[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := readFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(tmp[:]), nil
}

func readI64(r *bytes.Reader) (int64, error) {
	u, err := readU64(r)
	return int64(u), err
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
		if m == 0 {
			break
		}
	}
	return n, nil
}
