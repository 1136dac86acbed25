package frame

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	"github.com/zeebo/xxh3"
)

// Digest identifies dataset content.
type Digest string

// FingerprintEdgeRows is the number of leading and trailing rows hashed for
// frames longer than twice this value. Changing it invalidates every
// persisted fingerprint.
const FingerprintEdgeRows = 50_000

const fingerprintVersion = 2

// Fingerprint hashes the shape, column names, dtypes and cells of f.
// The index participates only when it is not the default positional one.
func Fingerprint(f *Frame) Digest {
	return fingerprint(f, nil)
}

// SourceFingerprint hashes norm, the normalized form of src, together with
// the dtypes src had before normalization. Normalization folds several
// dtypes into one storable type; frames that differ only there still get
// different digests.
func SourceFingerprint(src, norm *Frame) Digest {
	dtypes := make([]DType, len(src.Columns))
	for i, c := range src.Columns {
		dtypes[i] = c.Type
	}
	return fingerprint(norm, dtypes)
}

func fingerprint(f *Frame, source []DType) Digest {
	h := xxh3.New()
	var buf [9]byte
	n := f.NumRows()

	writeUint(h, buf[:], fingerprintVersion)
	if source != nil {
		h.Write([]byte{'S'})
		writeUint(h, buf[:], uint64(len(source)))
		for _, t := range source {
			writeString(h, buf[:], string(t))
		}
	}
	writeUint(h, buf[:], uint64(n))
	writeUint(h, buf[:], uint64(f.NumCols()))
	for _, c := range f.Columns {
		writeString(h, buf[:], c.Name)
		writeString(h, buf[:], string(c.Type))
	}

	rows := hashedRows(n)
	if !f.DefaultIndex() {
		h.Write([]byte{'I'})
		for _, r := range rows {
			writeCell(h, buf[:], f.Index[r])
		}
	}
	for _, c := range f.Columns {
		h.Write([]byte{'C'})
		for _, r := range rows {
			writeCell(h, buf[:], c.Values[r])
		}
	}
	sum := h.Sum128().Bytes()
	return Digest(hex.EncodeToString(sum[:]))
}

func hashedRows(n int) []int {
	if n <= 2*FingerprintEdgeRows {
		rows := make([]int, n)
		for i := range rows {
			rows[i] = i
		}
		return rows
	}
	rows := make([]int, 0, 2*FingerprintEdgeRows)
	for i := 0; i < FingerprintEdgeRows; i++ {
		rows = append(rows, i)
	}
	for i := n - FingerprintEdgeRows; i < n; i++ {
		rows = append(rows, i)
	}
	return rows
}

type hashWriter interface {
	Write([]byte) (int, error)
}

func writeUint(h hashWriter, buf []byte, v uint64) {
	binary.LittleEndian.PutUint64(buf[:8], v)
	h.Write(buf[:8])
}

func writeString(h hashWriter, buf []byte, s string) {
	writeUint(h, buf, uint64(len(s)))
	h.Write([]byte(s))
}

func writeCell(h hashWriter, buf []byte, v any) {
	switch t := v.(type) {
	case nil:
		h.Write([]byte{0})
	case bool:
		if t {
			h.Write([]byte{1, 1})
		} else {
			h.Write([]byte{1, 0})
		}
	case int64:
		buf[0] = 2
		binary.LittleEndian.PutUint64(buf[1:9], uint64(t))
		h.Write(buf[:9])
	case float64:
		buf[0] = 3
		binary.LittleEndian.PutUint64(buf[1:9], math.Float64bits(t))
		h.Write(buf[:9])
	case string:
		h.Write([]byte{4})
		writeString(h, buf, t)
	case time.Time:
		h.Write([]byte{5})
		writeString(h, buf, t.Format(time.RFC3339Nano))
	case time.Duration:
		buf[0] = 6
		binary.LittleEndian.PutUint64(buf[1:9], uint64(t))
		h.Write(buf[:9])
	default:
		h.Write([]byte{7})
		writeString(h, buf, stringify(v).(string))
	}
}
