package frame

import (
	"fmt"
	"math/rand"
	"sort"
)

// SampleMethod names how rows were reduced.
type SampleMethod string

const (
	SampleNone   SampleMethod = "none"
	SampleStride SampleMethod = "stride"
	SampleHead   SampleMethod = "head"
	SampleRandom SampleMethod = "random"
)

// ParseSampleMethod accepts stride, head or random.
func ParseSampleMethod(s string) (SampleMethod, error) {
	switch m := SampleMethod(s); m {
	case SampleStride, SampleHead, SampleRandom:
		return m, nil
	case "":
		return SampleStride, nil
	}
	return "", fmt.Errorf("unknown sampling method %q", s)
}

// SampleDescriptor reports original and sampled dimensions of one render.
type SampleDescriptor struct {
	OrigRows    int          `json:"orig_num_rows"`
	OrigCols    int          `json:"orig_num_cols"`
	SampledRows int          `json:"truncated_num_rows"`
	SampledCols int          `json:"truncated_num_cols"`
	Truncated   bool         `json:"truncation_applied"`
	Method      SampleMethod `json:"sampling_method"`
}

// Sample bounds f to maxRows rows and maxCols columns. Limits <= 0 are
// unlimited. Extra columns are dropped from the right; extra rows are
// reduced with method, which is deterministic for a given input and limits.
// f is never modified.
//
// A zero-row frame wider than maxCols still loses its extra columns and
// reports Truncated. The column bound wins over passing empty frames through
// unchanged, so SampledCols <= maxCols holds for every input.
func Sample(f *Frame, maxRows, maxCols int, method SampleMethod) (*Frame, SampleDescriptor) {
	desc := SampleDescriptor{
		OrigRows: f.NumRows(),
		OrigCols: f.NumCols(),
		Method:   SampleNone,
	}
	out := f
	if maxCols > 0 && f.NumCols() > maxCols {
		out = &Frame{Columns: f.Columns[:maxCols:maxCols], Index: f.Index}
		desc.Truncated = true
	}
	if maxRows > 0 && f.NumRows() > maxRows {
		if method == "" || method == SampleNone {
			method = SampleStride
		}
		out = out.Take(sampleRows(f.NumRows(), maxRows, method))
		desc.Truncated = true
		desc.Method = method
	} else if desc.Truncated {
		out = out.Clone()
	}
	desc.SampledRows = out.NumRows()
	desc.SampledCols = out.NumCols()
	return out, desc
}

func sampleRows(n, k int, method SampleMethod) []int {
	rows := make([]int, k)
	switch method {
	case SampleHead:
		for i := range rows {
			rows[i] = i
		}
	case SampleRandom:
		rng := rand.New(rand.NewSource(int64(n)*31 + int64(k)))
		rows = rng.Perm(n)[:k]
		sort.Ints(rows)
	default:
		for i := range rows {
			rows[i] = int(int64(i) * int64(n) / int64(k))
		}
	}
	return rows
}
