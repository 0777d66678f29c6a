// Package region implements the byte-exact, half-open range arithmetic used
// for range requests against a transaction's payload.
package region

import "fmt"

// Region is a half-open byte range [Offset, Offset+Size).
type Region struct {
	Offset uint64
	Size   uint64
}

// End returns the exclusive end offset of the region.
func (r Region) End() uint64 {
	return r.Offset + r.Size
}

// IsEmpty reports whether the region covers zero bytes.
func (r Region) IsEmpty() bool {
	return r.Size == 0
}

// Contains reports whether offset falls within [Offset, End).
func (r Region) Contains(offset uint64) bool {
	return offset >= r.Offset && offset < r.End()
}

// ClampTo clamps the region to fit within [0, total), per spec.md §4.3.1:
// "range_end > tx_size is treated as min(range_end, tx_size)".
func (r Region) ClampTo(total uint64) (Region, error) {
	if r.Offset >= total {
		return Region{}, fmt.Errorf("region: start %d is beyond total size %d", r.Offset, total)
	}
	end := r.End()
	if end > total {
		end = total
	}
	return Region{Offset: r.Offset, Size: end - r.Offset}, nil
}

// FromHTTPRange builds a Region from an inclusive byte-range pair (the form
// used by the HTTP Range header, "bytes=a-b"), converting to the half-open
// representation used internally.
func FromHTTPRange(startInclusive, endInclusive, total uint64) (Region, error) {
	if startInclusive > endInclusive {
		return Region{}, fmt.Errorf("region: start %d exceeds end %d", startInclusive, endInclusive)
	}
	if startInclusive >= total {
		return Region{}, fmt.Errorf("region: start %d is beyond total size %d", startInclusive, total)
	}
	end := endInclusive + 1
	if end > total {
		end = total
	}
	return Region{Offset: startInclusive, Size: end - startInclusive}, nil
}
