package mseed

import (
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog/log"
)

const (
	steimFrameSize = 64
	steimWords     = steimFrameSize / 4
)

// wordDecoder unpacks the differences held in one data word given its 2-bit
// control code.
type wordDecoder func(code uint32, word uint32, diffs []int32) ([]int32, error)

// decodeSteim integrates Steim-1/2 differences. The first frame carries the
// forward constant X0 in word 1 and the reverse constant Xn in word 2; the
// first difference is relative to the previous record and is ignored.
func decodeSteim(data []byte, order binary.ByteOrder, n int, unpack wordDecoder) ([]float64, error) {
	frames := len(data) / steimFrameSize
	if frames == 0 {
		return nil, fmt.Errorf("%w: no Steim frames", ErrCorruptData)
	}

	var (
		x0, xn int32
		diffs  = make([]int32, 0, n+8)
		err    error
	)

	for f := 0; f < frames && len(diffs) < n; f++ {
		frame := data[f*steimFrameSize : (f+1)*steimFrameSize]
		control := order.Uint32(frame)

		for w := 1; w < steimWords; w++ {
			word := order.Uint32(frame[w*4:])
			if f == 0 && w == 1 {
				x0 = int32(word)
				continue
			}
			if f == 0 && w == 2 {
				xn = int32(word)
				continue
			}

			code := (control >> (30 - 2*uint(w))) & 0x3
			if code == 0 {
				continue
			}
			if diffs, err = unpack(code, word, diffs); err != nil {
				return nil, fmt.Errorf("frame %d word %d: %w", f, w, err)
			}
		}
	}

	if len(diffs) < n {
		return nil, fmt.Errorf("%w: header says %d samples, frames hold %d", ErrCorruptData, n, len(diffs))
	}

	out := make([]float64, n)
	last := x0
	out[0] = float64(last)
	for i := 1; i < n; i++ {
		last += diffs[i]
		out[i] = float64(last)
	}

	if last != xn {
		log.Debug().Int32("last", last).Int32("xn", xn).Msg("steim reverse integration constant mismatch")
	}
	return out, nil
}

func steim1Word(code uint32, word uint32, diffs []int32) ([]int32, error) {
	switch code {
	case 1:
		return unpackBits(word, 8, 4, diffs), nil
	case 2:
		return unpackBits(word, 16, 2, diffs), nil
	case 3:
		return append(diffs, int32(word)), nil
	}
	return diffs, nil
}

func steim2Word(code uint32, word uint32, diffs []int32) ([]int32, error) {
	dnib := word >> 30
	switch code {
	case 1:
		return unpackBits(word, 8, 4, diffs), nil
	case 2:
		switch dnib {
		case 1:
			return unpackBits(word, 30, 1, diffs), nil
		case 2:
			return unpackBits(word, 15, 2, diffs), nil
		case 3:
			return unpackBits(word, 10, 3, diffs), nil
		}
	case 3:
		switch dnib {
		case 0:
			return unpackBits(word, 6, 5, diffs), nil
		case 1:
			return unpackBits(word, 5, 6, diffs), nil
		case 2:
			return unpackBits(word, 4, 7, diffs), nil
		}
	}
	return nil, fmt.Errorf("%w: Steim-2 code %d with dnib %d", ErrCorruptData, code, dnib)
}

// unpackBits extracts count sign-extended values of width bits, most
// significant first, from the low bits of word.
func unpackBits(word uint32, width, count uint, diffs []int32) []int32 {
	mask := uint32(1)<<width - 1
	shift := 32 - width
	for i := uint(0); i < count; i++ {
		v := (word >> (width * (count - 1 - i))) & mask
		diffs = append(diffs, int32(v<<shift)>>shift)
	}
	return diffs
}
