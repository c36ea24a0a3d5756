package mseed

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const int32DataOffset = 64

var ErrUnrepresentableRate = errors.New("sample rate cannot be expressed as factor/multiplier")

// EncodeInt32 writes a big-endian INT32 record with a blockette 1000. It is
// used to replay captured traces and to build fixtures; the header's
// encoding and byte order are ignored.
func EncodeInt32(h Header, samples []int32) ([]byte, error) {
	length := h.RecordLength
	if length == 0 {
		length = DefaultRecordSize
	}
	exp := 0
	for 1<<exp < length {
		exp++
	}
	if 1<<exp != length || length < minRecordLength {
		return nil, fmt.Errorf("record length %d is not a power of two >= %d", length, minRecordLength)
	}
	if capacity := (length - int32DataOffset) / 4; len(samples) > capacity {
		return nil, fmt.Errorf("%d samples do not fit a %d byte record (max %d)", len(samples), length, capacity)
	}

	factor, multiplier, err := rateFactors(h.SampleRate)
	if err != nil {
		return nil, err
	}

	be := binary.BigEndian
	buf := make([]byte, length)

	seq := h.SequenceNumber
	if len(seq) < 6 {
		seq = strings.Repeat("0", 6-len(seq)) + seq
	}
	copy(buf[0:6], seq)
	quality := h.Quality
	if quality == 0 {
		quality = 'D'
	}
	buf[6] = quality
	buf[7] = ' '
	copy(buf[8:13], fmt.Sprintf("%-5s", h.Station))
	copy(buf[13:15], fmt.Sprintf("%-2s", h.Location))
	copy(buf[15:18], fmt.Sprintf("%-3s", h.Channel))
	copy(buf[18:20], fmt.Sprintf("%-2s", h.Network))

	t := h.StartTime.UTC()
	be.PutUint16(buf[20:], uint16(t.Year()))
	be.PutUint16(buf[22:], uint16(t.YearDay()))
	buf[24] = byte(t.Hour())
	buf[25] = byte(t.Minute())
	buf[26] = byte(t.Second())
	be.PutUint16(buf[28:], uint16(t.Nanosecond()/int(100*time.Microsecond)))

	be.PutUint16(buf[30:], uint16(len(samples)))
	be.PutUint16(buf[32:], uint16(factor))
	be.PutUint16(buf[34:], uint16(multiplier))
	buf[36] = flagTimeCorrectionApplied
	buf[39] = 1
	be.PutUint16(buf[44:], int32DataOffset)
	be.PutUint16(buf[46:], fixedHeaderSize)

	be.PutUint16(buf[48:], 1000)
	be.PutUint16(buf[50:], 0)
	buf[52] = byte(EncodingInt32)
	buf[53] = 1 // big-endian
	buf[54] = byte(exp)

	for i, s := range samples {
		be.PutUint32(buf[int32DataOffset+4*i:], uint32(s))
	}
	return buf, nil
}

// rateFactors expresses whole rates as (rate, 1) and whole periods as
// (-period, 1).
func rateFactors(rate float64) (int16, int16, error) {
	switch {
	case rate >= 1 && rate <= math.MaxInt16 && rate == math.Trunc(rate):
		return int16(rate), 1, nil
	case rate > 0 && rate < 1 && 1/rate <= math.MaxInt16 && 1/rate == math.Trunc(1/rate):
		return int16(-1 / rate), 1, nil
	case rate == 0:
		return 0, 0, nil
	}
	return 0, 0, fmt.Errorf("%w: %v", ErrUnrepresentableRate, rate)
}
