// Package mseed decodes SEED 2.4 data records (miniSEED) as delivered by
// SeedLink servers.
//
// Only what a live waveform feed needs is supported: the fixed header,
// blockettes 1000 and 1001, both byte orders and the integer, float and Steim
// compression encodings.
package mseed

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"quakeview/internal/model"
)

const (
	fixedHeaderSize   = 48
	minRecordLength   = 128
	DefaultRecordSize = 512
)

// Activity flag bits.
const (
	flagTimeCorrectionApplied = 0x02
)

// Encoding is the data encoding format from blockette 1000.
type Encoding uint8

const (
	EncodingASCII   Encoding = 0
	EncodingInt16   Encoding = 1
	EncodingInt32   Encoding = 3
	EncodingFloat32 Encoding = 4
	EncodingFloat64 Encoding = 5
	EncodingSteim1  Encoding = 10
	EncodingSteim2  Encoding = 11
)

func (e Encoding) String() string {
	switch e {
	case EncodingASCII:
		return "ASCII"
	case EncodingInt16:
		return "INT16"
	case EncodingInt32:
		return "INT32"
	case EncodingFloat32:
		return "FLOAT32"
	case EncodingFloat64:
		return "FLOAT64"
	case EncodingSteim1:
		return "STEIM1"
	case EncodingSteim2:
		return "STEIM2"
	default:
		return fmt.Sprintf("encoding(%d)", uint8(e))
	}
}

var (
	ErrShortRecord         = errors.New("record shorter than fixed header")
	ErrInvalidHeader       = errors.New("invalid fixed header")
	ErrUnsupportedEncoding = errors.New("unsupported data encoding")
	ErrCorruptData         = errors.New("corrupt data section")
)

// Header is the decoded fixed section plus the blockettes we use.
type Header struct {
	SequenceNumber string
	Quality        byte
	Network        string
	Station        string
	Location       string
	Channel        string
	StartTime      time.Time
	NumSamples     int
	SampleRate     float64
	ActivityFlags  uint8
	TimeCorrection time.Duration
	DataOffset     int
	Encoding       Encoding
	ByteOrder      binary.ByteOrder
	RecordLength   int
}

// Selector returns the channel identity of the record.
func (h Header) Selector() model.ChannelSelector {
	return model.ChannelSelector{
		Network:  h.Network,
		Station:  h.Station,
		Location: h.Location,
		Channel:  h.Channel,
	}
}

// Record is one decoded data record.
type Record struct {
	Header
	Samples []float64
}

// Trace converts the record into a pipeline trace.
func (r *Record) Trace() model.Trace {
	return model.Trace{
		Selector:     r.Selector(),
		SamplingRate: r.SampleRate,
		StartTime:    r.StartTime,
		Samples:      r.Samples,
	}
}

// Decode parses one record. buf may be longer than the record; the record
// length from blockette 1000 wins, otherwise the whole buffer is used.
func Decode(buf []byte) (*Record, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}

	if h.DataOffset < fixedHeaderSize || h.DataOffset > h.RecordLength || h.RecordLength > len(buf) {
		return nil, fmt.Errorf("%w: data offset %d, record length %d, buffer %d",
			ErrInvalidHeader, h.DataOffset, h.RecordLength, len(buf))
	}

	data := buf[h.DataOffset:h.RecordLength]
	samples, err := decodeSamples(h.Encoding, h.ByteOrder, data, h.NumSamples)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", h.Selector(), h.Encoding, err)
	}

	return &Record{Header: h, Samples: samples}, nil
}

// DecodeHeader parses the fixed header and blockettes 1000/1001.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < fixedHeaderSize {
		return Header{}, ErrShortRecord
	}

	order, err := detectByteOrder(buf)
	if err != nil {
		return Header{}, err
	}

	h := Header{
		SequenceNumber: strings.TrimSpace(string(buf[0:6])),
		Quality:        buf[6],
		Station:        field(buf[8:13]),
		Location:       field(buf[13:15]),
		Channel:        field(buf[15:18]),
		Network:        field(buf[18:20]),
		NumSamples:     int(order.Uint16(buf[30:32])),
		ActivityFlags:  buf[36],
		DataOffset:     int(order.Uint16(buf[44:46])),
		ByteOrder:      order,
		Encoding:       EncodingSteim1,
		RecordLength:   len(buf),
	}

	switch h.Quality {
	case 'D', 'R', 'Q', 'M':
	default:
		return Header{}, fmt.Errorf("%w: data quality indicator %q", ErrInvalidHeader, h.Quality)
	}

	start, err := decodeBTime(buf[20:30], order)
	if err != nil {
		return Header{}, err
	}

	factor := int16(order.Uint16(buf[32:34]))
	multiplier := int16(order.Uint16(buf[34:36]))
	h.SampleRate = sampleRate(factor, multiplier)

	h.TimeCorrection = time.Duration(int32(order.Uint32(buf[40:44]))) * 100 * time.Microsecond
	if h.ActivityFlags&flagTimeCorrectionApplied == 0 {
		start = start.Add(h.TimeCorrection)
	}

	blockettes := int(buf[39])
	next := int(order.Uint16(buf[46:48]))
	for i := 0; i < blockettes && next != 0; i++ {
		if next+4 > len(buf) {
			return Header{}, fmt.Errorf("%w: blockette at %d beyond record", ErrInvalidHeader, next)
		}
		kind := order.Uint16(buf[next:])
		following := int(order.Uint16(buf[next+2:]))

		switch kind {
		case 1000:
			if next+8 > len(buf) {
				return Header{}, fmt.Errorf("%w: truncated blockette 1000", ErrInvalidHeader)
			}
			h.Encoding = Encoding(buf[next+4])
			if buf[next+6] < 7 || buf[next+6] > 16 {
				return Header{}, fmt.Errorf("%w: record length exponent %d", ErrInvalidHeader, buf[next+6])
			}
			h.RecordLength = 1 << buf[next+6]
		case 1001:
			if next+6 > len(buf) {
				return Header{}, fmt.Errorf("%w: truncated blockette 1001", ErrInvalidHeader)
			}
			start = start.Add(time.Duration(int8(buf[next+5])) * time.Microsecond)
		}

		if following != 0 && following <= next {
			return Header{}, fmt.Errorf("%w: blockette chain loops at %d", ErrInvalidHeader, next)
		}
		next = following
	}

	h.StartTime = start
	return h, nil
}

// detectByteOrder uses the BTIME year, which is only plausible in one order.
func detectByteOrder(buf []byte) (binary.ByteOrder, error) {
	plausible := func(y uint16) bool { return y >= 1900 && y <= 2100 }
	switch {
	case plausible(binary.BigEndian.Uint16(buf[20:22])):
		return binary.BigEndian, nil
	case plausible(binary.LittleEndian.Uint16(buf[20:22])):
		return binary.LittleEndian, nil
	default:
		return nil, fmt.Errorf("%w: cannot determine byte order", ErrInvalidHeader)
	}
}

func decodeBTime(b []byte, order binary.ByteOrder) (time.Time, error) {
	year := int(order.Uint16(b[0:2]))
	day := int(order.Uint16(b[2:4]))
	hour, minute, second := int(b[4]), int(b[5]), int(b[6])
	fract := int(order.Uint16(b[8:10])) // 0.0001 s

	if day < 1 || day > 366 || hour > 23 || minute > 59 || second > 60 || fract > 9999 {
		return time.Time{}, fmt.Errorf("%w: start time %d,%03d %02d:%02d:%02d.%04d",
			ErrInvalidHeader, year, day, hour, minute, second, fract)
	}

	return time.Date(year, time.January, 1, hour, minute, second, fract*100_000, time.UTC).
		AddDate(0, 0, day-1), nil
}

// sampleRate applies the SEED factor/multiplier rules.
func sampleRate(factor, multiplier int16) float64 {
	f, m := float64(factor), float64(multiplier)
	switch {
	case factor == 0 || multiplier == 0:
		return 0
	case factor > 0 && multiplier > 0:
		return f * m
	case factor > 0 && multiplier < 0:
		return -f / m
	case factor < 0 && multiplier > 0:
		return -m / f
	default:
		return 1 / (f * m)
	}
}

func field(b []byte) string {
	return strings.TrimSpace(strings.TrimRight(string(b), "\x00"))
}

func decodeSamples(enc Encoding, order binary.ByteOrder, data []byte, n int) ([]float64, error) {
	if n == 0 {
		return []float64{}, nil
	}

	width := 0
	switch enc {
	case EncodingInt16:
		width = 2
	case EncodingInt32, EncodingFloat32:
		width = 4
	case EncodingFloat64:
		width = 8
	case EncodingSteim1:
		return decodeSteim(data, order, n, steim1Word)
	case EncodingSteim2:
		return decodeSteim(data, order, n, steim2Word)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, enc)
	}

	if len(data) < n*width {
		return nil, fmt.Errorf("%w: %d samples need %d bytes, have %d", ErrCorruptData, n, n*width, len(data))
	}

	out := make([]float64, n)
	for i := range out {
		b := data[i*width:]
		switch enc {
		case EncodingInt16:
			out[i] = float64(int16(order.Uint16(b)))
		case EncodingInt32:
			out[i] = float64(int32(order.Uint32(b)))
		case EncodingFloat32:
			out[i] = float64(math.Float32frombits(order.Uint32(b)))
		case EncodingFloat64:
			out[i] = math.Float64frombits(order.Uint64(b))
		}
	}
	return out, nil
}
