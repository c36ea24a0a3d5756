package feed

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"quakeview/internal/model"
	"quakeview/internal/mseed"
	"quakeview/internal/utils"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	seedlinkHeaderSize = 8
	seedlinkPacketSize = seedlinkHeaderSize + mseed.DefaultRecordSize
	seedlinkInfoPrefix = "SLINFO"
)

var defaultSeedLinkConfig = Config{
	Address:      "rtserve.iris.washington.edu:18000",
	MaxSelectors: 10,
}

// SeedLinkConnector streams miniSEED records from a SeedLink v3 server.
//
// The handshake is HELLO, then STATION/SELECT/DATA per requested stream and
// finally END, after which the server sends 520-byte packets: "SL", a
// six-digit hex sequence number and one 512-byte record. INFO packets are
// skipped. Records for streams other than the requested ones are dropped
// before decoding the data section.
type SeedLinkConnector struct {
	config Config
	dialer net.Dialer
}

// NewSeedLinkConnector creates a connector. A nil cfg uses the public IRIS
// real-time server.
func NewSeedLinkConnector(cfg *Config) (*SeedLinkConnector, error) {
	if cfg == nil {
		cfg = &defaultSeedLinkConfig
	}
	c := cfg.withDefaults(defaultSeedLinkConfig)

	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return nil, fmt.Errorf("%w: address %q: %v", ErrInvalidConfig, c.Address, err)
	}

	return &SeedLinkConnector{
		config: c,
		dialer: net.Dialer{Timeout: c.HandshakeTimeout},
	}, nil
}

// SubscribeToTraces dials the server, negotiates the streams and starts
// delivering traces.
func (sc *SeedLinkConnector) SubscribeToTraces(ctx context.Context, selectors ...model.ChannelSelector) (<-chan model.Trace, error) {
	if err := utils.ValidateSelectors(selectors, sc.config.MaxSelectors); err != nil {
		return nil, err
	}

	conn, err := sc.dialer.DialContext(ctx, "tcp", sc.config.Address)
	if err != nil {
		return nil, fmt.Errorf("dial seedlink %s: %w", sc.config.Address, err)
	}

	s := &seedlinkSession{
		conn:      conn,
		reader:    bufio.NewReaderSize(conn, 4*seedlinkPacketSize),
		selectors: selectors,
		logger: log.With().
			Str("component", "seedlink").
			Str("server", sc.config.Address).
			Logger(),
	}

	if err := conn.SetDeadline(time.Now().Add(sc.config.HandshakeTimeout)); err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.handshake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("seedlink handshake: %w", err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}

	out := make(chan model.Trace, sc.config.TraceBuffer)
	go s.stream(ctx, out)

	return out, nil
}

type seedlinkSession struct {
	conn      net.Conn
	reader    *bufio.Reader
	selectors []model.ChannelSelector
	logger    zerolog.Logger
	lastSeq   int64
}

func (s *seedlinkSession) handshake() error {
	if err := s.send("HELLO"); err != nil {
		return err
	}
	software, err := s.readLine()
	if err != nil {
		return fmt.Errorf("HELLO: %w", err)
	}
	organization, err := s.readLine()
	if err != nil {
		return fmt.Errorf("HELLO: %w", err)
	}
	s.logger.Info().Str("software", software).Str("organization", organization).Msg("connected to seedlink server")

	for _, sel := range s.selectors {
		if err := s.command(fmt.Sprintf("STATION %s %s", sel.Station, sel.Network)); err != nil {
			return err
		}
		if err := s.command(fmt.Sprintf("SELECT %s%s.D", sel.Location, sel.Channel)); err != nil {
			return err
		}
		if err := s.command("DATA"); err != nil {
			return err
		}
	}

	// END has no reply; data follows immediately
	return s.send("END")
}

func (s *seedlinkSession) send(cmd string) error {
	s.logger.Debug().Str("command", cmd).Msg("seedlink command")
	_, err := io.WriteString(s.conn, cmd+"\r\n")
	return err
}

// command sends cmd and expects OK.
func (s *seedlinkSession) command(cmd string) error {
	if err := s.send(cmd); err != nil {
		return err
	}
	reply, err := s.readLine()
	if err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	switch reply {
	case "OK":
		return nil
	case "ERROR":
		return fmt.Errorf("%w: %s", ErrCommandRejected, cmd)
	default:
		return fmt.Errorf("%w to %s: %q", ErrUnexpectedResponse, cmd, reply)
	}
}

func (s *seedlinkSession) readLine() (string, error) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// stream owns out and closes it when the connection ends.
func (s *seedlinkSession) stream(ctx context.Context, out chan<- model.Trace) {
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()
	defer close(out)
	defer s.conn.Close()

	packet := make([]byte, seedlinkPacketSize)
	for {
		if _, err := io.ReadFull(s.reader, packet); err != nil {
			switch {
			case ctx.Err() != nil:
				s.logger.Info().Msg("seedlink stream stopped")
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				s.logger.Error().Err(err).Msg("seedlink server closed the stream")
			default:
				s.logger.Error().Err(err).Msg("seedlink read error")
			}
			return
		}

		tr, ok := s.parsePacket(packet)
		if !ok {
			continue
		}

		select {
		case out <- tr:
		case <-ctx.Done():
			return
		}
	}
}

func (s *seedlinkSession) parsePacket(packet []byte) (model.Trace, bool) {
	header := string(packet[:seedlinkHeaderSize])
	if strings.HasPrefix(header, seedlinkInfoPrefix) {
		return model.Trace{}, false
	}
	if !strings.HasPrefix(header, "SL") {
		s.logger.Warn().Str("header", header).Msg("packet without SL signature")
		return model.Trace{}, false
	}

	if seq, err := strconv.ParseInt(header[2:], 16, 64); err == nil {
		if s.lastSeq != 0 && seq != s.lastSeq+1 {
			s.logger.Debug().Int64("expected", s.lastSeq+1).Int64("got", seq).Msg("seedlink sequence gap")
		}
		s.lastSeq = seq
	}

	record := packet[seedlinkHeaderSize:]
	h, err := mseed.DecodeHeader(record)
	if err != nil {
		s.logger.Warn().Err(err).Msg("undecodable record header")
		return model.Trace{}, false
	}
	if !matchesAny(s.selectors, h.Selector()) {
		return model.Trace{}, false
	}

	rec, err := mseed.Decode(record)
	if err != nil {
		s.logger.Warn().Err(err).Str("selector", h.Selector().String()).Msg("undecodable record")
		return model.Trace{}, false
	}
	return rec.Trace(), true
}
