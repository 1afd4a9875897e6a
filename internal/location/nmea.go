package location

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	serial "github.com/jacobsa/go-serial/serial"
)

// nominalUERE converts HDOP to an approximate horizontal accuracy in meters.
const nominalUERE = 5.0

type SerialConfig struct {
	PortName string
	BaudRate uint
}

// OpenSerial opens a GPS receiver port with 8N1 framing.
func OpenSerial(cfg SerialConfig) (io.ReadWriteCloser, error) {
	if strings.TrimSpace(cfg.PortName) == "" {
		return nil, errors.New("empty serial port name")
	}
	baud := cfg.BaudRate
	if baud == 0 {
		baud = 9600
	}
	port, err := serial.Open(serial.OpenOptions{
		PortName:              cfg.PortName,
		BaudRate:              baud,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", cfg.PortName, err)
	}
	return port, nil
}

// NMEALocator tracks RMC and GGA sentences from a receiver stream and
// serves the newest valid position.
type NMEALocator struct {
	Logger *slog.Logger

	latest   *latestFix
	nowFn    func() time.Time
	lastHDOP float64
}

func NewNMEALocator(logger *slog.Logger, now func() time.Time) *NMEALocator {
	if now == nil {
		now = time.Now
	}
	return &NMEALocator{
		Logger: logger,
		latest: newLatestFix(now),
		nowFn:  now,
	}
}

func (l *NMEALocator) Locate(ctx context.Context, maxAge time.Duration) (Fix, error) {
	fix, err := l.latest.wait(ctx, maxAge)
	if err != nil {
		return Fix{}, fmt.Errorf("gps: %w", err)
	}
	return fix, nil
}

// Run consumes sentences from r until it fails or ctx ends. Run is not safe
// for concurrent use with itself.
func (l *NMEALocator) Run(ctx context.Context, r io.Reader) error {
	lines := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		reader := bufio.NewReader(r)
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				errCh <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("gps read: %w", err)
		case line := <-lines:
			l.HandleSentence(line)
		}
	}
}

// HandleSentence parses one raw sentence. Noise and partial lines are
// dropped.
func (l *NMEALocator) HandleSentence(line string) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "$") {
		return
	}
	sentence, err := nmea.Parse(line)
	if err != nil {
		l.logger().Debug("nmea_parse_failed", slog.Any("err", err))
		return
	}

	switch sentence.DataType() {
	case nmea.TypeRMC:
		m := sentence.(nmea.RMC)
		if m.Validity != nmea.ValidRMC {
			return
		}
		l.publish(m.Latitude, m.Longitude)
	case nmea.TypeGGA:
		m := sentence.(nmea.GGA)
		if m.FixQuality == "" || m.FixQuality == nmea.Invalid {
			return
		}
		l.lastHDOP = m.HDOP
		l.publish(m.Latitude, m.Longitude)
	}
}

func (l *NMEALocator) publish(lat, lng float64) {
	if err := validateCoordinates(lat, lng); err != nil {
		return
	}
	fix := Fix{
		Latitude:     lat,
		Longitude:    lng,
		CapturedAtMs: l.nowFn().UnixMilli(),
		Provenance:   ProvenanceLive,
	}
	if l.lastHDOP > 0 {
		fix.AccuracyMeters = float64Ptr(l.lastHDOP * nominalUERE)
	}
	l.latest.set(fix)
}

func (l *NMEALocator) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}
