package frame

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Mode selects how one message is delimited on the backend stream.
type Mode string

const (
	// ModeRaw writes bare bytes and treats a single read as one message.
	// This is the wire format of the file server backend.
	ModeRaw Mode = "raw"
	// ModeLine terminates every message with '\n' in both directions and
	// escapes '\\', '\n' and '\r' inside the message. Requires a backend
	// that speaks the same escaping.
	ModeLine Mode = "line"

	DefaultMode = ModeRaw

	Terminator  = '\n'
	Escape      = '\\'
	RawReadSize = 8192
)

var (
	ErrInvalidMode     = errors.New("frame: invalid mode")
	ErrInvalidEscape   = errors.New("frame: invalid escape sequence")
	ErrMessageTooLarge = errors.New("frame: message too large")
)

var escaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`)

// Limits constrains message decode memory use.
type Limits struct {
	MaxMessageBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxMessageBytes: 1024 * 1024,
	}
}

func (l Limits) withDefaults() Limits {
	if l.MaxMessageBytes <= 0 {
		return DefaultLimits()
	}
	return l
}

func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "":
		return DefaultMode, nil
	case ModeRaw:
		return ModeRaw, nil
	case ModeLine:
		return ModeLine, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

// RawLimit is the largest message a single raw read can carry.
func RawLimit(limits Limits) int {
	limits = limits.withDefaults()
	if limits.MaxMessageBytes < RawReadSize {
		return limits.MaxMessageBytes
	}
	return RawReadSize
}

// CheckMessage reports whether msg fits in one message under mode. A raw
// message longer than one peer read would be split into two commands.
func CheckMessage(mode Mode, msg string, limits Limits) error {
	limits = limits.withDefaults()
	switch mode {
	case ModeRaw:
		if len(msg) > RawLimit(limits) {
			return fmt.Errorf("%w: %d bytes, raw limit %d", ErrMessageTooLarge, len(msg), RawLimit(limits))
		}
	case ModeLine:
		if len(msg) > limits.MaxMessageBytes {
			return fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, len(msg), limits.MaxMessageBytes)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	return nil
}

// WriteMessage writes one message in a single Write call.
func WriteMessage(w io.Writer, mode Mode, msg string) error {
	var payload []byte
	switch mode {
	case ModeRaw:
		payload = []byte(msg)
	case ModeLine:
		payload = append([]byte(escaper.Replace(msg)), Terminator)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	_, err := w.Write(payload)
	return err
}

// ReadMessage reads exactly one message.
func ReadMessage(r *bufio.Reader, mode Mode, limits Limits) (string, error) {
	limits = limits.withDefaults()
	switch mode {
	case ModeRaw:
		return readRaw(r, limits)
	case ModeLine:
		line, err := readLine(r, limits)
		if err != nil {
			return "", err
		}
		msg, err := unescape(line)
		if err != nil {
			return "", err
		}
		if len(msg) > limits.MaxMessageBytes {
			return "", ErrMessageTooLarge
		}
		return msg, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
}

// readLine returns the escaped body of the next line. The limit applies to
// the escaped form.
func readLine(r *bufio.Reader, limits Limits) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice(Terminator)
		line = append(line, chunk...)
		size := len(line)
		if err == nil {
			size--
		}
		if size > 2*limits.MaxMessageBytes {
			return nil, ErrMessageTooLarge
		}
		switch {
		case err == nil:
			line = line[:len(line)-1]
			if n := len(line); n > 0 && line[n-1] == '\r' {
				line = line[:n-1]
			}
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

func unescape(line []byte) (string, error) {
	if !strings.ContainsRune(string(line), Escape) {
		return string(line), nil
	}
	var b strings.Builder
	b.Grow(len(line))
	for i := 0; i < len(line); i++ {
		c := line[i]
		if c != Escape {
			b.WriteByte(c)
			continue
		}
		i++
		if i == len(line) {
			return "", fmt.Errorf("%w: trailing backslash", ErrInvalidEscape)
		}
		switch line[i] {
		case Escape:
			b.WriteByte(Escape)
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		default:
			return "", fmt.Errorf("%w: \\%c", ErrInvalidEscape, line[i])
		}
	}
	return b.String(), nil
}

func readRaw(r *bufio.Reader, limits Limits) (string, error) {
	buf := make([]byte, RawLimit(limits))
	n, err := r.Read(buf)
	if n > 0 {
		return string(buf[:n]), nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return "", err
}
