// Package scan speaks the clamd INSTREAM protocol: the object's bytes
// are streamed as length-prefixed chunks ending with a zero-length
// terminator, and the daemon answers with a single verdict line.
package scan

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Verdict is the outcome of one scan.
type Verdict struct {
	Status    string // models.ScanClean, ScanInfected or ScanError
	Signature string // parsed signature name when infected
	Raw       string // raw reply line for the audit trail
}

const chunkSize = 64 * 1024

// Scanner holds the connection settings for a clamd instance.
type Scanner struct {
	addr    string
	timeout time.Duration
}

// NewScanner creates a Scanner for the given clamd address.
func NewScanner(addr string, timeout time.Duration) *Scanner {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Scanner{addr: addr, timeout: timeout}
}

// Scan streams r through clamd and returns the verdict. Protocol or
// connection failures return an error; an unrecognized reply line is a
// Verdict with status "error", not a Go error, because the daemon did
// answer.
func (s *Scanner) Scan(ctx context.Context, r io.Reader) (*Verdict, error) {
	dialer := net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clamd: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return nil, fmt.Errorf("failed to start instream: %w", err)
	}

	buf := make([]byte, chunkSize)
	prefix := make([]byte, 4)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			binary.BigEndian.PutUint32(prefix, uint32(n))
			if _, err := conn.Write(prefix); err != nil {
				return nil, fmt.Errorf("failed to write chunk length: %w", err)
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return nil, fmt.Errorf("failed to write chunk: %w", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("failed to read object bytes: %w", readErr)
		}
	}

	// Zero-length chunk terminates the stream.
	binary.BigEndian.PutUint32(prefix, 0)
	if _, err := conn.Write(prefix); err != nil {
		return nil, fmt.Errorf("failed to terminate instream: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\x00')
	if err != nil && reply == "" {
		return nil, fmt.Errorf("failed to read verdict: %w", err)
	}

	return ParseVerdict(reply), nil
}

// ParseVerdict interprets a clamd reply line. "...OK" means clean,
// "...<signature> FOUND" means infected, anything else is an error
// verdict.
func ParseVerdict(reply string) *Verdict {
	line := strings.TrimRight(strings.TrimSpace(reply), "\x00")
	line = strings.TrimSpace(line)

	switch {
	case strings.HasSuffix(line, "OK"):
		return &Verdict{Status: "clean", Raw: line}
	case strings.HasSuffix(line, "FOUND"):
		return &Verdict{Status: "infected", Signature: parseSignature(line), Raw: line}
	default:
		return &Verdict{Status: "error", Raw: line}
	}
}

// parseSignature pulls the signature name out of a FOUND line, which has
// the shape "stream: Eicar-Signature FOUND".
func parseSignature(line string) string {
	body := strings.TrimSuffix(line, "FOUND")
	if idx := strings.Index(body, ":"); idx >= 0 {
		body = body[idx+1:]
	}
	return strings.TrimSpace(body)
}
