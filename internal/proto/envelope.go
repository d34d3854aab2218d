package proto

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	MaxFrameSize   = 1 << 20
	TypeSniffBytes = 512
)

// ErrFrameTooLarge is returned by LineReader.Next for a line longer than
// the reader's limit. The oversized line has been consumed; the stream
// stays usable.
var ErrFrameTooLarge = errors.New("frame too large")

// EncodeLine marshals v as a single JSON object followed by '\n'.
func EncodeLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("payload too large")
	}
	return append(data, '\n'), nil
}

// WriteLine encodes v and writes the whole line to w.
func WriteLine(w io.Writer, v any) error {
	line, err := EncodeLine(v)
	if err != nil {
		return err
	}
	total := 0
	for total < len(line) {
		n, err := w.Write(line[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short write")
		}
		total += n
	}
	return nil
}

// LineReader splits a byte stream into newline-terminated frames. Partial
// frames stay buffered until their terminator arrives; several frames
// delivered in one read are returned one by one in arrival order. Blank
// lines are skipped.
type LineReader struct {
	r   *bufio.Reader
	max int
}

func NewLineReader(r io.Reader, max int) *LineReader {
	if max <= 0 {
		max = MaxFrameSize
	}
	return &LineReader{r: bufio.NewReaderSize(r, 64<<10), max: max}
}

// Next returns the next non-blank frame without its terminator. A
// trailing fragment with no terminator before EOF is discarded and
// io.EOF is returned.
func (l *LineReader) Next() ([]byte, error) {
	for {
		line, err := l.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

func (l *LineReader) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := l.r.ReadSlice('\n')
		if len(buf)+len(chunk) > l.max+1 {
			if err == nil {
				return nil, ErrFrameTooLarge
			}
			if skipErr := l.skipLine(); skipErr != nil {
				return nil, skipErr
			}
			return nil, ErrFrameTooLarge
		}
		buf = append(buf, chunk...)
		switch {
		case err == nil:
			return buf[:len(buf)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, err
		}
	}
}

func (l *LineReader) skipLine() error {
	for {
		_, err := l.r.ReadSlice('\n')
		if err == nil {
			return nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}

// PeekType returns the "type" field of a JSON frame.
func PeekType(frame []byte) (string, bool) {
	prefix := frame
	if len(prefix) > TypeSniffBytes {
		prefix = prefix[:TypeSniffBytes]
	}
	return extractType(frame, prefix)
}

func extractType(frame, prefix []byte) (string, bool) {
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &hdr); err == nil && hdr.Type != "" {
		return hdr.Type, true
	}
	needle := []byte(`"type"`)
	idx := bytes.Index(prefix, needle)
	if idx == -1 {
		return "", false
	}
	rest := prefix[idx+len(needle):]
	colon := bytes.IndexByte(rest, ':')
	if colon == -1 {
		return "", false
	}
	rest = rest[colon+1:]
	rest = bytes.TrimLeft(rest, " \t\r\n")
	if len(rest) == 0 || rest[0] != '"' {
		return "", false
	}
	rest = rest[1:]
	end := bytes.IndexByte(rest, '"')
	if end == -1 {
		return "", false
	}
	return string(rest[:end]), true
}
