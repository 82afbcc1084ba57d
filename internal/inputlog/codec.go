package inputlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"tickreplay.dev/internal/input"
)

var ErrFormat = errors.New("inputlog: malformed replay")

// Header is the first line of a persisted replay: the recording context label
// and the tick the first recorded input belongs to.
type Header struct {
	Label     string
	StartTick int64
}

func (h Header) String() string { return h.Label + "/" + strconv.FormatInt(h.StartTick, 10) }

// Encode writes
//
//	<label>/<start-tick>
//	<sorted-codes>:<run>
//	...
func Encode(w io.Writer, h Header, l *Log) error {
	if strings.ContainsAny(h.Label, "\r\n") {
		return fmt.Errorf("%w: label %q contains a newline", ErrFormat, h.Label)
	}
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(h.String() + "\n"); err != nil {
		return err
	}
	for _, r := range l.live() {
		if _, err := fmt.Fprintf(bw, "%s:%d\n", r.Set, r.N); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Decode reads the form written by Encode. A header without "/<start-tick>"
// decodes with StartTick 0.
func Decode(r io.Reader) (Header, *Log, error) {
	var h Header
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return h, nil, err
		}
		return h, nil, fmt.Errorf("%w: missing header", ErrFormat)
	}
	first := strings.TrimRight(sc.Text(), "\r")
	if i := strings.LastIndexByte(first, '/'); i >= 0 {
		start, err := strconv.ParseInt(first[i+1:], 10, 64)
		if err != nil {
			return h, nil, fmt.Errorf("%w: header %q: %v", ErrFormat, first, err)
		}
		h.Label, h.StartTick = first[:i], start
	} else {
		h.Label = first
	}

	l := &Log{}
	line := 1
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if text == "" {
			continue
		}
		codes, count, ok := strings.Cut(text, ":")
		if !ok {
			return h, nil, fmt.Errorf("%w: line %d: missing ':'", ErrFormat, line)
		}
		// Trailing fields after the run length are ignored.
		count, _, _ = strings.Cut(count, ":")
		set, err := input.Parse(codes)
		if err != nil {
			return h, nil, fmt.Errorf("%w: line %d: %v", ErrFormat, line, err)
		}
		n, err := strconv.Atoi(count)
		if err != nil || n <= 0 {
			return h, nil, fmt.Errorf("%w: line %d: bad run length %q", ErrFormat, line, count)
		}
		l.appendN(set, n)
	}
	if err := sc.Err(); err != nil {
		return h, nil, err
	}
	return h, l, nil
}
