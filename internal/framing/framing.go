// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package framing carries opaque payloads between the interactive process
and the synchronization worker over a single byte stream.

Each frame is laid out as:

	[1 byte L][L ASCII decimal digits giving N][N payload bytes]

Either side may write several frames before reading a reply.  Short
reads are normal and are retried until the frame is complete.  End of
stream at any point of a frame means the peer has gone away.
*/
package framing

import (
	"io"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrClosed is returned when the peer closed the stream.
	ErrClosed = errors.New("framing: connection closed by peer")

	// ErrMalformed is returned for a frame whose length prefix
	// cannot be decoded.  The connection must be abandoned.
	ErrMalformed = errors.New("framing: malformed length prefix")
)

const (
	// maxLengthDigits is the most digits a one byte length-of-length
	// can announce.
	maxLengthDigits = 255

	// maxFrameSize bounds the payload a reader will allocate.
	maxFrameSize = 64 << 20
)

// AppendFrame appends the framed form of payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	n := strconv.Itoa(len(payload))
	dst = append(dst, byte(len(n)))
	dst = append(dst, n...)
	return append(dst, payload...)
}

// Writer writes frames to an underlying stream.  It is safe for
// concurrent use.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame writes payload as one frame.
func (w *Writer) WriteFrame(payload []byte) error {
	buf := AppendFrame(make([]byte, 0, len(payload)+8), payload)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(buf); err != nil {
		return errors.Wrap(err, "writing frame")
	}
	return nil
}

// Reader reads frames from an underlying stream.  It is not safe for
// concurrent use.
type Reader struct {
	r   io.Reader
	hdr [maxLengthDigits]byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadFrame returns the payload of the next frame.  It returns
// ErrClosed if the stream ends at or inside a frame, and ErrMalformed
// if the length prefix is invalid or announces more than 64 MiB.
func (r *Reader) ReadFrame() ([]byte, error) {
	if err := r.readFull(r.hdr[:1]); err != nil {
		return nil, err
	}
	digits := int(r.hdr[0])
	if digits == 0 {
		return nil, ErrMalformed
	}
	lenField := r.hdr[:digits]
	if err := r.readFull(lenField); err != nil {
		return nil, err
	}
	n, err := parseLength(lenField)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if err := r.readFull(payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (r *Reader) readFull(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	_, err := io.ReadFull(r.r, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrClosed
	}
	if err != nil {
		return errors.Wrap(err, "reading frame")
	}
	return nil
}

func parseLength(b []byte) (int, error) {
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, ErrMalformed
		}
		d := int(c - '0')
		if n = n*10 + d; n > maxFrameSize {
			return 0, ErrMalformed
		}
	}
	return n, nil
}

// Conn reads and writes frames over one persistent connection.
type Conn struct {
	*Reader
	*Writer
	c io.Closer
}

func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{Reader: NewReader(rwc), Writer: NewWriter(rwc), c: rwc}
}

func (c *Conn) Close() error {
	return c.c.Close()
}
