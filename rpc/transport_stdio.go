package rpc

import (
	"bufio"
	"context"
	"io"
	"sync"
)

// stdioConn adapts a newline-delimited JSON stream (stdin/stdout, a pipe,
// a TCP connection) to Conn. One JSON-RPC message per line.
type stdioConn struct {
	reader  *bufio.Reader
	writer  io.Writer
	writeMu sync.Mutex
	closer  io.Closer
}

// NewStdioConn wraps a reader/writer pair. closer may be nil.
func NewStdioConn(r io.Reader, w io.Writer, closer io.Closer) Conn {
	return &stdioConn{reader: bufio.NewReader(r), writer: w, closer: closer}
}

func (c *stdioConn) ReadMessage() ([]byte, error) {
	line, err := c.reader.ReadBytes('\n')
	if len(line) > 0 && err == io.EOF {
		return line, nil
	}
	return line, err
}

func (c *stdioConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.Write(data); err != nil {
		return err
	}
	_, err := c.writer.Write([]byte{'\n'})
	return err
}

func (c *stdioConn) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// ServeStdio runs one session over a line-delimited reader/writer pair,
// blocking until EOF or ctx cancellation.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) {
	s.Serve(ctx, NewStdioConn(r, w, nil))
}
