package protocol

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"

	kerrors "github.com/kestrel-ml/kestrel/common/errors"
)

// Frames on a stream are a 2 byte command, a 6 digit decimal payload length
// and the JSON payload:
//
//	GE000011{"count":2}
const (
	commandLen   = 2
	lengthDigits = 6
	MaxPayload   = 999999
)

// WriteMessage writes one frame.
func WriteMessage(w io.Writer, m Message) error {
	if len(m.Command) != commandLen {
		return kerrors.NewProtocolError("command %q is not %d bytes", string(m.Command), commandLen)
	}
	if len(m.Data) > MaxPayload {
		return kerrors.NewProtocolError("%s payload of %d bytes exceeds %d", m.Command, len(m.Data), MaxPayload)
	}
	frame := make([]byte, 0, commandLen+lengthDigits+len(m.Data))
	frame = append(frame, m.Command...)
	frame = append(frame, fmt.Sprintf("%0*d", lengthDigits, len(m.Data))...)
	frame = append(frame, m.Data...)
	_, err := w.Write(frame)
	return err
}

// ReadMessage reads one frame. A bad header leaves the stream unsynchronized
// and is returned as a FatalError; io.EOF is returned as is on a clean end
// of stream.
func ReadMessage(r *bufio.Reader) (Message, error) {
	header := make([]byte, commandLen+lengthDigits)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Message{}, kerrors.NewFatalError(fmt.Errorf("truncated frame header"), kerrors.AdvisorFailureExitCode)
		}
		return Message{}, err
	}
	n, err := strconv.Atoi(string(header[commandLen:]))
	if err != nil || n < 0 {
		return Message{}, kerrors.NewFatalError(fmt.Errorf("bad frame length %q", header[commandLen:]), kerrors.AdvisorFailureExitCode)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return Message{}, kerrors.NewFatalError(fmt.Errorf("truncated %d byte payload: %v", n, err), kerrors.AdvisorFailureExitCode)
	}
	m := Message{Command: Command(header[:commandLen])}
	if n > 0 {
		m.Data = data
	}
	return m, nil
}

type streamConn struct {
	w      io.Writer
	closer io.Closer
	wmu    sync.Mutex

	in       *queue
	readErr  error
	readDone chan struct{}
	once     sync.Once
}

// NewStreamConn runs the control channel over a byte stream, e.g. a child
// process' stdio. Reading happens on a background goroutine until r ends.
// closer, if not nil, is closed by Close.
func NewStreamConn(r io.Reader, w io.Writer, closer io.Closer) Conn {
	c := &streamConn{
		w:        w,
		closer:   closer,
		in:       newQueue(),
		readDone: make(chan struct{}),
	}
	go c.readLoop(bufio.NewReader(r))
	return c
}

func (c *streamConn) readLoop(r *bufio.Reader) {
	// readDone closes before the queue so Receive sees readErr.
	defer c.in.close()
	defer close(c.readDone)
	for {
		m, err := ReadMessage(r)
		if err != nil {
			if err != io.EOF {
				log.WithFields(log.Fields{"err": err}).Error("Control stream failed")
				c.readErr = err
			}
			return
		}
		if err := c.in.push(m); err != nil {
			return
		}
	}
}

func (c *streamConn) Send(m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteMessage(c.w, m)
}

func (c *streamConn) Receive(ctx context.Context) (Message, error) {
	m, err := c.in.pop(ctx)
	if err == ErrClosed {
		select {
		case <-c.readDone:
			if c.readErr != nil {
				return Message{}, c.readErr
			}
		default:
		}
	}
	if err != nil {
		return m, err
	}
	return m, m.Validate()
}

func (c *streamConn) Close() error {
	var err error
	c.once.Do(func() {
		c.in.close()
		if c.closer != nil {
			err = c.closer.Close()
		}
	})
	return err
}
