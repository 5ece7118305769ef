// Package ipc implements the bidirectional control channel between the
// monitor and its molds/workers: a Unix socketpair carrying gob-encoded,
// length-prefixed frames, with SCM_RIGHTS ancillary data for passing open
// file descriptors between processes that are not parent and child.
package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned by Send/Recv when the peer has exited or closed its
// end. Callers must treat it as a crash notification for the peer.
var ErrClosed = errors.New("ipc: channel closed")

// maxFrame bounds a single control frame. Control traffic is tiny; the bound
// exists so a corrupted length prefix fails loudly instead of allocating.
const maxFrame = 64 << 20

// maxRights is the most descriptors a single message may carry.
const maxRights = 8

// Conn is one end of a control channel. One goroutine may send and one may
// receive concurrently; neither direction needs further locking because frame
// writes and reads are serialized per direction.
type Conn struct {
	uc *net.UnixConn

	sendMu sync.Mutex
	recvMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// Pair allocates a connected duplex channel. Either end remains usable from a
// different process after the descriptor is inherited across exec.
func Pair() (*Conn, *Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("ipc: socketpair: %w", err)
	}
	a, err := fromFd(fds[0])
	if err != nil {
		_ = unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := fromFd(fds[1])
	if err != nil {
		_ = a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

func fromFd(fd int) (*Conn, error) {
	f := os.NewFile(uintptr(fd), "ipc")
	c, err := FromFile(f)
	_ = f.Close()
	return c, err
}

// FromFile wraps an inherited socket descriptor (e.g. an ExtraFiles entry) as
// a channel end. The passed file is duplicated; the caller should close it.
func FromFile(f *os.File) (*Conn, error) {
	fc, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("ipc: fileconn: %w", err)
	}
	uc, ok := fc.(*net.UnixConn)
	if !ok {
		_ = fc.Close()
		return nil, fmt.Errorf("ipc: descriptor is not a unix socket (%T)", fc)
	}
	return &Conn{uc: uc}, nil
}

// File duplicates the underlying descriptor for inheritance via ExtraFiles.
func (c *Conn) File() (*os.File, error) {
	f, err := c.uc.File()
	if err != nil {
		return nil, fmt.Errorf("ipc: dup: %w", err)
	}
	return f, nil
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.uc.Close() })
	return c.closeErr
}

// Send serializes msg into one frame and writes it, attaching fds as
// SCM_RIGHTS ancillary data on the leading write. Attached descriptors are
// duplicated into the receiver; the sender's copies are unaffected.
func (c *Conn) Send(msg Message, fds ...int) error {
	if len(fds) > maxRights {
		return fmt.Errorf("ipc: too many descriptors attached (%d)", len(fds))
	}
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(msg); err != nil {
		return fmt.Errorf("ipc: encode %v: %w", msg.Type, err)
	}
	if payload.Len() > maxFrame {
		return fmt.Errorf("ipc: frame too large (%d bytes)", payload.Len())
	}

	frame := make([]byte, 4+payload.Len())
	binary.BigEndian.PutUint32(frame, uint32(payload.Len()))
	copy(frame[4:], payload.Bytes())

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	// The ancillary data rides on the first byte of the frame; any remainder
	// of a short write is flushed with plain writes.
	n, _, err := c.uc.WriteMsgUnix(frame, oob, nil)
	if err != nil {
		return mapClosed(err)
	}
	for n < len(frame) {
		m, werr := c.uc.Write(frame[n:])
		if werr != nil {
			return mapClosed(werr)
		}
		n += m
	}
	return nil
}

// Recv blocks until a full frame arrives and returns the decoded message plus
// any descriptors transferred with it. Received descriptors are valid, close-
// on-exec files owned by the caller. Peer exit surfaces as ErrClosed; partial
// frames are never returned.
func (c *Conn) Recv() (Message, []*os.File, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	var rights []*os.File
	var hdr [4]byte
	if err := c.readFull(hdr[:], &rights); err != nil {
		closeAll(rights)
		return Message{}, nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxFrame {
		closeAll(rights)
		return Message{}, nil, fmt.Errorf("ipc: corrupt frame header (%d bytes)", size)
	}
	payload := make([]byte, size)
	if err := c.readFull(payload, &rights); err != nil {
		closeAll(rights)
		return Message{}, nil, err
	}
	var msg Message
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&msg); err != nil {
		closeAll(rights)
		return Message{}, nil, fmt.Errorf("ipc: decode: %w", err)
	}
	return msg, rights, nil
}

// readFull reads exactly len(p) bytes, accumulating any SCM_RIGHTS payloads
// observed along the way into files.
func (c *Conn) readFull(p []byte, files *[]*os.File) error {
	oob := make([]byte, unix.CmsgSpace(maxRights*4))
	for read := 0; read < len(p); {
		n, oobn, _, _, err := c.uc.ReadMsgUnix(p[read:], oob)
		if err != nil {
			return mapClosed(err)
		}
		if n == 0 && oobn == 0 {
			return ErrClosed
		}
		if oobn > 0 {
			fs, perr := parseRights(oob[:oobn])
			if perr != nil {
				return perr
			}
			*files = append(*files, fs...)
		}
		read += n
	}
	return nil
}

func parseRights(oob []byte) ([]*os.File, error) {
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("ipc: parse control message: %w", err)
	}
	var files []*os.File
	for _, cm := range cmsgs {
		fds, err := unix.ParseUnixRights(&cm)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			files = append(files, os.NewFile(uintptr(fd), "ipc-received"))
		}
	}
	return files, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// mapClosed normalizes the many shapes of "peer went away" into ErrClosed.
func mapClosed(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return ErrClosed
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		if errors.Is(oe.Err, io.EOF) || errors.Is(oe.Err, syscall.EPIPE) || errors.Is(oe.Err, syscall.ECONNRESET) {
			return ErrClosed
		}
	}
	return err
}
