// Package shm backs the shared audio ring (spec §3/§4.C1/§6) with a
// real anonymous shared-memory region and carries its file descriptor
// to a client process as SCM_RIGHTS ancillary data on the control
// socket, the way a local audio server hands a client write access to
// its ring without copying samples through the kernel on every frame.
package shm

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// HeaderAlign is the alignment in bytes required for the ring header,
// per spec §6 ("64 bytes for the header, device-frame alignment for
// samples").
const HeaderAlign = 64

// Region is an anonymous, memfd-backed shared memory mapping. The
// server mmaps it read-write; the descriptor handed to a client over
// SCM_RIGHTS lets the client mmap the identical pages.
type Region struct {
	mu     sync.Mutex
	fd     int
	data   []byte
	size   int
	closed bool
}

// New creates a memfd-backed region of the given size, rounded up to
// a page multiple implicitly by mmap, and maps it into this process.
func New(name string, size int) (*Region, error) {
	fd, err := unix.MemfdCreate(name, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: ftruncate: %w", err)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: mmap: %w", err)
	}
	return &Region{fd: fd, data: data, size: size}, nil
}

// FromFD maps an existing shared-memory descriptor (received over
// SCM_RIGHTS) into this process. Used by the client-side test helper.
func FromFD(fd int, size int, writable bool) (*Region, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(fd, 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap fd %d: %w", fd, err)
	}
	return &Region{fd: fd, data: data, size: size}, nil
}

// Bytes returns the mapped region.
func (r *Region) Bytes() []byte { return r.data }

// FD returns the region's file descriptor, valid for as long as the
// region is open, for passing over SCM_RIGHTS.
func (r *Region) FD() int { return r.fd }

// Size returns the mapped size in bytes.
func (r *Region) Size() int { return r.size }

// Close unmaps the region and closes its descriptor. Safe to call
// more than once.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var err error
	if r.data != nil {
		err = unix.Munmap(r.data)
	}
	if cerr := unix.Close(r.fd); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// SendWithFDs writes frame on conn, attaching fds as SCM_RIGHTS
// ancillary data in the same syscall. Used to deliver STREAM_CONNECTED
// together with the ring descriptor and the stream's data-plane socket
// fd in one round trip, per spec §6.
func SendWithFDs(conn *net.UnixConn, frame []byte, fds ...int) error {
	oob := unix.UnixRights(fds...)
	n, oobn, err := conn.WriteMsgUnix(frame, oob, nil)
	if err != nil {
		return fmt.Errorf("shm: WriteMsgUnix: %w", err)
	}
	if n != len(frame) || oobn != len(oob) {
		return fmt.Errorf("shm: short WriteMsgUnix: wrote %d/%d bytes, %d/%d oob", n, len(frame), oobn, len(oob))
	}
	return nil
}

// SendWithFD is SendWithFDs for the common single-descriptor case.
func SendWithFD(conn *net.UnixConn, frame []byte, fd int) error {
	return SendWithFDs(conn, frame, fd)
}

// RecvWithFDs reads up to len(buf) bytes from conn along with
// whatever ancillary file descriptors were attached, in send order.
func RecvWithFDs(conn *net.UnixConn, buf []byte) (n int, fds []int, err error) {
	oob := make([]byte, unix.CmsgSpace(4*8))
	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return 0, nil, err
	}
	if oobn == 0 {
		return n, nil, nil
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return n, nil, fmt.Errorf("shm: ParseSocketControlMessage: %w", err)
	}
	for _, c := range cmsgs {
		rights, err := unix.ParseUnixRights(&c)
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	return n, fds, nil
}

// RecvWithFD reads up to len(buf) bytes from conn along with at most
// one ancillary file descriptor, returning -1 if none was attached.
func RecvWithFD(conn *net.UnixConn, buf []byte) (n int, fd int, err error) {
	n, fds, err := RecvWithFDs(conn, buf)
	if err != nil {
		return 0, -1, err
	}
	if len(fds) == 0 {
		return n, -1, nil
	}
	return n, fds[0], nil
}
