//go:build linux

package sock

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/udperf/internal/xfer"
)

// io_uring syscall numbers (linux/amd64). x/sys/unix has no wrapper for
// these, so they're issued directly via unix.Syscall6, same approach the
// kernel's own liburing takes when it bypasses glibc.
const (
	sysIoUringSetup    = 425
	sysIoUringEnter    = 426
	sysIoUringRegister = 427
)

// Minimal io_uring ABI surface: only the fields this driver's
// submit/reap contract actually touches (IORING_OP_RECV/IORING_OP_SEND
// over a connected or bound UDP socket, no fixed files, no provided
// buffers). Field layouts match
// include/uapi/linux/io_uring.h.

const (
	ioringOffSqRing = 0
	ioringOffCqRing = 0x8000000
	ioringOffSqes   = 0x10000000

	ioringOpRecv = 27
	ioringOpSend = 26

	ioringEnterGetevents = 1 << 0
	ioringEnterSqWakeup  = 1 << 1
	ioringSetupSqpoll    = 1 << 1
	ioringSetupAttachWq  = 1 << 5

	ioringSqNeedWakeup = 1 << 0
)

type ioSqringOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	userAddr    uint64
}

type ioCqringOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	userAddr    uint64
}

type ioUringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sq           ioSqringOffsets
	cq           ioCqringOffsets
}

type ioUringSqe struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64
	addr        uint64
	len         uint32
	opFlags     uint32
	userData    uint64
	bufIG       uint16
	personality uint16
	spliceFdIn  int32
	pad2        [2]uint64
}

type ioUringCqe struct {
	userData uint64
	res      int32
	flags    uint32
}

// SqFlushMode controls when the submission ring is flushed to the kernel.
type SqFlushMode uint8

const (
	// SqFlushTopup submits only when the ring would otherwise run empty.
	SqFlushTopup SqFlushMode = iota
	// SqFlushSyscall submits eagerly on every Submit call.
	SqFlushSyscall
)

// RingConfig configures a completion-ring I/O driver instance.
type RingConfig struct {
	// RingSize is a power of two in [16, 2048].
	RingSize int
	// SqFlush selects topup vs syscall submission flushing.
	SqFlush SqFlushMode
	// ProvidedBuffer records the provided_buffer uring_mode. Ring does
	// not read it: no buffer pool is registered with the kernel, and
	// every receive lands in the buffer passed to SubmitRecv.
	ProvidedBuffer bool
	// Sqpoll dedicates a kernel thread to poll the submission ring.
	Sqpoll bool
	// AttachWQFd, when nonzero and Sqpoll is set, attaches this ring's
	// poller to an already-running sqpoll thread owned by the ring with
	// this fd instead of spinning up a new one (sqpoll_shared).
	AttachWQFd int
}

// BufferPoolSize returns the buffer pool size mandated for a ring of
// this size: 4 * ring_size.
func (c RingConfig) BufferPoolSize() int {
	return 4 * c.RingSize
}

// ReapBurstCap returns the per-reap completion burst cap: ring_size / 4.
func (c RingConfig) ReapBurstCap() int {
	return c.RingSize / 4
}

// Validate checks RingSize is a power of two within [16, 2048].
func (c RingConfig) Validate() error {
	if c.RingSize < 16 || c.RingSize > 2048 {
		return fmt.Errorf("%w: ring_size %d out of [16, 2048]", ErrInvalidRingConfig, c.RingSize)
	}
	if c.RingSize&(c.RingSize-1) != 0 {
		return fmt.Errorf("%w: ring_size %d is not a power of two", ErrInvalidRingConfig, c.RingSize)
	}

	return nil
}

// ErrInvalidRingConfig is returned by RingConfig.Validate.
var ErrInvalidRingConfig = errors.New("sock: invalid ring configuration")

// Ring is a raw io_uring completion ring driving submit/reap for one
// socket's receive (or send) path.
type Ring struct {
	fd     int
	cfg    RingConfig
	params ioUringParams

	sqRing []byte
	cqRing []byte
	sqes   []byte

	sqHead, sqTail, sqMask, sqArray unsafe.Pointer
	cqHead, cqTail, cqMask          unsafe.Pointer
	sqFlagsPtr                      unsafe.Pointer

	mu      sync.Mutex
	pending uint32 // SQEs written since the last flush, under SqFlushTopup
}

// NewRing sets up an io_uring instance for cfg.RingSize submission and
// completion entries.
func NewRing(cfg RingConfig) (*Ring, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var params ioUringParams
	if cfg.Sqpoll {
		params.flags |= ioringSetupSqpoll
		params.sqThreadIdle = 1000

		if cfg.AttachWQFd != 0 {
			params.flags |= ioringSetupAttachWq
			params.wqFd = uint32(cfg.AttachWQFd) //nolint:gosec // fd is always a small positive integer
		}
	}

	fd, _, errno := unix.Syscall6(sysIoUringSetup,
		uintptr(cfg.RingSize), uintptr(unsafe.Pointer(&params)), //nolint:gosec // standard io_uring_setup ABI
		0, 0, 0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup: %w: %w", xfer.ErrSocketFatal, errno)
	}

	r := &Ring{fd: int(fd), cfg: cfg, params: params}

	if err := r.mapRings(); err != nil {
		_ = unix.Close(r.fd)
		return nil, err
	}

	return r, nil
}

func (r *Ring) mapRings() error {
	sqRingSize := int(r.params.sq.array) + int(r.params.sqEntries)*4
	cqRingSize := int(r.params.cq.cqes) + int(r.params.cqEntries)*int(unsafe.Sizeof(ioUringCqe{}))
	sqesSize := int(r.params.sqEntries) * int(unsafe.Sizeof(ioUringSqe{}))

	sqRing, err := unix.Mmap(r.fd, ioringOffSqRing, sqRingSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sq ring: %w", err)
	}

	cqRing, err := unix.Mmap(r.fd, ioringOffCqRing, cqRingSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		_ = unix.Munmap(sqRing)
		return fmt.Errorf("mmap cq ring: %w", err)
	}

	sqes, err := unix.Mmap(r.fd, ioringOffSqes, sqesSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		_ = unix.Munmap(sqRing)
		_ = unix.Munmap(cqRing)
		return fmt.Errorf("mmap sqes: %w", err)
	}

	r.sqRing, r.cqRing, r.sqes = sqRing, cqRing, sqes

	base := unsafe.Pointer(&sqRing[0])
	r.sqHead = unsafe.Add(base, r.params.sq.head)
	r.sqTail = unsafe.Add(base, r.params.sq.tail)
	r.sqMask = unsafe.Add(base, r.params.sq.ringMask)
	r.sqArray = unsafe.Add(base, r.params.sq.array)
	r.sqFlagsPtr = unsafe.Add(base, r.params.sq.flags)

	cbase := unsafe.Pointer(&cqRing[0])
	r.cqHead = unsafe.Add(cbase, r.params.cq.head)
	r.cqTail = unsafe.Add(cbase, r.params.cq.tail)
	r.cqMask = unsafe.Add(cbase, r.params.cq.ringMask)

	return nil
}

func (r *Ring) sqeAt(idx uint32) *ioUringSqe {
	base := unsafe.Pointer(&r.sqes[0])
	return (*ioUringSqe)(unsafe.Add(base, uintptr(idx)*unsafe.Sizeof(ioUringSqe{})))
}

// SubmitRecv enqueues a receive of up to len(buf) bytes on fd into the
// submission ring, tagged with userData for later completion matching.
func (r *Ring) SubmitRecv(fd int, buf []byte, userData uint64) error {
	return r.submit(ioringOpRecv, fd, buf, userData)
}

// SubmitSend enqueues a send of buf on fd into the submission ring.
func (r *Ring) SubmitSend(fd int, buf []byte, userData uint64) error {
	return r.submit(ioringOpSend, fd, buf, userData)
}

func (r *Ring) submit(opcode uint8, fd int, buf []byte, userData uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	mask := atomic.LoadUint32((*uint32)(r.sqMask))
	tail := atomic.LoadUint32((*uint32)(r.sqTail))
	head := atomic.LoadUint32((*uint32)(r.sqHead))

	if tail-head > mask {
		return fmt.Errorf("submit: %w", xfer.ErrTryAgain)
	}

	idx := tail & mask
	sqe := r.sqeAt(idx)
	*sqe = ioUringSqe{}
	sqe.opcode = opcode
	sqe.fd = int32(fd) //nolint:gosec // fd is always a small positive integer
	if len(buf) > 0 {
		sqe.addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}
	sqe.len = uint32(len(buf)) //nolint:gosec // bounded by the buffer pool sizing rule
	sqe.userData = userData

	arrayEntry := (*uint32)(unsafe.Add(r.sqArray, uintptr(idx)*4))
	*arrayEntry = idx

	atomic.StoreUint32((*uint32)(r.sqTail), tail+1)
	r.pending++

	if r.cfg.SqFlush == SqFlushSyscall {
		return r.flush()
	}

	return nil
}

// Flush submits any SQEs queued since the last flush. Under
// SqFlushTopup, callers call this when the ring would otherwise run
// empty (i.e. before blocking on reap); under SqFlushSyscall, submit
// already flushed eagerly and this is a no-op.
func (r *Ring) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending == 0 {
		return nil
	}

	return r.flush()
}

func (r *Ring) flush() error {
	toSubmit := r.pending
	r.pending = 0

	flags := uint32(0)
	if r.cfg.Sqpoll {
		sqFlags := atomic.LoadUint32((*uint32)(r.sqFlagsPtr))
		if sqFlags&ioringSqNeedWakeup != 0 {
			flags |= ioringEnterSqWakeup
		}
	}

	_, _, errno := unix.Syscall6(sysIoUringEnter,
		uintptr(r.fd), uintptr(toSubmit), 0, uintptr(flags), 0, 0)
	if errno != 0 {
		return fmt.Errorf("io_uring_enter submit: %w: %w", xfer.ErrSocketFatal, errno)
	}

	return nil
}

// Completion is one reaped completion queue entry.
type Completion struct {
	UserData uint64
	Result   int32
}

// Reap drains up to the ring's burst cap (ring_size/4) of completions,
// blocking for at least one if wait is true.
func (r *Ring) Reap(wait bool) ([]Completion, error) {
	if err := r.Flush(); err != nil {
		return nil, err
	}

	head := atomic.LoadUint32((*uint32)(r.cqHead))
	tail := atomic.LoadUint32((*uint32)(r.cqTail))

	if head == tail && wait {
		flags := uint32(ioringEnterGetevents)

		_, _, errno := unix.Syscall6(sysIoUringEnter,
			uintptr(r.fd), 0, 1, uintptr(flags), 0, 0)
		if errno != 0 {
			return nil, fmt.Errorf("io_uring_enter wait: %w: %w", xfer.ErrSocketFatal, errno)
		}

		tail = atomic.LoadUint32((*uint32)(r.cqTail))
	}

	mask := atomic.LoadUint32((*uint32)(r.cqMask))
	burst := r.cfg.ReapBurstCap()

	var out []Completion
	for head != tail && len(out) < burst {
		idx := head & mask
		cqesBase := unsafe.Add(unsafe.Pointer(&r.cqRing[0]), r.params.cq.cqes)
		cqe := (*ioUringCqe)(unsafe.Add(cqesBase, uintptr(idx)*unsafe.Sizeof(ioUringCqe{})))

		out = append(out, Completion{UserData: cqe.userData, Result: cqe.res})
		head++
	}

	atomic.StoreUint32((*uint32)(r.cqHead), head)

	return out, nil
}

// FD returns the io_uring instance's own fd, which a second ring can
// pass as RingConfig.AttachWQFd to share this ring's sqpoll thread.
func (r *Ring) FD() int {
	return r.fd
}

// Close tears down the ring's mmap regions and closes the io_uring fd.
func (r *Ring) Close() error {
	var errs []error

	if r.sqes != nil {
		errs = append(errs, unix.Munmap(r.sqes))
	}
	if r.cqRing != nil {
		errs = append(errs, unix.Munmap(r.cqRing))
	}
	if r.sqRing != nil {
		errs = append(errs, unix.Munmap(r.sqRing))
	}
	errs = append(errs, unix.Close(r.fd))

	return errors.Join(errs...)
}
