//go:build linux
// +build linux

// Copyright 2022 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tieredmem

import (
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// userfaultfd ABI, from linux/userfaultfd.h.
const (
	uffdAPIVersion uint64 = 0xAA

	uffdEventPagefault     = 0x12
	uffdPagefaultFlagWrite = 1 << 0

	uffdioRegisterModeMissing uint64 = 1 << 0

	// ioctl request numbers
	uffdioAPI        = 0xc018aa3f
	uffdioRegister   = 0xc020aa00
	uffdioUnregister = 0x8010aa01
	uffdioCopy       = 0xc028aa03
)

type uffdioAPIArgs struct {
	api      uint64
	features uint64
	ioctls   uint64
}

type uffdioRangeArgs struct {
	start uint64
	len   uint64
}

type uffdioRegisterArgs struct {
	rng    uffdioRangeArgs
	mode   uint64
	ioctls uint64
}

type uffdioCopyArgs struct {
	dst  uint64
	src  uint64
	len  uint64
	mode uint64
	copy int64
}

type uffdMsg struct {
	event     uint8
	reserved1 uint8
	reserved2 uint16
	reserved3 uint32
	pagefault struct {
		flags   uint64
		address uint64
		ptid    uint32
		pad     uint32
	}
}

// UffdSource is the userfaultfd-backed fault source. It serves one
// file descriptor for all registered ranges and resolves faults by
// copying a preallocated zero page.
type UffdSource struct {
	fd       int
	zeroPage []byte
}

// NewUffdSource opens a userfaultfd file descriptor and performs the
// API handshake. Requires Linux >= 4.3 and either CAP_SYS_PTRACE or
// /proc/sys/vm/unprivileged_userfaultfd = 1.
func NewUffdSource() (*UffdSource, error) {
	ret, _, errno := unix.Syscall(unix.SYS_USERFAULTFD,
		uintptr(unix.O_CLOEXEC|unix.O_NONBLOCK), 0, 0)
	if errno != 0 {
		return nil, errors.Wrap(errno, "userfaultfd syscall failed")
	}
	fd := int(ret)

	api := uffdioAPIArgs{api: uffdAPIVersion}
	if err := uffdIoctl(fd, uffdioAPI, unsafe.Pointer(&api)); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "UFFDIO_API handshake failed")
	}

	zeroPage, err := unix.Mmap(-1, 0, PageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "mmap of zero page failed")
	}

	log.Infof("userfaultfd initialized (fd=%d)", fd)
	return &UffdSource{fd: fd, zeroPage: zeroPage}, nil
}

func uffdIoctl(fd int, request uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (u *UffdSource) RegisterRange(addr, length uint64) error {
	reg := uffdioRegisterArgs{
		rng:  uffdioRangeArgs{start: addr, len: length},
		mode: uffdioRegisterModeMissing,
	}
	if err := uffdIoctl(u.fd, uffdioRegister, unsafe.Pointer(&reg)); err != nil {
		return errors.Wrapf(err, "UFFDIO_REGISTER failed for %#x+%d", addr, length)
	}
	return nil
}

func (u *UffdSource) UnregisterRange(addr, length uint64) error {
	rng := uffdioRangeArgs{start: addr, len: length}
	if err := uffdIoctl(u.fd, uffdioUnregister, unsafe.Pointer(&rng)); err != nil {
		return errors.Wrapf(err, "UFFDIO_UNREGISTER failed for %#x+%d", addr, length)
	}
	return nil
}

func (u *UffdSource) ReadFault(timeout time.Duration) (FaultEvent, bool, error) {
	pollFds := []unix.PollFd{{Fd: int32(u.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pollFds, int(timeout.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return FaultEvent{}, false, nil
		}
		return FaultEvent{}, false, errors.Wrap(err, "poll on userfaultfd failed")
	}
	if n == 0 {
		return FaultEvent{}, false, nil
	}
	if pollFds[0].Revents&unix.POLLERR != 0 {
		return FaultEvent{}, false, errors.New("POLLERR on userfaultfd")
	}

	var buf [unsafe.Sizeof(uffdMsg{})]byte
	nread, err := unix.Read(u.fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return FaultEvent{}, false, nil
		}
		return FaultEvent{}, false, errors.Wrap(err, "read on userfaultfd failed")
	}
	if nread != len(buf) {
		return FaultEvent{}, false, nil
	}

	msg := (*uffdMsg)(unsafe.Pointer(&buf[0]))
	if msg.event != uffdEventPagefault {
		return FaultEvent{}, false, nil
	}
	return FaultEvent{
		Addr:  msg.pagefault.address,
		Write: msg.pagefault.flags&uffdPagefaultFlagWrite != 0,
	}, true, nil
}

func (u *UffdSource) ZeroFill(pageAddr uint64) error {
	cp := uffdioCopyArgs{
		dst: pageAddr,
		src: uint64(uintptr(unsafe.Pointer(&u.zeroPage[0]))),
		len: PageSize,
	}
	if err := uffdIoctl(u.fd, uffdioCopy, unsafe.Pointer(&cp)); err != nil {
		if err == unix.EEXIST {
			return ErrPageExists
		}
		return errors.Wrapf(err, "UFFDIO_COPY failed for %#x", pageAddr)
	}
	return nil
}

func (u *UffdSource) Close() error {
	var firstErr error
	if u.zeroPage != nil {
		firstErr = unix.Munmap(u.zeroPage)
		u.zeroPage = nil
	}
	if u.fd >= 0 {
		if err := unix.Close(u.fd); err != nil && firstErr == nil {
			firstErr = err
		}
		u.fd = -1
	}
	return firstErr
}

func newPlatformFaultSource() (FaultSource, error) {
	return NewUffdSource()
}
