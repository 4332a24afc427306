/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

// Package rwcancel gives a blocking Read/Write on a file descriptor a way
// to be interrupted from another goroutine, for platforms without a
// native cancellable-read primitive.
package rwcancel

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type RWCancel struct {
	fd                                    int
	closingReaderPipe, closingWriterPipe int
}

func NewRWCancel(fd int) (*RWCancel, error) {
	closeReader, closeWriter, err := pipe()
	if err != nil {
		return nil, err
	}
	return &RWCancel{
		fd:                fd,
		closingReaderPipe: closeReader,
		closingWriterPipe: closeWriter,
	}, nil
}

func pipe() (reader int, writer int, err error) {
	var fds [2]int
	err = unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK)
	if err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

func (rw *RWCancel) wait(events int16) (bool, error) {
	fds := []unix.PollFd{
		{Fd: int32(rw.fd), Events: events},
		{Fd: int32(rw.closingReaderPipe), Events: unix.POLLIN},
	}

	for {
		n, err := poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			continue
		}
		break
	}

	if fds[1].Revents != 0 {
		return false, nil
	}
	return fds[0].Revents&events != 0, nil
}

// ReadyRead blocks until fd is readable or the RWCancel is cancelled.
// It returns false if cancellation won the race.
func (rw *RWCancel) ReadyRead() bool {
	ready, err := rw.wait(unix.POLLIN)
	return err == nil && ready
}

// ReadyWrite blocks until fd is writable or the RWCancel is cancelled.
func (rw *RWCancel) ReadyWrite() bool {
	ready, err := rw.wait(unix.POLLOUT)
	return err == nil && ready
}

// Cancel unblocks any goroutine currently parked in ReadyRead/ReadyWrite.
func (rw *RWCancel) Cancel() error {
	var b [1]byte
	_, err := unix.Write(rw.closingWriterPipe, b[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("failed to write to cancel pipe: %w", err)
	}
	return nil
}

// ErrorIsEAGAIN reports whether err is the platform's "would block"
// error, the signal that a Read/Write should be retried after a
// ReadyRead/ReadyWrite wait.
func ErrorIsEAGAIN(err error) bool {
	return err == unix.EAGAIN
}
