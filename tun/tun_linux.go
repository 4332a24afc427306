//go:build linux

/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package tun

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/wgtunnel/tunnel/rwcancel"
)

const (
	cloneDevicePath = "/dev/net/tun"
	ifReqSize       = unix.IFNAMSIZ + 64
	defaultMTU      = 1420
)

// NativeTun is the Linux /dev/net/tun backed implementation of Device.
// It is the same collaborator spec.md keeps opaque behind a bare
// interface everywhere else in the core pipeline; here it is finally a
// concrete thing talking to the kernel.
type NativeTun struct {
	fd                      *os.File
	fdCancel                *rwcancel.RWCancel
	index                   int32
	name                    string
	errors                  chan error
	events                  chan Event
	nopi                    bool
	netlinkSock             int
	netlinkCancel           *rwcancel.RWCancel
	hackListenerClosed      sync.Mutex
	statusListenersShutdown chan struct{}
}

func (tun *NativeTun) File() *os.File {
	return tun.fd
}

func (tun *NativeTun) Flush() error {
	return nil
}

func (tun *NativeTun) RoutineHackListener() {
	defer tun.hackListenerClosed.Unlock()
	// Needed for TUN-up detection to work across network namespaces.
	fd := int(tun.fd.Fd())
	for {
		_, err := unix.Write(fd, nil)
		switch err {
		case unix.EINVAL:
			tun.events <- EventUp
		case unix.EIO:
			tun.events <- EventDown
		default:
			return
		}
		select {
		case <-time.After(time.Second):
		case <-tun.statusListenersShutdown:
			return
		}
	}
}

func createNetlinkSocket() (int, error) {
	sock, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_ROUTE)
	if err != nil {
		return -1, err
	}
	saddr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: uint32((1 << (unix.RTNLGRP_LINK - 1)) | (1 << (unix.RTNLGRP_IPV4_IFADDR - 1)) | (1 << (unix.RTNLGRP_IPV6_IFADDR - 1))),
	}
	if err := unix.Bind(sock, saddr); err != nil {
		return -1, err
	}
	return sock, nil
}

func (tun *NativeTun) RoutineNetlinkListener() {
	defer func() {
		unix.Close(tun.netlinkSock)
		tun.hackListenerClosed.Lock()
		close(tun.events)
	}()

	for msg := make([]byte, 1<<16); ; {
		var err error
		var msgn int
		for {
			msgn, _, _, _, err = unix.Recvmsg(tun.netlinkSock, msg[:], nil, 0)
			if err == nil || !rwcancel.ErrorIsEAGAIN(err) {
				break
			}
			if !tun.netlinkCancel.ReadyRead() {
				tun.errors <- errors.New("netlink socket closed: " + err.Error())
				return
			}
		}
		if err != nil {
			tun.errors <- errors.New("failed to receive netlink message: " + err.Error())
			return
		}

		select {
		case <-tun.statusListenersShutdown:
			return
		default:
		}

		for remain := msg[:msgn]; len(remain) >= unix.SizeofNlMsghdr; {
			hdr := *(*unix.NlMsghdr)(unsafe.Pointer(&remain[0]))
			if int(hdr.Len) > len(remain) {
				break
			}

			switch hdr.Type {
			case unix.NLMSG_DONE:
				remain = []byte{}

			case unix.RTM_NEWLINK:
				info := *(*unix.IfInfomsg)(unsafe.Pointer(&remain[unix.SizeofNlMsghdr]))
				remain = remain[hdr.Len:]

				if info.Index != tun.index {
					continue
				}
				if info.Flags&unix.IFF_RUNNING != 0 {
					tun.events <- EventUp
				}
				if info.Flags&unix.IFF_RUNNING == 0 {
					tun.events <- EventDown
				}
				tun.events <- EventMTUUpdate

			default:
				remain = remain[hdr.Len:]
			}
		}
	}
}

func getDummySock() (int, error) {
	return unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
}

func getIFIndex(name string) (int32, error) {
	fd, err := getDummySock()
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)

	var ifr [ifReqSize]byte
	copy(ifr[:], name)
	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		uintptr(fd),
		uintptr(unix.SIOCGIFINDEX),
		uintptr(unsafe.Pointer(&ifr[0])),
	)
	if errno != 0 {
		return 0, errno
	}
	return int32(binary.LittleEndian.Uint32(ifr[unix.IFNAMSIZ:])), nil
}

func (tun *NativeTun) setMTU(n int) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	var ifr [ifReqSize]byte
	copy(ifr[:], tun.name)
	binary.LittleEndian.PutUint32(ifr[16:20], uint32(n))
	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		uintptr(fd),
		uintptr(unix.SIOCSIFMTU),
		uintptr(unsafe.Pointer(&ifr[0])),
	)
	if errno != 0 {
		return errors.New("failed to set MTU of TUN device")
	}
	return nil
}

func (tun *NativeTun) MTU() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)

	var ifr [ifReqSize]byte
	copy(ifr[:], tun.name)
	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		uintptr(fd),
		uintptr(unix.SIOCGIFMTU),
		uintptr(unsafe.Pointer(&ifr[0])),
	)
	if errno != 0 {
		return 0, errors.New("failed to get MTU of TUN device: " + strconv.FormatInt(int64(errno), 10))
	}

	val := binary.LittleEndian.Uint32(ifr[16:20])
	if val >= (1 << 31) {
		return int(int32(val)), nil
	}
	return int(val), nil
}

func (tun *NativeTun) Name() (string, error) {
	var ifr [ifReqSize]byte
	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		tun.fd.Fd(),
		uintptr(unix.TUNGETIFF),
		uintptr(unsafe.Pointer(&ifr[0])),
	)
	if errno != 0 {
		return "", errors.New("failed to get name of TUN device: " + strconv.FormatInt(int64(errno), 10))
	}
	nullStr := ifr[:]
	if i := bytes.IndexByte(nullStr, 0); i != -1 {
		nullStr = nullStr[:i]
	}
	tun.name = string(nullStr)
	return tun.name, nil
}

func (tun *NativeTun) Write(buff []byte, offset int) (int, error) {
	if tun.nopi {
		buff = buff[offset:]
	} else {
		buff = buff[offset-4:]
		buff[0] = 0x00
		buff[1] = 0x00
		if buff[4]>>4 == ipv6.Version {
			buff[2] = 0x86
			buff[3] = 0xdd
		} else {
			buff[2] = 0x08
			buff[3] = 0x00
		}
	}
	return tun.fd.Write(buff)
}

func (tun *NativeTun) doRead(buff []byte, offset int) (int, error) {
	select {
	case err := <-tun.errors:
		return 0, err
	default:
		if tun.nopi {
			return tun.fd.Read(buff[offset:])
		}
		buff = buff[offset-4:]
		n, err := tun.fd.Read(buff[:])
		if n < 4 {
			return 0, err
		}
		return n - 4, err
	}
}

func (tun *NativeTun) Read(buff []byte, offset int) (int, error) {
	for {
		n, err := tun.doRead(buff, offset)
		if err == nil || !rwcancel.ErrorIsEAGAIN(err) {
			return n, err
		}
		if !tun.fdCancel.ReadyRead() {
			return 0, errors.New("tun device closed")
		}
	}
}

func (tun *NativeTun) Events() chan Event {
	return tun.events
}

func (tun *NativeTun) Close() error {
	var err1 error
	if tun.statusListenersShutdown != nil {
		close(tun.statusListenersShutdown)
		if tun.netlinkCancel != nil {
			err1 = tun.netlinkCancel.Cancel()
		}
	} else if tun.events != nil {
		close(tun.events)
	}
	err2 := tun.fd.Close()
	err3 := tun.fdCancel.Cancel()

	if err1 != nil {
		return err1
	}
	if err2 != nil {
		return err2
	}
	return err3
}

// CreateTUN opens /dev/net/tun and configures a new interface named
// name (or the kernel-assigned name if name ends in a template like
// "wg%d").
func CreateTUN(name string) (Device, error) {
	nfd, err := unix.Open(cloneDevicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		return nil, err
	}
	fd := os.NewFile(uintptr(nfd), cloneDevicePath)

	var ifr [ifReqSize]byte
	var flags uint16 = unix.IFF_TUN
	nameBytes := []byte(name)
	if len(nameBytes) >= unix.IFNAMSIZ {
		return nil, errors.New("interface name too long")
	}
	copy(ifr[:], nameBytes)
	binary.LittleEndian.PutUint16(ifr[16:], flags)

	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		fd.Fd(),
		uintptr(unix.TUNSETIFF),
		uintptr(unsafe.Pointer(&ifr[0])),
	)
	if errno != 0 {
		return nil, errno
	}

	return createTUNFromFile(fd)
}

// CreateTUNFromFile adopts an already-open /dev/net/tun file descriptor,
// for the re-exec-under-foreground path where a parent process hands a
// live TUN fd down to its daemonized child.
func CreateTUNFromFile(fd *os.File) (Device, error) {
	return createTUNFromFile(fd)
}

func createTUNFromFile(fd *os.File) (Device, error) {
	tun := &NativeTun{
		fd:                      fd,
		events:                  make(chan Event, 5),
		errors:                  make(chan error, 5),
		statusListenersShutdown: make(chan struct{}),
		nopi:                    false,
	}

	var err error
	tun.fdCancel, err = rwcancel.NewRWCancel(int(fd.Fd()))
	if err != nil {
		tun.fd.Close()
		return nil, err
	}

	if _, err = tun.Name(); err != nil {
		tun.fd.Close()
		return nil, err
	}

	tun.index, err = getIFIndex(tun.name)
	if err != nil {
		return nil, err
	}

	tun.netlinkSock, err = createNetlinkSocket()
	if err != nil {
		tun.fd.Close()
		return nil, err
	}
	tun.netlinkCancel, err = rwcancel.NewRWCancel(tun.netlinkSock)
	if err != nil {
		tun.fd.Close()
		return nil, err
	}

	tun.hackListenerClosed.Lock()
	go tun.RoutineNetlinkListener()
	go tun.RoutineHackListener()

	if err := tun.setMTU(defaultMTU); err != nil {
		tun.Close()
		return nil, err
	}

	return tun, nil
}

var _ = net.FlagUp // keeps the net import referenced; nothing else in this file uses it
