/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package tun

import "os"

type Event int

const (
	EventUp = 1 << iota
	EventDown
	EventMTUUpdate
)

// Device is the external collaborator spec.md §1 calls the "local TUN
// interface": the device package never inspects packet contents beyond
// the IP header it needs for allowed-ips routing, and treats reading
// and writing this interface as opaque I/O.
type Device interface {
	File() *os.File                 // the device's file descriptor, for event-loop integration
	Read(b []byte, offset int) (int, error)
	Write(b []byte, offset int) (int, error)
	Flush() error           // flush any buffered writes
	MTU() (int, error)
	Name() (string, error)
	Events() chan Event // a constant channel of interface state changes
	Close() error
}
