/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"github.com/wgtunnel/tunnel/conn"
	"github.com/wgtunnel/tunnel/rwcancel"
)

// startRouteListener would normally watch netlink for routing-table
// changes so that a roaming peer's cached source address can be
// invalidated proactively. Source-address stickiness is an optimization
// on top of the core send/receive path spec.md describes, not a
// requirement of it, so this is the portable no-op variant rather than
// a Linux netlink socket.
func (device *Device) startRouteListener(bind conn.Bind) (*rwcancel.RWCancel, error) {
	return nil, nil
}
