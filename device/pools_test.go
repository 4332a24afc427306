/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"sync"
	"testing"
)

func TestPools(t *testing.T) {
	dev := randDevice(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				msg := dev.GetMessageBuffer()
				in := dev.GetInboundElement()
				out := dev.GetOutboundElement()
				dev.PutMessageBuffer(msg)
				dev.PutInboundElement(in)
				dev.PutOutboundElement(out)
			}
		}()
	}
	wg.Wait()
}
