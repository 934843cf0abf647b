/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package invoke

import (
	"golang.org/x/time/rate"

	"github.com/capkernel/capkernel/hal"
)

// DebugThrottle rate-limits the debug console so a thread spinning on
// seL4_DebugPutChar cannot starve the kernel of time servicing the UART,
// the kernel-context counterpart of the teacher's per-connection
// ingest write throttle.
type DebugThrottle struct {
	lm *rate.Limiter
}

// NewDebugThrottle returns a throttle allowing up to bytesPerSec steady
// state with a burst of the same size, mirroring defaultBurstMultiplier
// == 1 from the ingest throttle this is grounded on.
func NewDebugThrottle(bytesPerSec int) *DebugThrottle {
	return &DebugThrottle{lm: rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)}
}

// DebugPutChar implements seL4_DebugPutChar: write b to the console
// unless the throttle's token bucket is empty, in which case the byte
// is silently dropped rather than blocking the calling thread (a debug
// aid is never allowed to introduce a scheduling dependency).
func DebugPutChar(throttle *DebugThrottle, console hal.Console, b byte) Outcome {
	if !throttle.lm.Allow() {
		return ok()
	}
	console.PutChar(b)
	return ok()
}
