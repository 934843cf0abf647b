/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kernel

// Halt is the fatal-invariant-violation path, used instead of
// returning an error or panicking, since a panic would unwind through
// invoke's decoders and leave the BigKernelLock held. Logs at
// klog.FATAL, then spins forever; it never returns. Its one call site
// is HandleTrap's unknown-TrapKind case, which names the invariant it
// is guarding.
func (k *Kernel) Halt(reason string) {
	k.Logger.FatalfNoExit("kernel halt: %s", reason)
	for {
	}
}
