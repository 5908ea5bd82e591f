// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sock

import (
	"context"
	"errors"
	"net"
	"sync"

	"go.zt.dev/ztcore/netstack"
)

// Top-level result codes, carried over verbatim from
// original_source/include/ZeroTierSockets.h's ZTS_ERR_* constants so a
// C caller sees the same numbers it always has.
const (
	ErrOK       = 0
	ErrSocket   = -1
	ErrService  = -2
	ErrArg      = -3
	ErrNoResult = -4
	ErrGeneral  = -5
)

// POSIX errno values, also carried over verbatim from ZTS_E* in
// ZeroTierSockets.h. Only the subset this package actually sets is
// named; callers expecting the full libc table can still pass these
// values through unchanged, since the numbering matches.
const (
	EPERM        = 1
	EBADF        = 9
	EAGAIN       = 11
	EWOULDBLOCK  = EAGAIN
	EACCES       = 13
	EFAULT       = 14
	EINVAL       = 22
	EMFILE       = 24
	EPIPE        = 32
	EADDRINUSE   = 98
	ENOTCONN     = 107
	ETIMEDOUT    = 110
	ECONNREFUSED = 111
)

// CallerToken is an opaque, caller-supplied key (typically scoped to
// one goroutine via context) used to look up the "thread-local errno"
// spec.md §4.G calls for. Go has no addressable OS-thread-local
// storage, so instead of faking one, every socket call already returns
// its own (n int, err error) pair; CallerToken exists purely for
// C-binding callers that still need the classic global-errno
// illusion after crossing the cgo boundary.
type CallerToken int64

var lastErrno sync.Map // map[CallerToken]int

// SetErrno records errno as the last error observed for token.
func SetErrno(token CallerToken, errno int) {
	lastErrno.Store(token, errno)
}

// Errno returns the last errno recorded for token, or 0 if none has
// been recorded yet.
func Errno(token CallerToken) int {
	v, ok := lastErrno.Load(token)
	if !ok {
		return 0
	}
	return v.(int)
}

// errnoFor maps a Go error from a gonet/netstack call onto the nearest
// POSIX errno, the same best-effort classification the teacher's own
// tailscale/net/netns and magicsock error-wrapping does at the
// syscall boundary.
func errnoFor(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.DeadlineExceeded):
		return ETIMEDOUT
	case errors.Is(err, netstack.ErrStopped):
		return ENOTCONN
	case errors.Is(err, net.ErrClosed):
		return EBADF
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ETIMEDOUT
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial":
			return ECONNREFUSED
		case "listen":
			return EADDRINUSE
		}
	}
	return EIO
}

// EIO is the errno this package falls back to when no more specific
// POSIX code applies, matching ZTS_EIO's numbering.
const EIO = 5
