// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zt

import "go.zt.dev/ztcore/sock"

// Result and errno codes for callers that need them at this package's
// boundary without importing package sock directly, carried over
// verbatim from original_source/include/ZeroTierSockets.h per spec.md
// §4.G.
const (
	ErrOK       = sock.ErrOK
	ErrSocket   = sock.ErrSocket
	ErrService  = sock.ErrService
	ErrArg      = sock.ErrArg
	ErrNoResult = sock.ErrNoResult
	ErrGeneral  = sock.ErrGeneral
)
