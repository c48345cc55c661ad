// rpc_peer_other.go: peer credential fallbacks for non-linux hosts
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

//go:build !linux

package albatross

import (
	"net"
	"os"
)

func peerCredentials(conn net.Conn) PeerCredentials {
	return PeerCredentials{}
}

func currentThreadID() int {
	return os.Getpid()
}

func currentUID() int {
	return os.Getuid()
}
