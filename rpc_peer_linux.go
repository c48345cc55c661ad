// rpc_peer_linux.go: peer credentials and thread ids on linux
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

//go:build linux

package albatross

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerCredentials reads SO_PEERCRED from a unix socket connection.
func peerCredentials(conn net.Conn) PeerCredentials {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return PeerCredentials{}
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return PeerCredentials{}
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil || credErr != nil || cred == nil {
		return PeerCredentials{}
	}
	return PeerCredentials{PID: int(cred.Pid), UID: int(cred.Uid), GID: int(cred.Gid), Known: true}
}

func currentThreadID() int {
	return unix.Gettid()
}

func currentUID() int {
	return unix.Getuid()
}
