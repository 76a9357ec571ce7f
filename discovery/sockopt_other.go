//go:build !unix && !windows

package discovery

import "syscall"

func enableBroadcast(syscall.RawConn) error { return nil }
