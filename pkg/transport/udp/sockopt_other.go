//go:build !unix

package udp

import "syscall"

func setSockopts(syscall.RawConn, bool, bool) error { return nil }
