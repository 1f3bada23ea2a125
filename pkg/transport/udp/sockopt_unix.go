//go:build unix

package udp

import "syscall"

func setSockopts(c syscall.RawConn, broadcast, reuse bool) error {
    var serr error
    err := c.Control(func(fd uintptr) {
        if broadcast {
            if serr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1); serr != nil { return }
        }
        if reuse {
            serr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
        }
    })
    if err != nil { return err }
    return serr
}
