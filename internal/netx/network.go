package netx

import (
	"io"
	"time"
)

type Addr string

type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() Addr
	SetDeadline(t time.Time) error
}

type Network interface {
	Listen(bindAddr string) (listenAddr Addr, err error)
	Accept() (Conn, error)
	Dial(addr Addr) (Conn, error)
	Close() error
}
