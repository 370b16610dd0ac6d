package reactor

import (
	"strconv"

	"golang.org/x/sys/unix"
)

// Address is an IPv4 endpoint used only for display and bind; it carries
// no behavior of its own.
type Address struct {
	ip     string
	port   uint16
	family uint16
}

// NewAddress builds an Address for the given IPv4 host and port.
func NewAddress(ip string, port uint16) Address {
	return Address{ip: ip, port: port, family: unix.AF_INET}
}

func (a Address) IP() string     { return a.ip }
func (a Address) Port() uint16   { return a.port }
func (a Address) Family() uint16 { return a.family }
func (a Address) String() string { return a.ip + ":" + strconv.Itoa(int(a.port)) }
