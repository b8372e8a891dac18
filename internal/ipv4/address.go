// Package ipv4 provides the IPv4 address arithmetic used to enumerate scan
// targets: conversion between dotted-quad text and 32-bit integers, and
// inclusive address ranges that can be iterated lazily.
package ipv4

import (
	"net/netip"
	"strings"

	"github.com/anstrom/reachscan/internal/errors"
)

// Address is an IPv4 host address held as a big-endian 32-bit integer.
type Address uint32

// FromAddr converts a netip.Addr to an Address. IPv4-mapped IPv6 addresses
// are unmapped first; any other IPv6 address is rejected.
func FromAddr(addr netip.Addr) (Address, error) {
	addr = addr.Unmap()
	if !addr.Is4() {
		return 0, errors.ErrUnsupportedAddressFamily(addr.String())
	}
	b := addr.As4()
	return Address(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])), nil
}

// Parse parses a textual address. Malformed input yields a TARGET_INVALID
// error and well-formed IPv6 yields UNSUPPORTED_ADDRESS_FAMILY.
func Parse(s string) (Address, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.WrapScanError(errors.CodeTargetInvalid, "invalid address "+s, err)
	}
	return FromAddr(addr)
}

// MustParse is like Parse but panics on error. Intended for tests and
// package-level constants.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Addr returns the address as a netip.Addr.
func (a Address) Addr() netip.Addr {
	return netip.AddrFrom4([4]byte{byte(a >> 24), byte(a >> 16), byte(a >> 8), byte(a)})
}

// String returns the dotted-quad form.
func (a Address) String() string {
	return a.Addr().String()
}

// Uint32 returns the integer form.
func (a Address) Uint32() uint32 {
	return uint32(a)
}
