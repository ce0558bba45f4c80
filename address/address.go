// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package address defines the address type used to identify servers.
package address

import (
	"net"
	"strings"
)

const defaultPort = "27017"

// Address identifies a server by host and port. Addresses serve as map keys
// and pinning targets throughout the driver, so comparisons go through
// Canonicalize rather than raw string equality.
type Address string

// String returns the lowercase host:port form of the address. A missing port
// is filled in with the server default.
func (a Address) String() string {
	if a == "" {
		return ""
	}
	s := strings.ToLower(string(a))
	if _, _, err := net.SplitHostPort(s); err != nil {
		if addrErr, ok := err.(*net.AddrError); ok && strings.Contains(addrErr.Err, "missing port") {
			return net.JoinHostPort(s, defaultPort)
		}
	}
	return s
}

// Canonicalize returns the address in canonical form.
func (a Address) Canonicalize() Address {
	return Address(a.String())
}
