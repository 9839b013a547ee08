// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Package kvdomain names the storage domains a StateKey can belong to and
// provides a demo BaseView over them. It is fixture/demo-VM plumbing: the
// core blockstm engine never inspects a StateKey's domain, only its bytes.
package kvdomain

import "fmt"

// Domain classifies a StateKey by the kind of state it addresses. This is
// convenience metadata for the demo VM and fixture loader; blockstm's
// MVHashMap treats every StateKey as opaque.
type Domain uint8

const (
	AccountsDomain   Domain = 0
	StorageDomain    Domain = 1
	CodeDomain       Domain = 2
	CommitmentDomain Domain = 3
	DomainLen        Domain = 4 // marker of enum length, not a real domain
)

func (d Domain) String() string {
	switch d {
	case AccountsDomain:
		return "accounts"
	case StorageDomain:
		return "storage"
	case CodeDomain:
		return "code"
	case CommitmentDomain:
		return "commitment"
	default:
		return "unknown domain"
	}
}

// String2Domain parses the String() form back into a Domain.
func String2Domain(in string) (Domain, error) {
	switch in {
	case "accounts":
		return AccountsDomain, nil
	case "storage":
		return StorageDomain, nil
	case "code":
		return CodeDomain, nil
	case "commitment":
		return CommitmentDomain, nil
	default:
		return DomainLen, fmt.Errorf("kvdomain: unknown domain name %q", in)
	}
}

// Key builds a StateKey-shaped string from a domain and an address/slot
// suffix, matching the "<domain>:<suffix>" convention the demo fixture
// loader and VM use to route reads.
func Key(d Domain, suffix string) string {
	return d.String() + ":" + suffix
}
