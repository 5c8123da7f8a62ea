//go:build !unix

package blob

import "fmt"

func lockFile(_, name string) (Lease, error) {
	return nil, fmt.Errorf("%w: file leases on this platform (%s)", ErrNotImplemented, name)
}
