package memmap

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInterrupted is returned by Build when it was stopped before the graph
// was complete.
var ErrInterrupted = errors.New("memory map build interrupted")

// AddressError reports a node whose address lies outside the virtual
// address space of the guest.
type AddressError struct {
	Name string
	Addr uint64
	End  uint64 // last valid address
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("%s: address 0x%x exceeds the address space ending at 0x%x", e.Name, e.Addr, e.End)
}
