// Package hypervisor is the FFI containment boundary between the shim and
// the actual VM-construction library. Every call into that library is
// confined here; the rest of the system sees only the Boot function and its
// tagged error. The hypervisor library itself (VM construction, vCPU/memory
// setup, device wiring, boot) is an external collaborator and is not
// implemented by this module.
package hypervisor

import (
	"context"
	"fmt"

	"github.com/banksean/bux/internal/vmconfig"
)

// Boot hands cfg to the hypervisor library to construct and boot a VM,
// blocking until the VM process exits or ctx is cancelled. A concrete
// build links a real hypervisor library here; this leaf intentionally
// returns a tagged error so callers and tests can observe the boundary
// instead of silently doing nothing.
var Boot = func(ctx context.Context, cfg vmconfig.Config) error {
	return fmt.Errorf("hypervisor: no hypervisor library linked into this build")
}
