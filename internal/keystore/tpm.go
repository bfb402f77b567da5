package keystore

import (
	"github.com/google/crumbles/internal/logging"
)

// DefaultTPMPCRs is the PCR set sealed keys are bound to: firmware code,
// boot manager code and secure boot state.
var DefaultTPMPCRs = []int{0, 4, 7}

// TPMConfig configures a TPMProvider.
type TPMConfig struct {
	// Dir holds one sealed key blob and one metadata sidecar per alias.
	Dir string

	// DevicePath is the TPM character device. Empty means auto-detect.
	DevicePath string

	// PCRs to seal against. Empty means DefaultTPMPCRs.
	PCRs []int

	// Authorizer gates aliases generated with RequireAuth. May be nil,
	// in which case auth-gated aliases never open.
	Authorizer Authorizer

	Logger *logging.Logger
}

func (c TPMConfig) pcrs() []int {
	if len(c.PCRs) == 0 {
		return DefaultTPMPCRs
	}
	return c.PCRs
}
