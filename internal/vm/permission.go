package vm

// checkPermission takes a prospective entry's privilege bits, its U
// bit, the requested access, the effective mode, and the relevant
// MXR/SUM bits, and returns the granted privileges plus whether the
// requested access is a subset of them.
func checkPermission(entryPriv Privilege, userBit bool, access Privilege, effMode Mode, mxr, sum bool, identity Identity) (granted Privilege, ok bool) {
	granted = entryPriv
	if mxr && entryPriv&PrivExecute != 0 {
		granted |= PrivRead
	}

	effSUM := sum
	if identity == IdentityVS2 {
		// Stage-2 checks always treat the mode as U.
		effMode = ModeUser
		effSUM = false
	}

	switch effMode {
	case ModeUser, ModeVirtualUser:
		if !userBit {
			return granted, false
		}
	case ModeSupervisor, ModeVirtualSupervisor:
		if userBit {
			if !effSUM {
				return granted, false
			}
			// Privileged-architecture >= 1.11: an S-mode fetch of a
			// U-page is always denied regardless of SUM.
			if access&PrivExecute != 0 {
				return granted, false
			}
		}
	}

	return granted, access&^granted == 0
}
