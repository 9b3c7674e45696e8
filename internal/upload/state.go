package upload

import "time"

// canReset reports whether Initiate may overwrite an existing session with the same uploadId.
func canReset(s Session) error {
	switch s.Status {
	case StatusPending, StatusFailed, StatusExpired:
		return nil
	default:
		return statusError(s.Status)
	}
}

// canAssemble reports whether a completion may take the assembly lock.
// An assembling session whose last update is older than staleBefore is considered abandoned.
func canAssemble(s Session, staleBefore time.Time) error {
	switch s.Status {
	case StatusPending, StatusFailed:
		return nil
	case StatusAssembling:
		if s.UpdatedAt.Before(staleBefore) {
			return nil
		}
	}
	return statusError(s.Status)
}

func isExpirable(s Session, now, staleBefore time.Time) bool {
	return s.ExpiresAt.Before(now) && canAssemble(s, staleBefore) == nil
}
