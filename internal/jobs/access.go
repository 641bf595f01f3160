package jobs

import "strings"

// Caller identifies who is asking. Authenticated users carry a UserID,
// anonymous browsers carry a SessionID; either channel grants ownership.
type Caller struct {
	UserID    string
	SessionID string
	TenantID  string
}

// hasAccess reports whether the caller owns the job: the user id matches or
// the session id matches. Both sides are normalized to trimmed strings before
// comparison so a numeric-looking id never produces a false negative. A
// non-owner is indistinguishable from a missing row; callers translate a
// false result into not-found, never forbidden.
func hasAccess(job *Job, caller Caller) bool {
	if job == nil {
		return false
	}

	callerUser := strings.TrimSpace(caller.UserID)
	if callerUser != "" && job.UserID != nil && strings.TrimSpace(*job.UserID) == callerUser {
		return true
	}

	callerSession := strings.TrimSpace(caller.SessionID)
	if callerSession != "" && job.SessionID != nil && strings.TrimSpace(*job.SessionID) == callerSession {
		return true
	}

	return false
}
