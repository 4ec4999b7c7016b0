package core

import (
	"fmt"
	"time"

	"github.com/vovakirdan/roomchat-server/internal/store"
)

// BanState is the result of checking a client's ban at a given instant.
type BanState struct {
	Banned bool
	Until  time.Time
}

// CheckBan reports whether c is banned at now. A ban flag with no expiry, or
// an expiry at or before now, is treated as lapsed.
func CheckBan(c *store.Client, now time.Time) BanState {
	if !c.Banned || c.BannedUntil == nil || !now.Before(*c.BannedUntil) {
		return BanState{}
	}
	return BanState{Banned: true, Until: *c.BannedUntil}
}

// ClearLapsedBan resets a ban whose expiry has passed. It reports whether the
// record changed; calling it again is a no-op.
func ClearLapsedBan(c *store.Client, now time.Time) bool {
	if !c.Banned && c.BannedUntil == nil {
		return false
	}
	if CheckBan(c, now).Banned {
		return false
	}
	c.Banned = false
	c.BannedUntil = nil
	return true
}

// ApplyBan bans target until the given instant on behalf of actor.
func ApplyBan(actor, target *store.Client, until, now time.Time) error {
	if !actor.IsAdmin {
		return authError(ErrCodeForbidden, "only admins can ban clients")
	}
	if target.IsAdmin {
		return stateError(ErrCodeForbidden, "admins cannot be banned")
	}
	if st := CheckBan(target, now); st.Banned {
		return &CoreError{
			Kind:    KindState,
			Code:    ErrCodeAlreadyBanned,
			Message: fmt.Sprintf("client %d is already banned", target.ID),
			Until:   st.Until,
		}
	}
	if !until.After(now) {
		return stateError(ErrCodeInvalidUntil, "ban expiry must be in the future")
	}

	until = until.UTC()
	target.Banned = true
	target.BannedUntil = &until
	return nil
}

// ApplyUnban lifts the ban on target on behalf of actor.
func ApplyUnban(actor, target *store.Client) error {
	if !actor.IsAdmin {
		return authError(ErrCodeForbidden, "only admins can unban clients")
	}
	if !target.Banned {
		return stateError(ErrCodeNotBanned, fmt.Sprintf("client %d is not banned", target.ID))
	}
	target.Banned = false
	target.BannedUntil = nil
	return nil
}

func banMessage(until time.Time) string {
	return "banned until " + until.UTC().Format(time.RFC3339)
}
