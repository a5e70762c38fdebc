package protocol

import (
	"crypto/subtle"
	"errors"

	"github.com/udpchat/udpchat/pkg/session"
	"github.com/udpchat/udpchat/pkg/store"
	"github.com/udpchat/udpchat/pkg/wire"
)

// handleMergeSession lets a reconnected client claim a prior session's
// user binding by proving knowledge of its key. On success the old
// session is destroyed and the current one inherits the user.
func (r *Router) handleMergeSession(ctx *session.Context, p *wire.Payload) error {
	var data mergeData
	if err := p.DecodeData(&data); err != nil {
		return err
	}
	if data.OldSessionID == "" || data.OldSessionKey == "" {
		return r.mergeFailed(ctx, "missing credentials")
	}
	if data.OldSessionID == ctx.ID() {
		return r.mergeFailed(ctx, "cannot merge a session into itself")
	}

	old, err := r.store.SessionBySID(data.OldSessionID)
	if errors.Is(err, store.ErrNotFound) {
		return r.mergeFailed(ctx, "unknown session")
	}
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(old.SessionKey), []byte(data.OldSessionKey)) != 1 {
		return r.mergeFailed(ctx, "key mismatch")
	}

	if old.UserID != 0 {
		if err := r.sessions.BindUser(ctx, old.UserID); err != nil {
			return err
		}
	}
	r.sender.DropPeer(old.SessionID)
	if err := r.sessions.Remove(old.SessionID); err != nil {
		return err
	}
	r.log.Infof("session %s merged away %s", ctx.ID(), old.SessionID)

	info, err := r.userInfoFor(ctx)
	if err != nil {
		return err
	}
	r.reply(ctx, mustPayload(wire.KindWelcome, welcomeData{User: info}))
	return nil
}

func (r *Router) mergeFailed(ctx *session.Context, message string) error {
	r.reply(ctx, mustPayload(wire.KindMergeSessionFailed, mergeFailedData{Message: message}))
	return nil
}
