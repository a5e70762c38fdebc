package protocol

import (
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/udpchat/udpchat/pkg/crypto"
	"github.com/udpchat/udpchat/pkg/session"
	"github.com/udpchat/udpchat/pkg/store"
	"github.com/udpchat/udpchat/pkg/wire"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// handleHello answers liveness probes with the session's current status.
func (r *Router) handleHello(ctx *session.Context, _ *wire.Payload) error {
	return r.sendStatus(ctx)
}

// handleStatus reflects the current user binding back to the client.
func (r *Router) handleStatus(ctx *session.Context, _ *wire.Payload) error {
	return r.sendStatus(ctx)
}

func (r *Router) sendStatus(ctx *session.Context) error {
	user, err := r.userInfoFor(ctx)
	if err != nil {
		return err
	}
	r.replyDirect(ctx, mustPayload(wire.KindStatus, statusData{
		SessionID: ctx.ID(),
		User:      user,
	}))
	return nil
}

// handleLogin begins or completes a login. Accounts are created on first
// login; accounts with a password require it on every login.
func (r *Router) handleLogin(ctx *session.Context, p *wire.Payload) error {
	var data loginData
	if err := p.DecodeData(&data); err != nil {
		return err
	}
	email := strings.ToLower(strings.TrimSpace(data.Email))
	if !emailPattern.MatchString(email) {
		r.replyError(ctx, "invalid email")
		return nil
	}

	user, err := r.store.UserByEmail(email)
	switch {
	case errors.Is(err, store.ErrNotFound):
		user, err = r.createUser(email, data.Password)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if user.PasswordHash != "" {
			if data.Password == "" {
				r.reply(ctx, mustPayload(wire.KindPleaseLogin, pleaseLoginData{Email: email}))
				return nil
			}
			if !crypto.VerifyPassword(user.PasswordHash, data.Password) {
				return ErrUnauthorised
			}
		}
	}

	if err := r.sessions.BindUser(ctx, user.ID); err != nil {
		return err
	}
	r.log.Infof("session %s logged in as %s", ctx.ID(), email)

	info, err := r.userInfoFor(ctx)
	if err != nil {
		return err
	}
	r.reply(ctx, mustPayload(wire.KindWelcome, welcomeData{User: info}))
	return nil
}

func (r *Router) createUser(email, password string) (*store.User, error) {
	user := &store.User{
		UserID: uuid.NewString(),
		Name:   email[:strings.IndexByte(email, '@')],
		Email:  email,
	}
	if password != "" {
		hash, err := crypto.HashPassword(password)
		if err != nil {
			return nil, err
		}
		user.PasswordHash = hash
	}
	err := r.store.CreateUser(user)
	if errors.Is(err, store.ErrConflict) {
		// Lost a race with a concurrent first login.
		return r.store.UserByEmail(email)
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// handleLogout clears the user binding and confirms with an anonymous
// STATUS.
func (r *Router) handleLogout(ctx *session.Context, _ *wire.Payload) error {
	if err := r.sessions.ClearUser(ctx); err != nil {
		return err
	}
	r.log.Infof("session %s logged out", ctx.ID())
	return r.sendStatus(ctx)
}

// userInfoFor builds the user shape carried by WELCOME and STATUS, with
// the user's most recently active room attached.
func (r *Router) userInfoFor(ctx *session.Context) (*userInfo, error) {
	userID := ctx.UserID()
	if userID == 0 {
		return nil, nil
	}
	user, err := r.store.UserByID(userID)
	if err != nil {
		return nil, err
	}
	info := &userInfo{UserID: user.UserID, Email: user.Email, Name: user.Name}

	room, err := r.store.RoomByUser(userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return info, nil
		}
		return nil, err
	}
	info.Room = &roomRef{RoomID: room.RoomID, Name: room.Name}
	return info, nil
}
