package protocol

import (
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/udpchat/udpchat/pkg/session"
	"github.com/udpchat/udpchat/pkg/store"
	"github.com/udpchat/udpchat/pkg/wire"
)

// handleListRooms replies with all public rooms, most recently active
// first.
func (r *Router) handleListRooms(ctx *session.Context, _ *wire.Payload) error {
	rooms, err := r.store.ListPublicRooms()
	if err != nil {
		return err
	}
	entries := make([]roomListEntry, 0, len(rooms))
	for _, room := range rooms {
		entries = append(entries, roomListEntry{
			RoomID:       room.RoomID,
			Name:         room.Name,
			LastActiveAt: room.LastActiveAt,
		})
	}
	r.reply(ctx, mustPayload(wire.KindRoomList, roomListData{Rooms: entries}))
	return nil
}

// handleCreateRoom creates a room with the caller as its admin member.
func (r *Router) handleCreateRoom(ctx *session.Context, p *wire.Payload) error {
	var data createRoomData
	if err := p.DecodeData(&data); err != nil {
		return err
	}
	name := strings.TrimSpace(data.Name)
	if name == "" {
		r.replyError(ctx, "room name required")
		return nil
	}

	room := &store.Room{RoomID: uuid.NewString(), Name: name, IsPrivate: data.IsPrivate}
	err := r.store.CreateRoomWithAdmin(room, ctx.UserID())
	if errors.Is(err, store.ErrConflict) {
		r.replyError(ctx, "name_taken")
		return nil
	}
	if err != nil {
		return err
	}
	r.log.Infof("room %q created by user %d", name, ctx.UserID())

	r.reply(ctx, mustPayload(wire.KindRoomCreated, roomCreatedData{
		RoomID: room.RoomID,
		Name:   room.Name,
	}))
	return r.broadcastMemberJoined(room, ctx.UserID())
}

// handleJoinRoom adds the caller to a room. Rejoining is a no-op that
// still confirms with ROOM_JOINED and broadcasts nothing.
func (r *Router) handleJoinRoom(ctx *session.Context, p *wire.Payload) error {
	var data roomIDData
	if err := p.DecodeData(&data); err != nil {
		return err
	}
	room, err := r.store.RoomByRoomID(data.RoomID)
	if errors.Is(err, store.ErrNotFound) {
		r.replyError(ctx, "no such room")
		return nil
	}
	if err != nil {
		return err
	}

	joined := mustPayload(wire.KindRoomJoined, roomJoinedData{RoomID: room.RoomID, Name: room.Name})
	if _, err := r.store.GetMember(room.ID, ctx.UserID()); err == nil {
		r.reply(ctx, joined)
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	err = r.store.AddMember(&store.Member{RoomID: room.ID, UserID: ctx.UserID()})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return err
	}
	r.reply(ctx, joined)
	if err != nil {
		// Someone else inserted the row between the check and the add.
		return nil
	}
	return r.broadcastMemberJoined(room, ctx.UserID())
}

// handleLeaveRoom removes the caller from a room. Leaving a room the
// caller is not in still confirms with ROOM_LEFT, without a broadcast.
// An admin leaving hands admin to the earliest-joined remaining member.
func (r *Router) handleLeaveRoom(ctx *session.Context, p *wire.Payload) error {
	var data roomIDData
	if err := p.DecodeData(&data); err != nil {
		return err
	}
	room, err := r.store.RoomByRoomID(data.RoomID)
	if errors.Is(err, store.ErrNotFound) {
		r.replyError(ctx, "no such room")
		return nil
	}
	if err != nil {
		return err
	}

	left := mustPayload(wire.KindRoomLeft, roomLeftData{RoomID: room.RoomID})
	member, err := r.store.GetMember(room.ID, ctx.UserID())
	if errors.Is(err, store.ErrNotFound) {
		r.reply(ctx, left)
		return nil
	}
	if err != nil {
		return err
	}

	user, err := r.store.UserByID(ctx.UserID())
	if err != nil {
		return err
	}
	if err := r.store.RemoveMember(room.ID, ctx.UserID()); err != nil {
		return err
	}
	if member.IsAdmin {
		if next, err := r.store.NextAdminCandidate(room.ID); err == nil {
			if err := r.store.SetMemberAdmin(room.ID, next.UserID, true); err != nil {
				r.log.Warnf("admin handover in room %s: %v", room.RoomID, err)
			}
		}
	}
	r.reply(ctx, left)

	memberIDs, err := r.store.ListMemberUserIDs(room.ID)
	if err != nil {
		return err
	}
	r.broadcast(memberIDs, mustPayload(wire.KindMemberLeft, memberLeftData{
		RoomID:   room.RoomID,
		MemberID: user.UserID,
	}))
	return nil
}

// handleListMembers replies with the room's member list. Members only.
func (r *Router) handleListMembers(ctx *session.Context, p *wire.Payload) error {
	var data roomIDData
	if err := p.DecodeData(&data); err != nil {
		return err
	}
	room, _, err := r.requireMember(ctx, data.RoomID)
	if err != nil {
		return err
	}

	views, err := r.store.ListMembers(room.ID)
	if err != nil {
		return err
	}
	members := make([]memberInfo, 0, len(views))
	for _, v := range views {
		members = append(members, memberInfo{
			UserID:   v.UserID,
			Name:     v.Name,
			IsAdmin:  v.IsAdmin,
			JoinedAt: v.JoinedAt,
		})
	}
	r.reply(ctx, mustPayload(wire.KindRoomMembers, roomMembersData{
		RoomID:  room.RoomID,
		Members: members,
	}))
	return nil
}

// broadcastMemberJoined announces a new member to everyone in the room,
// the new member included.
func (r *Router) broadcastMemberJoined(room *store.Room, userID int64) error {
	user, err := r.store.UserByID(userID)
	if err != nil {
		return err
	}
	member, err := r.store.GetMember(room.ID, userID)
	if err != nil {
		return err
	}
	memberIDs, err := r.store.ListMemberUserIDs(room.ID)
	if err != nil {
		return err
	}
	r.broadcast(memberIDs, mustPayload(wire.KindMemberJoined, memberJoinedData{
		RoomID: room.RoomID,
		Member: memberInfo{
			UserID:   user.UserID,
			Name:     user.Name,
			IsAdmin:  member.IsAdmin,
			JoinedAt: member.JoinedAt,
		},
	}))
	return nil
}

// requireMember resolves a room and verifies the caller's membership.
func (r *Router) requireMember(ctx *session.Context, roomID string) (*store.Room, *store.Member, error) {
	room, err := r.store.RoomByRoomID(roomID)
	if err != nil {
		return nil, nil, err
	}
	member, err := r.store.GetMember(room.ID, ctx.UserID())
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrUnauthorised
	}
	if err != nil {
		return nil, nil, err
	}
	return room, member, nil
}
