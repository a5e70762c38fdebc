package protocol

import (
	"errors"
	"strings"

	"github.com/udpchat/udpchat/pkg/ai"
	"github.com/udpchat/udpchat/pkg/session"
	"github.com/udpchat/udpchat/pkg/store"
	"github.com/udpchat/udpchat/pkg/wire"
)

// handleListMessages replies with the room's recent history in ascending
// order. Members only.
func (r *Router) handleListMessages(ctx *session.Context, p *wire.Payload) error {
	var data roomIDData
	if err := p.DecodeData(&data); err != nil {
		return err
	}
	room, _, err := r.requireMember(ctx, data.RoomID)
	if err != nil {
		return err
	}

	views, err := r.store.LastMessages(room.ID, r.historyLimit)
	if err != nil {
		return err
	}
	messages := make([]historyEntry, 0, len(views))
	for _, v := range views {
		messages = append(messages, historyEntry{
			MessageID: v.ID,
			UserID:    v.SenderUserID,
			Name:      v.SenderName,
			Content:   v.Content,
			Timestamp: v.CreatedAt,
		})
	}
	r.reply(ctx, mustPayload(wire.KindRoomHistory, roomHistoryData{
		RoomID:   room.RoomID,
		Messages: messages,
	}))
	return nil
}

// handleMessage appends a chat message and fans it out to every member
// with a live session. The sender gets no direct reply beyond the ACK;
// its own copy arrives through the broadcast.
func (r *Router) handleMessage(ctx *session.Context, p *wire.Payload) error {
	var data messageData
	if err := p.DecodeData(&data); err != nil {
		return err
	}
	content := strings.TrimSpace(data.Content)
	if content == "" {
		r.replyError(ctx, "empty message")
		return nil
	}
	room, _, err := r.requireMember(ctx, data.RoomID)
	if err != nil {
		return err
	}
	return r.PostMessage(room, ctx.UserID(), content, false)
}

// PostMessage persists a message and broadcasts it to the room. Also the
// re-entry point for AI-generated replies.
func (r *Router) PostMessage(room *store.Room, userID int64, content string, announcement bool) error {
	user, err := r.store.UserByID(userID)
	if err != nil {
		return err
	}

	msg := &store.Message{
		RoomID:         room.ID,
		UserID:         userID,
		Content:        content,
		IsAnnouncement: announcement,
	}
	if err := r.store.AppendMessage(msg); err != nil {
		return err
	}
	if err := r.store.TouchRoom(room.ID, msg.CreatedAt); err != nil {
		r.log.Warnf("touch room %s: %v", room.RoomID, err)
	}
	r.metrics.ChatMessage()

	memberIDs, err := r.store.ListMemberUserIDs(room.ID)
	if err != nil {
		return err
	}
	r.broadcast(memberIDs, mustPayload(wire.KindMessage, messageEvent{
		RoomID:         room.RoomID,
		MessageID:      msg.ID,
		UserID:         user.UserID,
		Name:           user.Name,
		Content:        content,
		Timestamp:      msg.CreatedAt,
		IsAnnouncement: announcement,
	}))
	return nil
}

// handleAIMessage queues an AI reply for the room. The caller gets only
// the ACK; the generated reply arrives as a normal MESSAGE broadcast.
func (r *Router) handleAIMessage(ctx *session.Context, p *wire.Payload) error {
	var data aiMessageData
	if err := p.DecodeData(&data); err != nil {
		return err
	}
	room, _, err := r.requireMember(ctx, data.RoomID)
	if err != nil {
		return err
	}
	if r.ai == nil {
		r.log.Debugf("AI request for room %s ignored: no backend", room.RoomID)
		return nil
	}
	requester, err := r.store.UserByID(ctx.UserID())
	if err != nil {
		return err
	}
	if err := r.ai.Submit(room, requester.Name, strings.TrimSpace(data.Content)); err != nil {
		if errors.Is(err, ai.ErrSaturated) {
			r.log.Warnf("AI request for room %s dropped: pool saturated", room.RoomID)
			r.metrics.AIDropped()
			return nil
		}
		return err
	}
	return nil
}

// handleAck settles a reliable delivery.
func (r *Router) handleAck(_ *session.Context, p *wire.Payload) error {
	var data ackData
	if err := p.DecodeData(&data); err != nil {
		return err
	}
	if data.MsgID == "" {
		return wire.ErrMalformed
	}
	r.sender.Ack(data.MsgID)
	return nil
}
