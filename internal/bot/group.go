package bot

import (
	"context"

	"go.uber.org/zap"

	"github.com/stellarlinkco/cabot/internal/bus"
	"github.com/stellarlinkco/cabot/internal/notify"
	"github.com/stellarlinkco/cabot/internal/store"
	"github.com/stellarlinkco/cabot/internal/task"
)

// handleGroup serves the registration group. Plain chatter is ignored.
func (h *Handler) handleGroup(ctx context.Context, msg bus.InboundMessage) {
	name, _, ok := msg.Command()
	if !ok {
		return
	}
	switch name {
	case "start":
		h.startGroup(ctx, msg)
	case "register":
		h.registerGroup(ctx, msg)
	case "stats":
		h.groupStats(ctx, msg)
	case "help":
		role := task.RoleAssignee
		if p, err := h.store.GetPrincipal(ctx, msg.SenderID); err == nil {
			role = p.Role
		}
		h.reply(ctx, msg, h.fmt.Help(role, false), nil)
	}
}

// chatAdmins returns the human administrators of the chat keyed by id.
func (h *Handler) chatAdmins(ctx context.Context, chatID int64) (map[int64]notify.ChatMember, error) {
	members, err := h.gw.ChatAdministrators(ctx, chatID)
	if err != nil {
		return nil, err
	}
	admins := make(map[int64]notify.ChatMember, len(members))
	for _, m := range members {
		if m.IsAdmin && !m.IsBot {
			admins[m.ID] = m
		}
	}
	return admins, nil
}

// startGroup registers the sender. A chat administrator becomes a manager
// and, when the system has no admin yet, the admin.
func (h *Handler) startGroup(ctx context.Context, msg bus.InboundMessage) {
	admins, err := h.chatAdmins(ctx, msg.ChatID)
	if err != nil {
		h.logger.Warn("list chat administrators failed", zap.Int64("chat_id", msg.ChatID), zap.Error(err))
		admins = nil
	}
	_, isChatAdmin := admins[msg.SenderID]

	role := task.RoleAssignee
	if isChatAdmin {
		role = task.RoleManager
	}
	p, err := h.engine.RegisterPrincipal(ctx, task.Principal{
		ID:             msg.SenderID,
		DisplayName:    msg.SenderName,
		Username:       msg.SenderUsername,
		Role:           role,
		RegisteredFrom: msg.ChatID,
	})
	if err != nil {
		h.fail(ctx, msg, err)
		return
	}

	becameAdmin := false
	if isChatAdmin {
		becameAdmin, err = h.engine.BootstrapAdmin(ctx, msg.SenderID)
		if err != nil {
			h.fail(ctx, msg, err)
			return
		}
		g := task.GroupChat{ChatID: msg.ChatID, Title: msg.ChatTitle}
		if becameAdmin {
			g.AdminID = msg.SenderID
			p.Role = task.RoleAdmin
		}
		if err := h.store.UpsertGroupChat(ctx, g); err != nil {
			h.logger.Error("record group chat failed", zap.Int64("chat_id", msg.ChatID), zap.Error(err))
		}
	}
	h.logger.Info("group start",
		zap.Int64("chat_id", msg.ChatID),
		zap.Int64("principal_id", p.ID),
		zap.String("role", p.Role.String()),
		zap.Bool("became_admin", becameAdmin),
	)
	h.reply(ctx, msg, h.fmt.GroupWelcome(msg.ChatTitle, p, becameAdmin), nil)
}

// registerGroup registers every chat administrator as a manager. Only chat
// administrators may run it. Other members register themselves with /start.
func (h *Handler) registerGroup(ctx context.Context, msg bus.InboundMessage) {
	admins, err := h.chatAdmins(ctx, msg.ChatID)
	if err != nil {
		h.fail(ctx, msg, err)
		return
	}
	if _, ok := admins[msg.SenderID]; !ok {
		h.fail(ctx, msg, task.ErrUnauthorized)
		return
	}

	var managers, assignees int
	for _, m := range admins {
		_, err := h.engine.RegisterPrincipal(ctx, task.Principal{
			ID:             m.ID,
			DisplayName:    m.Name,
			Username:       m.Username,
			Role:           task.RoleManager,
			RegisteredFrom: msg.ChatID,
		})
		if err != nil {
			h.logger.Warn("register administrator failed", zap.Int64("principal_id", m.ID), zap.Error(err))
			continue
		}
		managers++
	}
	if known, err := h.store.ListPrincipals(ctx, store.PrincipalFilter{Roles: []task.Role{task.RoleAssignee}}); err == nil {
		assignees = len(known)
	}
	if err := h.store.UpsertGroupChat(ctx, task.GroupChat{ChatID: msg.ChatID, Title: msg.ChatTitle}); err != nil {
		h.logger.Error("record group chat failed", zap.Int64("chat_id", msg.ChatID), zap.Error(err))
	}
	h.reply(ctx, msg, h.fmt.Registered(managers, assignees), nil)
}

func (h *Handler) groupStats(ctx context.Context, msg bus.InboundMessage) {
	users, err := h.store.ListPrincipals(ctx, store.PrincipalFilter{})
	if err != nil {
		h.fail(ctx, msg, err)
		return
	}
	h.reply(ctx, msg, h.fmt.GroupStats(users), nil)
}
