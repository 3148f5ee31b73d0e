package handler

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/threadline/internal/dto"
	"github.com/noah-isme/threadline/internal/middleware"
	"github.com/noah-isme/threadline/internal/models"
	"github.com/noah-isme/threadline/internal/service"
	"github.com/noah-isme/threadline/internal/utils"
)

// ConversationHandler exposes threads, messages and blocks over HTTP.
type ConversationHandler struct {
	service   service.ConversationService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewConversationHandler constructs a handler instance.
func NewConversationHandler(service service.ConversationService, validator *validator.Validate, logger zerolog.Logger) *ConversationHandler {
	return &ConversationHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "conversation_handler").Logger(),
	}
}

// Register binds the conversation routes. The router must already carry authentication.
func (h *ConversationHandler) Register(router fiber.Router) {
	threads := router.Group("/threads", middleware.RequireUser())
	threads.Get("/", h.listThreads)
	threads.Get("/search", h.searchGroups)
	threads.Post("/direct", h.openDirect)
	threads.Post("/groups", h.createGroup)
	threads.Get("/:id", h.getThread)
	threads.Patch("/:id", h.updateGroup)
	threads.Delete("/:id", h.destroyThread)
	threads.Post("/:id/accept", h.accept)
	threads.Post("/:id/reject", h.reject)
	threads.Post("/:id/leave", h.leave)
	threads.Post("/:id/rejoin", h.rejoin)
	threads.Post("/:id/members", h.addMembers)
	threads.Delete("/:id/members/:userId", h.removeMember)
	threads.Post("/:id/admins", h.promote)
	threads.Delete("/:id/admins/:userId", h.demote)
	threads.Post("/:id/owner", h.transferOwnership)
	threads.Put("/:id/flags", h.setFlag)
	threads.Post("/:id/read", h.markRead)
	threads.Post("/:id/typing", h.typing)
	threads.Post("/:id/messages", h.sendToThread)

	messages := router.Group("/messages", middleware.RequireUser())
	messages.Post("/", h.sendMessage)
	messages.Patch("/:id", h.editMessage)
	messages.Delete("/:id", h.deleteMessage)
	messages.Post("/:id/reactions", h.react)
	messages.Post("/:id/forward", h.forward)
	messages.Put("/:id/pin", h.pin)

	blocks := router.Group("/blocks", middleware.RequireUser())
	blocks.Get("/", h.listBlocks)
	blocks.Post("/", h.block)
	blocks.Delete("/:userId", h.unblock)
}

// actor returns the authenticated caller. RequireUser guarantees it is set.
func actor(c *fiber.Ctx) uint {
	userID, _ := middleware.UserID(c)
	return userID
}

func (h *ConversationHandler) decode(c *fiber.Ctx, payload interface{}) error {
	if err := c.BodyParser(payload); err != nil {
		return errors.New("invalid payload")
	}
	return h.validate(payload)
}

func (h *ConversationHandler) validate(payload interface{}) error {
	if h.validator == nil {
		return nil
	}
	return h.validator.Struct(payload)
}

func (h *ConversationHandler) listThreads(c *fiber.Ctx) error {
	limit, err := parseQueryInt(c, "limit")
	if err != nil || limit < 0 {
		return badRequest(c, "invalid limit")
	}
	offset, err := parseQueryInt(c, "offset")
	if err != nil || offset < 0 {
		return badRequest(c, "invalid offset")
	}

	threads, err := h.service.ListThreads(withRequestContext(c), actor(c), limit, offset)
	if err != nil {
		return writeServiceError(c, h.logger, err)
	}

	return utils.OK(c, threads, "threads", fiber.Map{"limit": limit, "offset": offset, "count": len(threads)})
}

func (h *ConversationHandler) searchGroups(c *fiber.Ctx) error {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		return badRequest(c, "q required")
	}

	groups, err := h.service.SearchGroups(withRequestContext(c), actor(c), query)
	if err != nil {
		return writeServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "groups", groups)
}

func (h *ConversationHandler) openDirect(c *fiber.Ctx) error {
	var payload dto.DirectThreadRequest
	if err := h.decode(c, &payload); err != nil {
		return badRequest(c, err.Error())
	}

	thread, created, err := h.service.FindOrCreateDirectThread(withRequestContext(c), actor(c), payload)
	if err != nil {
		return writeServiceError(c, h.logger, err)
	}
	if created {
		return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "thread created", thread)
	}
	return utils.SendSuccess(c, "thread", thread)
}

func (h *ConversationHandler) createGroup(c *fiber.Ctx) error {
	var payload dto.CreateGroupRequest
	if err := h.decode(c, &payload); err != nil {
		return badRequest(c, err.Error())
	}

	thread, err := h.service.CreateGroup(withRequestContext(c), actor(c), payload)
	if err != nil {
		return writeServiceError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "group created", thread)
}

func (h *ConversationHandler) getThread(c *fiber.Ctx) error {
	threadID, err := parseUintParamValue(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	var query dto.HistoryQuery
	if err := c.QueryParser(&query); err != nil {
		return badRequest(c, "invalid history query")
	}
	if err := h.validate(query); err != nil {
		return badRequest(c, err.Error())
	}

	detail, err := h.service.GetThread(withRequestContext(c), actor(c), threadID, query)
	if err != nil {
		return writeServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "thread", detail)
}

func (h *ConversationHandler) updateGroup(c *fiber.Ctx) error {
	threadID, err := parseUintParamValue(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	var payload dto.UpdateGroupRequest
	if err := h.decode(c, &payload); err != nil {
		return badRequest(c, err.Error())
	}

	thread, err := h.service.UpdateGroup(withRequestContext(c), actor(c), threadID, payload)
	if err != nil {
		return writeServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "group updated", thread)
}

func (h *ConversationHandler) destroyThread(c *fiber.Ctx) error {
	threadID, err := parseUintParamValue(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	if err := h.service.DestroyThread(withRequestContext(c), actor(c), threadID); err != nil {
		return writeServiceError(c, h.logger, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// threadTransition runs a state change that returns the updated thread.
func (h *ConversationHandler) threadTransition(c *fiber.Ctx, message string, fn func(userID, threadID uint) (dto.ThreadResponse, error)) error {
	threadID, err := parseUintParamValue(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	thread, err := fn(actor(c), threadID)
	if err != nil {
		return writeServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, message, thread)
}

func (h *ConversationHandler) accept(c *fiber.Ctx) error {
	ctx := withRequestContext(c)
	return h.threadTransition(c, "request accepted", func(userID, threadID uint) (dto.ThreadResponse, error) {
		return h.service.Accept(ctx, userID, threadID)
	})
}

func (h *ConversationHandler) rejoin(c *fiber.Ctx) error {
	ctx := withRequestContext(c)
	return h.threadTransition(c, "rejoined", func(userID, threadID uint) (dto.ThreadResponse, error) {
		return h.service.Rejoin(ctx, userID, threadID)
	})
}

func (h *ConversationHandler) reject(c *fiber.Ctx) error {
	threadID, err := parseUintParamValue(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	if err := h.service.Reject(withRequestContext(c), actor(c), threadID); err != nil {
		return writeServiceError(c, h.logger, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *ConversationHandler) leave(c *fiber.Ctx) error {
	threadID, err := parseUintParamValue(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	if err := h.service.Leave(withRequestContext(c), actor(c), threadID); err != nil {
		return writeServiceError(c, h.logger, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *ConversationHandler) addMembers(c *fiber.Ctx) error {
	var payload dto.AddMembersRequest
	if err := h.decode(c, &payload); err != nil {
		return badRequest(c, err.Error())
	}
	ctx := withRequestContext(c)
	return h.threadTransition(c, "members added", func(userID, threadID uint) (dto.ThreadResponse, error) {
		return h.service.AddMembers(ctx, userID, threadID, payload.UserIDs)
	})
}

func (h *ConversationHandler) removeMember(c *fiber.Ctx) error {
	target, err := parseUintParamValue(c, "userId")
	if err != nil {
		return badRequest(c, err.Error())
	}
	ctx := withRequestContext(c)
	return h.threadTransition(c, "member removed", func(userID, threadID uint) (dto.ThreadResponse, error) {
		return h.service.RemoveMember(ctx, userID, threadID, target)
	})
}

func (h *ConversationHandler) promote(c *fiber.Ctx) error {
	var payload dto.MemberRequest
	if err := h.decode(c, &payload); err != nil {
		return badRequest(c, err.Error())
	}
	ctx := withRequestContext(c)
	return h.threadTransition(c, "member promoted", func(userID, threadID uint) (dto.ThreadResponse, error) {
		return h.service.Promote(ctx, userID, threadID, payload.UserID)
	})
}

func (h *ConversationHandler) demote(c *fiber.Ctx) error {
	target, err := parseUintParamValue(c, "userId")
	if err != nil {
		return badRequest(c, err.Error())
	}
	ctx := withRequestContext(c)
	return h.threadTransition(c, "admin demoted", func(userID, threadID uint) (dto.ThreadResponse, error) {
		return h.service.Demote(ctx, userID, threadID, target)
	})
}

func (h *ConversationHandler) transferOwnership(c *fiber.Ctx) error {
	var payload dto.MemberRequest
	if err := h.decode(c, &payload); err != nil {
		return badRequest(c, err.Error())
	}
	ctx := withRequestContext(c)
	return h.threadTransition(c, "ownership transferred", func(userID, threadID uint) (dto.ThreadResponse, error) {
		return h.service.TransferOwnership(ctx, userID, threadID, payload.UserID)
	})
}

func (h *ConversationHandler) setFlag(c *fiber.Ctx) error {
	var payload dto.ThreadFlagRequest
	if err := h.decode(c, &payload); err != nil {
		return badRequest(c, err.Error())
	}
	ctx := withRequestContext(c)
	return h.threadTransition(c, "thread updated", func(userID, threadID uint) (dto.ThreadResponse, error) {
		return h.service.SetThreadFlag(ctx, userID, threadID, payload)
	})
}

func (h *ConversationHandler) markRead(c *fiber.Ctx) error {
	threadID, err := parseUintParamValue(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	var payload dto.MarkReadRequest
	if err := h.decode(c, &payload); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.service.MarkRead(withRequestContext(c), actor(c), threadID, payload.MessageIDs)
	if err != nil {
		return writeServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "messages read", result)
}

func (h *ConversationHandler) typing(c *fiber.Ctx) error {
	threadID, err := parseUintParamValue(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	var payload dto.TypingFrame
	if err := h.decode(c, &payload); err != nil {
		return badRequest(c, err.Error())
	}
	if err := h.service.Typing(withRequestContext(c), actor(c), threadID, payload.IsTyping); err != nil {
		return writeServiceError(c, h.logger, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *ConversationHandler) sendToThread(c *fiber.Ctx) error {
	threadID, err := parseUintParamValue(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	var payload dto.SendMessageRequest
	if err := h.decode(c, &payload); err != nil {
		return badRequest(c, err.Error())
	}
	payload.ThreadID = threadID
	payload.RecipientID = 0
	return h.send(c, payload)
}

func (h *ConversationHandler) sendMessage(c *fiber.Ctx) error {
	var payload dto.SendMessageRequest
	if err := h.decode(c, &payload); err != nil {
		return badRequest(c, err.Error())
	}
	if payload.ThreadID == 0 && payload.RecipientID == 0 {
		return badRequest(c, "thread_id or recipient_id required")
	}
	return h.send(c, payload)
}

func (h *ConversationHandler) send(c *fiber.Ctx, payload dto.SendMessageRequest) error {
	message, err := h.service.SendMessage(withRequestContext(c), actor(c), payload)
	if err != nil {
		return writeServiceError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message sent", message)
}

func (h *ConversationHandler) editMessage(c *fiber.Ctx) error {
	messageID, err := parseUintParamValue(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	var payload dto.EditMessageRequest
	if err := h.decode(c, &payload); err != nil {
		return badRequest(c, err.Error())
	}

	message, err := h.service.EditMessage(withRequestContext(c), actor(c), messageID, payload)
	if err != nil {
		return writeServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "message updated", message)
}

func (h *ConversationHandler) deleteMessage(c *fiber.Ctx) error {
	messageID, err := parseUintParamValue(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	scope := dto.DeleteScope(strings.ToLower(strings.TrimSpace(c.Query("scope"))))
	switch scope {
	case "":
		scope = dto.DeleteForSelf
	case dto.DeleteForSelf, dto.DeleteForEveryone:
	default:
		return badRequest(c, "scope must be self or everyone")
	}

	if err := h.service.DeleteMessage(withRequestContext(c), actor(c), messageID, scope); err != nil {
		return writeServiceError(c, h.logger, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *ConversationHandler) react(c *fiber.Ctx) error {
	messageID, err := parseUintParamValue(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	var payload dto.ReactRequest
	if err := h.decode(c, &payload); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.service.ReactMessage(withRequestContext(c), actor(c), messageID, payload.Emoji)
	if err != nil {
		return writeServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "reaction "+result.Action, result)
}

func (h *ConversationHandler) forward(c *fiber.Ctx) error {
	messageID, err := parseUintParamValue(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	var payload dto.ForwardMessageRequest
	if err := h.decode(c, &payload); err != nil {
		return badRequest(c, err.Error())
	}

	message, err := h.service.ForwardMessage(withRequestContext(c), actor(c), messageID, payload.TargetThreadID)
	if err != nil {
		return writeServiceError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message forwarded", message)
}

func (h *ConversationHandler) pin(c *fiber.Ctx) error {
	messageID, err := parseUintParamValue(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	var payload dto.PinRequest
	if err := h.decode(c, &payload); err != nil {
		return badRequest(c, err.Error())
	}

	message, err := h.service.PinMessage(withRequestContext(c), actor(c), messageID, payload.Pinned)
	if err != nil {
		return writeServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "message updated", message)
}

func (h *ConversationHandler) listBlocks(c *fiber.Ctx) error {
	blocks, err := h.service.ListBlocks(withRequestContext(c), actor(c))
	if err != nil {
		return writeServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "blocks", blocks)
}

func (h *ConversationHandler) block(c *fiber.Ctx) error {
	var payload dto.BlockRequest
	if err := h.decode(c, &payload); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.service.Block(withRequestContext(c), actor(c), payload)
	if err != nil {
		return writeServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "user restricted", result)
}

func (h *ConversationHandler) unblock(c *fiber.Ctx) error {
	target, err := parseUintParamValue(c, "userId")
	if err != nil {
		return badRequest(c, err.Error())
	}
	payload := dto.BlockRequest{UserID: target, Kind: models.BlockKind(strings.ToLower(strings.TrimSpace(c.Query("kind"))))}
	if err := h.validate(payload); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.service.Unblock(withRequestContext(c), actor(c), payload)
	if err != nil {
		return writeServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "user unrestricted", result)
}
