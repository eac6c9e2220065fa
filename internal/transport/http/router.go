package httptransport

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"driftmail/backend/internal/config"
	"driftmail/backend/internal/domain"
	"driftmail/backend/internal/middleware"
	"driftmail/backend/internal/realtime"
	"driftmail/backend/internal/service"
	"driftmail/backend/internal/storage"
)

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	inboxes  *service.InboxService
	messages *service.MessageService
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config         *config.Config
	InboxService   *service.InboxService
	MessageService *service.MessageService
	Hub            *realtime.Hub // 实时推送 Hub
	Store          storage.Store
	Health         healthcheck.Handler // 健康检查处理器（可为 nil）
	Logger         *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	// 使用自定义中间件替代默认中间件
	router.Use(middleware.RecoveryHandler(log))
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.HTTPMetrics())

	// API 写入口都是小 JSON，限制请求体大小
	router.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins: deps.Config.CORS.AllowedOrigins,
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Session-Id", "X-Hold-Password"},
		ExposeHeaders: []string{
			"Content-Length",
			"Content-Disposition",
		},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	// 创建处理器
	handler := &Handler{
		inboxes:  deps.InboxService,
		messages: deps.MessageService,
	}
	publicHandler := NewPublicHandler(deps.Store)

	// 创建中间件
	sessionAuth := middleware.NewSessionAuth(deps.InboxService, log)

	// 健康检查与指标
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Health != nil {
		router.GET("/live", gin.WrapF(deps.Health.LiveEndpoint))
		router.GET("/ready", gin.WrapF(deps.Health.ReadyEndpoint))
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// V1 API
	v1 := router.Group("/v1")
	{
		// ========== Public Routes（无需会话凭证） ==========
		publicRoutes := v1.Group("/public")
		{
			publicRoutes.GET("/domains", publicHandler.GetAvailableDomains) // 获取托管域名列表
		}

		// ========== Inbox Lifecycle Routes ==========
		inboxRoutes := v1.Group("/inboxes")
		{
			inboxRoutes.POST("", handler.createInbox)               // 创建收件箱
			inboxRoutes.POST("/random", handler.createRandomInbox)  // 创建随机收件箱
			inboxRoutes.GET("/check", handler.checkAvailability)    // 查询地址可用性
			inboxRoutes.POST("/reclaim", handler.reclaimInbox)      // PIN 重新认领
			inboxRoutes.GET("/held", handler.listHeldInboxes)       // 保护中的收件箱列表（需运维口令）
		}

		// ========== Session-scoped Routes ==========
		// SessionID 是持有者凭证，所有收件箱内操作都经由它授权
		sessionRoutes := v1.Group("/inbox")
		sessionRoutes.Use(sessionAuth.RequireSession())
		{
			sessionRoutes.GET("", handler.getInbox)           // 收件箱详情
			sessionRoutes.POST("/extend", handler.extendInbox) // 续期
			sessionRoutes.POST("/hold", handler.holdInbox)     // 进入保护状态
			sessionRoutes.POST("/unhold", handler.unholdInbox) // 解除保护状态
			sessionRoutes.DELETE("", handler.deleteInbox)      // 删除收件箱

			sessionRoutes.GET("/messages", handler.listMessages)              // 邮件列表
			sessionRoutes.GET("/messages/:messageId", handler.getMessage)     // 邮件详情（标记已读）
			sessionRoutes.DELETE("/messages/:messageId", handler.deleteMessage) // 删除邮件

			sessionRoutes.GET("/attachments/:attachmentId", handler.downloadAttachment) // 附件下载
		}

		// ========== WebSocket Routes ==========
		if deps.Hub != nil {
			v1.GET("/ws", realtime.HandleWebSocket(deps.Hub))
		}
	}

	return router
}

type createInboxRequest struct {
	Username string `json:"username"`
	Domain   string `json:"domain"`
	PIN      string `json:"pin"`
}

type createRandomInboxRequest struct {
	Domain string `json:"domain"`
}

type reclaimInboxRequest struct {
	Username string `json:"username"`
	Domain   string `json:"domain"`
	PIN      string `json:"pin"`
}

type holdInboxRequest struct {
	Password string `json:"password"`
}

type inboxResponse struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Username  string    `json:"username"`
	Domain    string    `json:"domain"`
	SessionID string    `json:"sessionId,omitempty"`
	HasPIN    bool      `json:"hasPin"`
	IsHeld    bool      `json:"isHeld"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// createInbox godoc
// @Summary 创建收件箱
// @Description 创建一个新的一次性收件箱，返回会话凭证
// @Tags Inboxes
// @Accept json
// @Produce json
// @Param request body createInboxRequest true "收件箱参数"
// @Success 201 {object} inboxResponse
// @Failure 400 {object} Response
// @Failure 409 {object} Response
// @Failure 500 {object} Response
// @Router /v1/inboxes [post]
func (h *Handler) createInbox(c *gin.Context) {
	var req createInboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	inbox, err := h.inboxes.Create(service.CreateInboxInput{
		Username: req.Username,
		Domain:   req.Domain,
		PIN:      req.PIN,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAddressTakenWithPIN):
			// 提示调用方可走 reclaim 流程
			ConflictWithData(c, GetErrorMessage(err), gin.H{"reclaimAvailable": true})
		case errors.Is(err, service.ErrAddressTaken):
			ConflictWithData(c, GetErrorMessage(err), gin.H{"reclaimAvailable": false})
		case errors.Is(err, domain.ErrInvalidUsername),
			errors.Is(err, domain.ErrInvalidPIN),
			errors.Is(err, service.ErrDomainNotActive):
			BadRequest(c, GetErrorMessage(err))
		default:
			InternalError(c, MsgInboxCreateFailed)
		}
		return
	}

	Created(c, toInboxResponse(inbox, true))
}

// createRandomInbox godoc
// @Summary 创建随机收件箱
// @Description 在指定域名下创建随机用户名的收件箱
// @Tags Inboxes
// @Accept json
// @Produce json
// @Param request body createRandomInboxRequest true "域名参数"
// @Success 201 {object} inboxResponse
// @Failure 400 {object} Response
// @Failure 500 {object} Response
// @Router /v1/inboxes/random [post]
func (h *Handler) createRandomInbox(c *gin.Context) {
	var req createRandomInboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	inbox, err := h.inboxes.CreateRandom(req.Domain)
	if err != nil {
		if errors.Is(err, service.ErrDomainNotActive) {
			BadRequest(c, GetErrorMessage(err))
			return
		}
		InternalError(c, MsgInboxCreateFailed)
		return
	}

	Created(c, toInboxResponse(inbox, true))
}

// checkAvailability godoc
// @Summary 查询地址可用性
// @Description 检查 username@domain 是否可被创建；被占用时返回对方是否设置了 PIN
// @Tags Inboxes
// @Produce json
// @Param username query string true "用户名"
// @Param domain query string true "域名"
// @Success 200 {object} service.Availability
// @Failure 400 {object} Response
// @Failure 500 {object} Response
// @Router /v1/inboxes/check [get]
func (h *Handler) checkAvailability(c *gin.Context) {
	username := c.Query("username")
	domainName := c.Query("domain")
	if username == "" || domainName == "" {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	availability, err := h.inboxes.CheckAvailability(username, domainName)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidUsername),
			errors.Is(err, service.ErrDomainNotActive):
			BadRequest(c, GetErrorMessage(err))
		default:
			InternalError(c, MsgCheckFailed)
		}
		return
	}

	Success(c, availability)
}

// reclaimInbox godoc
// @Summary 重新认领收件箱
// @Description 通过 PIN 认领已有收件箱，旧会话凭证立即失效
// @Tags Inboxes
// @Accept json
// @Produce json
// @Param request body reclaimInboxRequest true "认领参数"
// @Success 200 {object} inboxResponse
// @Failure 400 {object} Response
// @Failure 401 {object} Response
// @Failure 404 {object} Response
// @Failure 500 {object} Response
// @Router /v1/inboxes/reclaim [post]
func (h *Handler) reclaimInbox(c *gin.Context) {
	var req reclaimInboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	inbox, err := h.inboxes.Reclaim(req.Username, req.Domain, req.PIN)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInboxNotFound):
			NotFound(c, GetErrorMessage(err))
		case errors.Is(err, service.ErrPINNotSet):
			BadRequest(c, GetErrorMessage(err))
		case errors.Is(err, service.ErrPINMismatch):
			Unauthorized(c, GetErrorMessage(err))
		default:
			InternalError(c, MsgReclaimFailed)
		}
		return
	}

	Success(c, toInboxResponse(inbox, true))
}

// listHeldInboxes godoc
// @Summary 获取保护中的收件箱列表
// @Description 返回所有处于保护状态的收件箱（需运维口令）
// @Tags Inboxes
// @Produce json
// @Param X-Hold-Password header string true "运维口令"
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Failure 403 {object} Response
// @Failure 500 {object} Response
// @Router /v1/inboxes/held [get]
func (h *Handler) listHeldInboxes(c *gin.Context) {
	if err := h.inboxes.VerifyHoldPassword(c.GetHeader("X-Hold-Password")); err != nil {
		if errors.Is(err, service.ErrHoldDisabled) {
			Forbidden(c, GetErrorMessage(err))
			return
		}
		Unauthorized(c, GetErrorMessage(err))
		return
	}

	held, err := h.inboxes.ListHeld()
	if err != nil {
		InternalError(c, MsgHeldListFailed)
		return
	}

	responses := make([]inboxResponse, 0, len(held))
	for _, inbox := range held {
		// 运维视图不暴露会话凭证
		responses = append(responses, toInboxResponse(inbox, false))
	}

	Success(c, gin.H{
		"items": responses,
		"count": len(responses),
	})
}

// getInbox godoc
// @Summary 获取收件箱详情
// @Description 返回当前会话对应的收件箱信息
// @Tags Inbox
// @Produce json
// @Success 200 {object} inboxResponse
// @Failure 401 {object} Response
// @Failure 404 {object} Response
// @Router /v1/inbox [get]
func (h *Handler) getInbox(c *gin.Context) {
	// inbox 已经由中间件验证并存储在上下文中
	inbox := contextInbox(c)
	Success(c, toInboxResponse(inbox, false))
}

// extendInbox godoc
// @Summary 续期收件箱
// @Description 将过期时间重置为当前时间加默认 TTL
// @Tags Inbox
// @Produce json
// @Success 200 {object} inboxResponse
// @Failure 401 {object} Response
// @Failure 404 {object} Response
// @Failure 500 {object} Response
// @Router /v1/inbox/extend [post]
func (h *Handler) extendInbox(c *gin.Context) {
	inbox, err := h.inboxes.Extend(contextSession(c))
	if err != nil {
		if errors.Is(err, service.ErrInboxNotFound) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		InternalError(c, MsgInboxExtendFailed)
		return
	}

	Success(c, toInboxResponse(inbox, false))
}

// holdInbox godoc
// @Summary 保护收件箱
// @Description 将收件箱置于保护状态，豁免过期清理（需运维口令）
// @Tags Inbox
// @Accept json
// @Produce json
// @Param request body holdInboxRequest true "口令"
// @Success 200 {object} inboxResponse
// @Failure 401 {object} Response
// @Failure 403 {object} Response
// @Failure 409 {object} Response
// @Failure 500 {object} Response
// @Router /v1/inbox/hold [post]
func (h *Handler) holdInbox(c *gin.Context) {
	var req holdInboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	inbox, err := h.inboxes.Hold(contextSession(c), req.Password)
	if err != nil {
		h.respondHoldError(c, err)
		return
	}

	Success(c, toInboxResponse(inbox, false))
}

// unholdInbox godoc
// @Summary 解除收件箱保护
// @Description 解除保护状态并重置过期时间（需运维口令）
// @Tags Inbox
// @Accept json
// @Produce json
// @Param request body holdInboxRequest true "口令"
// @Success 200 {object} inboxResponse
// @Failure 401 {object} Response
// @Failure 403 {object} Response
// @Failure 409 {object} Response
// @Failure 500 {object} Response
// @Router /v1/inbox/unhold [post]
func (h *Handler) unholdInbox(c *gin.Context) {
	var req holdInboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	inbox, err := h.inboxes.Unhold(contextSession(c), req.Password)
	if err != nil {
		h.respondHoldError(c, err)
		return
	}

	Success(c, toInboxResponse(inbox, false))
}

// respondHoldError 保护状态变更的统一错误响应。
func (h *Handler) respondHoldError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrHoldDisabled):
		Forbidden(c, GetErrorMessage(err))
	case errors.Is(err, service.ErrHoldPasswordMismatch):
		Unauthorized(c, GetErrorMessage(err))
	case errors.Is(err, service.ErrAlreadyHeld), errors.Is(err, service.ErrNotHeld):
		Conflict(c, GetErrorMessage(err))
	case errors.Is(err, service.ErrInboxNotFound):
		NotFound(c, GetErrorMessage(err))
	default:
		InternalError(c, MsgInboxHoldFailed)
	}
}

// deleteInbox godoc
// @Summary 删除收件箱
// @Description 删除当前会话对应的收件箱及其全部邮件
// @Tags Inbox
// @Success 204
// @Failure 401 {object} Response
// @Failure 404 {object} Response
// @Failure 500 {object} Response
// @Router /v1/inbox [delete]
func (h *Handler) deleteInbox(c *gin.Context) {
	if err := h.inboxes.Delete(contextSession(c)); err != nil {
		if errors.Is(err, service.ErrInboxNotFound) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		InternalError(c, MsgInboxDeleteFailed)
		return
	}
	NoContent(c)
}

type attachmentInfo struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

type messageResponse struct {
	ID              string           `json:"id"`
	From            string           `json:"from"`
	To              string           `json:"to"`
	Subject         string           `json:"subject"`
	Text            string           `json:"text,omitempty"`
	HTML            string           `json:"html,omitempty"`
	IsRead          bool             `json:"isRead"`
	ReceivedAt      time.Time        `json:"receivedAt"`
	AttachmentCount int              `json:"attachmentCount"`
	Attachments     []attachmentInfo `json:"attachments,omitempty"` // 附件列表（不包含内容）
}

type messageListResponse struct {
	Items []messageResponse `json:"items"`
	Count int               `json:"count"`
}

// listMessages godoc
// @Summary 获取邮件列表
// @Description 返回收件箱内的全部邮件，按接收时间倒序
// @Tags Messages
// @Produce json
// @Success 200 {object} messageListResponse
// @Failure 401 {object} Response
// @Failure 500 {object} Response
// @Router /v1/inbox/messages [get]
func (h *Handler) listMessages(c *gin.Context) {
	messages, err := h.messages.List(contextSession(c))
	if err != nil {
		if errors.Is(err, service.ErrInboxNotFound) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		InternalError(c, MsgMessageListFailed)
		return
	}

	responses := make([]messageResponse, 0, len(messages))
	for i := range messages {
		responses = append(responses, toMessageResponse(&messages[i]))
	}

	Success(c, messageListResponse{
		Items: responses,
		Count: len(responses),
	})
}

// getMessage godoc
// @Summary 获取邮件详情
// @Description 查看单封邮件内容，读取即标记为已读
// @Tags Messages
// @Produce json
// @Param messageId path string true "邮件ID"
// @Success 200 {object} messageResponse
// @Failure 401 {object} Response
// @Failure 404 {object} Response
// @Failure 500 {object} Response
// @Router /v1/inbox/messages/{messageId} [get]
func (h *Handler) getMessage(c *gin.Context) {
	msg, err := h.messages.Get(contextSession(c), c.Param("messageId"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMessageNotFound):
			NotFound(c, MsgMessageNotFound)
		case errors.Is(err, service.ErrInboxNotFound):
			NotFound(c, GetErrorMessage(err))
		default:
			InternalError(c, MsgMessageGetFailed)
		}
		return
	}

	Success(c, toMessageResponse(msg))
}

// deleteMessage godoc
// @Summary 删除邮件
// @Description 删除收件箱中的单封邮件及其附件
// @Tags Messages
// @Param messageId path string true "邮件ID"
// @Success 204
// @Failure 401 {object} Response
// @Failure 404 {object} Response
// @Failure 500 {object} Response
// @Router /v1/inbox/messages/{messageId} [delete]
func (h *Handler) deleteMessage(c *gin.Context) {
	err := h.messages.Delete(contextSession(c), c.Param("messageId"))
	if err != nil {
		if errors.Is(err, service.ErrMessageNotFound) || errors.Is(err, service.ErrInboxNotFound) {
			NotFound(c, GetErrorMessage(err))
		} else {
			InternalError(c, MsgMessageDelFailed)
		}
		return
	}
	NoContent(c)
}

// downloadAttachment godoc
// @Summary 下载附件
// @Description 下载邮件的附件文件
// @Tags Messages
// @Produce application/octet-stream
// @Param attachmentId path string true "附件ID"
// @Success 200 {file} binary
// @Failure 401 {object} Response
// @Failure 404 {object} Response
// @Router /v1/inbox/attachments/{attachmentId} [get]
func (h *Handler) downloadAttachment(c *gin.Context) {
	attachment, err := h.messages.GetAttachment(contextSession(c), c.Param("attachmentId"))
	if err != nil {
		NotFound(c, MsgAttachmentNotFound)
		return
	}

	// 附件下载不使用统一响应格式，直接返回二进制流
	c.Header("Content-Type", attachment.ContentType)
	c.Header("Content-Disposition", "attachment; filename=\""+attachment.Filename+"\"")
	c.Header("Content-Length", fmt.Sprintf("%d", attachment.Size))
	c.Data(http.StatusOK, attachment.ContentType, attachment.Content)
}

// contextInbox 取出中间件写入的收件箱。
func contextInbox(c *gin.Context) *domain.Inbox {
	value, _ := c.Get(middleware.ContextInboxKey)
	inbox, _ := value.(*domain.Inbox)
	return inbox
}

// contextSession 取出中间件写入的 SessionID。
func contextSession(c *gin.Context) string {
	value, _ := c.Get(middleware.ContextSessionKey)
	sessionID, _ := value.(string)
	return sessionID
}

// toInboxResponse 转换实体为响应体。
//
// includeSession 控制是否携带会话凭证：只有创建和 reclaim
// 这类换发凭证的操作返回 SessionID。
func toInboxResponse(inbox *domain.Inbox, includeSession bool) inboxResponse {
	resp := inboxResponse{
		ID:        inbox.ID,
		Address:   inbox.Address(),
		Username:  inbox.Username,
		Domain:    inbox.Domain,
		HasPIN:    inbox.HasPIN(),
		IsHeld:    inbox.IsHeld,
		CreatedAt: inbox.CreatedAt,
		ExpiresAt: inbox.ExpiresAt,
	}
	if includeSession {
		resp.SessionID = inbox.SessionID
	}
	return resp
}

// toMessageResponse 转换邮件实体为响应体。
func toMessageResponse(message *domain.Message) messageResponse {
	// 转换附件信息（不包含内容）
	attachments := make([]attachmentInfo, 0, len(message.Attachments))
	for _, att := range message.Attachments {
		attachments = append(attachments, attachmentInfo{
			ID:          att.ID,
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        att.Size,
		})
	}

	count := message.AttachmentCount
	if count == 0 {
		count = len(attachments)
	}

	return messageResponse{
		ID:              message.ID,
		From:            message.FromAddress,
		To:              message.ToAddress,
		Subject:         message.Subject,
		Text:            message.TextBody,
		HTML:            message.HTMLBody,
		IsRead:          message.IsRead,
		ReceivedAt:      message.ReceivedAt,
		AttachmentCount: count,
		Attachments:     attachments,
	}
}
