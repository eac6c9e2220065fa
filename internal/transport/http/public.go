package httptransport

import (
	"github.com/gin-gonic/gin"

	"driftmail/backend/internal/storage"
)

// PublicHandler 公开API处理器（无需会话凭证）
type PublicHandler struct {
	domains storage.DomainRepository
}

// NewPublicHandler 创建公开API处理器
func NewPublicHandler(domains storage.DomainRepository) *PublicHandler {
	return &PublicHandler{
		domains: domains,
	}
}

// GetAvailableDomains godoc
// @Summary 获取托管域名列表
// @Description 获取所有可用于创建收件箱的域名（公开接口，无需认证）
// @Tags Public
// @Produce json
// @Success 200 {object} Response{data=object{domains=[]string,count=int}}
// @Router /v1/public/domains [get]
func (h *PublicHandler) GetAvailableDomains(c *gin.Context) {
	domains, err := h.domains.ListActiveDomains()
	if err != nil {
		InternalError(c, MsgDomainListFailed)
		return
	}

	domainList := make([]string, 0, len(domains))
	for _, d := range domains {
		domainList = append(domainList, d.Name)
	}

	Success(c, gin.H{
		"domains": domainList,
		"count":   len(domainList),
	})
}
