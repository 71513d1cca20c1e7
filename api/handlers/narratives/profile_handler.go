package narratives

import (
	"errors"
	"net/http"

	response "backend/api/handlers/common"
	"backend/internal/narrative"

	"github.com/gin-gonic/gin"
)

// ProfileHandler 叙事档案治理 Handler
type ProfileHandler struct {
	profiles *narrative.Service
}

// NewProfileHandler 创建 ProfileHandler 实例
func NewProfileHandler(profiles *narrative.Service) *ProfileHandler {
	return &ProfileHandler{profiles: profiles}
}

// CreateProfileRequest 创建档案请求
type CreateProfileRequest struct {
	Name                   string   `json:"name" binding:"required"`
	Tone                   string   `json:"tone,omitempty"`
	AllowedTopics          []string `json:"allowed_topics,omitempty"`
	BlockedTopics          []string `json:"blocked_topics,omitempty"`
	AllowedPersonalization []string `json:"allowed_personalization,omitempty"`
}

// UpdateProfileRequest 编辑档案请求，缺省字段维持原值
type UpdateProfileRequest struct {
	Tone                   *string  `json:"tone,omitempty"`
	AllowedTopics          []string `json:"allowed_topics,omitempty"`
	BlockedTopics          []string `json:"blocked_topics,omitempty"`
	AllowedPersonalization []string `json:"allowed_personalization,omitempty"`
}

// RollbackRequest 回滚请求
type RollbackRequest struct {
	ToVersion int `json:"to_version" binding:"required"`
}

// Create 创建档案
func (h *ProfileHandler) Create(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	workspaceID := c.GetString("workspace_id")

	var req CreateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "请求参数错误: " + err.Error()})
		return
	}

	profile, err := h.profiles.CreateProfile(c.Request.Context(), &narrative.CreateProfileInput{
		TenantID:               tenantID,
		WorkspaceID:            workspaceID,
		Name:                   req.Name,
		Tone:                   req.Tone,
		AllowedTopics:          req.AllowedTopics,
		BlockedTopics:          req.BlockedTopics,
		AllowedPersonalization: req.AllowedPersonalization,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, response.APIResponse{Success: true, Data: profile})
}

// Get 查询档案当前版本
func (h *ProfileHandler) Get(c *gin.Context) {
	profileID := c.Param("id")

	profile, err := h.profiles.GetProfile(c.Request.Context(), profileID)
	if err != nil {
		c.JSON(statusForProfileError(err), response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: profile})
}

// Update 编辑档案（产生新版本）
func (h *ProfileHandler) Update(c *gin.Context) {
	profileID := c.Param("id")

	var req UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "请求参数错误: " + err.Error()})
		return
	}

	profile, err := h.profiles.UpdateProfile(c.Request.Context(), profileID, &narrative.UpdateProfileInput{
		Tone:                   req.Tone,
		AllowedTopics:          req.AllowedTopics,
		BlockedTopics:          req.BlockedTopics,
		AllowedPersonalization: req.AllowedPersonalization,
	})
	if err != nil {
		c.JSON(statusForProfileError(err), response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: profile})
}

// Rollback 回滚到历史版本
func (h *ProfileHandler) Rollback(c *gin.Context) {
	profileID := c.Param("id")

	var req RollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "请求参数错误: " + err.Error()})
		return
	}

	profile, err := h.profiles.Rollback(c.Request.Context(), profileID, req.ToVersion)
	if err != nil {
		c.JSON(statusForProfileError(err), response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: profile})
}

// ListVersions 查询档案的历史版本快照
func (h *ProfileHandler) ListVersions(c *gin.Context) {
	profileID := c.Param("id")

	versions, err := h.profiles.ListVersions(c.Request.Context(), profileID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: response.ListResponse{Items: versions, Total: len(versions)}})
}

// Check 对一段草稿内容做策略预检（治理侧试运行）
func (h *ProfileHandler) Check(c *gin.Context) {
	profileID := c.Param("id")

	var req struct {
		Subject string `json:"subject,omitempty"`
		Body    string `json:"body" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "请求参数错误: " + err.Error()})
		return
	}

	profile, err := h.profiles.GetProfile(c.Request.Context(), profileID)
	if err != nil {
		c.JSON(statusForProfileError(err), response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	result := narrative.NewEngine().CheckPolicy(profile, nil, req.Subject, req.Body)
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: result})
}

func statusForProfileError(err error) int {
	if errors.Is(err, narrative.ErrProfileNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
