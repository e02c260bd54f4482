package router

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"cv-agent-go/internal/api/handler"
)

// RegisterRoutes 注册 API 路由
func RegisterRoutes(h *server.Hertz, resumeHandler *handler.ResumeHandler) {
	api := h.Group("/api/v1")

	// 摄取
	api.POST("/resumes/upload", resumeHandler.HandleUpload)
	api.POST("/resumes/upload/gdrive", resumeHandler.HandleUploadFromDrive)
	api.POST("/resumes/upload/gdrive-folder", resumeHandler.HandleUploadDriveFolder)

	// 检索
	api.POST("/resumes/search", resumeHandler.HandleSearch)

	// 简历生命周期
	api.PUT("/resumes/:resume_id", resumeHandler.HandleUpdateResume)
	api.DELETE("/resumes/:resume_id", resumeHandler.HandleDeleteResume)
	api.POST("/resumes/:resume_id/requeue", resumeHandler.HandleRequeue)

	// 候选人档案
	api.GET("/persons/:person_id", resumeHandler.HandleGetPerson)
	api.DELETE("/persons/:person_id", resumeHandler.HandleDeletePerson)

	// 健康检查
	api.GET("/health", func(c context.Context, ctx *app.RequestContext) {
		ctx.JSON(consts.StatusOK, utils.H{"status": "ok"})
	})
}
