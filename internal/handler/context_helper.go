package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/agricert-api/internal/middleware"
	"github.com/noah-isme/agricert-api/internal/models"
)

func actorFromContext(c *gin.Context) (models.Actor, bool) {
	session := middleware.SessionFromContext(c)
	if session == nil {
		return models.Actor{}, false
	}
	return models.Actor{ID: session.UserID, Role: session.Role}, true
}

func loginMetadata(c *gin.Context) models.LoginMetadata {
	return models.LoginMetadata{IP: c.ClientIP(), UserAgent: c.GetHeader("User-Agent"), IssuedAt: time.Now().UTC()}
}

func pageParams(c *gin.Context) (int, int) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil {
		page = 1
	}
	size, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil {
		size = 20
	}
	return page, size
}
