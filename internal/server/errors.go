package server

import (
	"github.com/gin-gonic/gin"
)

const (
	errInvalidRequest = "invalid_request"
	errNotFound       = "not_found"
	errUnavailable    = "unavailable"
	errInternal       = "internal_error"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
}

func writeError(c *gin.Context, status int, errorType, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{ErrorType: errorType, Message: message})
}
