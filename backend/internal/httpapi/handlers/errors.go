package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/revision"
	"collabSync/backend/internal/store"
)

// abortWithError 领域错误 -> HTTP 状态码，响应体沿用 {code,message}
func abortWithError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, revision.ErrObjectNotFound),
		errors.Is(err, store.ErrDocumentNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, store.ErrDocumentExists):
		status, code = http.StatusConflict, "DOCUMENT_EXISTS"
	case errors.Is(err, delta.ErrLengthMismatch):
		status, code = http.StatusConflict, "LENGTH_MISMATCH"
	case errors.Is(err, collab.ErrNothingToUndo):
		status, code = http.StatusConflict, "NOTHING_TO_UNDO"
	case errors.Is(err, delta.ErrMalformed):
		status, code = http.StatusBadRequest, "MALFORMED_DELTA"
	case errors.Is(err, collab.ErrMailboxTimeout),
		errors.Is(err, collab.ErrActorClosed),
		errors.Is(err, collab.ErrSemaphoreTimeout),
		errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusServiceUnavailable, "UNAVAILABLE"
	}
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": msg})
}
