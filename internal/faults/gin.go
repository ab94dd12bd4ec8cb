package faults

import "github.com/gin-gonic/gin"

// Abort writes err as the standard JSON error body and aborts the chain.
func Abort(c *gin.Context, err error) {
	c.AbortWithStatusJSON(HTTPStatus(err), gin.H{
		"error":   Code(err),
		"message": Message(err),
	})
}
