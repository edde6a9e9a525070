package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// callerIDHeader carries the opaque caller identity SPEC_FULL.md §6.1
// assumes is provided by whatever sits in front of this service — session
// auth itself is out of scope here, mirroring the teacher's reliance on an
// oauth2-proxy header rather than its own login flow.
const callerIDHeader = "X-User-ID"

// callerID extracts and parses the caller identity header. Handlers call
// this instead of reading the header directly so the 400-on-malformed-id
// rule from §6.1 is enforced in one place.
func callerID(c *gin.Context) (uuid.UUID, bool) {
	raw := c.GetHeader(callerIDHeader)
	if raw == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("missing %s header", callerIDHeader)})
		return uuid.UUID{}, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("malformed %s header", callerIDHeader)})
		return uuid.UUID{}, false
	}
	return id, true
}
