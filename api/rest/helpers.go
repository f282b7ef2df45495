package rest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/audit"
	mw "github.com/R21Digital/Project-MorningStar-sub014/middleware"
	"github.com/gin-gonic/gin"
)

// paramID parses a positive int64 path parameter, replying 400 when it is not one.
func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

// paging reads limit/offset query params.
func paging(c *gin.Context, def, max int) (limit, offset int) {
	limit, _ = strconv.Atoi(c.Query("limit"))
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	offset, _ = strconv.Atoi(c.Query("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// queryTime parses an RFC 3339 query param; zero when absent or malformed.
func queryTime(c *gin.Context, name string) time.Time {
	t, err := time.Parse(time.RFC3339, c.Query(name))
	if err != nil {
		return time.Time{}
	}
	return t
}

// auditLog records a mutating request. svc may be nil.
func auditLog(c *gin.Context, svc *audit.Service, action, target string, req interface{}, err error) {
	if svc == nil {
		return
	}
	e := audit.Entry{
		TraceID: mw.GetTraceID(c),
		Action:  action,
		Target:  target,
		Request: req,
		IP:      c.ClientIP(),
	}
	if id := mw.GetAccountID(c); id != 0 {
		e.AccountID = &id
	}
	if err != nil {
		e.Error = err.Error()
	}
	svc.Log(e)
}
