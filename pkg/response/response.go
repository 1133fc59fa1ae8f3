package response

import (
	"net/http"

	"membershippay/internal/apperr"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess     = 0
	CodeParamError  = 400
	CodeForbidden   = 403
	CodeNotFound    = 404
	CodeServerError = 500
)

const (
	CodeDuplicateRequest   = 1004
	CodePaymentFailed      = 1006
	CodeGatewayUnavailable = 1008
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, status, code int, message string) {
	c.JSON(status, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, CodeParamError, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, CodeServerError, message)
}

// FromError renders err with the HTTP status and code of its apperr kind.
// Internal errors are never described to the caller.
func FromError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	Error(c, kind.HTTPStatus(), codeFor(kind), apperr.PublicMessage(err))
}

func codeFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return CodeParamError
	case apperr.KindAuthorization:
		return CodeForbidden
	case apperr.KindNotFound:
		return CodeNotFound
	case apperr.KindConflict:
		return CodeDuplicateRequest
	case apperr.KindGateway:
		return CodePaymentFailed
	case apperr.KindTransient:
		return CodeGatewayUnavailable
	case apperr.KindConfiguration, apperr.KindInternal:
		return CodeServerError
	default:
		return CodeServerError
	}
}
