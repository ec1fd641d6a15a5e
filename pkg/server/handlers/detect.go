package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/soundprediction/lettuce"
	"github.com/soundprediction/lettuce/pkg/server/dto"
	"github.com/soundprediction/lettuce/pkg/types"
)

// StatusClientClosedRequest is returned when the caller went away mid-request.
const StatusClientClosedRequest = 499

// DetectHandler serves the detection endpoints.
type DetectHandler struct {
	detector lettuce.HallucinationDetector
	logger   *slog.Logger
}

// NewDetectHandler creates a new detection handler
func NewDetectHandler(d lettuce.HallucinationDetector, logger *slog.Logger) *DetectHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DetectHandler{detector: d, logger: logger}
}

// DetectTokens handles POST /lettucedetect/token
func (h *DetectHandler) DetectTokens(c *gin.Context) {
	res, ok := h.predict(c, types.FormatTokens)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, dto.NewTokenDetectionResponse(res.Tokens))
}

// DetectSpans handles POST /lettucedetect/spans
func (h *DetectHandler) DetectSpans(c *gin.Context) {
	res, ok := h.predict(c, types.FormatSpans)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, dto.NewSpanDetectionResponse(res.Spans))
}

func (h *DetectHandler) predict(c *gin.Context, f types.OutputFormat) (*types.DetectionResult, bool) {
	var req dto.DetectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return nil, false
	}
	if err := req.Validate(); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return nil, false
	}

	opts, err := parseOptions(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_parameter", err.Error())
		return nil, false
	}

	if h.detector == nil {
		writeError(c, http.StatusServiceUnavailable, "not_ready", "detector not initialized")
		return nil, false
	}

	res, err := h.detector.Predict(c.Request.Context(), req.ToDetectionRequest(), f, opts)
	if err != nil {
		status, code := StatusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.ErrorContext(c.Request.Context(), "Detection failed", "format", f.String(), "error", err)
		}
		writeError(c, status, code, err.Error())
		return nil, false
	}
	return res, true
}

// parseOptions reads the optional threshold, stride and max_tokens query parameters.
func parseOptions(c *gin.Context) (*lettuce.PredictOptions, error) {
	opts := &lettuce.PredictOptions{}
	if v, ok := c.GetQuery("threshold"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, types.NewParameterError("threshold", v, "must be a number")
		}
		opts.Threshold = &f
	}
	if v, ok := c.GetQuery("stride"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, types.NewParameterError("stride", v, "must be an integer")
		}
		opts.Stride = &n
	}
	if v, ok := c.GetQuery("max_tokens"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, types.NewParameterError("max_tokens", v, "must be an integer")
		}
		opts.MaxTokens = &n
	}
	return opts, nil
}

// StatusFor maps a detection error to an HTTP status and error code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, types.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, types.ErrInvalidParameter):
		return http.StatusBadRequest, "invalid_parameter"
	case errors.Is(err, types.ErrModelAdapter):
		return http.StatusBadGateway, "model_adapter_failure"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, types.ErrCanceled), errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, "canceled"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, dto.ErrorResponse{
		Error:   code,
		Message: message,
		Code:    status,
	})
}
