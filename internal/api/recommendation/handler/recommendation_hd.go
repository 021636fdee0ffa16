package recommendationHandler

import (
	"MakeupRecommendation/internal/api/recommendation"
	"MakeupRecommendation/internal/middleware"
	contextPkg "MakeupRecommendation/pkg/context"
	"MakeupRecommendation/pkg/handlerUtil"
	"MakeupRecommendation/pkg/log"
	"MakeupRecommendation/pkg/utils"
	"context"
	"errors"
	fastws "github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"io"
	"time"
)

const (
	imageField  = "img"
	clientIPKey = "client_ip"

	// Frames up to this many times the image limit are drained and answered
	// with an error. Anything larger closes the connection.
	wsReadLimitFactor = 4
)

func (h *RecommendationHandler) Recommend(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)
	c, cancel := contextPkg.FromFiberCtx(ctx, h.requestTimeout)
	defer cancel()

	errHandler := handlerUtil.New(h.log)

	if !h.recommendationService.Health().Initialized {
		return errHandler.Handle(ctx, requestID, recommendation.ErrPipelineNotInitialized, ctx.Path(), "check_pipeline")
	}

	file, err := ctx.FormFile(imageField)
	if err != nil {
		h.log.WithFields(log.Fields{
			"request_id": requestID,
			"error":      err.Error(),
		}).Debug("Form file lookup failed")
		return errHandler.Handle(ctx, requestID, recommendation.ErrMissingImage, ctx.Path(), "form_file")
	}

	h.log.WithFields(log.Fields{
		"request_id": requestID,
		"path":       ctx.Path(),
		"file_name":  file.Filename,
		"file_size":  file.Size,
	}).Debug("Processing recommendation request")

	raw, err := h.utils.ReadImageFile(file)
	if err != nil {
		switch {
		case errors.Is(err, utils.ErrFileTooLarge):
			err = recommendation.ErrImageTooLarge
		case errors.Is(err, utils.ErrNoFile):
			err = recommendation.ErrMissingImage
		default:
			err = recommendation.ErrInvalidImage
		}
		return errHandler.Handle(ctx, requestID, err, ctx.Path(), "read_image_file")
	}

	result, err := h.recommendationService.Process(c, raw)
	if err != nil {
		return errHandler.Handle(ctx, requestID, err, ctx.Path(), "process_image")
	}

	h.log.WithFields(log.Fields{
		"request_id": requestID,
		"path":       ctx.Path(),
		"skin":       result.Skin.Hex(),
		"lipstick":   result.Lipstick.Hex(),
	}).Info("Recommendation successful")

	return errHandler.HandleSuccess(ctx, fiber.StatusOK, result)
}

func (h *RecommendationHandler) Health(ctx *fiber.Ctx) error {
	status := h.recommendationService.Health()

	return ctx.Status(fiber.StatusOK).JSON(recommendation.HealthResponse{
		Status:         "healthy",
		PipelineLoaded: status.Initialized,
		Device:         status.Device,
	})
}

func (h *RecommendationHandler) handleWebSocket(c *websocket.Conn) {
	h.log.Info("Recommendation WebSocket client connected")
	defer h.log.Info("Recommendation WebSocket client disconnected")

	requestID, _ := c.Locals(middleware.RequestIDKey).(string)
	clientIP, _ := c.Locals(clientIPKey).(string)

	c.SetReadLimit(h.maxImageBytes * wsReadLimitFactor)

	c.SetPingHandler(func(data string) error {
		h.log.Debug("Received ping, sending pong")
		if err := c.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second)); err != nil {
			h.log.Errorf("Error sending pong: %v", err)
		}
		return nil
	})

	maxReadTimeout := 60 * time.Second

	for {
		if err := c.SetReadDeadline(time.Now().Add(maxReadTimeout)); err != nil {
			h.log.Errorf("Error setting read deadline: %v", err)
			break
		}

		messageType, message, err := h.readFrame(c)
		if errors.Is(err, fastws.ErrReadLimit) {
			h.log.WithFields(log.Fields{
				"request_id": requestID,
				"limit":      h.maxImageBytes * wsReadLimitFactor,
			}).Warn("WebSocket frame over read limit, closing connection")
			break
		}
		if err != nil && !errors.Is(err, recommendation.ErrImageTooLarge) {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Errorf("Recommendation WebSocket error: %v", err)
			} else {
				h.log.Info("Recommendation WebSocket connection closed")
			}
			break
		}

		if messageType != websocket.BinaryMessage {
			h.log.Warnf("Received unexpected message type: %d", messageType)
			continue
		}

		var (
			reply  interface{}
			result interface{}
		)
		switch {
		case err != nil:
		case !h.middleware.Allow(clientIP):
			err = recommendation.ErrTooManyRequests
		default:
			result, err = h.processFrame(requestID, message)
		}
		if err != nil {
			h.log.WithFields(log.Fields{
				"request_id": requestID,
				"error":      err.Error(),
			}).Warn("Error processing WebSocket frame")
			reply = recommendation.ErrorResponse{Error: handlerUtil.ErrorMessage(err)}
		} else {
			reply = result
		}

		if err := c.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
			h.log.Errorf("Error setting write deadline: %v", err)
			break
		}

		if err := c.WriteJSON(reply); err != nil {
			h.log.Errorf("Error writing JSON response: %v", err)
			break
		}

		if err := c.SetWriteDeadline(time.Time{}); err != nil {
			h.log.Errorf("Error resetting write deadline: %v", err)
			break
		}
	}
}

// readFrame reads one message, keeping at most maxImageBytes of it. A longer
// message is drained and reported as ErrImageTooLarge.
func (h *RecommendationHandler) readFrame(c *websocket.Conn) (int, []byte, error) {
	messageType, r, err := c.NextReader()
	if err != nil {
		return 0, nil, err
	}

	data, err := io.ReadAll(io.LimitReader(r, h.maxImageBytes+1))
	if err != nil {
		return messageType, nil, err
	}
	if int64(len(data)) > h.maxImageBytes {
		if _, err := io.Copy(io.Discard, r); err != nil {
			return messageType, nil, err
		}
		return messageType, nil, recommendation.ErrImageTooLarge
	}

	return messageType, data, nil
}

func (h *RecommendationHandler) processFrame(requestID string, frame []byte) (interface{}, error) {
	ctx := contextPkg.WithRequestID(context.Background(), requestID)
	if h.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.requestTimeout)
		defer cancel()
	}

	result, err := h.recommendationService.Process(ctx, frame)
	if err != nil {
		return nil, err
	}
	return result, nil
}
