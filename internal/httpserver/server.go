package httpserver

import (
	"context"
	"encoding/base64"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/msunkaradtt/echoxr/internal/convo"
	"github.com/msunkaradtt/echoxr/internal/rtc"
	"github.com/msunkaradtt/echoxr/internal/vision"
)

// minConfidence filters out low-quality detections before they can trigger a
// conversation.
const minConfidence = 0.5

// OfferHandler negotiates a headset audio session.
type OfferHandler interface {
	HandleOffer(ctx context.Context, offer rtc.SessionDescription) (rtc.SessionDescription, error)
}

// Detector runs landmark inference on a camera frame.
type Detector interface {
	Detect(ctx context.Context, image []byte) ([]vision.Detection, error)
}

// LandmarkSink receives the labels of a detection pass.
type LandmarkSink interface {
	OnLandmarksDetected(labels []string)
}

// Conversation exposes the orchestrator surface the HTTP API needs.
type Conversation interface {
	State() convo.State
	ConversationID() string
	EndConversation()
}

// Deps bundles everything the routes touch.
type Deps struct {
	Offers   OfferHandler
	Detector Detector
	Bridge   LandmarkSink
	Convo    Conversation
}

// Server is the HTTP front of the guide service.
type Server struct {
	Echo *echo.Echo
}

// New builds the configured echo instance with all routes registered.
func New(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	e.POST("/session", func(c echo.Context) error {
		var offer rtc.SessionDescription
		if err := c.Bind(&offer); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid offer"})
		}
		answer, err := deps.Offers.HandleOffer(c.Request().Context(), offer)
		if err != nil {
			log.Printf("http: handle offer: %v", err)
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "session setup failed"})
		}
		return c.JSON(http.StatusOK, answer)
	})

	e.POST("/frame", func(c echo.Context) error {
		var req frameRequest
		if err := c.Bind(&req); err != nil || req.Image == "" {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "missing image"})
		}
		image, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "image is not valid base64"})
		}
		detections, err := deps.Detector.Detect(c.Request().Context(), image)
		if err != nil {
			log.Printf("http: frame inference: %v", err)
			return c.JSON(http.StatusBadGateway, echo.Map{"error": "inference failed"})
		}
		labels := confidentLabels(detections)
		if len(labels) > 0 {
			deps.Bridge.OnLandmarksDetected(labels)
		}
		return c.JSON(http.StatusOK, frameResponse{Detections: detections, Labels: labels})
	})

	e.GET("/conversation", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{
			"state":           deps.Convo.State().String(),
			"conversation_id": deps.Convo.ConversationID(),
		})
	})

	e.POST("/conversation/end", func(c echo.Context) error {
		deps.Convo.EndConversation()
		return c.NoContent(http.StatusNoContent)
	})

	return &Server{Echo: e}
}

type frameRequest struct {
	Image string `json:"image"`
}

type frameResponse struct {
	Detections []vision.Detection `json:"detections"`
	Labels     []string           `json:"labels"`
}

// confidentLabels keeps detection labels above the confidence floor, in
// detection order, without duplicates.
func confidentLabels(detections []vision.Detection) []string {
	var labels []string
	seen := make(map[string]struct{})
	for _, d := range detections {
		if d.Confidence < minConfidence {
			continue
		}
		if _, ok := seen[d.Label]; ok {
			continue
		}
		seen[d.Label] = struct{}{}
		labels = append(labels, d.Label)
	}
	return labels
}
