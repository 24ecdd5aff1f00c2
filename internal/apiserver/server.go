// Package apiserver is the HTTP front door for endpoint lifecycle
// operations. Every mutating call is an asynchronous acceptance; callers
// poll the status endpoint to observe progress.
package apiserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/modelserve-sh/controller/internal/controller"
	"github.com/modelserve-sh/controller/internal/model"
	"github.com/modelserve-sh/controller/internal/registry"
	"github.com/modelserve-sh/controller/internal/rollback"
)

type Handler struct {
	controller *controller.Controller
}

func NewHandler(ctrl *controller.Controller) *Handler {
	return &Handler{controller: ctrl}
}

type DeployRequest struct {
	Spec        model.EndpointSpec `json:"spec"`
	BackendKind model.BackendKind  `json:"backendKind"`
}

type UpdateRequest struct {
	Spec model.EndpointSpec `json:"spec"`
}

type AcceptedResponse struct {
	EndpointID string `json:"endpointId"`
	Status     string `json:"status"`
}

func (h *Handler) DeployEndpoint(c *gin.Context) {
	var req DeployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.BackendKind == "" {
		req.BackendKind = model.BackendManaged
	}

	id, err := h.controller.Deploy(c.Request.Context(), req.Spec, req.BackendKind)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrInvalidSpec):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, registry.ErrRouteConflict):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, AcceptedResponse{
		EndpointID: id,
		Status:     string(model.StatusDeploying),
	})
}

func (h *Handler) UpdateEndpoint(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := c.Param("id")
	if err := h.controller.Update(c.Request.Context(), id, req.Spec); err != nil {
		switch {
		case errors.Is(err, model.ErrInvalidSpec):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case registry.IsNotFound(err):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, AcceptedResponse{
		EndpointID: id,
		Status:     string(model.StatusDeploying),
	})
}

func (h *Handler) GetEndpointStatus(c *gin.Context) {
	view, err := h.controller.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		if registry.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) RollbackEndpoint(c *gin.Context) {
	id := c.Param("id")
	if err := h.controller.RequestRollback(c.Request.Context(), id); err != nil {
		switch {
		case registry.IsNotFound(err):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, rollback.ErrUnavailable):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, AcceptedResponse{
		EndpointID: id,
		Status:     string(model.StatusRollingBack),
	})
}

func (h *Handler) DeleteEndpoint(c *gin.Context) {
	id := c.Param("id")
	if err := h.controller.RequestDelete(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, AcceptedResponse{
		EndpointID: id,
		Status:     string(model.StatusDeleted),
	})
}

// Router builds the gin engine with all lifecycle routes registered.
func Router(handler *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	v1 := engine.Group("/v1")
	{
		v1.POST("/endpoints", handler.DeployEndpoint)
		v1.GET("/endpoints/:id", handler.GetEndpointStatus)
		v1.PUT("/endpoints/:id", handler.UpdateEndpoint)
		v1.POST("/endpoints/:id/rollback", handler.RollbackEndpoint)
		v1.DELETE("/endpoints/:id", handler.DeleteEndpoint)
	}
	return engine
}

// Server runs the front door as a manager.Runnable.
type Server struct {
	addr   string
	engine *gin.Engine
}

func NewServer(addr string, handler *Handler) *Server {
	return &Server{
		addr:   addr,
		engine: Router(handler),
	}
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("api-server")

	server := &http.Server{
		Addr:    s.addr,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting API server", "addr", s.addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
