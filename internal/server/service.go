package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humafiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/healthcheck"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kgantsov/dslot/internal/domain"
)

// Node is the replicated coordination tree the HTTP API is served from.
type Node interface {
	// Join joins the node, identitifed by nodeID and reachable at addr, to the cluster.
	Join(nodeID string, addr string) error

	CreateSession(ctx context.Context, timeout time.Duration) (uint64, error)
	KeepAlive(ctx context.Context, sessionID uint64) error
	CloseSession(ctx context.Context, sessionID uint64) error

	Create(ctx context.Context, sessionID uint64, path string, data []byte, flags domain.CreateFlag) (string, error)
	CreateGuarded(
		ctx context.Context,
		sessionID uint64,
		guard domain.Guard,
		path string,
		data []byte,
		flags domain.CreateFlag,
	) (string, error)
	Set(ctx context.Context, path string, data []byte, version int32) (*domain.Stat, error)
	Delete(ctx context.Context, path string, version int32) error

	Get(path string) (*domain.Node, error)
	Children(path string) ([]string, error)
	Watch(kind domain.WatchKind, path string) (<-chan domain.Event, func())

	NodeID() string
	IsLeader() bool
	Leader() domain.LeaderInfo
}

// fiberprometheus registers its collectors globally, so every router of the
// process shares one instance.
var httpMetrics = sync.OnceValue(func() *fiberprometheus.FiberPrometheus {
	return fiberprometheus.New("dslot")
})

// Service provides HTTP service.
type Service struct {
	api      huma.API
	router   *fiber.App
	h        *Handler
	httpAddr string
}

// New returns an uninitialized HTTP service.
func New(httpAddr string, node Node) *Service {
	router := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		// watches are long polls
		ReadTimeout:  90 * time.Second,
		WriteTimeout: 90 * time.Second,
	})
	api := humafiber.New(
		router, huma.DefaultConfig("DSlot a distributed slot coordinator", "1.0.0"),
	)

	h := &Handler{
		node: node,
	}
	h.ConfigureMiddleware(router)
	h.RegisterRoutes(api)

	return &Service{
		api:      api,
		router:   router,
		h:        h,
		httpAddr: httpAddr,
	}
}

func (h *Handler) ConfigureMiddleware(router *fiber.App) {
	router.Use(logger.New(logger.Config{
		TimeFormat: "2006-01-02T15:04:05.999Z0700",
		TimeZone:   "Local",
		Format:     "${time} [INFO] ${locals:requestid} ${method} ${path} ${status} ${latency} ${error}\n",
	}))

	router.Use(healthcheck.New())
	router.Use(helmet.New())

	router.Use(requestid.New())

	prometheus := httpMetrics()
	prometheus.RegisterAt(router, "/metrics")
	router.Use(prometheus.Middleware)

	router.Get("/service/metrics", monitor.New())
	router.Use(recover.New())
}

func (h *Handler) RegisterRoutes(api huma.API) {
	huma.Register(
		api,
		huma.Operation{
			OperationID: "raft-join",
			Method:      http.MethodPost,
			Path:        "/join",
			Summary:     "Join cluster",
			Description: "An endpoint for joining cluster used that by raft consensus protocol",
			Tags:        []string{"raft"},
		},
		h.Join,
	)
	huma.Register(
		api,
		huma.Operation{
			OperationID: "cluster-status",
			Method:      http.MethodGet,
			Path:        "/api/v1/status",
			Summary:     "Cluster status",
			Description: "Returns this node's ID and the current leader",
			Tags:        []string{"raft"},
		},
		h.Status,
	)

	huma.Register(
		api,
		huma.Operation{
			OperationID: "create-session",
			Method:      http.MethodPost,
			Path:        "/api/v1/sessions",
			Summary:     "Create session",
			Description: "Creates a session that owns ephemeral nodes until it expires",
			Tags:        []string{"Sessions"},
		},
		h.CreateSession,
	)
	huma.Register(
		api,
		huma.Operation{
			OperationID: "keepalive-session",
			Method:      http.MethodPut,
			Path:        "/api/v1/sessions/{id}/keepalive",
			Summary:     "Keep session alive",
			Description: "Resets the expiry timer of a session",
			Tags:        []string{"Sessions"},
		},
		h.KeepAlive,
	)
	huma.Register(
		api,
		huma.Operation{
			OperationID: "close-session",
			Method:      http.MethodDelete,
			Path:        "/api/v1/sessions/{id}",
			Summary:     "Close session",
			Description: "Closes a session and deletes its ephemeral nodes",
			Tags:        []string{"Sessions"},
		},
		h.CloseSession,
	)

	huma.Register(
		api,
		huma.Operation{
			OperationID:   "create-node",
			Method:        http.MethodPost,
			Path:          "/api/v1/nodes",
			Summary:       "Create node",
			Description:   "Creates a node, optionally guarded by the version of another node",
			Tags:          []string{"Nodes"},
			DefaultStatus: http.StatusCreated,
		},
		h.CreateNode,
	)
	huma.Register(
		api,
		huma.Operation{
			OperationID: "get-node",
			Method:      http.MethodGet,
			Path:        "/api/v1/nodes",
			Summary:     "Get node",
			Description: "Returns the data and metadata of a node",
			Tags:        []string{"Nodes"},
		},
		h.GetNode,
	)
	huma.Register(
		api,
		huma.Operation{
			OperationID: "set-node",
			Method:      http.MethodPut,
			Path:        "/api/v1/nodes",
			Summary:     "Set node data",
			Description: "Replaces the data of a node if its version matches",
			Tags:        []string{"Nodes"},
		},
		h.SetNode,
	)
	huma.Register(
		api,
		huma.Operation{
			OperationID: "delete-node",
			Method:      http.MethodDelete,
			Path:        "/api/v1/nodes",
			Summary:     "Delete node",
			Description: "Deletes a node if its version matches",
			Tags:        []string{"Nodes"},
		},
		h.DeleteNode,
	)
	huma.Register(
		api,
		huma.Operation{
			OperationID: "list-children",
			Method:      http.MethodGet,
			Path:        "/api/v1/children",
			Summary:     "List children",
			Description: "Returns the sorted names of the children of a node",
			Tags:        []string{"Nodes"},
		},
		h.Children,
	)
	huma.Register(
		api,
		huma.Operation{
			OperationID: "watch-node",
			Method:      http.MethodGet,
			Path:        "/api/v1/watch",
			Summary:     "Watch node",
			Description: "Waits until a node or its children change",
			Tags:        []string{"Watches"},
		},
		h.Watch,
	)
}

// Start starts the service.
func (s *Service) Start() error {
	return s.router.Listen(fmt.Sprintf(":%s", s.httpAddr))
}

// Listener serves the API on an already bound listener.
func (s *Service) Listener(ln net.Listener) error {
	return s.router.Listener(ln)
}

// Close closes the service.
func (s *Service) Close() error {
	return s.router.ShutdownWithTimeout(5 * time.Second)
}
