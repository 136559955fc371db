package planimg

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Server struct {
	AppServer     *http.Server
	MetricsServer *http.Server
	ctx           *AppContext
	appRouter     *mux.Router
	metricsRouter *mux.Router
}

// route - one entry of the dispatch table
type route struct {
	method  string
	path    string
	handler http.Handler
}

func (s *Server) MetricsRouter() *mux.Router {
	return s.metricsRouter
}

func (s *Server) AppRouter() http.Handler {
	return withAccessLog(log.Logger)(corsMiddleware(s.ctx.Config)(s.appRouter))
}

func NewServer(ctx *AppContext) *Server {
	var s = &Server{
		appRouter:     mux.NewRouter(),
		metricsRouter: mux.NewRouter(),
		ctx:           ctx,
	}
	s.initRoutes()
	return s
}

func (s *Server) Shutdown(ctx context.Context) error {
	var err = s.AppServer.Shutdown(ctx)
	if err != nil {
		return err
	}
	return s.MetricsServer.Shutdown(ctx)
}

func (s *Server) routes() []route {
	var throttler = NewThrottler(s.ctx.Config)
	var withCtx = withSession(s.ctx)

	return []route{
		{"POST", "/api/images/", throttler.Throttle(
			withCtx(authenticate(requirePlan(handleCreateImage))))},
		{"GET", "/api/images/", withCtx(authenticate(requirePlan(handleListImages)))},
		{"DELETE", "/api/images/{imageId}", withCtx(authenticate(requirePlan(handleDeleteImage)))},
		{"GET", "/api/images/links/{linkId}", withCtx(handleLink)},
		{"GET", "/healthz", handleHealth(s.ctx)},
	}
}

func (s *Server) initRoutes() {

	s.appRouter.Use(recoverFromPanic)

	for _, r := range s.routes() {
		s.appRouter.Handle(r.path, r.handler).Methods(r.method)
	}

	s.metricsRouter.Handle("/metrics", promhttp.Handler())
	s.metricsRouter.HandleFunc("/free", handleFree).Methods("POST")

	s.AppServer = &http.Server{
		Addr:    s.ctx.Config.AppAddress,
		Handler: s.AppRouter(),
	}

	s.MetricsServer = &http.Server{
		Addr:    s.ctx.Config.MetricsAddress,
		Handler: s.MetricsRouter(),
	}

}
