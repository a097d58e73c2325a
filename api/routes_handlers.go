package api

import (
	"net/http"

	"berkut-cases/api/handlers"
	"berkut-cases/api/routegroups"

	"github.com/go-chi/chi/v5"
)

type routeHandlers struct {
	cases *handlers.CasesHandler
}

func (s *Server) newRouteHandlers() routeHandlers {
	return routeHandlers{
		cases: handlers.NewCasesHandler(s.cfg, s.casesSvc, s.logger),
	}
}

func (s *Server) registerCasesRoutes(apiRouter chi.Router, h routeHandlers) {
	routegroups.RegisterCases(apiRouter, routegroups.Guards{
		WithActor: func(next http.HandlerFunc) http.HandlerFunc { return s.withActor(next) },
	}, h.cases)
}
