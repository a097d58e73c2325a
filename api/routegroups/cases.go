package routegroups

import (
	"net/http"

	"berkut-cases/api/handlers"

	"github.com/go-chi/chi/v5"
)

type Guards struct {
	WithActor func(http.HandlerFunc) http.HandlerFunc
}

func RegisterCases(apiRouter chi.Router, g Guards, cases *handlers.CasesHandler) {
	apiRouter.Route("/cases", func(casesRouter chi.Router) {
		casesRouter.MethodFunc("GET", "/", g.WithActor(cases.List))
		casesRouter.MethodFunc("POST", "/", g.WithActor(cases.Create))
		casesRouter.MethodFunc("GET", "/{id:[0-9]+}", g.WithActor(cases.Get))
		casesRouter.MethodFunc("PUT", "/{id:[0-9]+}", g.WithActor(cases.Update))
		casesRouter.MethodFunc("POST", "/{id:[0-9]+}/close", g.WithActor(cases.Close))
		casesRouter.MethodFunc("GET", "/{id:[0-9]+}/stages", g.WithActor(cases.ListStages))
		casesRouter.MethodFunc("POST", "/{id:[0-9]+}/stages", g.WithActor(cases.AddStage))
		casesRouter.MethodFunc("GET", "/{id:[0-9]+}/stages/{stage_id:[0-9]+}", g.WithActor(cases.GetStage))
		casesRouter.MethodFunc("PUT", "/{id:[0-9]+}/stages/{stage_id:[0-9]+}", g.WithActor(cases.UpdateStage))
		casesRouter.MethodFunc("DELETE", "/{id:[0-9]+}/stages/{stage_id:[0-9]+}", g.WithActor(cases.DeleteStage))
		casesRouter.MethodFunc("POST", "/{id:[0-9]+}/stages/{stage_id:[0-9]+}/complete", g.WithActor(cases.CompleteStage))
		casesRouter.MethodFunc("GET", "/{id:[0-9]+}/stages/{stage_id:[0-9]+}/content", g.WithActor(cases.GetStageContent))
		casesRouter.MethodFunc("PUT", "/{id:[0-9]+}/stages/{stage_id:[0-9]+}/content", g.WithActor(cases.UpdateStageContent))
		casesRouter.MethodFunc("GET", "/{id:[0-9]+}/timeline", g.WithActor(cases.ListTimeline))
		casesRouter.MethodFunc("GET", "/{id:[0-9]+}/acl", g.WithActor(cases.GetACL))
		casesRouter.MethodFunc("PUT", "/{id:[0-9]+}/acl", g.WithActor(cases.UpdateACL))
	})
}
