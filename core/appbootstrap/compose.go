package appbootstrap

import (
	"database/sql"

	"berkut-cases/api"
	"berkut-cases/config"
	"berkut-cases/core/cases"
	"berkut-cases/core/rbac"
	"berkut-cases/core/store"
	"berkut-cases/core/utils"
)

type runtimeComposition struct {
	serverDeps api.ServerDeps
	workers    []api.BackgroundWorker
}

func composeRuntime(cfg *config.AppConfig, db *sql.DB, logger *utils.Logger) (*runtimeComposition, error) {
	casesSvc, err := composeCases(cfg, db, logger)
	if err != nil {
		return nil, err
	}
	return &runtimeComposition{
		serverDeps: api.ServerDeps{
			CasesSvc: casesSvc,
		},
	}, nil
}

func composeCases(cfg *config.AppConfig, db *sql.DB, logger *utils.Logger) (*cases.Service, error) {
	casesStore := store.NewCasesStore(db)
	enforcer, err := rbac.NewCaseEnforcer(casesStore, cfg.Cases.AdminUserIDs)
	if err != nil {
		return nil, err
	}
	return cases.NewService(cfg, casesStore, enforcer, logger), nil
}
