// Package cli implements the casectl commands.
package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"berkut-cases/config"
	"berkut-cases/core/appbootstrap"
	"berkut-cases/core/caseclient"
	"berkut-cases/core/cases"
	"berkut-cases/core/casework"
	"berkut-cases/core/store"
	"berkut-cases/core/utils"

	"github.com/spf13/cobra"
)

var (
	configPath string
	dbPath     string
	serverURL  string
	userID     int64
	formatFlag string
	logLevel   string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:          "casectl",
	Short:        "Work on incident cases from the terminal",
	Long:         "Open incident cases, edit stage content, complete stages and close cases. Talks to a berkut-cases server, or directly to a database with --db.",
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("BERKUT_CONFIG"), "Path to config yaml")
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Work directly on this sqlite database instead of a server")
	RootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "Server base URL (default from config)")
	RootCmd.PersistentFlags().Int64VarP(&userID, "user", "u", 0, "Acting user id (default from config)")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "text", "Output format: text or json")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level for client diagnostics")
}

// remote is what the commands need beyond the session backend.
type remote interface {
	casework.Backend
	CreateCase(ctx context.Context, in cases.CreateCaseInput) (*store.Case, error)
	ListCases(ctx context.Context, filter store.CaseFilter) ([]store.Case, error)
	Timeline(ctx context.Context, caseID int64, eventType string) ([]store.TimelineEvent, error)
}

type localRemote struct {
	*casework.LocalBackend
	svc    *cases.Service
	userID int64
}

func (l *localRemote) CreateCase(ctx context.Context, in cases.CreateCaseInput) (*store.Case, error) {
	return l.svc.CreateCase(ctx, l.userID, in)
}

func (l *localRemote) ListCases(ctx context.Context, filter store.CaseFilter) ([]store.Case, error) {
	return l.svc.ListCases(ctx, l.userID, filter)
}

func (l *localRemote) Timeline(ctx context.Context, caseID int64, eventType string) ([]store.TimelineEvent, error) {
	return l.svc.Timeline(ctx, l.userID, caseID, eventType)
}

type conn struct {
	cfg    *config.AppConfig
	logger *utils.Logger
	remote remote
	close  func() error
}

func connect(cmd *cobra.Command) (*conn, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if userID > 0 {
		cfg.Client.UserID = userID
	}
	if cfg.Client.UserID <= 0 {
		return nil, fmt.Errorf("acting user is required (--user or BERKUT_CLIENT_USER_ID)")
	}
	logger := utils.NewLoggerWithWriter(cmd.ErrOrStderr(), logLevel)
	c := &conn{cfg: cfg, logger: logger, close: func() error { return nil }}
	if dbPath != "" {
		cfg.DBDriver = "sqlite"
		cfg.DBPath = dbPath
		svc, closeDB, err := appbootstrap.OpenService(cmd.Context(), cfg, logger)
		if err != nil {
			return nil, err
		}
		c.remote = &localRemote{LocalBackend: casework.NewLocalBackend(svc, cfg.Client.UserID), svc: svc, userID: cfg.Client.UserID}
		c.close = closeDB
		return c, nil
	}
	if serverURL != "" {
		cfg.Client.BaseURL = serverURL
	}
	c.remote = caseclient.New(cfg.Client, logger)
	return c, nil
}

// openCase connects and opens one case in a fresh session.
func openCase(cmd *cobra.Command, arg string) (*conn, *casework.Session, *casework.CaseView, error) {
	caseID, err := parseID(arg)
	if err != nil {
		return nil, nil, nil, err
	}
	c, err := connect(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	sess := casework.NewSession(c.remote, c.logger)
	view, err := sess.Open(cmd.Context(), caseID)
	if err != nil {
		c.close()
		return nil, nil, nil, err
	}
	return c, sess, view, nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}
