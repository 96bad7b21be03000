package main

import (
	"database/sql"
	"net/http"

	"github.com/MarcoPoloResearchLab/accounts/internal/config"
	"github.com/MarcoPoloResearchLab/accounts/internal/database"
	"github.com/MarcoPoloResearchLab/accounts/internal/idp"
	"github.com/MarcoPoloResearchLab/accounts/internal/metrics"
	"github.com/MarcoPoloResearchLab/accounts/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// application holds the components shared by the serve and resync commands.
type application struct {
	accounts   *users.Service
	metrics    *metrics.Metrics
	httpClient *http.Client
	sqlDB      *sql.DB
}

func newApplication(appConfig config.AppConfig, logger *zap.Logger) (*application, error) {
	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(registry)

	httpClient := &http.Client{Timeout: appConfig.IdP.Timeout}

	tokens, err := idp.NewTokenCache(idp.TokenCacheConfig{
		TokenURL:     appConfig.IdP.TokenURL(),
		ClientID:     appConfig.IdP.ClientID,
		ClientSecret: appConfig.IdP.ClientSecret,
		Audience:     appConfig.IdP.Audience,
		HTTPClient:   httpClient,
		Timeout:      appConfig.IdP.Timeout,
		Logger:       logger,
		Recorder:     recorder,
	})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	managementClient, err := idp.NewClient(idp.ClientConfig{
		BaseURL:    appConfig.IdP.BaseURL,
		Tokens:     tokens,
		HTTPClient: httpClient,
		Timeout:    appConfig.IdP.Timeout,
		Logger:     logger,
		Recorder:   recorder,
	})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	profiles, err := idp.NewProfileStore(managementClient, appConfig.IdP.ClientID)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	credentials, err := idp.NewCredentialChecker(idp.CredentialCheckerConfig{
		TokenURL:     appConfig.IdP.TokenURL(),
		ClientID:     appConfig.IdP.ClientID,
		ClientSecret: appConfig.IdP.ClientSecret,
		Audience:     appConfig.IdP.Audience,
		HTTPClient:   httpClient,
		Timeout:      appConfig.IdP.Timeout,
		Logger:       logger,
	})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	accounts, err := users.NewService(users.ServiceConfig{
		Database:          db,
		Profiles:          profiles,
		Credentials:       credentials,
		DefaultConnection: appConfig.IdP.DefaultConnection,
		PasswordCost:      appConfig.PasswordCost,
		Logger:            logger,
		Recorder:          recorder,
	})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &application{
		accounts:   accounts,
		metrics:    recorder,
		httpClient: httpClient,
		sqlDB:      sqlDB,
	}, nil
}

func (a *application) Close() error {
	return a.sqlDB.Close()
}
