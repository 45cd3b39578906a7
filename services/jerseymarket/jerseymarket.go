package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"

	"github.com/juaninavos/jerseymarket/core/access"
	"github.com/juaninavos/jerseymarket/core/backend"
	"github.com/juaninavos/jerseymarket/core/csql"
	"github.com/juaninavos/jerseymarket/core/logger"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type Service struct {
	Postgres         string        `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string        `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	Schema           string        `env:"SCHEMA,default=market" description:"the database schema of the marketplace"`
	Port             string        `env:"PORT,default=3000" description:"the http port"`
	JwtIssuer        string        `env:"JWT_ISSUER,default=jersey-market" description:"the issuer claim of access tokens"`
	JwtSecret        string        `env:"JWT_SECRET,optional" description:"the secret signing access tokens, generated and stored in the database if empty"`
	TokenLifetime    time.Duration `env:"TOKEN_LIFETIME,default=24h" description:"how long access tokens are valid"`
	KafkaBrokers     string        `env:"KAFKA_BROKERS,optional" description:"comma separated kafka brokers for the outbox relay"`
	OutboxTopic      string        `env:"OUTBOX_TOPIC,default=jersey-market-events" description:"the kafka topic for marketplace events"`
	LogLevel         string        `env:"LOG_LEVEL,default=info" description:"the log level (debug, info, warning, error)"`
	LogJSON          bool          `env:"LOG_JSON,default=false" description:"log JSON objects instead of text"`
	BackdoorToken    string        `env:"BACKDOOR_TOKEN,optional" description:"a fixed admin bearer token, for development only"`
	AdminEmail       string        `env:"ADMIN_EMAIL,optional" description:"creates this admin account on startup"`
	AdminPassword    string        `env:"ADMIN_PASSWORD,optional" description:"the password of the admin account"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(logger.ParseLevel(service.LogLevel), service.LogJSON)
	rlog := logger.Default()

	db := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, service.Schema)
	defer db.Close()

	var brokers []string
	for _, broker := range strings.Split(service.KafkaBrokers, ",") {
		if broker = strings.TrimSpace(broker); len(broker) > 0 {
			brokers = append(brokers, broker)
		}
	}
	var backdoors map[string]access.Authorization
	if len(service.BackdoorToken) > 0 {
		rlog.Warnln("backdoor token is enabled")
		backdoors = map[string]access.Authorization{
			service.BackdoorToken: {Roles: []string{access.RoleAdmin}},
		}
	}

	router := mux.NewRouter()
	b := backend.New(&backend.Builder{
		DB:            db,
		Router:        router,
		UpdateSchema:  true,
		JwtSecret:     []byte(service.JwtSecret),
		JwtIssuer:     service.JwtIssuer,
		TokenLifetime: service.TokenLifetime,
		Backdoors:     backdoors,
		KafkaBrokers:  brokers,
		OutboxTopic:   service.OutboxTopic,
		AdminEmail:    service.AdminEmail,
		AdminPassword: service.AdminPassword,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b.ProcessJobsAsync(time.Minute)
	b.StartScheduler()
	b.ProcessOutboxAsync(ctx, 5*time.Second)

	server := &http.Server{
		Addr:              ":" + service.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		rlog.Infoln("listen on port :" + service.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rlog.WithError(err).Fatalln("http server failed")
		}
	}()

	<-ctx.Done()
	rlog.Infoln("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		rlog.WithError(err).Errorln("http server shutdown")
	}
	if err := b.Close(); err != nil {
		rlog.WithError(err).Errorln("backend close")
	}
}
