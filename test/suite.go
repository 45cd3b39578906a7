//go:build integration

// Package test runs the marketplace against real postgres and kafka containers.
//
// Run with: go test -tags integration ./test/...
package test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/juaninavos/jerseymarket/core/access"
	"github.com/juaninavos/jerseymarket/core/backend"
	"github.com/juaninavos/jerseymarket/core/client"
	"github.com/juaninavos/jerseymarket/core/csql"
)

const (
	adminEmail    = "admin@jerseys.test"
	adminPassword = "correct horse battery"
	outboxTopic   = "jersey-market-events-test"
)

// IntegrationTestSuite starts postgres and kafka once and serves a backend on a test server.
// The backend's clock is controlled by the suite.
type IntegrationTestSuite struct {
	*backend.Backend
	suite.Suite

	srv    *httptest.Server
	router *mux.Router
	dbConn *csql.DB
	client client.Client
	admin  client.Client

	clockLock sync.Mutex
	clock     time.Time

	network           testcontainers.Network
	kafkaContainer    testcontainers.Container
	postgresContainer testcontainers.Container
	kafkaConn         *kafka.Conn
	kafkaAddr         string
}

func (s *IntegrationTestSuite) now() time.Time {
	s.clockLock.Lock()
	defer s.clockLock.Unlock()
	return s.clock
}

// advance moves the backend's clock forward
func (s *IntegrationTestSuite) advance(d time.Duration) {
	s.clockLock.Lock()
	defer s.clockLock.Unlock()
	s.clock = s.clock.Add(d)
}

func (s *IntegrationTestSuite) createTopic(topic string, numPartitions int) error {
	if s.kafkaConn == nil {
		return fmt.Errorf("kafka connection is not established")
	}
	err := s.kafkaConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     numPartitions,
		ReplicationFactor: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	return nil
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()
	s.clock = time.Now().UTC().Truncate(time.Millisecond)

	networkName := fmt.Sprintf("jersey-market-test_%d", time.Now().Unix())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name:           networkName,
			CheckDuplicate: true,
		},
	})
	s.Require().NoError(err)
	s.network = network

	postgresUser, postgresPassword, postgresDB := "testuser", "testpass", "testdb"
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     postgresUser,
				"POSTGRES_PASSWORD": postgresPassword,
				"POSTGRES_DB":       postgresDB,
			},
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"postgres"}},
			WaitingFor:     wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC

	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	_, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "confluentinc/cp-zookeeper:7.5.0",
			ExposedPorts: []string{"2181/tcp"},
			Env: map[string]string{
				"ZOOKEEPER_CLIENT_PORT": "2181",
				"ZOOKEEPER_TICK_TIME":   "2000",
			},
			WaitingFor:     wait.ForListeningPort("2181/tcp"),
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"zookeeper"}},
		},
		Started: true,
	})
	s.Require().NoError(err)

	kafkaC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "confluentinc/cp-kafka:7.5.0",
			ExposedPorts: []string{"9092:9092/tcp"},
			Env: map[string]string{
				"KAFKA_BROKER_ID":                        "1",
				"KAFKA_ZOOKEEPER_CONNECT":                "zookeeper:2181",
				"KAFKA_LISTENERS":                        "PLAINTEXT://0.0.0.0:9092,INTERNAL://0.0.0.0:9093",
				"KAFKA_ADVERTISED_LISTENERS":             "PLAINTEXT://localhost:9092,INTERNAL://kafka:9093",
				"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":   "PLAINTEXT:PLAINTEXT,INTERNAL:PLAINTEXT",
				"KAFKA_INTER_BROKER_LISTENER_NAME":       "INTERNAL",
				"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR": "1",
			},
			WaitingFor:     wait.ForLog("started (kafka.server.KafkaServer)"),
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"kafka"}},
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.kafkaContainer = kafkaC

	kafkaHost, err := kafkaC.Host(ctx)
	s.Require().NoError(err)
	kafkaPort, err := kafkaC.MappedPort(ctx, "9092")
	s.Require().NoError(err)
	s.kafkaAddr = fmt.Sprintf("%s:%s", kafkaHost, kafkaPort.Port())
	s.kafkaConn, err = kafka.Dial("tcp", s.kafkaAddr)
	s.Require().NoError(err)
	s.Require().NoError(s.createTopic(outboxTopic, 3))

	s.dbConn = csql.OpenWithSchema(fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable",
		pgHost, pgPort.Port(), postgresUser, postgresDB), postgresPassword, "market")

	s.router = mux.NewRouter()
	s.Backend = backend.New(&backend.Builder{
		DB:                  s.dbConn,
		Router:              s.router,
		UpdateSchema:        true,
		JwtSecret:           []byte("integration-secret"),
		JwtIssuer:           "jersey-market-test",
		KafkaBrokers:        []string{s.kafkaAddr},
		OutboxTopic:         outboxTopic,
		PipelineConcurrency: 1,
		LoginRateLimit:      1000,
		BidRateLimit:        1000,
		AdminEmail:          adminEmail,
		AdminPassword:       adminPassword,
		Now:                 s.now,
	})

	s.srv = httptest.NewServer(s.router)
	s.client = client.NewWithURL(s.srv.URL)

	var login struct {
		Token string `json:"token"`
	}
	_, err = s.client.RawPost("/auth/login", map[string]string{"email": adminEmail, "password": adminPassword}, &login)
	s.Require().NoError(err)
	s.admin = s.client.WithToken(login.Token)
}

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()
	if s.srv != nil {
		s.srv.Close()
	}
	if s.Backend != nil {
		s.Require().NoError(s.Close())
	}
	if s.kafkaConn != nil {
		s.kafkaConn.Close()
	}
	if s.kafkaContainer != nil {
		s.Require().NoError(s.kafkaContainer.Terminate(ctx))
	}
	if s.postgresContainer != nil {
		s.Require().NoError(s.postgresContainer.Terminate(ctx))
	}
	if s.network != nil {
		s.Require().NoError(s.network.Remove(ctx))
	}
}

// account registers a new user and returns its ID and a client with its token
func (s *IntegrationTestSuite) account(roles ...string) (uuid.UUID, client.Client) {
	email := uuid.NewString() + "@jerseys.test"
	var account backend.Account
	status, err := s.client.RawPost("/auth/register", map[string]string{
		"email":    email,
		"password": "correct horse battery",
		"name":     "fan",
	}, &account)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusCreated, status)
	if len(roles) == 0 {
		roles = []string{access.RoleUser}
	}
	token, _, err := s.Tokens().Issue(account.AccountID, email, roles)
	s.Require().NoError(err)
	return account.AccountID, s.client.WithToken(token)
}

// paymentMethod creates an active payment method
func (s *IntegrationTestSuite) paymentMethod() uuid.UUID {
	var method backend.PaymentMethod
	_, err := s.admin.RawPost("/admin/payment-methods", map[string]string{"name": "transfer " + uuid.NewString()}, &method)
	s.Require().NoError(err)
	return method.PaymentMethodID
}

// jersey lists a jersey for the seller
func (s *IntegrationTestSuite) jersey(seller client.Client, price int64, stock int) uuid.UUID {
	var jersey struct {
		JerseyID uuid.UUID `json:"jersey_id"`
	}
	status, err := seller.RawPost("/jerseys", map[string]interface{}{
		"title":   "1986 away",
		"price":   price,
		"stock":   stock,
		"details": map[string]interface{}{"team": "Argentina", "season": "1986", "size": "L"},
	}, &jersey)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusCreated, status)
	return jersey.JerseyID
}
