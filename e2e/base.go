package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"negotiation-lab/api"
	"negotiation-lab/domain/event"
	grpc2 "negotiation-lab/grpc"
	"negotiation-lab/identity"
	"negotiation-lab/moderation"
	"negotiation-lab/negotiation"
	"negotiation-lab/projection"
	"negotiation-lab/repositories"
	"negotiation-lab/runtime"
	"negotiation-lab/runtime/workers"
	"negotiation-lab/telemetry"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gookit/color"
	"github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/suite"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

type BaseSuite struct {
	suite.Suite
	Config   Config
	verifier *identity.Verifier
	stop     func()
}

// SetupSuite loads the configuration and starts an in-process negotiator
// unless an external one is targeted.
func (s *BaseSuite) SetupSuite() {
	var err error
	s.Config, err = LoadConfig()
	s.Require().NoError(err)
	s.verifier, err = identity.NewVerifier(s.Config.JWTSecret)
	s.Require().NoError(err)
	if s.Config.HTTPURL == "" {
		s.startLocal()
	}
}

func (s *BaseSuite) TearDownSuite() {
	if s.stop != nil {
		s.stop()
	}
}

func (s *BaseSuite) startLocal() {
	log := logs.GetLoggerFromLevel(slog.LevelWarn)
	db, err := repositories.OpenBadger("", false)
	s.Require().NoError(err)

	dictionary, err := moderation.LoadDictionary()
	s.Require().NoError(err)
	moderator, err := moderation.NewModerator(dictionary.Words, '*', log)
	s.Require().NoError(err)

	sup := workers.NewSupervisor(log, 0)
	orchestrator := runtime.NewOrchestrator(log, sup, runtime.NewRegistry(),
		repositories.NewConversationRepository(db),
		negotiation.NewMachine(log, repositories.NewOfferLedger(db, log), moderator),
		runtime.Config{})
	activities := telemetry.NewSink(log, repositories.NewIdempotencyRepository(db), 64)
	health := grpc2.NewHealthServer(log, orchestrator.Running, 20*time.Millisecond)
	sup.Add(workers.NewTelemetryWorker(log, activities, repositories.NewActivityRepository(db, log, nil), time.Second), health)
	s.Require().NoError(orchestrator.Start(context.Background()))

	httpServer := httptest.NewServer(api.NewServer(log, orchestrator, activities, s.verifier, api.Config{}).Handler())
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	grpcServer := grpc.NewServer()
	health.Register(grpcServer)
	go func() { _ = grpcServer.Serve(listener) }()

	s.Config.HTTPURL = httpServer.URL
	s.Config.GRPCAddr = listener.Addr().String()
	s.stop = func() {
		grpcServer.Stop()
		httpServer.Close()
		orchestrator.Stop()
		_ = db.Close()
	}
}

// Step prints a header for a scenario step.
func (s *BaseSuite) Step(name string) {
	header := fmt.Sprintf("  ====== %s ======", name)
	if s.Config.Colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	s.T().Log(header)
}

func (s *BaseSuite) Token(userID string) string {
	token, err := s.verifier.GenerateToken(userID, time.Hour)
	s.Require().NoError(err)
	return token
}

// Call sends a JSON request as userID and decodes the JSON answer into out when given.
func (s *BaseSuite) Call(userID, method, path string, body, out any) int {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.Config.HTTPURL+path, reader)
	s.Require().NoError(err)
	req.Header.Set("Authorization", "Bearer "+s.Token(userID))
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	s.T().Logf("HTTP %s %s [%d]", method, path, resp.StatusCode)
	if out != nil && len(raw) > 0 && resp.StatusCode < 300 {
		s.Require().NoError(json.Unmarshal(raw, out), string(raw))
	}
	return resp.StatusCode
}

// Participant is a websocket client folding what it receives into a timeline.
type Participant struct {
	UserID   string
	Conn     *websocket.Conn
	Timeline *projection.Timeline
	received chan event.Envelope
}

func (s *BaseSuite) Connect(userID, conversationID string) *Participant {
	url := "ws" + strings.TrimPrefix(s.Config.HTTPURL, "http") +
		"/conversations/" + conversationID + "/ws?access_token=" + s.Token(userID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	s.Require().NoError(err)

	p := &Participant{
		UserID:   userID,
		Conn:     conn,
		Timeline: projection.NewTimeline(userID),
		received: make(chan event.Envelope, 64),
	}
	go func() {
		defer close(p.received)
		for {
			var e event.Envelope
			if err := conn.ReadJSON(&e); err != nil {
				return
			}
			_ = p.Timeline.Consume(context.Background(), e)
			p.received <- e
		}
	}()
	return p
}

// Next waits for the next envelope received by p.
func (s *BaseSuite) Next(p *Participant) event.Envelope {
	select {
	case e, ok := <-p.received:
		s.Require().True(ok, "connection of %s closed", p.UserID)
		return e
	case <-time.After(3 * time.Second):
		s.FailNow("no envelope", "participant %s", p.UserID)
		return event.Envelope{}
	}
}

// GrpcConn connects to the health endpoint, logging every call.
func (s *BaseSuite) GrpcConn() *grpc.ClientConn {
	marshaler := protojson.MarshalOptions{UseProtoNames: true, EmitUnpopulated: true}
	conn, err := grpc.NewClient(s.Config.GRPCAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
			start := time.Now()
			err := invoker(ctx, method, req, reply, cc, opts...)
			line := fmt.Sprintf("GRPC %s [%s] in %v", method, status.Code(err), time.Since(start))
			if s.Config.DebugJSON && err == nil {
				line += " " + marshaler.Format(reply.(proto.Message))
			}
			s.T().Log(line)
			return err
		}),
	)
	s.Require().NoError(err, "Failed to connect to gRPC server at "+s.Config.GRPCAddr)
	return conn
}
