package e2e

import (
	"context"
	"negotiation-lab/domain"
	"negotiation-lab/domain/event"
	grpc2 "negotiation-lab/grpc"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type testNegotiationSuite struct {
	BaseSuite
}

func TestNegotiationSuite(t *testing.T) {
	suite.Run(t, &testNegotiationSuite{})
}

type conversationBody struct {
	Conversation domain.Conversation `json:"conversation"`
	Latest       *domain.Offer       `json:"latest"`
}

type replyBody struct {
	Seq   uint64        `json:"seq"`
	Offer *domain.Offer `json:"offer"`
}

type historyBody struct {
	Offers []domain.Offer `json:"offers"`
}

func (s *testNegotiationSuite) TestHealth() {
	s.Step("gRPC health reports serving")
	conn := s.GrpcConn()
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	s.Eventually(func() bool {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: grpc2.ServiceName})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING
	}, 3*time.Second, 20*time.Millisecond)
}

// Buyer proposes, seller counters, buyer accepts: both sides see the same
// ordered envelopes and the ledger holds the two offers.
func (s *testNegotiationSuite) TestCounterThenAccept() {
	var conversation conversationBody
	s.Step("Buyer opens a conversation")
	s.Require().Equal(http.StatusCreated, s.Call("alice", http.MethodPost, "/conversations",
		map[string]string{"listingId": "bike-42", "sellerId": "bob"}, &conversation))
	id := conversation.Conversation.ID
	path := "/conversations/" + id

	s.Step("Both parties connect, the buyer's read cursor is replayed")
	s.Require().Equal(http.StatusOK, s.Call("alice", http.MethodPost, path+"/read", map[string]any{"cursor": 3}, nil))
	buyer := s.Connect("alice", id)
	defer buyer.Conn.Close()
	seller := s.Connect("bob", id)
	defer seller.Conn.Close()
	s.Require().True(s.Next(buyer).Replay)
	s.Require().True(s.Next(seller).Replay)

	s.Step("Buyer proposes 100 USD with an off-platform payment hint")
	var proposed replyBody
	s.Require().Equal(http.StatusOK, s.Call("alice", http.MethodPost, path+"/offers",
		map[string]any{"amount": "100", "currency": "USD", "message": "I can pay by western union"}, &proposed))
	s.Require().NotContains(proposed.Offer.Message, "western union")

	s.Step("Seller counters at 120 USD over the websocket")
	s.Require().NoError(seller.Conn.WriteJSON(map[string]any{
		"type":  "counter",
		"terms": map[string]any{"amount": "120", "currency": "USD"},
	}))

	s.Step("Buyer accepts")
	for _, p := range []*Participant{buyer, seller} {
		s.Require().Equal(event.OfferCreated, s.Next(p).Kind)
		counter := s.Next(p)
		s.Require().Equal(event.OfferTransitioned, counter.Kind)
		s.Require().Equal(domain.Countered, counter.Superseded.Status)
	}
	s.Require().Equal(http.StatusOK, s.Call("alice", http.MethodPost, path+"/offers/accept", nil, nil))

	s.Step("Both timelines converge on the accepted counter")
	for _, p := range []*Participant{buyer, seller} {
		accepted := s.Next(p)
		s.Require().Equal(domain.Accepted, accepted.Offer.Status)
		s.Require().Equal(uint64(4), accepted.Seq)
		s.Require().Zero(p.Timeline.Gaps())
		offers := p.Timeline.Offers()
		s.Require().Len(offers, 2)
		s.Require().Equal(domain.Countered, offers[0].Status)
		s.Require().Equal(domain.Accepted, offers[1].Status)
		s.Require().Equal(uint64(3), p.Timeline.ReadCursor("alice"))
	}

	s.Step("The thread is closed")
	s.Require().Equal(http.StatusConflict, s.Call("bob", http.MethodPost, path+"/offers",
		map[string]any{"amount": "110", "currency": "USD"}, nil))
	var history historyBody
	s.Require().Equal(http.StatusOK, s.Call("bob", http.MethodGet, path+"/offers", nil, &history))
	s.Require().Len(history.Offers, 2)
}

// An outsider can neither read nor act, and learns nothing about the offers.
func (s *testNegotiationSuite) TestOutsiderIsRefused() {
	var conversation conversationBody
	s.Require().Equal(http.StatusCreated, s.Call("alice", http.MethodPost, "/conversations",
		map[string]string{"listingId": "lamp-7", "sellerId": "bob"}, &conversation))
	path := "/conversations/" + conversation.Conversation.ID

	s.Step("Mallory is refused everywhere")
	s.Require().Equal(http.StatusForbidden, s.Call("mallory", http.MethodGet, path, nil, nil))
	s.Require().Equal(http.StatusForbidden, s.Call("mallory", http.MethodPost, path+"/offers",
		map[string]any{"amount": "1", "currency": "USD"}, nil))
	s.Require().Equal(http.StatusForbidden, s.Call("mallory", http.MethodPost, path+"/typing",
		map[string]bool{"typing": true}, nil))
}

func (s *testNegotiationSuite) TestActivityIsAccepted() {
	s.Step("Telemetry never fails the caller")
	body := map[string]any{"activityType": "listing_viewed", "windowSeconds": 60}
	for i := 0; i < 3; i++ {
		s.Require().Equal(http.StatusAccepted, s.Call("alice", http.MethodPost, "/activity", body, nil))
	}
}
