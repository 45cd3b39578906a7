//go:build integration

package test

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"

	"github.com/juaninavos/jerseymarket/core/backend"
	"github.com/juaninavos/jerseymarket/core/client"
	"github.com/juaninavos/jerseymarket/core/market"
)

type MarketplaceTestSuite struct {
	IntegrationTestSuite
}

func TestMarketplaceTestSuite(t *testing.T) {
	suite.Run(t, &MarketplaceTestSuite{})
}

type auctionView struct {
	market.Auction
	MinimumNextBid int64 `json:"minimum_next_bid"`
}

func (s *MarketplaceTestSuite) createAuction(seller client.Client, jerseyID uuid.UUID, startingPrice, minIncrement int64) auctionView {
	var auction auctionView
	status, err := seller.RawPost("/auctions", map[string]interface{}{
		"jersey_id":      jerseyID,
		"starting_price": startingPrice,
		"min_increment":  minIncrement,
	}, &auction)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusCreated, status)
	s.Require().Equal(market.AuctionActive, auction.State)
	return auction
}

// bidConcurrently lets every bidder bid amount at the same time and returns the
// status codes of their requests
func (s *MarketplaceTestSuite) bidConcurrently(auctionID uuid.UUID, bidders []client.Client, amount int64) map[int]int {
	var (
		wg       sync.WaitGroup
		lock     sync.Mutex
		statuses = map[int]int{}
		start    = make(chan struct{})
	)
	for _, bidder := range bidders {
		wg.Add(1)
		go func(bidder client.Client) {
			defer wg.Done()
			<-start
			status, _ := bidder.RawPost(fmt.Sprintf("/auctions/%s/bids", auctionID), map[string]int64{"amount": amount}, nil)
			lock.Lock()
			statuses[status]++
			lock.Unlock()
		}(bidder)
	}
	close(start)
	wg.Wait()
	return statuses
}

func (s *MarketplaceTestSuite) TestConcurrentBids() {
	_, seller := s.account()
	auction := s.createAuction(seller, s.jersey(seller, 5000, 1), 1000, 100)

	var bidders []client.Client
	for i := 0; i < 10; i++ {
		_, bidder := s.account()
		bidders = append(bidders, bidder)
	}

	// the same amount from everybody: exactly one bid is accepted
	statuses := s.bidConcurrently(auction.AuctionID, bidders, 1000)
	s.Equal(map[int]int{http.StatusCreated: 1, http.StatusConflict: 9}, statuses)

	var current auctionView
	_, err := s.client.RawGet("/auctions/"+auction.AuctionID.String(), &current)
	s.Require().NoError(err)
	s.Equal(int64(1000), current.CurrentPrice)
	s.Equal(1, current.BidCount)
	s.Equal(int64(1100), current.MinimumNextBid)
	s.Require().NotNil(current.WinnerID)

	// the minimum next bid from everybody else: again exactly one
	var others []client.Client
	for i := 0; i < 5; i++ {
		_, bidder := s.account()
		others = append(others, bidder)
	}
	statuses = s.bidConcurrently(auction.AuctionID, others, 1100)
	s.Equal(map[int]int{http.StatusCreated: 1, http.StatusConflict: 4}, statuses)

	var bids []market.Bid
	_, err = s.client.RawGet(fmt.Sprintf("/auctions/%s/bids", auction.AuctionID), &bids)
	s.Require().NoError(err)
	s.Require().Len(bids, 2)
	s.Equal(int64(1100), bids[0].Amount)
}

func (s *MarketplaceTestSuite) TestAuctionLifecycle() {
	_, seller := s.account()
	buyerID, buyer := s.account()
	jerseyID := s.jersey(seller, 5000, 1)
	auction := s.createAuction(seller, jerseyID, 2000, 0)

	// the seller cannot bid on the own auction
	status, err := seller.RawPost(fmt.Sprintf("/auctions/%s/bids", auction.AuctionID), map[string]int64{"amount": 2000}, nil)
	s.Error(err)
	s.Equal(http.StatusForbidden, status)

	_, err = buyer.RawPost(fmt.Sprintf("/auctions/%s/bids", auction.AuctionID), map[string]int64{"amount": 2500}, nil)
	s.Require().NoError(err)

	// the jersey cannot be bought while it is auctioned
	status, err = buyer.RawPost("/purchases", map[string]interface{}{
		"jersey_id":         jerseyID,
		"payment_method_id": s.paymentMethod(),
	}, nil)
	s.Error(err)
	s.Equal(http.StatusConflict, status)

	// nothing happens before the end
	s.ProcessJobsSync(5 * time.Second)
	var current auctionView
	_, err = s.client.RawGet("/auctions/"+auction.AuctionID.String(), &current)
	s.Require().NoError(err)
	s.Equal(market.AuctionActive, current.State)

	// the close job is due after the end
	s.advance(s.Settings().DefaultDuration() + time.Minute)
	s.ProcessJobsSync(5 * time.Second)

	_, err = s.client.RawGet("/auctions/"+auction.AuctionID.String(), &current)
	s.Require().NoError(err)
	s.Equal(market.AuctionClosed, current.State)
	s.Require().NotNil(current.WinnerID)
	s.Equal(buyerID, *current.WinnerID)

	// late bids are rejected
	_, late := s.account()
	status, err = late.RawPost(fmt.Sprintf("/auctions/%s/bids", auction.AuctionID), map[string]int64{"amount": 9000}, nil)
	s.Error(err)
	s.Equal(http.StatusConflict, status)

	var jersey market.Jersey
	_, err = s.client.RawGet("/jerseys/"+jerseyID.String(), &jersey)
	s.Require().NoError(err)
	s.Equal(market.JerseySold, jersey.Status)
	s.Equal(0, jersey.Stock)

	// the winner has a pending purchase at the final price and pays it
	var purchases []backend.Purchase
	_, err = buyer.RawGet("/purchases", &purchases)
	s.Require().NoError(err)
	s.Require().Len(purchases, 1)
	s.Equal(market.PurchasePendingPayment, purchases[0].Status)
	s.Equal(int64(2500), purchases[0].Total)

	var paid backend.Purchase
	_, err = buyer.RawPut(fmt.Sprintf("/purchases/%s/pay", purchases[0].PurchaseID),
		map[string]uuid.UUID{"payment_method_id": s.paymentMethod()}, &paid)
	s.Require().NoError(err)
	s.Equal(market.PurchasePaid, paid.Status)
	s.NotNil(paid.PaidAt)

	// closing again changes nothing
	result, err := s.CloseAuction(context.Background(), auction.AuctionID)
	s.Require().NoError(err)
	s.Nil(result)
}

func (s *MarketplaceTestSuite) TestConcurrentOrdersRespectStock() {
	_, seller := s.account()
	jerseyID := s.jersey(seller, 3000, 3)
	paymentMethod := s.paymentMethod()

	var (
		wg       sync.WaitGroup
		lock     sync.Mutex
		statuses = map[int]int{}
	)
	for i := 0; i < 6; i++ {
		_, buyer := s.account()
		wg.Add(1)
		go func(buyer client.Client) {
			defer wg.Done()
			status, _ := buyer.RawPost("/purchases", map[string]interface{}{
				"jersey_id":         jerseyID,
				"payment_method_id": paymentMethod,
			}, nil)
			lock.Lock()
			statuses[status]++
			lock.Unlock()
		}(buyer)
	}
	wg.Wait()
	s.Equal(map[int]int{http.StatusCreated: 3, http.StatusConflict: 3}, statuses)

	var jersey market.Jersey
	_, err := s.client.RawGet("/jerseys/"+jerseyID.String(), &jersey)
	s.Require().NoError(err)
	s.Equal(market.JerseySold, jersey.Status)
}

func (s *MarketplaceTestSuite) TestDiscountUsesAreLimited() {
	_, seller := s.account()
	jerseyID := s.jersey(seller, 4000, 10)
	paymentMethod := s.paymentMethod()
	code := "ONCE" + uuid.NewString()[:8]

	_, err := s.admin.RawPost("/admin/discounts", map[string]interface{}{
		"code":     code,
		"kind":     "percentage",
		"value":    25,
		"max_uses": 1,
	}, nil)
	s.Require().NoError(err)

	order := map[string]interface{}{"jersey_id": jerseyID, "payment_method_id": paymentMethod, "discount_code": code}
	_, buyer := s.account()
	var purchase backend.Purchase
	_, err = buyer.RawPost("/purchases", order, &purchase)
	s.Require().NoError(err)
	s.Equal(int64(1000), purchase.DiscountAmount)
	s.Equal(int64(3000), purchase.Total)

	status, err := buyer.RawPost("/purchases", order, nil)
	s.Error(err)
	s.Equal(http.StatusUnprocessableEntity, status)
}

// TestOutboxOrdering checks that the bid events of one auction reach kafka in the
// order the bids were placed
func (s *MarketplaceTestSuite) TestOutboxOrdering() {
	ctx := context.Background()
	_, seller := s.account()
	auction := s.createAuction(seller, s.jersey(seller, 5000, 1), 100, 10)

	var amounts []int64
	for i := 0; i < 20; i++ {
		_, bidder := s.account()
		amount := int64(100 + i*10)
		_, err := bidder.RawPost(fmt.Sprintf("/auctions/%s/bids", auction.AuctionID), map[string]int64{"amount": amount}, nil)
		s.Require().NoError(err)
		amounts = append(amounts, amount)
	}

	relay := backend.NewOutboxRelay(s.DB(), backend.NewKafkaPublisher([]string{s.kafkaAddr}))
	for {
		n, err := relay.RelayOnce(ctx)
		s.Require().NoError(err)
		if n == 0 {
			break
		}
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{s.kafkaAddr},
		Topic:       outboxTopic,
		GroupID:     "ordering-" + uuid.NewString(),
		StartOffset: kafka.FirstOffset,
		MaxWait:     500 * time.Millisecond,
	})
	defer reader.Close()

	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	var received []int64
	for len(received) < len(amounts) {
		m, err := reader.ReadMessage(readCtx)
		s.Require().NoError(err)
		if string(m.Key) != auction.AuctionID.String() {
			continue
		}
		var envelope struct {
			Type string `json:"type"`
			Data struct {
				Bid market.Bid `json:"bid"`
			} `json:"data"`
		}
		s.Require().NoError(json.Unmarshal(m.Value, &envelope))
		if envelope.Type != backend.OutboxBidPlaced {
			continue
		}
		received = append(received, envelope.Data.Bid.Amount)
	}
	s.Equal(amounts, received)
}
