package push

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/users"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var pushEpoch = time.Date(2026, time.April, 14, 9, 0, 0, 0, time.UTC)

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("p-%d", s.next), nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

// fakeProvider answers per token; tokens absent from errors are accepted.
type fakeProvider struct {
	mu       sync.Mutex
	batches  [][]Message
	errors   map[string]string
	sendErr  error
	receipts map[string]Receipt
	lookups  [][]string
	issued   int
	// shortBy drops that many tickets from the end of each response.
	shortBy int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{errors: map[string]string{}, receipts: map[string]Receipt{}}
}

func (p *fakeProvider) Send(_ context.Context, messages []Message) ([]TicketResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, append([]Message(nil), messages...))
	if p.sendErr != nil {
		return nil, p.sendErr
	}
	tickets := make([]TicketResult, len(messages))
	for index, message := range messages {
		if code, ok := p.errors[message.To]; ok {
			tickets[index] = TicketResult{Status: statusError, Message: "rejected", Details: ErrorDetails{Error: code}}
			continue
		}
		p.issued++
		tickets[index] = TicketResult{Status: statusOK, ID: fmt.Sprintf("ticket-%d", p.issued)}
	}
	if p.shortBy > 0 && p.shortBy <= len(tickets) {
		tickets = tickets[:len(tickets)-p.shortBy]
	}
	return tickets, nil
}

func (p *fakeProvider) Receipts(_ context.Context, ticketIDs []string) (map[string]Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookups = append(p.lookups, append([]string(nil), ticketIDs...))
	found := make(map[string]Receipt)
	for _, id := range ticketIDs {
		if receipt, ok := p.receipts[id]; ok {
			found[id] = receipt
		}
	}
	return found, nil
}

func (p *fakeProvider) sentTo() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var tokens []string
	for _, batch := range p.batches {
		for _, message := range batch {
			tokens = append(tokens, message.To)
		}
	}
	return tokens
}

func (p *fakeProvider) reset() {
	p.mu.Lock()
	p.batches = nil
	p.mu.Unlock()
}

type staticRecipients struct {
	userIDs []string
	filters []users.RecipientFilter
}

func (r *staticRecipients) ResolveRecipients(_ context.Context, filter users.RecipientFilter) ([]string, error) {
	r.filters = append(r.filters, filter)
	return r.userIDs, nil
}

type outcomeRecorder struct {
	counts map[string]int
}

func (r *outcomeRecorder) RecordPush(outcome string, count int) {
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[outcome] += count
}

type gatewayHarness struct {
	db       *gorm.DB
	clock    *fakeClock
	provider *fakeProvider
	recorder *outcomeRecorder
	gateway  *Gateway
}

func newGatewayHarness(t *testing.T, cfg GatewayConfig) *gatewayHarness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "push.db")), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Endpoint{}, &Ticket{}, &SendAttempt{}, &ScheduledNotification{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	harness := &gatewayHarness{
		db:       db,
		clock:    &fakeClock{now: pushEpoch},
		provider: newFakeProvider(),
		recorder: &outcomeRecorder{},
	}
	cfg.Database = db
	cfg.Provider = harness.provider
	cfg.Clock = harness.clock.Now
	cfg.IDProvider = &sequenceIDs{}
	cfg.Recorder = harness.recorder
	gateway, err := NewGateway(cfg)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	harness.gateway = gateway
	return harness
}

func expoToken(name string) string {
	return "ExponentPushToken[" + name + "]"
}

func (h *gatewayHarness) register(t *testing.T, userID, deviceID, tokenName string) Endpoint {
	t.Helper()
	endpoint, err := h.gateway.RegisterEndpoint(context.Background(), userID, expoToken(tokenName), DeviceInfo{DeviceID: deviceID, Platform: PlatformAndroid})
	if err != nil {
		t.Fatalf("register %s/%s: %v", userID, deviceID, err)
	}
	return endpoint
}

func (h *gatewayHarness) endpoint(t *testing.T, endpointID string) Endpoint {
	t.Helper()
	var endpoint Endpoint
	if err := h.db.Where("endpoint_id = ?", endpointID).Take(&endpoint).Error; err != nil {
		t.Fatalf("load endpoint: %v", err)
	}
	return endpoint
}
