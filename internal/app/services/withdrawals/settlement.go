package withdrawals

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/EFHC-Network/ledger_core/internal/app/domain/withdrawal"
	"github.com/EFHC-Network/ledger_core/internal/app/system"
	"github.com/EFHC-Network/ledger_core/pkg/logger"
)

// PayoutResolver decides whether an approved withdrawal has been paid out
// on chain.
type PayoutResolver interface {
	Resolve(ctx context.Context, req withdrawal.Request) (done bool, success bool, message string, retryAfter time.Duration, err error)
}

// TimeoutResolver fails approved requests that see no confirmation within
// the timeout. It is the fallback when no payout endpoint is configured.
type TimeoutResolver struct {
	timeout time.Duration
	seen    sync.Map // request ID -> time.Time
}

func NewTimeoutResolver(timeout time.Duration) *TimeoutResolver {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &TimeoutResolver{timeout: timeout}
}

func (r *TimeoutResolver) Resolve(ctx context.Context, req withdrawal.Request) (bool, bool, string, time.Duration, error) {
	if value, ok := r.seen.Load(req.ID); ok {
		if time.Since(value.(time.Time)) >= r.timeout {
			return true, false, "timeout waiting for payout confirmation", 0, nil
		}
		return false, false, "", r.timeout / 4, nil
	}
	r.seen.Store(req.ID, time.Now())
	return false, false, "", r.timeout / 4, nil
}

// HTTPPayoutResolver asks an external payout processor for the transfer
// status of a request.
type HTTPPayoutResolver struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHTTPPayoutResolver(endpoint, apiKey string, client *http.Client) *HTTPPayoutResolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPPayoutResolver{endpoint: endpoint, apiKey: apiKey, client: client}
}

func (r *HTTPPayoutResolver) Resolve(ctx context.Context, req withdrawal.Request) (bool, bool, string, time.Duration, error) {
	target, err := url.Parse(r.endpoint)
	if err != nil {
		return false, false, "", 0, fmt.Errorf("parse payout endpoint: %w", err)
	}
	q := target.Query()
	q.Set("request_id", req.ID)
	q.Set("address", req.Address)
	target.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return false, false, "", 0, err
	}
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return false, false, "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, false, "", 0, fmt.Errorf("payout endpoint returned %d", resp.StatusCode)
	}

	var payload struct {
		Done       bool   `json:"done"`
		Success    bool   `json:"success"`
		Message    string `json:"message"`
		RetryAfter int64  `json:"retry_after_seconds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, false, "", 0, fmt.Errorf("decode payout response: %w", err)
	}
	return payload.Done, payload.Success, payload.Message, time.Duration(payload.RetryAfter) * time.Second, nil
}

// SettlementPoller watches approved withdrawals and moves them to sent or
// failed based on the resolver's verdict.
type SettlementPoller struct {
	service  *Service
	resolver PayoutResolver
	interval time.Duration
	actorID  int64
	log      *logger.Logger

	mu          sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool
	nextAttempt map[string]time.Time
}

var _ system.Service = (*SettlementPoller)(nil)

func NewSettlementPoller(service *Service, resolver PayoutResolver, actorID int64, log *logger.Logger) *SettlementPoller {
	if log == nil {
		log = logger.NewDefault("withdrawal-settlement")
	}
	if resolver == nil {
		resolver = NewTimeoutResolver(30 * time.Minute)
	}
	return &SettlementPoller{
		service:     service,
		resolver:    resolver,
		interval:    15 * time.Second,
		actorID:     actorID,
		log:         log,
		nextAttempt: make(map[string]time.Time),
	}
}

func (p *SettlementPoller) Name() string { return "withdrawal-settlement" }

func (p *SettlementPoller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.tick(runCtx)
			}
		}
	}()

	p.log.Info("withdrawal settlement poller started")
	return nil
}

func (p *SettlementPoller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

func (p *SettlementPoller) tick(ctx context.Context) {
	reqs, err := p.service.ListByStatus(ctx, withdrawal.StatusApproved)
	if err != nil {
		p.log.WithError(err).Warn("list approved withdrawals failed")
		return
	}

	now := time.Now()
	for _, req := range reqs {
		if !p.shouldAttempt(req.ID, now) {
			continue
		}

		done, success, message, retryAfter, err := p.resolver.Resolve(ctx, req)
		if err != nil {
			p.log.WithError(err).Warnf("resolver error for withdrawal %s", req.ID)
			p.scheduleNext(req.ID, retryAfter)
			continue
		}

		if !done {
			p.scheduleNext(req.ID, retryAfter)
			continue
		}

		target := withdrawal.StatusSent
		if !success {
			target = withdrawal.StatusFailed
		}
		if _, err := p.service.Transition(ctx, req.ID, target, p.actorID, message); err != nil {
			p.log.WithError(err).Warnf("settle withdrawal %s failed", req.ID)
			p.scheduleNext(req.ID, retryAfter)
			continue
		}
		p.log.Infof("withdrawal %s settled (success=%t)", req.ID, success)
		p.clearSchedule(req.ID)
	}
}

func (p *SettlementPoller) shouldAttempt(id string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	next, ok := p.nextAttempt[id]
	if !ok || now.After(next) {
		return true
	}
	return false
}

func (p *SettlementPoller) scheduleNext(id string, after time.Duration) {
	if after <= 0 {
		after = p.interval
	}
	p.mu.Lock()
	p.nextAttempt[id] = time.Now().Add(after)
	p.mu.Unlock()
}

func (p *SettlementPoller) clearSchedule(id string) {
	p.mu.Lock()
	delete(p.nextAttempt, id)
	p.mu.Unlock()
}
