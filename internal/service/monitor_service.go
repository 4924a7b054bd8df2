package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/lendbot/internal/domain"
	"github.com/alanyoungcy/lendbot/internal/notify"
	"github.com/alanyoungcy/lendbot/internal/rebalance"
)

// AllocationSource is the part of RebalanceService the monitor needs.
type AllocationSource interface {
	Groups(ctx context.Context, wallet string) ([]domain.GroupedPosition, error)
	ComputeAllocation(ctx context.Context, wallet string, chainID int64, loanAsset common.Address, excluded []string) (*rebalance.Allocation, error)
}

// Opportunity is an allocation whose projected yield beats the current one
// by at least the configured threshold.
type Opportunity struct {
	Wallet     string                `json:"wallet"`
	Allocation *rebalance.Allocation `json:"allocation"`
	Decimals   int                   `json:"decimals"`
	Notified   bool                  `json:"notified"`
}

// MonitorConfig configures a MonitorService.
type MonitorConfig struct {
	Wallets           []string
	Interval          time.Duration
	MinImprovementBps float64
	// Cooldown suppresses repeat alerts for the same wallet and group.
	Cooldown time.Duration
}

// MonitorService periodically recomputes allocations for watched wallets
// and alerts when rebalancing would raise the weighted APY enough.
type MonitorService struct {
	source   AllocationSource
	notifier *notify.Notifier
	cfg      MonitorConfig
	now      func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewMonitorService creates a MonitorService.
func NewMonitorService(source AllocationSource, notifier *notify.Notifier, cfg MonitorConfig, logger *slog.Logger) *MonitorService {
	return &MonitorService{
		source:   source,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "monitor_service")),
		lastSent: make(map[string]time.Time),
	}
}

// Run checks on every interval tick until ctx is cancelled.
func (m *MonitorService) Run(ctx context.Context) error {
	m.logger.InfoContext(ctx, "monitor_service: started",
		slog.Int("wallets", len(m.cfg.Wallets)),
		slog.Duration("interval", m.cfg.Interval),
		slog.Float64("min_improvement_bps", m.cfg.MinImprovementBps),
	)
	m.checkAndLog(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor_service: stopped")
			return ctx.Err()
		case <-ticker.C:
			m.checkAndLog(ctx)
		}
	}
}

func (m *MonitorService) checkAndLog(ctx context.Context) {
	opps, err := m.Check(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "monitor_service: check failed", slog.String("error", err.Error()))
	}
	if len(opps) > 0 {
		m.logger.InfoContext(ctx, "monitor_service: opportunities found", slog.Int("count", len(opps)))
	}
}

// Check evaluates every watched wallet once. A failing wallet does not stop
// the others; the first error is returned alongside what was found.
func (m *MonitorService) Check(ctx context.Context) ([]Opportunity, error) {
	var (
		opps     []Opportunity
		firstErr error
	)
	for _, wallet := range m.cfg.Wallets {
		wallet = domain.NormalizeWallet(wallet)
		found, err := m.checkWallet(ctx, wallet)
		opps = append(opps, found...)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("monitor_service: wallet %s: %w", wallet, err)
		}
	}
	return opps, firstErr
}

func (m *MonitorService) checkWallet(ctx context.Context, wallet string) ([]Opportunity, error) {
	groups, err := m.source.Groups(ctx, wallet)
	if err != nil {
		return nil, err
	}

	var opps []Opportunity
	for _, g := range groups {
		alloc, err := m.source.ComputeAllocation(ctx, wallet, g.ChainID, g.LoanAsset, nil)
		if err != nil {
			return opps, err
		}
		if alloc == nil || !m.worthwhile(alloc) {
			continue
		}

		opp := Opportunity{Wallet: wallet, Allocation: alloc, Decimals: g.LoanDecimals}
		key := fmt.Sprintf("%s:%d:%s", wallet, g.ChainID, g.LoanAsset.Hex())
		if m.notifier.Enabled(notify.EventRebalanceOpportunity) && m.shouldNotify(key) {
			title, body := notify.OpportunityMessage(wallet, g.LoanDecimals, alloc)
			if err := m.notifier.Notify(ctx, notify.EventRebalanceOpportunity, title, body); err != nil {
				m.logger.WarnContext(ctx, "monitor_service: notify failed", slog.String("error", err.Error()))
			} else {
				m.markSent(key)
				opp.Notified = true
			}
		}
		opps = append(opps, opp)
	}
	return opps, nil
}

func (m *MonitorService) worthwhile(a *rebalance.Allocation) bool {
	gain := a.Improvement()
	return gain > 0 && gain*10_000 >= m.cfg.MinImprovementBps
}

func (m *MonitorService) shouldNotify(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastSent[key]
	return !ok || m.now().Sub(last) >= m.cfg.Cooldown
}

func (m *MonitorService) markSent(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSent[key] = m.now()
}
