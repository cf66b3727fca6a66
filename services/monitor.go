package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"meli-leader-bot/config"
	"meli-leader-bot/models"
	"meli-leader-bot/notify"
	"meli-leader-bot/storage"
	"meli-leader-bot/utils"
)

// CompetitorSource returns the raw competitor payload for a product.
type CompetitorSource interface {
	FetchCompetitors(ctx context.Context, id string) (json.RawMessage, error)
}

// LeaderNotifier is told about every persisted leader change.
type LeaderNotifier interface {
	Notify(ctx context.Context, c notify.Change) error
}

// MonitorStats is a point-in-time copy of the monitor counters.
type MonitorStats struct {
	Cycles         int64               `json:"cycles"`
	Failures       int64               `json:"failures"`
	Transitions    int64               `json:"transitions"`
	NoValidLeader  int64               `json:"no_valid_leader"`
	NotifyFailures int64               `json:"notify_failures"`
	LastError      string              `json:"last_error,omitempty"`
	LastCycle      *models.CycleResult `json:"last_cycle,omitempty"`
}

// Monitor runs one detection cycle at a time: fetch, normalize, resolve,
// compare with the stored leader, persist, then notify.
type Monitor struct {
	productID  string
	identity   string
	source     CompetitorSource
	normalizer *Normalizer
	resolver   *Resolver
	store      storage.LeaderStore
	history    storage.HistoryWriter
	notifier   LeaderNotifier
	logger     *utils.Logger
	now        func() time.Time

	cycles         atomic.Int64
	failures       atomic.Int64
	transitions    atomic.Int64
	noLeader       atomic.Int64
	notifyFailures atomic.Int64

	mu        sync.Mutex
	lastCycle *models.CycleResult
	lastErr   string
}

// NewMonitor wires a Monitor for cfg.ProductID. notifier may be nil.
func NewMonitor(
	cfg *config.Config,
	source CompetitorSource,
	normalizer *Normalizer,
	resolver *Resolver,
	store storage.LeaderStore,
	notifier LeaderNotifier,
	logger *utils.Logger,
) *Monitor {
	return &Monitor{
		productID:  cfg.ProductID,
		identity:   cfg.LeaderIdentity,
		source:     source,
		normalizer: normalizer,
		resolver:   resolver,
		store:      store,
		notifier:   notifier,
		logger:     logger,
		now:        time.Now,
	}
}

// WithHistory makes the monitor append every transition to h.
func (m *Monitor) WithHistory(h storage.HistoryWriter) *Monitor {
	m.history = h
	return m
}

// ProductID returns the tracked product.
func (m *Monitor) ProductID() string { return m.productID }

// Preview fetches, normalizes and ranks the competitors without touching
// the store or sending anything.
func (m *Monitor) Preview(ctx context.Context) (models.Ranking, error) {
	return m.rank(ctx, m.logger)
}

func (m *Monitor) rank(ctx context.Context, log *utils.Logger) (models.Ranking, error) {
	raw, err := m.source.FetchCompetitors(ctx, m.productID)
	if err != nil {
		return models.Ranking{}, fmt.Errorf("fetch competitors: %w", err)
	}

	listings, _, err := m.normalizer.Normalize(ctx, raw)
	if err != nil {
		var upe *UnrecognizedPayloadError
		if errors.As(err, &upe) {
			log.Error("[monitor] Unrecognized payload for %s: %s", m.productID, truncate(string(upe.Raw), 500))
		}
		return models.Ranking{}, fmt.Errorf("normalize: %w", err)
	}

	return m.resolver.Resolve(listings), nil
}

// RunCycle executes one full detection cycle. The returned error covers
// fetch, payload and store failures; a failed notification is reported in
// CycleResult.NotifyErr instead.
func (m *Monitor) RunCycle(ctx context.Context) (models.CycleResult, error) {
	result := models.CycleResult{
		CycleID:   uuid.NewString(),
		ProductID: m.productID,
		StartedAt: m.now(),
	}
	m.cycles.Add(1)
	log := m.logger.With("cycle_id", result.CycleID, "product_id", m.productID)

	ranking, err := m.rank(ctx, log)
	if err != nil {
		return m.fail(log, result, err)
	}

	leader, ok := ranking.Leader()
	if !ok {
		log.Warn("[monitor] No competitor of %s has a valid price", m.productID)
		result.NoValidLeader = true
		m.noLeader.Add(1)
		m.remember(result, "")
		return result, nil
	}

	leaderID := m.identityOf(leader, log)
	result.LeaderID = leaderID
	result.Leader = &leader
	result.Top = ranking.Top

	previous, had := m.store.LoadAll(ctx)[m.productID]
	result.PreviousID = previous
	if had && previous == leaderID {
		log.Info("[monitor] Leader unchanged: %s at $%s", leaderID, leader.Price.Decimal.StringFixed(2))
		m.remember(result, "")
		return result, nil
	}

	if err := m.store.RecordLeader(ctx, m.productID, leaderID); err != nil {
		return m.fail(log, result, fmt.Errorf("record leader: %w", err))
	}
	result.Changed = true
	m.transitions.Add(1)
	log.Info("[monitor] Leader changed: %q → %q at $%s", previous, leaderID, leader.Price.Decimal.StringFixed(2))

	if m.history != nil {
		snap := models.LeaderSnapshot{ProductID: m.productID, LeaderID: leaderID, CapturedAt: result.StartedAt}
		if err := m.history.Append(snap, previous, leader); err != nil {
			log.Warn("[monitor] History append failed: %v", err)
		}
	}

	if m.notifier != nil {
		err := m.notifier.Notify(ctx, notify.Change{
			ProductID:    m.productID,
			PreviousID:   previous,
			LeaderID:     leaderID,
			ItemIdentity: m.identity == config.IdentityItem,
			Leader:       leader,
			Top:          ranking.Top,
		})
		if err != nil {
			result.NotifyErr = err.Error()
			m.notifyFailures.Add(1)
			log.Error("[monitor] Notification failed, state already saved: %v", err)
		} else {
			result.Notified = true
		}
	}

	m.remember(result, "")
	return result, nil
}

// identityOf returns the key the store tracks for leader.
func (m *Monitor) identityOf(leader models.Listing, log *utils.Logger) string {
	if m.identity == config.IdentityItem {
		return leader.ID
	}
	if leader.SellerID == "" {
		log.Warn("[monitor] Leader %s has no seller id, tracking the listing id instead", leader.ID)
		return leader.ID
	}
	return leader.SellerID
}

func (m *Monitor) fail(log *utils.Logger, result models.CycleResult, err error) (models.CycleResult, error) {
	m.failures.Add(1)
	log.Error("[monitor] Cycle failed: %v", err)
	m.remember(result, err.Error())
	return result, err
}

func (m *Monitor) remember(result models.CycleResult, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := result
	m.lastCycle = &r
	m.lastErr = errMsg
}

// Stats returns the current counters and the last cycle outcome.
func (m *Monitor) Stats() MonitorStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MonitorStats{
		Cycles:         m.cycles.Load(),
		Failures:       m.failures.Load(),
		Transitions:    m.transitions.Load(),
		NoValidLeader:  m.noLeader.Load(),
		NotifyFailures: m.notifyFailures.Load(),
		LastError:      m.lastErr,
		LastCycle:      m.lastCycle,
	}
}
