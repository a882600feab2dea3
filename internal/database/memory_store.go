package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/boatride/slot-booking-backend/internal/models"
	"github.com/google/uuid"
)

// MemoryStore is an in-process seat ledger and hold store with the same
// semantics as the PostgreSQL repositories. Each slot has its own mutex, so
// mutations of one slot are serialized while different slots proceed in
// parallel. Used by DATABASE_DRIVER=memory and by tests.
type MemoryStore struct {
	mu    sync.RWMutex
	slots map[uuid.UUID]*memorySlot

	holdMu    sync.RWMutex
	holds     map[uuid.UUID]*models.Hold
	seatHolds map[uuid.UUID]uuid.UUID // hold ID -> slot ID for seat-backed holds
	audits    []*models.HoldAudit

	changes chan uuid.UUID
}

type memorySlot struct {
	mu   sync.Mutex
	slot models.Slot
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slots:     make(map[uuid.UUID]*memorySlot),
		holds:     make(map[uuid.UUID]*models.Hold),
		seatHolds: make(map[uuid.UUID]uuid.UUID),
		changes:   make(chan uuid.UUID, 256),
	}
}

// Changes delivers the ID of every slot after a committed mutation.
// Notifications are dropped when the buffer is full.
func (m *MemoryStore) Changes() <-chan uuid.UUID {
	return m.changes
}

func (m *MemoryStore) notify(slotID uuid.UUID) {
	select {
	case m.changes <- slotID:
	default:
	}
}

func (m *MemoryStore) lookup(slotID uuid.UUID) *memorySlot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.slots[slotID]
}

func cloneSlot(s *models.Slot) *models.Slot {
	out := *s
	out.Riders = append([]models.SlotRider{}, s.Riders...)
	return &out
}

func cloneHold(h *models.Hold) *models.Hold {
	out := *h
	return &out
}

// ============================================================================
// SLOTS
// ============================================================================

// CreateSlot stores a new slot with no riders
func (m *MemoryStore) CreateSlot(ctx context.Context, slot *models.Slot) error {
	m.mu.Lock()
	stored := cloneSlot(slot)
	stored.BookedSeats = 0
	stored.Riders = []models.SlotRider{}
	stored.UpdatedAt = stored.CreatedAt
	m.slots[slot.ID] = &memorySlot{slot: *stored}
	m.mu.Unlock()

	m.notify(slot.ID)
	return nil
}

// GetSlot returns a copy of the slot, or nil if it does not exist
func (m *MemoryStore) GetSlot(ctx context.Context, slotID uuid.UUID) (*models.Slot, error) {
	ms := m.lookup(slotID)
	if ms == nil {
		return nil, nil
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return cloneSlot(&ms.slot), nil
}

func (m *MemoryStore) snapshotAll() []*models.Slot {
	m.mu.RLock()
	entries := make([]*memorySlot, 0, len(m.slots))
	for _, ms := range m.slots {
		entries = append(entries, ms)
	}
	m.mu.RUnlock()

	out := make([]*models.Slot, 0, len(entries))
	for _, ms := range entries {
		ms.mu.Lock()
		out = append(out, cloneSlot(&ms.slot))
		ms.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeStart.Before(out[j].TimeStart) })
	return out
}

// ListOperatorSlots returns an operator's slots starting in [from, to)
func (m *MemoryStore) ListOperatorSlots(ctx context.Context, operatorID uuid.UUID, from, to time.Time) ([]*models.Slot, error) {
	slots := []*models.Slot{}
	for _, s := range m.snapshotAll() {
		if s.OperatorID == operatorID && !s.TimeStart.Before(from) && s.TimeStart.Before(to) {
			s.Riders = nil
			slots = append(slots, s)
		}
	}
	return slots, nil
}

// ListRiderBookings returns the slots a rider holds a seat on
func (m *MemoryStore) ListRiderBookings(ctx context.Context, riderID uuid.UUID, scope models.BookingScope, now time.Time) ([]*models.RiderBooking, error) {
	bookings := []*models.RiderBooking{}
	for _, s := range m.snapshotAll() {
		entry, ok := s.FindRider(riderID)
		if !ok {
			continue
		}
		upcoming := s.TimeStart.After(now)
		if upcoming != (scope != models.BookingScopePast) {
			continue
		}
		booking := &models.RiderBooking{HoldID: entry.HoldID, SeatIndex: entry.SeatIndex, BookedAt: entry.BookedAt}
		s.Riders = nil
		booking.Slot = s
		bookings = append(bookings, booking)
	}
	if scope == models.BookingScopePast {
		sort.SliceStable(bookings, func(i, j int) bool {
			return bookings[i].Slot.TimeStart.After(bookings[j].Slot.TimeStart)
		})
	}
	return bookings, nil
}

// ListExpiredOpenSlots returns OPEN slots whose start time has passed
func (m *MemoryStore) ListExpiredOpenSlots(ctx context.Context, now time.Time, limit int) ([]*models.Slot, error) {
	slots := []*models.Slot{}
	for _, s := range m.snapshotAll() {
		if len(slots) >= limit {
			break
		}
		if s.Status == models.SlotStatusOpen && !now.Before(s.TimeStart) {
			slots = append(slots, s)
		}
	}
	return slots, nil
}

// ============================================================================
// SEAT LEDGER
// ============================================================================

// ReserveSeat atomically takes one seat for the rider, backed by holdID
func (m *MemoryStore) ReserveSeat(ctx context.Context, slotID, riderID, holdID uuid.UUID, now time.Time) (*models.SeatToken, error) {
	ms := m.lookup(slotID)
	if ms == nil {
		return nil, models.ErrSlotNotFound
	}

	ms.mu.Lock()
	s := &ms.slot
	if _, seated := s.FindRider(riderID); seated {
		ms.mu.Unlock()
		return nil, models.ErrRiderAlreadySeated
	}
	switch {
	case s.Status.IsTerminal():
		ms.mu.Unlock()
		return nil, models.ErrAlreadyFinalized
	case s.HasStarted(now):
		ms.mu.Unlock()
		return nil, models.ErrSlotNotBookable
	case s.BookedSeats >= s.TotalSeats || !s.Status.IsBookable():
		ms.mu.Unlock()
		return nil, models.ErrSlotFull
	}

	seatIndex := s.BookedSeats
	s.BookedSeats++
	s.Riders = append(s.Riders, models.SlotRider{
		SlotID:    slotID,
		RiderID:   riderID,
		HoldID:    holdID,
		SeatIndex: seatIndex,
		BookedAt:  now,
	})
	s.Status = models.DeriveSlotStatus(s.BookedSeats, s.MinRidersToConfirm, s.TotalSeats)
	s.UpdatedAt = now
	token := &models.SeatToken{
		SlotID:      slotID,
		RiderID:     riderID,
		HoldID:      holdID,
		SeatIndex:   seatIndex,
		BookedSeats: s.BookedSeats,
		TotalSeats:  s.TotalSeats,
		Status:      s.Status,
	}

	m.holdMu.Lock()
	m.seatHolds[holdID] = slotID
	m.holdMu.Unlock()
	ms.mu.Unlock()

	m.notify(slotID)
	return token, nil
}

// ReleaseSeat removes the rider's seat. Releasing an absent rider is a no-op.
func (m *MemoryStore) ReleaseSeat(ctx context.Context, slotID, riderID uuid.UUID) (*models.SeatRelease, error) {
	ms := m.lookup(slotID)
	if ms == nil {
		return nil, models.ErrSlotNotFound
	}

	ms.mu.Lock()
	s := &ms.slot
	if s.Status.IsTerminal() {
		ms.mu.Unlock()
		return nil, models.ErrAlreadyFinalized
	}

	release := &models.SeatRelease{SlotID: slotID, RiderID: riderID, BookedSeats: s.BookedSeats, Status: s.Status}
	idx := -1
	for i := range s.Riders {
		if s.Riders[i].RiderID == riderID {
			idx = i
			break
		}
	}
	if idx < 0 {
		ms.mu.Unlock()
		return release, nil
	}

	holdID := s.Riders[idx].HoldID
	s.Riders = append(s.Riders[:idx], s.Riders[idx+1:]...)
	s.BookedSeats--
	s.Status = models.DeriveSlotStatus(s.BookedSeats, s.MinRidersToConfirm, s.TotalSeats)
	s.UpdatedAt = time.Now()

	release.Released = true
	release.HoldID = holdID
	release.BookedSeats = s.BookedSeats
	release.Status = s.Status

	m.holdMu.Lock()
	delete(m.seatHolds, holdID)
	m.holdMu.Unlock()
	ms.mu.Unlock()

	m.notify(slotID)
	return release, nil
}

// TransitionStatus compare-and-sets the slot status
func (m *MemoryStore) TransitionStatus(ctx context.Context, slotID uuid.UUID, tr models.StatusTransition) (*models.Slot, error) {
	ms := m.lookup(slotID)
	if ms == nil {
		return nil, models.ErrTransitionRejected
	}

	ms.mu.Lock()
	s := &ms.slot
	allowed := false
	for _, from := range tr.From {
		if s.Status == from {
			allowed = true
			break
		}
	}
	if !allowed || (tr.RequireFloor && s.BookedSeats < s.MinRidersToConfirm) {
		ms.mu.Unlock()
		return nil, models.ErrTransitionRejected
	}

	now := time.Now()
	s.Status = tr.To
	s.UpdatedAt = now
	switch tr.To {
	case models.SlotStatusClaimed:
		s.ClaimedAt = &now
	case models.SlotStatusCancelled:
		s.CancelledAt = &now
	}
	out := cloneSlot(s)
	ms.mu.Unlock()

	m.notify(slotID)
	return out, nil
}

// RecomputeStatus applies the derived status to a non-terminal slot
func (m *MemoryStore) RecomputeStatus(ctx context.Context, slotID uuid.UUID) (*models.Slot, bool, error) {
	ms := m.lookup(slotID)
	if ms == nil {
		return nil, false, models.ErrSlotNotFound
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	s := &ms.slot
	if s.Status.IsTerminal() {
		return cloneSlot(s), false, nil
	}
	derived := models.DeriveSlotStatus(s.BookedSeats, s.MinRidersToConfirm, s.TotalSeats)
	if derived == s.Status {
		return cloneSlot(s), false, nil
	}
	s.Status = derived
	s.UpdatedAt = time.Now()
	return cloneSlot(s), true, nil
}

// ============================================================================
// HOLDS
// ============================================================================

// CreateHold stores a hold record
func (m *MemoryStore) CreateHold(ctx context.Context, hold *models.Hold) error {
	m.holdMu.Lock()
	defer m.holdMu.Unlock()
	stored := cloneHold(hold)
	stored.UpdatedAt = stored.CreatedAt
	m.holds[hold.ID] = stored
	return nil
}

// GetHold returns a copy of the hold, or nil if it does not exist
func (m *MemoryStore) GetHold(ctx context.Context, holdID uuid.UUID) (*models.Hold, error) {
	m.holdMu.RLock()
	defer m.holdMu.RUnlock()
	h, ok := m.holds[holdID]
	if !ok {
		return nil, nil
	}
	return cloneHold(h), nil
}

// FindLiveHold returns the rider's newest PENDING or AUTHORIZED hold on a slot
func (m *MemoryStore) FindLiveHold(ctx context.Context, slotID, riderID uuid.UUID) (*models.Hold, error) {
	m.holdMu.RLock()
	defer m.holdMu.RUnlock()
	var newest *models.Hold
	for _, h := range m.holds {
		if h.SlotID != slotID || h.RiderID != riderID || !h.State.IsLive() {
			continue
		}
		if newest == nil || h.CreatedAt.After(newest.CreatedAt) {
			newest = h
		}
	}
	if newest == nil {
		return nil, nil
	}
	return cloneHold(newest), nil
}

// UpdateHoldState moves a hold to a new state if it is in one of the from states
func (m *MemoryStore) UpdateHoldState(ctx context.Context, holdID uuid.UUID, from models.HoldStateList, to models.HoldState, upd models.HoldUpdate) (bool, error) {
	m.holdMu.Lock()
	defer m.holdMu.Unlock()
	h, ok := m.holds[holdID]
	if !ok || !from.Contains(h.State) {
		return false, nil
	}

	now := time.Now()
	h.State = to
	h.UpdatedAt = now
	if upd.ProcessorRef != nil {
		ref := *upd.ProcessorRef
		h.ProcessorRef = &ref
	}
	h.FailureReason = upd.FailureReason
	switch to {
	case models.HoldStateAuthorized:
		h.AuthorizedAt = &now
	case models.HoldStateCaptured:
		h.CapturedAt = &now
	case models.HoldStateVoided:
		h.VoidedAt = &now
	}
	return true, nil
}

// RecordHoldFailure stores the processor's reason without changing state
func (m *MemoryStore) RecordHoldFailure(ctx context.Context, holdID uuid.UUID, reason string) error {
	m.holdMu.Lock()
	defer m.holdMu.Unlock()
	if h, ok := m.holds[holdID]; ok {
		h.FailureReason = &reason
		h.UpdatedAt = time.Now()
	}
	return nil
}

// ListHoldsForCapture returns AUTHORIZED holds that back a seat on the slot
func (m *MemoryStore) ListHoldsForCapture(ctx context.Context, slotID uuid.UUID) ([]*models.Hold, error) {
	slot, err := m.GetSlot(ctx, slotID)
	if err != nil || slot == nil {
		return []*models.Hold{}, err
	}

	m.holdMu.RLock()
	defer m.holdMu.RUnlock()
	holds := []*models.Hold{}
	for _, rider := range slot.Riders {
		if h, ok := m.holds[rider.HoldID]; ok && h.State == models.HoldStateAuthorized {
			holds = append(holds, cloneHold(h))
		}
	}
	return holds, nil
}

// ListHoldsForVoid returns every AUTHORIZED hold on the slot
func (m *MemoryStore) ListHoldsForVoid(ctx context.Context, slotID uuid.UUID) ([]*models.Hold, error) {
	return m.filterHolds(func(h *models.Hold) bool {
		return h.SlotID == slotID && h.State == models.HoldStateAuthorized
	}, 0), nil
}

// HoldBacksSeat reports whether a seat entry references the hold
func (m *MemoryStore) HoldBacksSeat(ctx context.Context, holdID uuid.UUID) (bool, error) {
	m.holdMu.RLock()
	defer m.holdMu.RUnlock()
	_, ok := m.seatHolds[holdID]
	return ok, nil
}

// HoldSecuresSeat reports whether the hold backs a seat on a slot that was
// not cancelled
func (m *MemoryStore) HoldSecuresSeat(ctx context.Context, holdID uuid.UUID) (bool, error) {
	m.holdMu.RLock()
	slotID, ok := m.seatHolds[holdID]
	m.holdMu.RUnlock()
	if !ok {
		return false, nil
	}
	return m.slotStatus(slotID) != models.SlotStatusCancelled, nil
}

// ListStalePendingHolds returns PENDING holds not touched since olderThan
func (m *MemoryStore) ListStalePendingHolds(ctx context.Context, olderThan time.Time, limit int) ([]*models.Hold, error) {
	return m.filterHolds(func(h *models.Hold) bool {
		return h.State == models.HoldStatePending && h.UpdatedAt.Before(olderThan)
	}, limit), nil
}

// ListStrandedHolds returns AUTHORIZED holds that back no seat or whose slot was cancelled
func (m *MemoryStore) ListStrandedHolds(ctx context.Context, olderThan time.Time, limit int) ([]*models.Hold, error) {
	candidates := m.filterHolds(func(h *models.Hold) bool {
		return h.State == models.HoldStateAuthorized && h.UpdatedAt.Before(olderThan)
	}, 0)

	holds := []*models.Hold{}
	for _, h := range candidates {
		if limit > 0 && len(holds) >= limit {
			break
		}
		backed, _ := m.HoldBacksSeat(ctx, h.ID)
		if !backed || m.slotStatus(h.SlotID) == models.SlotStatusCancelled {
			holds = append(holds, h)
		}
	}
	return holds, nil
}

// ListUncapturedClaimedHolds returns seat-backed AUTHORIZED holds on CLAIMED slots
func (m *MemoryStore) ListUncapturedClaimedHolds(ctx context.Context, limit int) ([]*models.Hold, error) {
	candidates := m.filterHolds(func(h *models.Hold) bool {
		return h.State == models.HoldStateAuthorized
	}, 0)

	holds := []*models.Hold{}
	for _, h := range candidates {
		if len(holds) >= limit {
			break
		}
		backed, _ := m.HoldBacksSeat(ctx, h.ID)
		if backed && m.slotStatus(h.SlotID) == models.SlotStatusClaimed {
			holds = append(holds, h)
		}
	}
	return holds, nil
}

func (m *MemoryStore) slotStatus(slotID uuid.UUID) models.SlotStatus {
	ms := m.lookup(slotID)
	if ms == nil {
		return ""
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.slot.Status
}

func (m *MemoryStore) filterHolds(keep func(*models.Hold) bool, limit int) []*models.Hold {
	m.holdMu.RLock()
	holds := []*models.Hold{}
	for _, h := range m.holds {
		if keep(h) {
			holds = append(holds, cloneHold(h))
		}
	}
	m.holdMu.RUnlock()

	sort.Slice(holds, func(i, j int) bool { return holds[i].CreatedAt.Before(holds[j].CreatedAt) })
	if limit > 0 && len(holds) > limit {
		holds = holds[:limit]
	}
	return holds
}

// ============================================================================
// AUDIT
// ============================================================================

// Log appends a hold audit entry
func (m *MemoryStore) Log(ctx context.Context, audit *models.HoldAudit) error {
	m.holdMu.Lock()
	defer m.holdMu.Unlock()
	m.audits = append(m.audits, audit)
	return nil
}

// AuditTrail returns the audit entries recorded for a hold
func (m *MemoryStore) AuditTrail(holdID uuid.UUID) []*models.HoldAudit {
	m.holdMu.RLock()
	defer m.holdMu.RUnlock()
	var trail []*models.HoldAudit
	for _, a := range m.audits {
		if a.HoldID == holdID {
			trail = append(trail, a)
		}
	}
	return trail
}
