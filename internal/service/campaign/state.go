package campaign

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/acme/outbound-dispatch/internal/domain"
	apperrors "github.com/acme/outbound-dispatch/pkg/errors"
)

// Event is a control operation applied to a campaign.
type Event string

const (
	EventStart    Event = "start"
	EventPause    Event = "pause"
	EventResume   Event = "resume"
	EventComplete Event = "complete"
)

type edge struct {
	from  domain.CampaignStatus
	event Event
}

// transitions lists every status change. Pairs absent here are either no-ops
// (see noops) or rejected.
var transitions = map[edge]domain.CampaignStatus{
	{domain.CampaignStatusDraft, EventStart}:     domain.CampaignStatusActive,
	{domain.CampaignStatusActive, EventPause}:    domain.CampaignStatusPaused,
	{domain.CampaignStatusPaused, EventResume}:   domain.CampaignStatusActive,
	{domain.CampaignStatusActive, EventComplete}: domain.CampaignStatusCompleted,
}

var noops = map[edge]bool{
	{domain.CampaignStatusActive, EventStart}:       true,
	{domain.CampaignStatusPaused, EventStart}:       true,
	{domain.CampaignStatusCompleted, EventStart}:    true,
	{domain.CampaignStatusPaused, EventPause}:       true,
	{domain.CampaignStatusActive, EventResume}:      true,
	{domain.CampaignStatusCompleted, EventComplete}: true,
}

// Transition applies event to from. changed is false for idempotent no-ops.
func Transition(from domain.CampaignStatus, event Event) (domain.CampaignStatus, bool, error) {
	e := edge{from: from, event: event}
	if to, ok := transitions[e]; ok {
		return to, true, nil
	}
	if noops[e] {
		return from, false, nil
	}
	if event == EventComplete {
		return from, false, fmt.Errorf("campaign: cannot complete %s campaign: %w", from, apperrors.ErrConflict)
	}
	return from, false, fmt.Errorf("campaign: cannot %s %s campaign: %w", event, from, apperrors.ErrCampaignNotActive)
}

// Board is the process-local view of campaign status that workers poll
// before every dequeue.
type Board struct {
	mu     sync.RWMutex
	status map[uuid.UUID]domain.CampaignStatus
}

// NewBoard constructs an empty board.
func NewBoard() *Board {
	return &Board{status: make(map[uuid.UUID]domain.CampaignStatus)}
}

// Set records the campaign status.
func (b *Board) Set(id uuid.UUID, status domain.CampaignStatus) {
	b.mu.Lock()
	b.status[id] = status
	b.mu.Unlock()
}

// Status returns the recorded status.
func (b *Board) Status(id uuid.UUID) (domain.CampaignStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.status[id]
	return s, ok
}

// Active reports whether workers may pull new work.
func (b *Board) Active(id uuid.UUID) bool {
	s, _ := b.Status(id)
	return s == domain.CampaignStatusActive
}
