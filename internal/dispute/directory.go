// Package dispute keeps the engine's view of disputes owned by the
// mediation service: whether a dispute exists and whether it accepts bets.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clashout/settlement-engine/internal/model"
	"github.com/clashout/settlement-engine/internal/store"
)

var (
	// ErrNotFound is returned for disputes the engine has never been told about.
	ErrNotFound = errors.New("dispute: not found")

	// ErrNotAcceptingBets is returned when a dispute is outside its betting window.
	ErrNotAcceptingBets = errors.New("dispute: not accepting bets")

	// ErrInvalidStatus is returned when registering an unknown status.
	ErrInvalidStatus = errors.New("dispute: invalid status")

	// ErrInvalidID is returned when registering without an id.
	ErrInvalidID = errors.New("dispute: id is required")
)

// Directory reads and records disputes.
type Directory struct {
	store store.Store
}

// NewDirectory creates a dispute directory.
func NewDirectory(st store.Store) *Directory {
	return &Directory{store: st}
}

// Get returns a dispute.
func (d *Directory) Get(ctx context.Context, id string) (*model.Dispute, error) {
	dis, err := d.store.GetDispute(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return dis, err
}

// CheckAcceptingBets returns nil if new wagers may be placed on id.
func (d *Directory) CheckAcceptingBets(ctx context.Context, id string) error {
	dis, err := d.Get(ctx, id)
	if err != nil {
		return err
	}
	if !dis.AcceptingBets() {
		return fmt.Errorf("%w: %s is %s", ErrNotAcceptingBets, id, dis.Status)
	}
	return nil
}

// Register creates or updates a dispute as reported by the mediation service.
func (d *Directory) Register(ctx context.Context, dis *model.Dispute) (*model.Dispute, error) {
	dis.ID = strings.TrimSpace(dis.ID)
	if dis.ID == "" {
		return nil, ErrInvalidID
	}
	switch dis.Status {
	case model.DisputeOpen, model.DisputeActive, model.DisputeInMediation,
		model.DisputeResolved, model.DisputeCancelled:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, dis.Status)
	}
	dis.UpdatedAt = time.Now().UTC()
	if err := d.store.UpsertDispute(ctx, dis); err != nil {
		return nil, err
	}
	return dis, nil
}
