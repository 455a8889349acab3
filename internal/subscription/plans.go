package subscription

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/example/carpool/internal/apperr"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

// PlanInput describes a catalog entry to create or replace.
type PlanInput struct {
	Name                        string  `json:"name" validate:"required,min=2,max=50"`
	Price                       float64 `json:"price" validate:"gte=0"`
	TripLimit                   *int    `json:"trip_limit" validate:"omitempty,gt=0"`
	DurationDays                int     `json:"duration_days" validate:"gt=0,lte=366"`
	RequiresStudentVerification bool    `json:"requires_student_verification"`
}

// DefaultPlans is the catalog seeded on a fresh install.
func DefaultPlans() []PlanInput {
	return []PlanInput{
		{Name: "silver", Price: 8, TripLimit: models.IntPtr(20), DurationDays: 30},
		{Name: "gold", Price: 10, TripLimit: models.IntPtr(30), DurationDays: 30},
		{Name: "diamond", Price: 40, DurationDays: 30},
		{Name: "student", Price: 5, TripLimit: models.IntPtr(40), DurationDays: 30, RequiresStudentVerification: true},
	}
}

func (l *Ledger) ListPlans(ctx context.Context, includeArchived bool) ([]models.SubscriptionPlan, error) {
	var out []models.SubscriptionPlan
	err := l.store.View(ctx, func(tx storage.Tx) (err error) {
		out, err = tx.ListPlans(ctx, includeArchived)
		return err
	})
	return out, err
}

func (l *Ledger) GetPlan(ctx context.Context, id string) (models.SubscriptionPlan, error) {
	var p models.SubscriptionPlan
	err := l.store.View(ctx, func(tx storage.Tx) (err error) {
		p, err = tx.GetPlan(ctx, id)
		return err
	})
	return p, err
}

func (l *Ledger) CreatePlan(ctx context.Context, in PlanInput) (models.SubscriptionPlan, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := l.validate.Struct(in); err != nil {
		return models.SubscriptionPlan{}, apperr.FromValidator(err)
	}
	p := models.SubscriptionPlan{
		ID:                          uuid.NewString(),
		Name:                        in.Name,
		Price:                       in.Price,
		TripLimit:                   in.TripLimit,
		DurationDays:                in.DurationDays,
		RequiresStudentVerification: in.RequiresStudentVerification,
		CreatedAt:                   l.clock.Now(),
	}
	err := l.store.Update(ctx, func(tx storage.Tx) error { return tx.InsertPlan(ctx, p) })
	if err != nil {
		return models.SubscriptionPlan{}, err
	}
	return p, nil
}

// UpdatePlan replaces a plan's terms. Existing subscriptions keep the price
// and limit snapshotted at purchase.
func (l *Ledger) UpdatePlan(ctx context.Context, id string, in PlanInput) (models.SubscriptionPlan, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := l.validate.Struct(in); err != nil {
		return models.SubscriptionPlan{}, apperr.FromValidator(err)
	}
	var p models.SubscriptionPlan
	err := l.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		p, err = tx.GetPlan(ctx, id)
		if err != nil {
			return err
		}
		p.Name = in.Name
		p.Price = in.Price
		p.TripLimit = in.TripLimit
		p.DurationDays = in.DurationDays
		p.RequiresStudentVerification = in.RequiresStudentVerification
		return tx.UpdatePlan(ctx, p)
	})
	return p, err
}

// SetPlanArchived hides or restores a plan. Archived plans cannot be bought.
func (l *Ledger) SetPlanArchived(ctx context.Context, id string, archived bool) (models.SubscriptionPlan, error) {
	var p models.SubscriptionPlan
	err := l.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		p, err = tx.GetPlan(ctx, id)
		if err != nil {
			return err
		}
		p.Archived = archived
		return tx.UpdatePlan(ctx, p)
	})
	return p, err
}

// SeedPlans inserts each default plan whose name is not taken yet and
// returns how many were added.
func (l *Ledger) SeedPlans(ctx context.Context) (int, error) {
	added := 0
	err := l.store.Update(ctx, func(tx storage.Tx) error {
		for _, in := range DefaultPlans() {
			_, err := tx.GetPlanByName(ctx, in.Name)
			if err == nil {
				continue
			}
			if !apperr.Is(err, apperr.KindNotFound) {
				return err
			}
			p := models.SubscriptionPlan{
				ID:                          uuid.NewString(),
				Name:                        in.Name,
				Price:                       in.Price,
				TripLimit:                   in.TripLimit,
				DurationDays:                in.DurationDays,
				RequiresStudentVerification: in.RequiresStudentVerification,
				CreatedAt:                   l.clock.Now(),
			}
			if err := tx.InsertPlan(ctx, p); err != nil {
				return err
			}
			added++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if added > 0 {
		l.log.Info("seeded subscription plans", "count", added)
	}
	return added, nil
}

// PlanByName looks up a catalog entry case-insensitively.
func (l *Ledger) PlanByName(ctx context.Context, name string) (models.SubscriptionPlan, error) {
	var p models.SubscriptionPlan
	err := l.store.View(ctx, func(tx storage.Tx) (err error) {
		p, err = tx.GetPlanByName(ctx, name)
		return err
	})
	return p, err
}
