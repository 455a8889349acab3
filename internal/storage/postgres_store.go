package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/example/carpool/internal/apperr"
	"github.com/example/carpool/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore persists records through database/sql. driver is "postgres"
// (lib/pq) or "pgx" (pgx stdlib).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, driver, dsn string) (*PostgresStore, error) {
	if driver == "" {
		driver = "postgres"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the embedded migrations in lexical order, one
// transaction per file.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return p.run(ctx, &sql.TxOptions{}, true, fn)
}

func (p *PostgresStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return p.run(ctx, &sql.TxOptions{ReadOnly: true}, false, fn)
}

func (p *PostgresStore) run(ctx context.Context, opts *sql.TxOptions, writable bool, fn func(tx Tx) error) (err error) {
	sqlTx, err := p.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = sqlTx.Rollback()
			panic(r)
		}
	}()
	if err := fn(&pgTx{tx: sqlTx, writable: writable}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapErr(err, "commit")
	}
	return nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// mapErr turns unique violations from either driver into Conflict.
func mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return apperr.Conflict("%s: duplicate (%s)", what, pqErr.Constraint)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.Conflict("%s: duplicate (%s)", what, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", what, err)
}

type pgTx struct {
	tx       *sql.Tx
	writable bool
}

// forUpdate locks rows read inside Update.
func (t *pgTx) forUpdate() string {
	if t.writable {
		return " FOR UPDATE"
	}
	return ""
}

type args struct{ vals []any }

func (a *args) add(v any) string {
	a.vals = append(a.vals, v)
	return fmt.Sprintf("$%d", len(a.vals))
}

func (a *args) in(vals []string) string {
	ph := make([]string, len(vals))
	for i, v := range vals {
		ph[i] = a.add(v)
	}
	return "(" + strings.Join(ph, ",") + ")"
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

type scanner interface{ Scan(dest ...any) error }

// trips

const tripSelect = `SELECT t.id, t.driver_id, t.start_lat, t.start_lon, t.end_lat, t.end_lon, t.start_time,
	t.description, t.capacity, t.available_seats, t.price, t.status, t.is_archived,
	t.nav_lat, t.nav_lon, t.nav_speed, t.nav_bearing, t.nav_accuracy, t.nav_updated_at,
	t.average_rating, t.total_ratings, t.created_at, t.updated_at,
	COALESCE((SELECT array_agg(tp.passenger_id ORDER BY tp.position)
		FROM trip_passengers tp WHERE tp.trip_id = t.id), '{}'::text[])
	FROM trips t`

func scanTrip(row scanner) (models.Trip, error) {
	var (
		t                                      models.Trip
		status                                 string
		passengers                             pq.StringArray
		navLat, navLon, navSpeed, navBear, acc sql.NullFloat64
		navAt                                  sql.NullTime
		avg                                    sql.NullFloat64
	)
	err := row.Scan(&t.ID, &t.DriverID, &t.Start.Lat, &t.Start.Lon, &t.End.Lat, &t.End.Lon, &t.StartTime,
		&t.Description, &t.Capacity, &t.AvailableSeats, &t.Price, &status, &t.Archived,
		&navLat, &navLon, &navSpeed, &navBear, &acc, &navAt,
		&avg, &t.TotalRatings, &t.CreatedAt, &t.UpdatedAt, &passengers)
	if err != nil {
		return models.Trip{}, err
	}
	t.Status = models.TripStatus(status)
	t.PassengerIDs = []string{}
	if len(passengers) > 0 {
		t.PassengerIDs = []string(passengers)
	}
	if navAt.Valid {
		t.Navigation = &models.Navigation{
			Position:  models.Coord{Lat: navLat.Float64, Lon: navLon.Float64},
			SpeedKmh:  navSpeed.Float64,
			Bearing:   navBear.Float64,
			Accuracy:  acc.Float64,
			UpdatedAt: navAt.Time,
		}
	}
	if avg.Valid {
		v := avg.Float64
		t.AverageRating = &v
	}
	return t, nil
}

func (t *pgTx) GetTrip(ctx context.Context, id string) (models.Trip, error) {
	if t.writable {
		var locked string
		err := t.tx.QueryRowContext(ctx, `SELECT id FROM trips WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
		if errors.Is(err, sql.ErrNoRows) {
			return models.Trip{}, apperr.NotFound("trip %s not found", id)
		}
		if err != nil {
			return models.Trip{}, fmt.Errorf("lock trip: %w", err)
		}
	}
	trip, err := scanTrip(t.tx.QueryRowContext(ctx, tripSelect+` WHERE t.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Trip{}, apperr.NotFound("trip %s not found", id)
	}
	if err != nil {
		return models.Trip{}, fmt.Errorf("get trip: %w", err)
	}
	return trip, nil
}

func tripNav(tr models.Trip) (lat, lon, speed, bearing, acc, at any) {
	if tr.Navigation == nil {
		return nil, nil, nil, nil, nil, nil
	}
	n := tr.Navigation
	return n.Position.Lat, n.Position.Lon, n.SpeedKmh, n.Bearing, n.Accuracy, n.UpdatedAt
}

func (t *pgTx) InsertTrip(ctx context.Context, tr models.Trip) error {
	if !t.writable {
		return errReadOnly
	}
	lat, lon, speed, bearing, acc, at := tripNav(tr)
	_, err := t.tx.ExecContext(ctx, `INSERT INTO trips (id, driver_id, start_lat, start_lon, end_lat, end_lon,
		start_time, description, capacity, available_seats, price, status, is_archived,
		nav_lat, nav_lon, nav_speed, nav_bearing, nav_accuracy, nav_updated_at,
		average_rating, total_ratings, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		tr.ID, tr.DriverID, tr.Start.Lat, tr.Start.Lon, tr.End.Lat, tr.End.Lon,
		tr.StartTime, tr.Description, tr.Capacity, tr.AvailableSeats, tr.Price, string(tr.Status), tr.Archived,
		lat, lon, speed, bearing, acc, at,
		nullFloat(tr.AverageRating), tr.TotalRatings, tr.CreatedAt, tr.UpdatedAt)
	if err != nil {
		return mapErr(err, "insert trip")
	}
	return t.writePassengers(ctx, tr)
}

func (t *pgTx) UpdateTrip(ctx context.Context, tr models.Trip) error {
	if !t.writable {
		return errReadOnly
	}
	lat, lon, speed, bearing, acc, at := tripNav(tr)
	res, err := t.tx.ExecContext(ctx, `UPDATE trips SET driver_id=$2, start_lat=$3, start_lon=$4, end_lat=$5, end_lon=$6,
		start_time=$7, description=$8, capacity=$9, available_seats=$10, price=$11, status=$12, is_archived=$13,
		nav_lat=$14, nav_lon=$15, nav_speed=$16, nav_bearing=$17, nav_accuracy=$18, nav_updated_at=$19,
		average_rating=$20, total_ratings=$21, updated_at=$22 WHERE id=$1`,
		tr.ID, tr.DriverID, tr.Start.Lat, tr.Start.Lon, tr.End.Lat, tr.End.Lon,
		tr.StartTime, tr.Description, tr.Capacity, tr.AvailableSeats, tr.Price, string(tr.Status), tr.Archived,
		lat, lon, speed, bearing, acc, at,
		nullFloat(tr.AverageRating), tr.TotalRatings, tr.UpdatedAt)
	if err != nil {
		return mapErr(err, "update trip")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("trip %s not found", tr.ID)
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM trip_passengers WHERE trip_id = $1`, tr.ID); err != nil {
		return fmt.Errorf("clear passengers: %w", err)
	}
	return t.writePassengers(ctx, tr)
}

func (t *pgTx) writePassengers(ctx context.Context, tr models.Trip) error {
	for i, p := range tr.PassengerIDs {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO trip_passengers (trip_id, passenger_id, position) VALUES ($1,$2,$3)`,
			tr.ID, p, i); err != nil {
			return mapErr(err, "insert passenger")
		}
	}
	return nil
}

func (t *pgTx) ListTrips(ctx context.Context, f TripFilter) ([]models.Trip, error) {
	var a args
	where := []string{"TRUE"}
	if f.DriverID != "" {
		where = append(where, "t.driver_id = "+a.add(f.DriverID))
	}
	if f.PassengerID != "" {
		where = append(where, "EXISTS (SELECT 1 FROM trip_passengers tp WHERE tp.trip_id = t.id AND tp.passenger_id = "+a.add(f.PassengerID)+")")
	}
	if len(f.Statuses) > 0 {
		vals := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			vals[i] = string(s)
		}
		where = append(where, "t.status IN "+a.in(vals))
	}
	if !f.StartFrom.IsZero() {
		where = append(where, "t.start_time >= "+a.add(f.StartFrom))
	}
	if !f.StartBefore.IsZero() {
		where = append(where, "t.start_time < "+a.add(f.StartBefore))
	}
	if f.WithNavigation {
		where = append(where, "t.nav_updated_at IS NOT NULL")
	}
	if !f.IncludeArchived {
		where = append(where, "NOT t.is_archived")
	}
	rows, err := t.tx.QueryContext(ctx, tripSelect+" WHERE "+strings.Join(where, " AND ")+" ORDER BY t.start_time, t.id", a.vals...)
	if err != nil {
		return nil, fmt.Errorf("list trips: %w", err)
	}
	defer rows.Close()
	out := make([]models.Trip, 0)
	for rows.Next() {
		tr, err := scanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trip: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (t *pgTx) CancelOpenTripsBefore(ctx context.Context, cutoff, now time.Time) (int, error) {
	if !t.writable {
		return 0, errReadOnly
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE trips SET status = $1, updated_at = $2,
		nav_lat = NULL, nav_lon = NULL, nav_speed = NULL, nav_bearing = NULL, nav_accuracy = NULL, nav_updated_at = NULL
		WHERE status = $3 AND start_time < $4`,
		string(models.TripCanceled), now, string(models.TripOpen), cutoff)
	if err != nil {
		return 0, fmt.Errorf("cancel overdue trips: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ride requests

const requestSelect = `SELECT r.id, r.trip_id, r.passenger_id, r.status, r.comment, r.created_at, r.updated_at FROM ride_requests r`

func scanRequest(row scanner) (models.RideRequest, error) {
	var r models.RideRequest
	var status string
	if err := row.Scan(&r.ID, &r.TripID, &r.PassengerID, &status, &r.Comment, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return models.RideRequest{}, err
	}
	r.Status = models.RequestStatus(status)
	return r, nil
}

func (t *pgTx) GetRequest(ctx context.Context, id string) (models.RideRequest, error) {
	r, err := scanRequest(t.tx.QueryRowContext(ctx, requestSelect+` WHERE r.id = $1`+t.forUpdate(), id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.RideRequest{}, apperr.NotFound("ride request %s not found", id)
	}
	if err != nil {
		return models.RideRequest{}, fmt.Errorf("get ride request: %w", err)
	}
	return r, nil
}

func (t *pgTx) InsertRequest(ctx context.Context, r models.RideRequest) error {
	if !t.writable {
		return errReadOnly
	}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO ride_requests (id, trip_id, passenger_id, status, comment, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		r.ID, r.TripID, r.PassengerID, string(r.Status), r.Comment, r.CreatedAt, r.UpdatedAt)
	return mapErr(err, "insert ride request")
}

func (t *pgTx) UpdateRequest(ctx context.Context, r models.RideRequest) error {
	if !t.writable {
		return errReadOnly
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE ride_requests SET status=$2, comment=$3, updated_at=$4 WHERE id=$1`,
		r.ID, string(r.Status), r.Comment, r.UpdatedAt)
	if err != nil {
		return mapErr(err, "update ride request")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("ride request %s not found", r.ID)
	}
	return nil
}

func (t *pgTx) ListRequests(ctx context.Context, f RequestFilter) ([]models.RideRequest, error) {
	var a args
	where := []string{"TRUE"}
	if f.TripID != "" {
		where = append(where, "r.trip_id = "+a.add(f.TripID))
	}
	if f.PassengerID != "" {
		where = append(where, "r.passenger_id = "+a.add(f.PassengerID))
	}
	if f.DriverID != "" {
		where = append(where, "r.trip_id IN (SELECT id FROM trips WHERE driver_id = "+a.add(f.DriverID)+")")
	}
	if len(f.Statuses) > 0 {
		vals := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			vals[i] = string(s)
		}
		where = append(where, "r.status IN "+a.in(vals))
	}
	rows, err := t.tx.QueryContext(ctx, requestSelect+" WHERE "+strings.Join(where, " AND ")+" ORDER BY r.created_at DESC, r.id", a.vals...)
	if err != nil {
		return nil, fmt.Errorf("list ride requests: %w", err)
	}
	defer rows.Close()
	out := make([]models.RideRequest, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ride request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// subscriptions

const subscriptionSelect = `SELECT s.id, s.user_id, s.plan_id, s.plan_name, s.price_paid, s.trip_limit, s.trips_used,
	s.is_active, s.start_date, s.end_date, s.is_archived, s.created_at, s.updated_at FROM subscriptions s`

func scanSubscription(row scanner) (models.Subscription, error) {
	var s models.Subscription
	var limit sql.NullInt64
	err := row.Scan(&s.ID, &s.UserID, &s.PlanID, &s.PlanName, &s.PricePaid, &limit, &s.TripsUsed,
		&s.Active, &s.StartDate, &s.EndDate, &s.Archived, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return models.Subscription{}, err
	}
	if limit.Valid {
		s.TripLimit = models.IntPtr(int(limit.Int64))
	}
	return s, nil
}

func (t *pgTx) GetSubscription(ctx context.Context, id string) (models.Subscription, error) {
	s, err := scanSubscription(t.tx.QueryRowContext(ctx, subscriptionSelect+` WHERE s.id = $1`+t.forUpdate(), id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Subscription{}, apperr.NotFound("subscription %s not found", id)
	}
	if err != nil {
		return models.Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	return s, nil
}

func (t *pgTx) ActiveSubscription(ctx context.Context, userID string, now time.Time) (models.Subscription, error) {
	s, err := scanSubscription(t.tx.QueryRowContext(ctx, subscriptionSelect+`
		WHERE s.user_id = $1 AND s.is_active AND NOT s.is_archived AND s.end_date > $2
		ORDER BY s.end_date DESC LIMIT 1`+t.forUpdate(), userID, now))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Subscription{}, apperr.NotFound("no active subscription for user %s", userID)
	}
	if err != nil {
		return models.Subscription{}, fmt.Errorf("active subscription: %w", err)
	}
	return s, nil
}

func (t *pgTx) InsertSubscription(ctx context.Context, s models.Subscription) error {
	if !t.writable {
		return errReadOnly
	}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO subscriptions (id, user_id, plan_id, plan_name, price_paid, trip_limit,
		trips_used, is_active, start_date, end_date, is_archived, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		s.ID, s.UserID, s.PlanID, s.PlanName, s.PricePaid, nullInt(s.TripLimit),
		s.TripsUsed, s.Active, s.StartDate, s.EndDate, s.Archived, s.CreatedAt, s.UpdatedAt)
	return mapErr(err, "insert subscription")
}

func (t *pgTx) UpdateSubscription(ctx context.Context, s models.Subscription) error {
	if !t.writable {
		return errReadOnly
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE subscriptions SET trips_used=$2, is_active=$3, end_date=$4,
		is_archived=$5, updated_at=$6 WHERE id=$1`,
		s.ID, s.TripsUsed, s.Active, s.EndDate, s.Archived, s.UpdatedAt)
	if err != nil {
		return mapErr(err, "update subscription")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("subscription %s not found", s.ID)
	}
	return nil
}

func (t *pgTx) ListSubscriptions(ctx context.Context, userID string) ([]models.Subscription, error) {
	rows, err := t.tx.QueryContext(ctx, subscriptionSelect+` WHERE s.user_id = $1 ORDER BY s.created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()
	out := make([]models.Subscription, 0)
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *pgTx) DeactivateLapsedSubscriptions(ctx context.Context, now time.Time) (int, error) {
	if !t.writable {
		return 0, errReadOnly
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE subscriptions SET is_active = FALSE, updated_at = $1
		WHERE is_active AND end_date <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("deactivate subscriptions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// plans

const planSelect = `SELECT p.id, p.name, p.price, p.trip_limit, p.duration_days, p.requires_student_verification,
	p.is_archived, p.created_at FROM subscription_plans p`

func scanPlan(row scanner) (models.SubscriptionPlan, error) {
	var p models.SubscriptionPlan
	var limit sql.NullInt64
	err := row.Scan(&p.ID, &p.Name, &p.Price, &limit, &p.DurationDays, &p.RequiresStudentVerification, &p.Archived, &p.CreatedAt)
	if err != nil {
		return models.SubscriptionPlan{}, err
	}
	if limit.Valid {
		p.TripLimit = models.IntPtr(int(limit.Int64))
	}
	return p, nil
}

func (t *pgTx) GetPlan(ctx context.Context, id string) (models.SubscriptionPlan, error) {
	p, err := scanPlan(t.tx.QueryRowContext(ctx, planSelect+` WHERE p.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.SubscriptionPlan{}, apperr.NotFound("plan %s not found", id)
	}
	if err != nil {
		return models.SubscriptionPlan{}, fmt.Errorf("get plan: %w", err)
	}
	return p, nil
}

func (t *pgTx) GetPlanByName(ctx context.Context, name string) (models.SubscriptionPlan, error) {
	p, err := scanPlan(t.tx.QueryRowContext(ctx, planSelect+` WHERE lower(p.name) = lower($1)`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return models.SubscriptionPlan{}, apperr.NotFound("plan %q not found", name)
	}
	if err != nil {
		return models.SubscriptionPlan{}, fmt.Errorf("get plan: %w", err)
	}
	return p, nil
}

func (t *pgTx) InsertPlan(ctx context.Context, p models.SubscriptionPlan) error {
	if !t.writable {
		return errReadOnly
	}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO subscription_plans (id, name, price, trip_limit, duration_days,
		requires_student_verification, is_archived, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		p.ID, p.Name, p.Price, nullInt(p.TripLimit), p.DurationDays, p.RequiresStudentVerification, p.Archived, p.CreatedAt)
	return mapErr(err, "insert plan")
}

func (t *pgTx) UpdatePlan(ctx context.Context, p models.SubscriptionPlan) error {
	if !t.writable {
		return errReadOnly
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE subscription_plans SET name=$2, price=$3, trip_limit=$4, duration_days=$5,
		requires_student_verification=$6, is_archived=$7 WHERE id=$1`,
		p.ID, p.Name, p.Price, nullInt(p.TripLimit), p.DurationDays, p.RequiresStudentVerification, p.Archived)
	if err != nil {
		return mapErr(err, "update plan")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("plan %s not found", p.ID)
	}
	return nil
}

func (t *pgTx) ListPlans(ctx context.Context, includeArchived bool) ([]models.SubscriptionPlan, error) {
	q := planSelect
	if !includeArchived {
		q += ` WHERE NOT p.is_archived`
	}
	rows, err := t.tx.QueryContext(ctx, q+` ORDER BY p.price, p.name`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()
	out := make([]models.SubscriptionPlan, 0)
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// users

func (t *pgTx) GetUser(ctx context.Context, id string) (models.User, error) {
	var u models.User
	var avg sql.NullFloat64
	err := t.tx.QueryRowContext(ctx, `SELECT id, name, email, student_verified, fcm_token, average_rating, total_ratings
		FROM users WHERE id = $1`, id).Scan(&u.ID, &u.Name, &u.Email, &u.StudentVerified, &u.FCMToken, &avg, &u.TotalRatings)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, apperr.NotFound("user %s not found", id)
	}
	if err != nil {
		return models.User{}, fmt.Errorf("get user: %w", err)
	}
	if avg.Valid {
		v := avg.Float64
		u.AverageRating = &v
	}
	return u, nil
}

func (t *pgTx) UpsertUser(ctx context.Context, u models.User) error {
	if !t.writable {
		return errReadOnly
	}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO users (id, name, email, student_verified, fcm_token, average_rating, total_ratings)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email,
			student_verified = EXCLUDED.student_verified, fcm_token = EXCLUDED.fcm_token,
			average_rating = EXCLUDED.average_rating, total_ratings = EXCLUDED.total_ratings`,
		u.ID, u.Name, u.Email, u.StudentVerified, u.FCMToken, nullFloat(u.AverageRating), u.TotalRatings)
	return mapErr(err, "upsert user")
}

// payments

const paymentSelect = `SELECT id, user_id, plan_id, subscription_id, session_id, payment_intent_id, amount, currency,
	status, checkout_url, success_url, cancel_url, receipt_email, failure_message, created_at, completed_at, expires_at
	FROM payments`

func scanPayment(row scanner) (models.Payment, error) {
	var p models.Payment
	var status string
	var completed sql.NullTime
	err := row.Scan(&p.ID, &p.UserID, &p.PlanID, &p.SubscriptionID, &p.SessionID, &p.PaymentIntentID, &p.Amount, &p.Currency,
		&status, &p.CheckoutURL, &p.SuccessURL, &p.CancelURL, &p.ReceiptEmail, &p.FailureMessage, &p.CreatedAt, &completed, &p.ExpiresAt)
	if err != nil {
		return models.Payment{}, err
	}
	p.Status = models.PaymentStatus(status)
	if completed.Valid {
		at := completed.Time
		p.CompletedAt = &at
	}
	return p, nil
}

func (t *pgTx) getPayment(ctx context.Context, where string, arg any) (models.Payment, error) {
	p, err := scanPayment(t.tx.QueryRowContext(ctx, paymentSelect+" WHERE "+where+t.forUpdate(), arg))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Payment{}, apperr.NotFound("payment %v not found", arg)
	}
	if err != nil {
		return models.Payment{}, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (t *pgTx) GetPayment(ctx context.Context, id string) (models.Payment, error) {
	return t.getPayment(ctx, "id = $1", id)
}

func (t *pgTx) GetPaymentBySession(ctx context.Context, sessionID string) (models.Payment, error) {
	return t.getPayment(ctx, "session_id = $1", sessionID)
}

func (t *pgTx) InsertPayment(ctx context.Context, p models.Payment) error {
	if !t.writable {
		return errReadOnly
	}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO payments (id, user_id, plan_id, subscription_id, session_id, payment_intent_id,
		amount, currency, status, checkout_url, success_url, cancel_url, receipt_email, failure_message,
		created_at, completed_at, expires_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		p.ID, p.UserID, p.PlanID, p.SubscriptionID, p.SessionID, p.PaymentIntentID,
		p.Amount, p.Currency, string(p.Status), p.CheckoutURL, p.SuccessURL, p.CancelURL, p.ReceiptEmail, p.FailureMessage,
		p.CreatedAt, nullTime(p.CompletedAt), p.ExpiresAt)
	return mapErr(err, "insert payment")
}

func (t *pgTx) UpdatePayment(ctx context.Context, p models.Payment) error {
	if !t.writable {
		return errReadOnly
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE payments SET subscription_id=$2, payment_intent_id=$3, status=$4,
		receipt_email=$5, failure_message=$6, completed_at=$7 WHERE id=$1`,
		p.ID, p.SubscriptionID, p.PaymentIntentID, string(p.Status), p.ReceiptEmail, p.FailureMessage, nullTime(p.CompletedAt))
	if err != nil {
		return mapErr(err, "update payment")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("payment %s not found", p.ID)
	}
	return nil
}

func (t *pgTx) ExpirePendingPayments(ctx context.Context, now time.Time) (int, error) {
	if !t.writable {
		return 0, errReadOnly
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE payments SET status = $1 WHERE status = $2 AND expires_at < $3`,
		string(models.PaymentExpired), string(models.PaymentPending), now)
	if err != nil {
		return 0, fmt.Errorf("expire payments: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ratings

func (t *pgTx) InsertRating(ctx context.Context, r models.Rating) error {
	if !t.writable {
		return errReadOnly
	}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO ratings (id, trip_id, passenger_id, stars, comment, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`, r.ID, r.TripID, r.PassengerID, r.Stars, r.Comment, r.CreatedAt)
	return mapErr(err, "insert rating")
}

func (t *pgTx) ListRatings(ctx context.Context, tripID string) ([]models.Rating, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT id, trip_id, passenger_id, stars, comment, created_at
		FROM ratings WHERE trip_id = $1 ORDER BY created_at`, tripID)
	if err != nil {
		return nil, fmt.Errorf("list ratings: %w", err)
	}
	defer rows.Close()
	out := make([]models.Rating, 0)
	for rows.Next() {
		var r models.Rating
		if err := rows.Scan(&r.ID, &r.TripID, &r.PassengerID, &r.Stars, &r.Comment, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rating: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
