package services

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/saeid-a/EnrollBack/internal/gateway"
	"github.com/saeid-a/EnrollBack/internal/models"
	"github.com/saeid-a/EnrollBack/internal/repository"
)

// memDB serializes whole transactions behind one mutex and commits by
// swapping in the working copy, so a failed fn leaves no trace.
type memDB struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	lessons          map[int64]models.Lesson
	lockers          map[string]models.LockerInventory
	users            map[int64]models.User
	enrollments      map[int64]models.Enrollment
	payments         map[int64]models.Payment
	audit            []models.AuditEntry
	nextEnrollmentID int64
	nextPaymentID    int64
	// lockersBusy makes locker row locks fail as if another session held them.
	lockersBusy bool
}

func newMemDB() *memDB {
	return &memDB{state: &memState{
		lessons:     map[int64]models.Lesson{},
		lockers:     map[string]models.LockerInventory{},
		users:       map[int64]models.User{},
		enrollments: map[int64]models.Enrollment{},
		payments:    map[int64]models.Payment{},
	}}
}

func (s *memState) clone() *memState {
	next := &memState{
		lessons:          make(map[int64]models.Lesson, len(s.lessons)),
		lockers:          make(map[string]models.LockerInventory, len(s.lockers)),
		users:            make(map[int64]models.User, len(s.users)),
		enrollments:      make(map[int64]models.Enrollment, len(s.enrollments)),
		payments:         make(map[int64]models.Payment, len(s.payments)),
		audit:            append([]models.AuditEntry(nil), s.audit...),
		nextEnrollmentID: s.nextEnrollmentID,
		nextPaymentID:    s.nextPaymentID,
		lockersBusy:      s.lockersBusy,
	}
	for k, v := range s.lessons {
		next.lessons[k] = v
	}
	for k, v := range s.lockers {
		next.lockers[k] = v
	}
	for k, v := range s.users {
		next.users[k] = v
	}
	for k, v := range s.enrollments {
		next.enrollments[k] = v
	}
	for k, v := range s.payments {
		next.payments[k] = v
	}
	return next
}

func (db *memDB) WithinTx(_ context.Context, fn func(Stores) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	working := db.state.clone()
	if err := fn(Stores{
		Lessons:     memLessonStore{working},
		Lockers:     memLockerStore{working},
		Enrollments: memEnrollmentStore{working},
		Payments:    memPaymentStore{working},
		Audit:       memAuditStore{working},
		Users:       memUserStore{working},
	}); err != nil {
		return err
	}
	db.state = working
	return nil
}

func (db *memDB) snapshot() *memState {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.state.clone()
}

func (db *memDB) seedLesson(lesson models.Lesson) {
	db.state.lessons[lesson.ID] = lesson
}

func (db *memDB) seedLocker(gender string, total, used int) {
	db.state.lockers[gender] = models.LockerInventory{Gender: gender, TotalQuantity: total, UsedQuantity: used}
}

func (db *memDB) seedUser(id int64, gender string) {
	user := models.User{ID: id, Email: "user@example.test", Role: "user"}
	if gender != "" {
		g := gender
		user.Gender = &g
	}
	db.state.users[id] = user
}

type memLessonStore struct{ s *memState }

func (m memLessonStore) GetByID(_ context.Context, id int64) (*models.Lesson, error) {
	lesson, ok := m.s.lessons[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &lesson, nil
}

func (m memLessonStore) GetByIDForUpdate(ctx context.Context, id int64) (*models.Lesson, error) {
	return m.GetByID(ctx, id)
}

func (m memLessonStore) CountActiveHolds(_ context.Context, lessonID int64, now time.Time) (int, error) {
	count := 0
	for _, enrollment := range m.s.enrollments {
		if enrollment.LessonID == lessonID && enrollment.HoldsLessonSlot(now) {
			count++
		}
	}
	return count, nil
}

type memLockerStore struct{ s *memState }

func (m memLockerStore) GetByGender(_ context.Context, gender string) (*models.LockerInventory, error) {
	locker, ok := m.s.lockers[gender]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &locker, nil
}

func (m memLockerStore) GetByGenderForUpdate(ctx context.Context, gender string) (*models.LockerInventory, error) {
	if m.s.lockersBusy {
		return nil, &pgconn.PgError{Code: pgLockNotAvailable, Message: "could not obtain lock on row in relation \"locker_inventory\""}
	}
	return m.GetByGender(ctx, gender)
}

func (m memLockerStore) List(_ context.Context) ([]models.LockerInventory, error) {
	lockers := make([]models.LockerInventory, 0, len(m.s.lockers))
	for _, locker := range m.s.lockers {
		lockers = append(lockers, locker)
	}
	sort.Slice(lockers, func(i, j int) bool { return lockers[i].Gender < lockers[j].Gender })
	return lockers, nil
}

func (m memLockerStore) ListForUpdate(ctx context.Context) ([]models.LockerInventory, error) {
	return m.List(ctx)
}

func (m memLockerStore) SetUsed(_ context.Context, gender string, used int) (*models.LockerInventory, error) {
	locker, ok := m.s.lockers[gender]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	if used < 0 || used > locker.TotalQuantity {
		return nil, &pgconn.PgError{Code: "23514", Message: "locker_inventory used_quantity check"}
	}
	locker.UsedQuantity = used
	locker.UpdatedAt = time.Now()
	m.s.lockers[gender] = locker
	return &locker, nil
}

func (m memLockerStore) SetTotal(_ context.Context, gender string, total int) (*models.LockerInventory, error) {
	locker, ok := m.s.lockers[gender]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	locker.TotalQuantity = total
	locker.UpdatedAt = time.Now()
	m.s.lockers[gender] = locker
	return &locker, nil
}

func (m memLockerStore) CountHeldByGender(_ context.Context) (map[string]int, error) {
	counts := map[string]int{models.GenderMale: 0, models.GenderFemale: 0}
	for _, enrollment := range m.s.enrollments {
		switch enrollment.Status {
		case models.EnrollmentStatusPending, models.EnrollmentStatusPaid, models.EnrollmentStatusCancelRequested:
			if enrollment.LockerHeld && enrollment.Gender != nil {
				counts[*enrollment.Gender]++
			}
		}
	}
	return counts, nil
}

type memEnrollmentStore struct{ s *memState }

func (m memEnrollmentStore) Create(_ context.Context, input repository.CreateEnrollmentInput) (*models.Enrollment, error) {
	if input.Gender != nil && *input.Gender != models.GenderMale && *input.Gender != models.GenderFemale {
		return nil, &pgconn.PgError{Code: pgCheckViolation, Message: "enrollments_gender_check"}
	}
	if input.UsesLocker && input.Gender == nil {
		return nil, &pgconn.PgError{Code: pgCheckViolation, Message: "enrollments_check1"}
	}
	if input.LockerHeld && !input.UsesLocker {
		return nil, &pgconn.PgError{Code: pgCheckViolation, Message: "enrollments_check"}
	}
	m.s.nextEnrollmentID++
	now := time.Now()
	enrollment := models.Enrollment{
		ID:           m.s.nextEnrollmentID,
		LessonID:     input.LessonID,
		UserID:       input.UserID,
		UsesLocker:   input.UsesLocker,
		LockerHeld:   input.LockerHeld,
		Gender:       input.Gender,
		Status:       models.EnrollmentStatusPending,
		CancelStatus: models.CancelStatusNone,
		ExpiresAt:    input.ExpiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.s.enrollments[enrollment.ID] = enrollment
	return &enrollment, nil
}

func (m memEnrollmentStore) GetByID(_ context.Context, id int64) (*models.Enrollment, error) {
	enrollment, ok := m.s.enrollments[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &enrollment, nil
}

func (m memEnrollmentStore) GetByIDForUpdate(ctx context.Context, id int64) (*models.Enrollment, error) {
	return m.GetByID(ctx, id)
}

func (m memEnrollmentStore) ExistsActive(_ context.Context, userID, lessonID int64, now time.Time) (bool, error) {
	for _, enrollment := range m.s.enrollments {
		if enrollment.UserID == userID && enrollment.LessonID == lessonID && enrollment.HoldsLessonSlot(now) {
			return true, nil
		}
	}
	return false, nil
}

func (m memEnrollmentStore) update(id int64, fn func(*models.Enrollment)) (*models.Enrollment, error) {
	enrollment, ok := m.s.enrollments[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	fn(&enrollment)
	enrollment.UpdatedAt = time.Now()
	m.s.enrollments[id] = enrollment
	return &enrollment, nil
}

func (m memEnrollmentStore) UpdateStatusIfCurrent(_ context.Context, id int64, currentStatus, nextStatus string) (*models.Enrollment, error) {
	enrollment, ok := m.s.enrollments[id]
	if !ok || enrollment.Status != currentStatus {
		return nil, pgx.ErrNoRows
	}
	return m.update(id, func(e *models.Enrollment) { e.Status = nextStatus })
}

func (m memEnrollmentStore) SetLockerHeld(_ context.Context, id int64, held bool) error {
	_, err := m.update(id, func(e *models.Enrollment) { e.LockerHeld = held })
	return err
}

func (m memEnrollmentStore) UpdateLesson(_ context.Context, id, lessonID int64) (*models.Enrollment, error) {
	return m.update(id, func(e *models.Enrollment) { e.LessonID = lessonID })
}

func (m memEnrollmentStore) UpdateCancellation(_ context.Context, id int64, input repository.UpdateCancellationInput) (*models.Enrollment, error) {
	return m.update(id, func(e *models.Enrollment) {
		e.CancelStatus = input.CancelStatus
		if input.CancelReason != nil {
			e.CancelReason = input.CancelReason
		}
		if input.AdminComment != nil {
			e.AdminComment = input.AdminComment
		}
		if input.UsedDaysForRefund != nil {
			days := *input.UsedDaysForRefund
			e.UsedDaysForRefund = &days
		}
		if input.RefundAmount != nil {
			amount := *input.RefundAmount
			e.RefundAmount = &amount
		}
	})
}

func (m memEnrollmentStore) UpdateLockerNo(_ context.Context, id int64, lockerNo *string) (*models.Enrollment, error) {
	return m.update(id, func(e *models.Enrollment) { e.LockerNo = lockerNo })
}

func (m memEnrollmentStore) UpdateDiscountStatus(_ context.Context, id int64, status string, comment *string) (*models.Enrollment, error) {
	return m.update(id, func(e *models.Enrollment) {
		e.DiscountStatus = &status
		if comment != nil {
			e.AdminComment = comment
		}
	})
}

func (m memEnrollmentStore) ListExpiredPendingIDs(_ context.Context, now time.Time, limit int) ([]int64, error) {
	ids := make([]int64, 0)
	for _, enrollment := range m.s.enrollments {
		if enrollment.Status == models.EnrollmentStatusPending && !enrollment.ExpiresAt.After(now) {
			ids = append(ids, enrollment.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

type memPaymentStore struct{ s *memState }

func (m memPaymentStore) Create(_ context.Context, input repository.CreatePaymentInput) (*models.Payment, error) {
	for _, payment := range m.s.payments {
		if payment.TID == input.TID {
			return nil, &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint \"payments_tid_key\""}
		}
	}
	m.s.nextPaymentID++
	payment := models.Payment{
		ID:                m.s.nextPaymentID,
		EnrollmentID:      input.EnrollmentID,
		TID:               input.TID,
		Moid:              input.Moid,
		Status:            input.Status,
		PaidAmount:        input.PaidAmount,
		PayMethod:         input.PayMethod,
		PGResultCode:      input.PGResultCode,
		PGResultMsg:       input.PGResultMsg,
		NeedsManualRefund: input.NeedsManualRefund,
		ConflictReason:    input.ConflictReason,
		PaidAt:            input.PaidAt,
		CreatedAt:         time.Now(),
	}
	m.s.payments[payment.ID] = payment
	return &payment, nil
}

func (m memPaymentStore) GetByTID(_ context.Context, tid string) (*models.Payment, error) {
	for _, payment := range m.s.payments {
		if payment.TID == tid {
			return &payment, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m memPaymentStore) latest(enrollmentID int64, match func(models.Payment) bool) (*models.Payment, error) {
	var found *models.Payment
	for _, payment := range m.s.payments {
		if payment.EnrollmentID != enrollmentID || !match(payment) {
			continue
		}
		if found == nil || payment.ID > found.ID {
			p := payment
			found = &p
		}
	}
	if found == nil {
		return nil, pgx.ErrNoRows
	}
	return found, nil
}

func (m memPaymentStore) GetLatestByEnrollmentID(_ context.Context, enrollmentID int64) (*models.Payment, error) {
	return m.latest(enrollmentID, func(models.Payment) bool { return true })
}

func (m memPaymentStore) GetActiveByEnrollmentIDForUpdate(_ context.Context, enrollmentID int64) (*models.Payment, error) {
	return m.latest(enrollmentID, func(p models.Payment) bool {
		return (p.Status == models.PaymentStatusPaid || p.Status == models.PaymentStatusPartialRefunded) && !p.NeedsManualRefund
	})
}

func (m memPaymentStore) ApplyRefund(_ context.Context, paymentID int64, amount int64, status string, refundedAt time.Time) (*models.Payment, error) {
	payment, ok := m.s.payments[paymentID]
	if !ok || payment.RefundedAmount+amount > payment.PaidAmount {
		return nil, pgx.ErrNoRows
	}
	payment.RefundedAmount += amount
	payment.Status = status
	payment.RefundedAt = &refundedAt
	m.s.payments[paymentID] = payment
	return &payment, nil
}

type memAuditStore struct{ s *memState }

func (m memAuditStore) Record(_ context.Context, entry models.AuditEntry) error {
	entry.ID = int64(len(m.s.audit) + 1)
	entry.CreatedAt = time.Now()
	m.s.audit = append(m.s.audit, entry)
	return nil
}

type memUserStore struct{ s *memState }

func (m memUserStore) GetByID(_ context.Context, id int64) (*models.User, error) {
	user, ok := m.s.users[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &user, nil
}

// stubGateway signs and verifies like the real adapter but answers refunds
// locally.
type stubGateway struct {
	*gateway.Client
	mu          sync.Mutex
	refundErr   error
	refundCalls []gateway.RefundRequest
}

func (g *stubGateway) RequestRefund(_ context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls = append(g.refundCalls, req)
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	if req.Amount > req.PaidAmount-req.AlreadyRefunded {
		return nil, gateway.ErrRefundExceedsPaid
	}
	return &gateway.RefundResult{ResultCode: "2001", TID: req.TID}, nil
}

func (g *stubGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refundCalls)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const (
	testMID         = "kistest00m"
	testMerchantKey = "merchant-key"
	testLessonPrice = int64(100000)
	testLockerFee   = int64(5000)
)

type harness struct {
	db       *memDB
	gateway  *stubGateway
	clock    *testClock
	service  *ReconciliationService
	capacity *CapacityService
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, cfg ReconciliationConfig) *harness {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)}
	db := newMemDB()
	db.seedLesson(models.Lesson{
		ID:        1,
		Title:     "Morning swim",
		Capacity:  10,
		Price:     testLessonPrice,
		StartDate: time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
	})
	db.seedLocker(models.GenderMale, 5, 0)
	db.seedLocker(models.GenderFemale, 5, 0)
	for id := int64(1); id <= 20; id++ {
		db.seedUser(id, models.GenderMale)
	}

	gw := &stubGateway{Client: gateway.NewClient(gateway.Config{
		MID:         testMID,
		MerchantKey: testMerchantKey,
		Location:    time.UTC,
	}, discardLogger())}

	if cfg.LockerFee == 0 {
		cfg.LockerFee = testLockerFee
	}
	ledger := NewCapacityLedger(discardLogger())
	service := NewReconciliationService(db, ledger, gw, cfg, discardLogger(), WithClock(clock.Now))

	return &harness{
		db:       db,
		gateway:  gw,
		clock:    clock,
		service:  service,
		capacity: NewCapacityService(db, ledger, discardLogger()),
	}
}

func (h *harness) notification(enrollmentID int64, tid string, amount int64, resultCode string) gateway.Notification {
	n := gateway.Notification{
		MID:        testMID,
		TID:        tid,
		Moid:       gateway.NewMoid(enrollmentID, h.clock.Now()),
		Amt:        strconv.FormatInt(amount, 10),
		ResultCode: resultCode,
		PayMethod:  "CARD",
	}
	n.EncData = h.gateway.SignNotification(n)
	return n
}

func (h *harness) draftNotification(lessonID, userID int64, tid string, amount int64, resultCode string) gateway.Notification {
	n := gateway.Notification{
		MID:        testMID,
		TID:        tid,
		Moid:       gateway.NewDraftMoid(lessonID, userID, h.clock.Now()),
		Amt:        strconv.FormatInt(amount, 10),
		ResultCode: resultCode,
		PayMethod:  "CARD",
	}
	n.EncData = h.gateway.SignNotification(n)
	return n
}
