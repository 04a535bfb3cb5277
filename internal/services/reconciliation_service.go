package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/saeid-a/EnrollBack/internal/gateway"
	"github.com/saeid-a/EnrollBack/internal/models"
	"github.com/saeid-a/EnrollBack/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/saeid-a/EnrollBack/internal/services"

type PaymentGateway interface {
	GenerateInitParams(enrollmentID, amount int64, itemName string, buyer gateway.Buyer, userID int64) (*gateway.InitParams, error)
	GenerateDraftInitParams(lessonID, amount int64, itemName string, buyer gateway.Buyer, userID int64) (*gateway.InitParams, error)
	VerifyNotification(n gateway.Notification) bool
	RequestRefund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error)
	QueryTransaction(ctx context.Context, tid, moid string, amount int64) (map[string]any, error)
}

type ReconciliationConfig struct {
	PaymentWindow      time.Duration
	LockerFee          int64
	HoldLockerOnEnroll bool
	LockRetryAttempts  int
	RefundPolicy       RefundPolicy
	ExpiryBatchSize    int
}

type NotificationOutcome string

const (
	NotificationApplied        NotificationOutcome = "applied"
	NotificationDuplicate      NotificationOutcome = "duplicate"
	NotificationFailedRecorded NotificationOutcome = "failed_recorded"
	NotificationConflict       NotificationOutcome = "conflict"
)

// Actor identifies who performed an administrative mutation.
type Actor struct {
	ID int64
	IP string
}

type EnrollInput struct {
	LessonID   int64
	UsesLocker bool
}

type CancellationInput struct {
	ManualUsedDays *int
	RefundAmount   *int64
	Comment        string
}

type CancellationResult struct {
	Enrollment *models.EnrollmentDetail `json:"enrollment"`
	Refund     *RefundPreview           `json:"refund,omitempty"`
	Refunded   int64                    `json:"refunded"`
}

var errDuplicateTID = errors.New("duplicate tid")

type appliedPayment struct {
	outcome        NotificationOutcome
	enrollment     *models.Enrollment
	payment        *models.Payment
	conflictReason string
}

// settlementError marks a failure that happened after the gateway already
// refunded. It is never retried.
type settlementError struct {
	tid string
	err error
}

func (e *settlementError) Error() string {
	return fmt.Sprintf("refund for tid %s settled at gateway but not recorded: %v", e.tid, e.err)
}

// ReconciliationService ties gateway outcomes, the enrollment lifecycle and
// the capacity ledger together. Every externally triggered operation runs in
// one transaction.
type ReconciliationService struct {
	tx       TxRunner
	ledger   *CapacityLedger
	machine  *EnrollmentStateMachine
	gateway  PaymentGateway
	events   eventEmitter
	notifier CapacityNotifier
	cfg      ReconciliationConfig
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

type ReconciliationOption func(*ReconciliationService)

func WithEventPublisher(publisher EventPublisher) ReconciliationOption {
	return func(s *ReconciliationService) {
		if publisher != nil {
			s.events.publisher = publisher
		}
	}
}

func WithCapacityNotifier(notifier CapacityNotifier) ReconciliationOption {
	return func(s *ReconciliationService) {
		if notifier != nil {
			s.notifier = notifier
		}
	}
}

// WithClock replaces the time source of the service and its ledger.
func WithClock(now func() time.Time) ReconciliationOption {
	return func(s *ReconciliationService) {
		s.now = now
		s.ledger.now = now
	}
}

func NewReconciliationService(
	tx TxRunner,
	ledger *CapacityLedger,
	paymentGateway PaymentGateway,
	cfg ReconciliationConfig,
	logger *slog.Logger,
	opts ...ReconciliationOption,
) *ReconciliationService {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PaymentWindow <= 0 {
		cfg.PaymentWindow = 30 * time.Minute
	}
	if cfg.LockRetryAttempts <= 0 {
		cfg.LockRetryAttempts = 3
	}
	if cfg.ExpiryBatchSize <= 0 {
		cfg.ExpiryBatchSize = 100
	}
	if cfg.RefundPolicy.DailyRate == 0 {
		cfg.RefundPolicy.DailyRate = DefaultLessonDailyRate
	}
	if cfg.RefundPolicy.Location == nil {
		cfg.RefundPolicy.Location = gateway.DefaultLocation()
	}

	logger = logger.With("component", "reconciliation")
	s := &ReconciliationService{
		tx:       tx,
		ledger:   ledger,
		machine:  NewEnrollmentStateMachine(ledger),
		gateway:  paymentGateway,
		events:   eventEmitter{publisher: noopPublisher{}, logger: logger},
		notifier: noopNotifier{},
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func (s *ReconciliationService) amountDue(lesson *models.Lesson, enrollment *models.Enrollment) int64 {
	amount := lesson.Price
	if enrollment.UsesLocker {
		amount += s.cfg.LockerFee
	}
	return amount
}

func lockEnrollment(ctx context.Context, st Stores, enrollmentID int64) (*models.Enrollment, error) {
	enrollment, err := st.Enrollments.GetByIDForUpdate(ctx, enrollmentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, wrapNotFound(ErrEnrollmentNotFound)
		}
		return nil, err
	}
	return enrollment, nil
}

// userGender returns the normalized gender of the user, or nil when none is
// recorded or it is not one the locker inventory tracks.
func userGender(user *models.User) *string {
	if user.Gender == nil {
		return nil
	}
	gender, err := normalizeGender(strings.ToUpper(strings.TrimSpace(*user.Gender)))
	if err != nil {
		return nil
	}
	return &gender
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func (s *ReconciliationService) audit(ctx context.Context, st Stores, actor Actor, action string, enrollmentID int64, detail string) error {
	return st.Audit.Record(ctx, models.AuditEntry{
		ActorID:    actor.ID,
		ActorIP:    actor.IP,
		Action:     action,
		TargetType: "enrollment",
		TargetID:   strconv.FormatInt(enrollmentID, 10),
		Detail:     optionalString(detail),
	})
}

func (s *ReconciliationService) pushCapacity(ctx context.Context, lessonIDs ...int64) {
	for _, lessonID := range lessonIDs {
		var snapshot *models.LessonCapacity
		err := s.tx.WithinTx(ctx, func(st Stores) error {
			var err error
			snapshot, err = s.ledger.LessonCapacity(ctx, st, lessonID)
			return err
		})
		if err != nil {
			s.logger.Warn("capacity snapshot failed", "lesson_id", lessonID, "error", err)
			continue
		}
		s.notifier.PublishCapacity(*snapshot)
	}
}

func (s *ReconciliationService) Enroll(ctx context.Context, userID int64, input EnrollInput) (*models.EnrollmentDetail, error) {
	ctx, span := s.tracer.Start(ctx, "reconciliation.Enroll", trace.WithAttributes(
		attribute.Int64("lesson.id", input.LessonID),
		attribute.Bool("enrollment.uses_locker", input.UsesLocker),
	))
	defer span.End()

	if userID <= 0 || input.LessonID <= 0 {
		return nil, ErrInvalidInput
	}

	var created *models.Enrollment
	err := withLockRetry(ctx, s.cfg.LockRetryAttempts, ErrCapacityExceeded, func() error {
		return s.tx.WithinTx(ctx, func(st Stores) error {
			user, err := st.Users.GetByID(ctx, userID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return wrapNotFound(ErrUserNotFound)
				}
				return err
			}
			gender := userGender(user)
			if input.UsesLocker && gender == nil {
				return fmt.Errorf("%w: a locker needs a recorded gender", ErrInvalidInput)
			}

			lesson, err := s.ledger.ReserveLessonSlot(ctx, st, input.LessonID)
			if err != nil {
				return err
			}

			now := s.now()
			exists, err := st.Enrollments.ExistsActive(ctx, userID, lesson.ID, now)
			if err != nil {
				return err
			}
			if exists {
				return ErrDuplicateEnrollment
			}

			lockerHeld := false
			if input.UsesLocker && s.cfg.HoldLockerOnEnroll {
				if _, err := s.ledger.ReserveLocker(ctx, st, *gender); err != nil {
					return contendedOn(err, ErrLockerUnavailable)
				}
				lockerHeld = true
			}

			created, err = st.Enrollments.Create(ctx, repository.CreateEnrollmentInput{
				LessonID:   lesson.ID,
				UserID:     userID,
				UsesLocker: input.UsesLocker,
				LockerHeld: lockerHeld,
				Gender:     gender,
				ExpiresAt:  now.Add(s.cfg.PaymentWindow).UTC(),
			})
			if isCheckViolation(err) {
				return fmt.Errorf("%w: %v", ErrInvalidInput, err)
			}
			return err
		})
	})
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	s.logger.Info("enrollment created",
		"enrollment_id", created.ID,
		"lesson_id", created.LessonID,
		"user_id", userID,
		"locker_held", created.LockerHeld,
	)
	s.events.emit(ctx, EventEnrollmentCreated, enrollmentEventFrom(created))
	s.pushCapacity(ctx, created.LessonID)

	return &models.EnrollmentDetail{Enrollment: *created}, nil
}

func (s *ReconciliationService) InitiatePayment(ctx context.Context, userID int64, enrollmentID int64) (*gateway.InitParams, error) {
	ctx, span := s.tracer.Start(ctx, "reconciliation.InitiatePayment", trace.WithAttributes(attribute.Int64("enrollment.id", enrollmentID)))
	defer span.End()

	var (
		enrollment *models.Enrollment
		lesson     *models.Lesson
		user       *models.User
	)
	err := s.tx.WithinTx(ctx, func(st Stores) error {
		var err error
		enrollment, err = st.Enrollments.GetByID(ctx, enrollmentID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return wrapNotFound(ErrEnrollmentNotFound)
			}
			return err
		}
		if enrollment.UserID != userID {
			return ErrForbidden
		}
		if enrollment.Status != models.EnrollmentStatusPending || !enrollment.ExpiresAt.After(s.now()) {
			return ErrInvalidStateTransition
		}

		lesson, err = st.Lessons.GetByID(ctx, enrollment.LessonID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return wrapNotFound(ErrLessonNotFound)
			}
			return err
		}
		user, err = st.Users.GetByID(ctx, userID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return wrapNotFound(ErrUserNotFound)
			}
			return err
		}
		return nil
	})
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	params, err := s.gateway.GenerateInitParams(
		enrollment.ID,
		s.amountDue(lesson, enrollment),
		lesson.Title,
		gateway.Buyer{Email: user.Email},
		userID,
	)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return params, nil
}

// InitiateDraftPayment prepares a payment for a lesson without holding a seat.
// The enrollment is created when the gateway reports the capture, so the
// checks here only keep obviously doomed payments from starting.
func (s *ReconciliationService) InitiateDraftPayment(ctx context.Context, userID int64, input EnrollInput) (*gateway.InitParams, error) {
	ctx, span := s.tracer.Start(ctx, "reconciliation.InitiateDraftPayment", trace.WithAttributes(
		attribute.Int64("lesson.id", input.LessonID),
		attribute.Bool("enrollment.uses_locker", input.UsesLocker),
	))
	defer span.End()

	if userID <= 0 || input.LessonID <= 0 {
		return nil, ErrInvalidInput
	}

	var (
		lesson *models.Lesson
		user   *models.User
	)
	err := s.tx.WithinTx(ctx, func(st Stores) error {
		var err error
		user, err = st.Users.GetByID(ctx, userID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return wrapNotFound(ErrUserNotFound)
			}
			return err
		}
		if input.UsesLocker && userGender(user) == nil {
			return fmt.Errorf("%w: a locker needs a recorded gender", ErrInvalidInput)
		}

		lesson, err = st.Lessons.GetByID(ctx, input.LessonID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return wrapNotFound(ErrLessonNotFound)
			}
			return err
		}

		now := s.now()
		holds, err := st.Lessons.CountActiveHolds(ctx, lesson.ID, now)
		if err != nil {
			return err
		}
		if holds >= lesson.Capacity {
			return ErrCapacityExceeded
		}
		exists, err := st.Enrollments.ExistsActive(ctx, userID, lesson.ID, now)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateEnrollment
		}
		return nil
	})
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	amount := lesson.Price
	if input.UsesLocker {
		amount += s.cfg.LockerFee
	}
	params, err := s.gateway.GenerateDraftInitParams(lesson.ID, amount, lesson.Title, gateway.Buyer{Email: user.Email}, userID)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return params, nil
}

// HandleNotification processes the gateway's server-to-server notification.
func (s *ReconciliationService) HandleNotification(ctx context.Context, notification gateway.Notification) (NotificationOutcome, error) {
	return s.applyPaymentEvent(ctx, notification, "webhook")
}

// ConfirmPayment processes the result the user's browser brings back from the
// hosted payment page. It races the webhook safely.
func (s *ReconciliationService) ConfirmPayment(ctx context.Context, userID int64, notification gateway.Notification) (*models.EnrollmentDetail, NotificationOutcome, error) {
	if gateway.IsDraftMoid(notification.Moid) {
		return s.confirmDraftPayment(ctx, userID, notification)
	}

	enrollmentID, err := gateway.ParseMoid(notification.Moid)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var owner int64
	err = s.tx.WithinTx(ctx, func(st Stores) error {
		enrollment, err := st.Enrollments.GetByID(ctx, enrollmentID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return wrapNotFound(ErrEnrollmentNotFound)
			}
			return err
		}
		owner = enrollment.UserID
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	if owner != userID {
		return nil, "", ErrForbidden
	}

	outcome, err := s.applyPaymentEvent(ctx, notification, "confirm")
	if err != nil {
		return nil, "", err
	}

	detail, err := s.GetEnrollment(ctx, userID, "user", enrollmentID)
	if err != nil {
		return nil, "", err
	}
	return detail, outcome, nil
}

// confirmDraftPayment returns the enrollment the draft payment created. A
// failed draft leaves no enrollment, so the detail is nil.
func (s *ReconciliationService) confirmDraftPayment(ctx context.Context, userID int64, notification gateway.Notification) (*models.EnrollmentDetail, NotificationOutcome, error) {
	order, err := gateway.ParseDraftMoid(notification.Moid)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if order.UserID != userID {
		return nil, "", ErrForbidden
	}

	outcome, err := s.applyPaymentEvent(ctx, notification, "confirm")
	if err != nil {
		return nil, "", err
	}
	if outcome == NotificationFailedRecorded {
		return nil, outcome, nil
	}

	var enrollmentID int64
	err = s.tx.WithinTx(ctx, func(st Stores) error {
		payment, err := st.Payments.GetByTID(ctx, notification.TID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return wrapNotFound(ErrPaymentNotFound)
			}
			return err
		}
		enrollmentID = payment.EnrollmentID
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	detail, err := s.GetEnrollment(ctx, userID, "user", enrollmentID)
	if err != nil {
		return nil, "", err
	}
	return detail, outcome, nil
}

// applyPaymentEvent is the single idempotent path for gateway outcomes. The
// tid is the dedup key: a tid that already has a payment row is acknowledged
// without any further effect. Locks are taken enrollment first, then lesson,
// then locker.
func (s *ReconciliationService) applyPaymentEvent(ctx context.Context, n gateway.Notification, source string) (NotificationOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "reconciliation.applyPaymentEvent", trace.WithAttributes(
		attribute.String("payment.source", source),
		attribute.String("payment.tid", n.TID),
		attribute.String("payment.moid", n.Moid),
	))
	defer span.End()

	logger := s.logger.With("source", source, "tid", n.TID, "moid", n.Moid, "result_code", n.ResultCode)

	if !s.gateway.VerifyNotification(n) {
		logger.Warn("payment notification rejected")
		recordSpanError(span, ErrSignatureMismatch)
		return "", ErrSignatureMismatch
	}
	if strings.TrimSpace(n.TID) == "" {
		return "", fmt.Errorf("%w: missing tid", ErrInvalidInput)
	}
	var (
		draft        *gateway.DraftOrder
		enrollmentID int64
		err          error
	)
	if gateway.IsDraftMoid(n.Moid) {
		order, err := gateway.ParseDraftMoid(n.Moid)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		draft = &order
	} else if enrollmentID, err = gateway.ParseMoid(n.Moid); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	amount, err := n.Amount()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var (
		outcome        NotificationOutcome
		enrollment     *models.Enrollment
		payment        *models.Payment
		conflictReason string
	)
	err = withLockRetry(ctx, s.cfg.LockRetryAttempts, nil, func() error {
		outcome, payment, conflictReason = "", nil, ""
		return s.tx.WithinTx(ctx, func(st Stores) error {
			if draft != nil {
				applied, err := s.applyDraftPayment(ctx, st, n, *draft, amount)
				if err != nil {
					return err
				}
				outcome, enrollment, payment, conflictReason = applied.outcome, applied.enrollment, applied.payment, applied.conflictReason
				if enrollment != nil {
					enrollmentID = enrollment.ID
				}
				return nil
			}

			var err error
			enrollment, err = lockEnrollment(ctx, st, enrollmentID)
			if err != nil {
				return err
			}

			existing, err := st.Payments.GetByTID(ctx, n.TID)
			if err == nil {
				if existing.EnrollmentID != enrollmentID {
					return ErrPaymentConflict
				}
				outcome = NotificationDuplicate
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return err
			}

			now := s.now()
			if !n.Succeeded() {
				payment, err = st.Payments.Create(ctx, repository.CreatePaymentInput{
					EnrollmentID: enrollmentID,
					TID:          n.TID,
					Moid:         n.Moid,
					Status:       models.PaymentStatusFailed,
					PayMethod:    n.PayMethod,
					PGResultCode: n.ResultCode,
					PGResultMsg:  optionalString(n.ResultMsg),
				})
				if err != nil {
					if isUniqueViolation(err) {
						return errDuplicateTID
					}
					return err
				}
				outcome = NotificationFailedRecorded
				return nil
			}

			lesson, err := st.Lessons.GetByID(ctx, enrollment.LessonID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return wrapNotFound(ErrLessonNotFound)
				}
				return err
			}

			switch {
			case amount != s.amountDue(lesson, enrollment):
				conflictReason = fmt.Sprintf("amount mismatch: expected %d, captured %d", s.amountDue(lesson, enrollment), amount)
			case enrollment.Status != models.EnrollmentStatusPending:
				conflictReason = "enrollment is " + enrollment.Status
			default:
				if !enrollment.ExpiresAt.After(now) {
					// The deadline passed before the sweep ran; the seat may have been taken.
					if _, err := s.ledger.ReserveLessonSlot(ctx, st, enrollment.LessonID); err != nil {
						if !errors.Is(err, ErrCapacityExceeded) {
							return err
						}
						conflictReason = "lesson full after payment deadline"
					}
				}
				if conflictReason == "" {
					updated, err := s.machine.MarkPaid(ctx, st, enrollment)
					switch {
					case errors.Is(err, ErrLockerUnavailable):
						conflictReason = "locker unavailable"
					case err != nil:
						return err
					default:
						enrollment = updated
					}
				}
			}

			payment, err = st.Payments.Create(ctx, capturedPayment(n, enrollmentID, amount, now, conflictReason))
			if err != nil {
				if isUniqueViolation(err) {
					return errDuplicateTID
				}
				return err
			}

			outcome = NotificationApplied
			if conflictReason != "" {
				outcome = NotificationConflict
			}
			return nil
		})
	})
	if errors.Is(err, errDuplicateTID) {
		outcome, err = NotificationDuplicate, nil
	}
	if err != nil {
		logger.Error("payment notification failed", "error", err)
		recordSpanError(span, err)
		return "", err
	}
	span.SetAttributes(attribute.String("payment.outcome", string(outcome)))

	if draft != nil && (outcome == NotificationApplied || outcome == NotificationConflict) {
		s.events.emit(ctx, EventEnrollmentCreated, enrollmentEventFrom(enrollment))
	}

	switch outcome {
	case NotificationDuplicate:
		logger.Info("duplicate payment notification acknowledged")
	case NotificationFailedRecorded:
		if draft != nil {
			logger.Info("failed draft payment logged", "lesson_id", draft.LessonID, "user_id", draft.UserID)
		} else {
			logger.Info("failed payment recorded")
		}
		s.events.emit(ctx, EventPaymentFailed, paymentEvent{EnrollmentID: enrollmentID, TID: n.TID, Moid: n.Moid, Amount: amount, ResultCode: n.ResultCode})
	case NotificationConflict:
		logger.Error("payment captured but enrollment could not be confirmed; manual refund required",
			"enrollment_id", enrollmentID,
			"payment_id", payment.ID,
			"reason", conflictReason,
		)
		s.events.emit(ctx, EventPaymentConflict, paymentEvent{EnrollmentID: enrollmentID, TID: n.TID, Moid: n.Moid, Amount: amount, ResultCode: n.ResultCode, ConflictReason: &conflictReason})
	case NotificationApplied:
		logger.Info("payment applied", "enrollment_id", enrollmentID, "payment_id", payment.ID)
		s.events.emit(ctx, EventPaymentPaid, paymentEvent{EnrollmentID: enrollmentID, TID: n.TID, Moid: n.Moid, Amount: amount, ResultCode: n.ResultCode})
		s.pushCapacity(ctx, enrollment.LessonID)
	}
	return outcome, nil
}

// applyDraftPayment creates the enrollment a draft payment was captured for.
// The seat, the locker and the PAID transition happen in the caller's
// transaction. When any of them fails the enrollment is written already
// expired and the payment is flagged for manual refund.
func (s *ReconciliationService) applyDraftPayment(ctx context.Context, st Stores, n gateway.Notification, order gateway.DraftOrder, amount int64) (appliedPayment, error) {
	existing, err := st.Payments.GetByTID(ctx, n.TID)
	if err == nil {
		if existing.Moid != n.Moid {
			return appliedPayment{}, ErrPaymentConflict
		}
		enrollment, err := lockEnrollment(ctx, st, existing.EnrollmentID)
		if err != nil {
			return appliedPayment{}, err
		}
		return appliedPayment{outcome: NotificationDuplicate, enrollment: enrollment}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return appliedPayment{}, err
	}

	// A failed draft has no enrollment to own a payment row.
	if !n.Succeeded() {
		return appliedPayment{outcome: NotificationFailedRecorded}, nil
	}

	user, err := st.Users.GetByID(ctx, order.UserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return appliedPayment{}, wrapNotFound(ErrUserNotFound)
		}
		return appliedPayment{}, err
	}

	var conflictReason string
	lesson, err := s.ledger.ReserveLessonSlot(ctx, st, order.LessonID)
	if errors.Is(err, ErrCapacityExceeded) {
		conflictReason = "lesson full"
		lesson, err = st.Lessons.GetByID(ctx, order.LessonID)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return appliedPayment{}, wrapNotFound(ErrLessonNotFound)
		}
		return appliedPayment{}, err
	}

	usesLocker := false
	switch {
	case amount == lesson.Price:
	case s.cfg.LockerFee > 0 && amount == lesson.Price+s.cfg.LockerFee:
		usesLocker = true
	case conflictReason == "":
		conflictReason = fmt.Sprintf("amount mismatch: expected %d or %d, captured %d", lesson.Price, lesson.Price+s.cfg.LockerFee, amount)
	}
	gender := userGender(user)
	if usesLocker && gender == nil {
		usesLocker = false
		if conflictReason == "" {
			conflictReason = "locker paid for without a recorded gender"
		}
	}

	now := s.now()
	if conflictReason == "" {
		exists, err := st.Enrollments.ExistsActive(ctx, order.UserID, lesson.ID, now)
		if err != nil {
			return appliedPayment{}, err
		}
		if exists {
			conflictReason = "user already enrolled in lesson"
		}
	}

	expiresAt := now.Add(s.cfg.PaymentWindow).UTC()
	if conflictReason != "" {
		expiresAt = now.UTC()
	}
	enrollment, err := st.Enrollments.Create(ctx, repository.CreateEnrollmentInput{
		LessonID:   lesson.ID,
		UserID:     order.UserID,
		UsesLocker: usesLocker,
		Gender:     gender,
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		return appliedPayment{}, err
	}

	if conflictReason == "" {
		updated, err := s.machine.MarkPaid(ctx, st, enrollment)
		switch {
		case errors.Is(err, ErrLockerUnavailable):
			conflictReason = "locker unavailable"
		case err != nil:
			return appliedPayment{}, err
		default:
			enrollment = updated
		}
	}
	if conflictReason != "" {
		enrollment, err = s.machine.Expire(ctx, st, enrollment)
		if err != nil {
			return appliedPayment{}, err
		}
	}

	payment, err := st.Payments.Create(ctx, capturedPayment(n, enrollment.ID, amount, now, conflictReason))
	if err != nil {
		if isUniqueViolation(err) {
			return appliedPayment{}, errDuplicateTID
		}
		return appliedPayment{}, err
	}

	applied := appliedPayment{outcome: NotificationApplied, enrollment: enrollment, payment: payment, conflictReason: conflictReason}
	if conflictReason != "" {
		applied.outcome = NotificationConflict
	}
	return applied, nil
}

func capturedPayment(n gateway.Notification, enrollmentID, amount int64, now time.Time, conflictReason string) repository.CreatePaymentInput {
	paidAt := now.UTC()
	input := repository.CreatePaymentInput{
		EnrollmentID: enrollmentID,
		TID:          n.TID,
		Moid:         n.Moid,
		Status:       models.PaymentStatusPaid,
		PaidAmount:   amount,
		PayMethod:    n.PayMethod,
		PGResultCode: n.ResultCode,
		PGResultMsg:  optionalString(n.ResultMsg),
		PaidAt:       &paidAt,
	}
	if conflictReason != "" {
		input.NeedsManualRefund = true
		input.ConflictReason = &conflictReason
	}
	return input
}

func (s *ReconciliationService) GetEnrollment(ctx context.Context, actorID int64, role string, enrollmentID int64) (*models.EnrollmentDetail, error) {
	var detail *models.EnrollmentDetail
	err := s.tx.WithinTx(ctx, func(st Stores) error {
		enrollment, err := st.Enrollments.GetByID(ctx, enrollmentID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return wrapNotFound(ErrEnrollmentNotFound)
			}
			return err
		}
		if role != "admin" && enrollment.UserID != actorID {
			return ErrForbidden
		}

		detail = &models.EnrollmentDetail{Enrollment: *enrollment}
		payment, err := st.Payments.GetLatestByEnrollmentID(ctx, enrollmentID)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if err == nil {
			detail.Payment = payment
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return detail, nil
}

// RequestCancellation cancels an unpaid enrollment outright and moves a paid
// one to CANCEL_REQUESTED for an administrator to settle.
func (s *ReconciliationService) RequestCancellation(ctx context.Context, userID int64, enrollmentID int64, reason string) (*models.EnrollmentDetail, error) {
	ctx, span := s.tracer.Start(ctx, "reconciliation.RequestCancellation", trace.WithAttributes(attribute.Int64("enrollment.id", enrollmentID)))
	defer span.End()

	var updated *models.Enrollment
	err := withLockRetry(ctx, s.cfg.LockRetryAttempts, nil, func() error {
		return s.tx.WithinTx(ctx, func(st Stores) error {
			enrollment, err := lockEnrollment(ctx, st, enrollmentID)
			if err != nil {
				return err
			}
			if enrollment.UserID != userID {
				return ErrForbidden
			}

			switch enrollment.Status {
			case models.EnrollmentStatusPending:
				if _, err := s.machine.Cancel(ctx, st, enrollment); err != nil {
					return err
				}
				updated, err = st.Enrollments.UpdateCancellation(ctx, enrollmentID, repository.UpdateCancellationInput{
					CancelStatus: models.CancelStatusApproved,
					CancelReason: optionalString(reason),
				})
				return err
			case models.EnrollmentStatusPaid:
				if _, err := s.machine.RequestCancel(ctx, st, enrollment); err != nil {
					return err
				}
				updated, err = st.Enrollments.UpdateCancellation(ctx, enrollmentID, repository.UpdateCancellationInput{
					CancelStatus: models.CancelStatusRequested,
					CancelReason: optionalString(reason),
				})
				return err
			default:
				return ErrInvalidStateTransition
			}
		})
	})
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	s.logger.Info("cancellation requested", "enrollment_id", enrollmentID, "status", updated.Status)
	if updated.Status == models.EnrollmentStatusCanceled {
		s.events.emit(ctx, EventEnrollmentCanceled, enrollmentEventFrom(updated))
		s.pushCapacity(ctx, updated.LessonID)
	}
	return s.GetEnrollment(ctx, userID, "user", enrollmentID)
}

func (s *ReconciliationService) PreviewRefund(ctx context.Context, enrollmentID int64, manualUsedDays *int) (*RefundPreview, error) {
	var preview RefundPreview
	err := s.tx.WithinTx(ctx, func(st Stores) error {
		enrollment, err := st.Enrollments.GetByID(ctx, enrollmentID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return wrapNotFound(ErrEnrollmentNotFound)
			}
			return err
		}
		payment, err := st.Payments.GetActiveByEnrollmentIDForUpdate(ctx, enrollment.ID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return wrapNotFound(ErrPaymentNotFound)
			}
			return err
		}
		lesson, err := st.Lessons.GetByID(ctx, enrollment.LessonID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return wrapNotFound(ErrLessonNotFound)
			}
			return err
		}

		preview = CalculateRefund(s.cfg.RefundPolicy, RefundInput{
			PaidAmount:      payment.PaidAmount,
			AlreadyRefunded: payment.RefundedAmount,
			LessonStart:     lesson.StartDate,
			AsOf:            s.now(),
			ManualUsedDays:  manualUsedDays,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &preview, nil
}

// ApproveCancellation settles a CANCEL_REQUESTED enrollment. The refund must
// succeed at the gateway before any local state changes; a failed refund
// leaves the request pending so it can be retried.
func (s *ReconciliationService) ApproveCancellation(ctx context.Context, actor Actor, enrollmentID int64, input CancellationInput) (*CancellationResult, error) {
	return s.cancelWithRefund(ctx, actor, enrollmentID, input, "cancel.approve", models.CancelStatusApproved,
		models.EnrollmentStatusCancelRequested)
}

// AdminCancel cancels an enrollment without a prior user request.
func (s *ReconciliationService) AdminCancel(ctx context.Context, actor Actor, enrollmentID int64, input CancellationInput) (*CancellationResult, error) {
	return s.cancelWithRefund(ctx, actor, enrollmentID, input, "cancel.admin", models.CancelStatusAdminCanceled,
		models.EnrollmentStatusPending, models.EnrollmentStatusPaid, models.EnrollmentStatusCancelRequested)
}

func (s *ReconciliationService) cancelWithRefund(
	ctx context.Context,
	actor Actor,
	enrollmentID int64,
	input CancellationInput,
	action string,
	cancelStatus string,
	allowed ...string,
) (*CancellationResult, error) {
	ctx, span := s.tracer.Start(ctx, "reconciliation.Cancel", trace.WithAttributes(
		attribute.Int64("enrollment.id", enrollmentID),
		attribute.String("cancel.action", action),
	))
	defer span.End()

	if input.ManualUsedDays != nil && *input.ManualUsedDays < 0 {
		return nil, ErrInvalidInput
	}
	if input.RefundAmount != nil && *input.RefundAmount < 0 {
		return nil, ErrInvalidInput
	}

	var (
		result  CancellationResult
		updated *models.Enrollment
	)
	err := withLockRetry(ctx, s.cfg.LockRetryAttempts, nil, func() error {
		result = CancellationResult{}
		var settledTID string
		err := s.tx.WithinTx(ctx, func(st Stores) error {
			enrollment, err := lockEnrollment(ctx, st, enrollmentID)
			if err != nil {
				return err
			}
			if !containsStatus(allowed, enrollment.Status) {
				return ErrInvalidStateTransition
			}
			// Lock the locker row before talking to the gateway so nothing
			// after a successful refund has to wait on a lock.
			if enrollment.LockerHeld {
				if _, err := st.Lockers.GetByGenderForUpdate(ctx, enrollmentGender(enrollment)); err != nil {
					return err
				}
			}

			if enrollment.Status != models.EnrollmentStatusPending {
				payment, err := st.Payments.GetActiveByEnrollmentIDForUpdate(ctx, enrollment.ID)
				if err != nil {
					if errors.Is(err, pgx.ErrNoRows) {
						return wrapNotFound(ErrPaymentNotFound)
					}
					return err
				}
				lesson, err := st.Lessons.GetByID(ctx, enrollment.LessonID)
				if err != nil {
					return err
				}

				preview := CalculateRefund(s.cfg.RefundPolicy, RefundInput{
					PaidAmount:      payment.PaidAmount,
					AlreadyRefunded: payment.RefundedAmount,
					LessonStart:     lesson.StartDate,
					AsOf:            s.now(),
					ManualUsedDays:  input.ManualUsedDays,
				})
				result.Refund = &preview

				amount := preview.RefundAmount
				if input.RefundAmount != nil {
					if *input.RefundAmount > payment.Refundable() {
						return ErrRefundExceedsPaid
					}
					amount = *input.RefundAmount
				}

				if amount > 0 {
					reason := strings.TrimSpace(input.Comment)
					if reason == "" && enrollment.CancelReason != nil {
						reason = *enrollment.CancelReason
					}
					if _, err := s.gateway.RequestRefund(ctx, gateway.RefundRequest{
						TID:             payment.TID,
						Moid:            payment.Moid,
						PayMethod:       payment.PayMethod,
						Amount:          amount,
						PaidAmount:      payment.PaidAmount,
						AlreadyRefunded: payment.RefundedAmount,
						Reason:          reason,
						Partial:         payment.RefundedAmount > 0 || amount < payment.PaidAmount,
					}); err != nil {
						return err
					}
					settledTID = payment.TID

					status := models.PaymentStatusPartialRefunded
					if payment.RefundedAmount+amount == payment.PaidAmount {
						status = models.PaymentStatusCanceled
					}
					if _, err := st.Payments.ApplyRefund(ctx, payment.ID, amount, status, s.now().UTC()); err != nil {
						if errors.Is(err, pgx.ErrNoRows) {
							return ErrRefundExceedsPaid
						}
						return err
					}
				}
				result.Refunded = amount
			}

			if _, err := s.machine.Cancel(ctx, st, enrollment); err != nil {
				return err
			}

			cancelInput := repository.UpdateCancellationInput{
				CancelStatus: cancelStatus,
				AdminComment: optionalString(input.Comment),
				RefundAmount: &result.Refunded,
			}
			if result.Refund != nil {
				cancelInput.UsedDaysForRefund = &result.Refund.EffectiveUsedDays
			}
			updated, err = st.Enrollments.UpdateCancellation(ctx, enrollment.ID, cancelInput)
			if err != nil {
				return err
			}

			return s.audit(ctx, st, actor, action, enrollment.ID, fmt.Sprintf("refunded=%d", result.Refunded))
		})
		if err != nil && settledTID != "" {
			return &settlementError{tid: settledTID, err: err}
		}
		return err
	})
	if err != nil {
		var settled *settlementError
		if errors.As(err, &settled) {
			s.logger.Error("refund settled at gateway but local state not updated", "enrollment_id", enrollmentID, "tid", settled.tid, "error", settled.err)
		}
		recordSpanError(span, err)
		return nil, err
	}

	s.logger.Info("enrollment canceled",
		"enrollment_id", enrollmentID,
		"actor_id", actor.ID,
		"action", action,
		"refunded", result.Refunded,
	)
	s.events.emit(ctx, EventEnrollmentCanceled, enrollmentEventFrom(updated))
	if result.Refunded > 0 {
		s.events.emit(ctx, EventPaymentRefunded, map[string]int64{"enrollment_id": enrollmentID, "amount": result.Refunded})
	}
	s.pushCapacity(ctx, updated.LessonID)

	detail, err := s.GetEnrollment(ctx, actor.ID, "admin", enrollmentID)
	if err != nil {
		return nil, err
	}
	result.Enrollment = detail
	return &result, nil
}

func containsStatus(statuses []string, status string) bool {
	for _, candidate := range statuses {
		if candidate == status {
			return true
		}
	}
	return false
}

func (s *ReconciliationService) DenyCancellation(ctx context.Context, actor Actor, enrollmentID int64, comment string) (*models.EnrollmentDetail, error) {
	err := withLockRetry(ctx, s.cfg.LockRetryAttempts, nil, func() error {
		return s.tx.WithinTx(ctx, func(st Stores) error {
			enrollment, err := lockEnrollment(ctx, st, enrollmentID)
			if err != nil {
				return err
			}
			if _, err := s.machine.DenyCancel(ctx, st, enrollment); err != nil {
				return err
			}
			if _, err := st.Enrollments.UpdateCancellation(ctx, enrollmentID, repository.UpdateCancellationInput{
				CancelStatus: models.CancelStatusDenied,
				AdminComment: optionalString(comment),
			}); err != nil {
				return err
			}
			return s.audit(ctx, st, actor, "cancel.deny", enrollmentID, comment)
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("cancellation denied", "enrollment_id", enrollmentID, "actor_id", actor.ID)
	return s.GetEnrollment(ctx, actor.ID, "admin", enrollmentID)
}

func (s *ReconciliationService) ChangeLesson(ctx context.Context, actor Actor, enrollmentID int64, newLessonID int64) (*models.EnrollmentDetail, error) {
	ctx, span := s.tracer.Start(ctx, "reconciliation.ChangeLesson", trace.WithAttributes(
		attribute.Int64("enrollment.id", enrollmentID),
		attribute.Int64("lesson.id", newLessonID),
	))
	defer span.End()

	if newLessonID <= 0 {
		return nil, ErrInvalidInput
	}

	var previousLessonID int64
	err := withLockRetry(ctx, s.cfg.LockRetryAttempts, ErrCapacityExceeded, func() error {
		return s.tx.WithinTx(ctx, func(st Stores) error {
			enrollment, err := lockEnrollment(ctx, st, enrollmentID)
			if err != nil {
				return err
			}
			previousLessonID = enrollment.LessonID

			if _, err := s.machine.ChangeLesson(ctx, st, enrollment, newLessonID); err != nil {
				return err
			}
			return s.audit(ctx, st, actor, "enrollment.change_lesson", enrollmentID,
				fmt.Sprintf("lesson %d -> %d", previousLessonID, newLessonID))
		})
	})
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	s.logger.Info("enrollment lesson changed", "enrollment_id", enrollmentID, "from", previousLessonID, "to", newLessonID)
	s.pushCapacity(ctx, previousLessonID, newLessonID)
	return s.GetEnrollment(ctx, actor.ID, "admin", enrollmentID)
}

func (s *ReconciliationService) UpdateLockerNo(ctx context.Context, actor Actor, enrollmentID int64, lockerNo *string) (*models.EnrollmentDetail, error) {
	if lockerNo != nil {
		lockerNo = optionalString(*lockerNo)
	}

	err := s.tx.WithinTx(ctx, func(st Stores) error {
		enrollment, err := lockEnrollment(ctx, st, enrollmentID)
		if err != nil {
			return err
		}
		if lockerNo != nil && !enrollment.UsesLocker {
			return fmt.Errorf("%w: enrollment does not use a locker", ErrInvalidInput)
		}
		if _, err := st.Enrollments.UpdateLockerNo(ctx, enrollmentID, lockerNo); err != nil {
			return err
		}
		detail := "cleared"
		if lockerNo != nil {
			detail = *lockerNo
		}
		return s.audit(ctx, st, actor, "enrollment.locker_no", enrollmentID, detail)
	})
	if err != nil {
		return nil, err
	}
	return s.GetEnrollment(ctx, actor.ID, "admin", enrollmentID)
}

func (s *ReconciliationService) UpdateDiscountStatus(ctx context.Context, actor Actor, enrollmentID int64, status string, comment string) (*models.EnrollmentDetail, error) {
	status = strings.ToUpper(strings.TrimSpace(status))
	switch status {
	case models.DiscountStatusPending, models.DiscountStatusApproved, models.DiscountStatusDenied:
	default:
		return nil, fmt.Errorf("%w: unknown discount status %q", ErrInvalidInput, status)
	}

	err := s.tx.WithinTx(ctx, func(st Stores) error {
		if _, err := lockEnrollment(ctx, st, enrollmentID); err != nil {
			return err
		}
		if _, err := st.Enrollments.UpdateDiscountStatus(ctx, enrollmentID, status, optionalString(comment)); err != nil {
			return err
		}
		return s.audit(ctx, st, actor, "enrollment.discount_status", enrollmentID, status)
	})
	if err != nil {
		return nil, err
	}
	return s.GetEnrollment(ctx, actor.ID, "admin", enrollmentID)
}

// ExpirePending expires PENDING enrollments past their payment deadline, one
// transaction each, taking the same enrollment lock as the payment path.
func (s *ReconciliationService) ExpirePending(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "reconciliation.ExpirePending")
	defer span.End()

	var ids []int64
	err := s.tx.WithinTx(ctx, func(st Stores) error {
		var err error
		ids, err = st.Enrollments.ListExpiredPendingIDs(ctx, s.now(), s.cfg.ExpiryBatchSize)
		return err
	})
	if err != nil {
		recordSpanError(span, err)
		return 0, err
	}

	expired := 0
	lessons := make(map[int64]struct{})
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return expired, err
		}

		var updated *models.Enrollment
		err := withLockRetry(ctx, s.cfg.LockRetryAttempts, nil, func() error {
			updated = nil
			return s.tx.WithinTx(ctx, func(st Stores) error {
				enrollment, err := lockEnrollment(ctx, st, id)
				if err != nil {
					return err
				}
				if enrollment.Status != models.EnrollmentStatusPending || enrollment.ExpiresAt.After(s.now()) {
					return nil
				}
				updated, err = s.machine.Expire(ctx, st, enrollment)
				return err
			})
		})
		if err != nil {
			s.logger.Warn("expire enrollment failed", "enrollment_id", id, "error", err)
			continue
		}
		if updated == nil {
			continue
		}

		expired++
		lessons[updated.LessonID] = struct{}{}
		s.events.emit(ctx, EventEnrollmentExpired, enrollmentEventFrom(updated))
	}

	for lessonID := range lessons {
		s.pushCapacity(ctx, lessonID)
	}
	if expired > 0 {
		s.logger.Info("pending enrollments expired", "count", expired)
	}
	span.SetAttributes(attribute.Int("enrollment.expired", expired))
	return expired, nil
}

func (s *ReconciliationService) QueryTransaction(ctx context.Context, tid, moid string, amount int64) (map[string]any, error) {
	record, err := s.gateway.QueryTransaction(ctx, strings.TrimSpace(tid), strings.TrimSpace(moid), amount)
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidMoid) || errors.Is(err, gateway.ErrInvalidAmount) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return nil, err
	}
	return record, nil
}
