package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/saeid-a/EnrollBack/internal/gateway"
	"github.com/saeid-a/EnrollBack/internal/models"
)

func enrollAndPay(t *testing.T, h *harness, userID int64, usesLocker bool, tid string) *models.Enrollment {
	t.Helper()
	ctx := context.Background()

	detail, err := h.service.Enroll(ctx, userID, EnrollInput{LessonID: 1, UsesLocker: usesLocker})
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	amount := testLessonPrice
	if usesLocker {
		amount += testLockerFee
	}
	outcome, err := h.service.HandleNotification(ctx, h.notification(detail.ID, tid, amount, "0000"))
	if err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}
	if outcome != NotificationApplied {
		t.Fatalf("expected applied outcome, got %q", outcome)
	}

	state := h.db.snapshot()
	enrollment := state.enrollments[detail.ID]
	return &enrollment
}

func TestEnrollSingleSeatAdmitsExactlyOneOfConcurrentAttempts(t *testing.T) {
	h := newHarness(t, ReconciliationConfig{})
	h.db.seedLesson(models.Lesson{ID: 2, Title: "Private lane", Capacity: 1, Price: testLessonPrice, StartDate: h.clock.Now()})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded []int64
		rejected  int
	)
	for userID := int64(1); userID <= 8; userID++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			detail, err := h.service.Enroll(context.Background(), userID, EnrollInput{LessonID: 2})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded = append(succeeded, detail.ID)
			case errors.Is(err, ErrCapacityExceeded):
				rejected++
			default:
				t.Errorf("unexpected enroll error: %v", err)
			}
		}(userID)
	}
	wg.Wait()

	if len(succeeded) != 1 || rejected != 7 {
		t.Fatalf("expected 1 success and 7 rejections, got %d and %d", len(succeeded), rejected)
	}

	outcome, err := h.service.HandleNotification(context.Background(), h.notification(succeeded[0], "T-SEAT", testLessonPrice, "0000"))
	if err != nil || outcome != NotificationApplied {
		t.Fatalf("expected payment to apply, got %q %v", outcome, err)
	}

	snapshot, err := h.capacity.LessonCapacity(context.Background(), 2)
	if err != nil {
		t.Fatalf("LessonCapacity: %v", err)
	}
	if snapshot.ActiveHolds != 1 || snapshot.AvailableSlots != 0 {
		t.Fatalf("unexpected capacity snapshot %+v", snapshot)
	}
}

func TestEnrollRejectsDuplicateActiveEnrollment(t *testing.T) {
	h := newHarness(t, ReconciliationConfig{})

	if _, err := h.service.Enroll(context.Background(), 3, EnrollInput{LessonID: 1}); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if _, err := h.service.Enroll(context.Background(), 3, EnrollInput{LessonID: 1}); !errors.Is(err, ErrDuplicateEnrollment) {
		t.Fatalf("expected ErrDuplicateEnrollment, got %v", err)
	}
}

func TestEnrollWithFullLockerPoolIsRejected(t *testing.T) {
	h := newHarness(t, ReconciliationConfig{HoldLockerOnEnroll: true})
	h.db.seedLocker(models.GenderMale, 5, 5)

	_, err := h.service.Enroll(context.Background(), 4, EnrollInput{LessonID: 1, UsesLocker: true})
	if !errors.Is(err, ErrLockerUnavailable) {
		t.Fatalf("expected ErrLockerUnavailable, got %v", err)
	}

	state := h.db.snapshot()
	if used := state.lockers[models.GenderMale].UsedQuantity; used != 5 {
		t.Fatalf("expected used to stay 5, got %d", used)
	}
	if len(state.enrollments) != 0 {
		t.Fatalf("expected no enrollment to be created, got %d", len(state.enrollments))
	}
}

func TestEnrollHoldsLockerWhenConfigured(t *testing.T) {
	h := newHarness(t, ReconciliationConfig{HoldLockerOnEnroll: true})

	detail, err := h.service.Enroll(context.Background(), 5, EnrollInput{LessonID: 1, UsesLocker: true})
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if !detail.LockerHeld || detail.Gender == nil || *detail.Gender != models.GenderMale {
		t.Fatalf("expected male locker hold, got %+v", detail.Enrollment)
	}
	if used := h.db.snapshot().lockers[models.GenderMale].UsedQuantity; used != 1 {
		t.Fatalf("expected used 1, got %d", used)
	}
}

func TestEnrollWithoutGenderSucceedsWhenNoLockerIsRequested(t *testing.T) {
	h := newHarness(t, ReconciliationConfig{})
	h.db.seedUser(30, "")
	ctx := context.Background()

	detail, err := h.service.Enroll(ctx, 30, EnrollInput{LessonID: 1})
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if detail.Gender != nil || detail.UsesLocker {
		t.Fatalf("expected an enrollment without gender or locker, got %+v", detail.Enrollment)
	}

	outcome, err := h.service.HandleNotification(ctx, h.notification(detail.ID, "T-NOGENDER", testLessonPrice, "0000"))
	if err != nil || outcome != NotificationApplied {
		t.Fatalf("expected payment to apply, got %q %v", outcome, err)
	}
	if status := h.db.snapshot().enrollments[detail.ID].Status; status != models.EnrollmentStatusPaid {
		t.Fatalf("expected PAID, got %s", status)
	}
}

func TestEnrollWithoutGenderCannotRequestLocker(t *testing.T) {
	h := newHarness(t, ReconciliationConfig{HoldLockerOnEnroll: true})
	h.db.seedUser(31, "")

	_, err := h.service.Enroll(context.Background(), 31, EnrollInput{LessonID: 1, UsesLocker: true})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	state := h.db.snapshot()
	if len(state.enrollments) != 0 {
		t.Fatalf("expected no enrollment, got %d", len(state.enrollments))
	}
	if used := state.lockers[models.GenderMale].UsedQuantity + state.lockers[models.GenderFemale].UsedQuantity; used != 0 {
		t.Fatalf("expected no locker taken, got %d", used)
	}
}

func TestEnrollReportsLockerContentionAsLockerUnavailable(t *testing.T) {
	h := newHarness(t, ReconciliationConfig{HoldLockerOnEnroll: true, LockRetryAttempts: 2})
	h.db.state.lockersBusy = true

	_, err := h.service.Enroll(context.Background(), 6, EnrollInput{LessonID: 1, UsesLocker: true})
	if !errors.Is(err, ErrLockerUnavailable) {
		t.Fatalf("expected ErrLockerUnavailable, got %v", err)
	}
	if errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("locker contention must not read as a full lesson: %v", err)
	}
	if n := len(h.db.snapshot().enrollments); n != 0 {
		t.Fatalf("expected no enrollment, got %d", n)
	}
}

func TestHandleNotificationReplayIsIdempotent(t *testing.T) {
	h := newHarness(t, ReconciliationConfig{})
	ctx := context.Background()

	detail, err := h.service.Enroll(ctx, 1, EnrollInput{LessonID: 1, UsesLocker: true})
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	n := h.notification(detail.ID, "T-REPLAY", testLessonPrice+testLockerFee, "0000")

	first, err := h.service.HandleNotification(ctx, n)
	if err != nil || first != NotificationApplied {
		t.Fatalf("expected first delivery to apply, got %q %v", first, err)
	}
	second, err := h.service.HandleNotification(ctx, n)
	if err != nil || second != NotificationDuplicate {
		t.Fatalf("expected replay to be a duplicate, got %q %v", second, err)
	}

	state := h.db.snapshot()
	if len(state.payments) != 1 {
		t.Fatalf("expected exactly one payment, got %d", len(state.payments))
	}
	if used := state.lockers[models.GenderMale].UsedQuantity; used != 1 {
		t.Fatalf("expected one locker reservation, got %d", used)
	}
	if status := state.enrollments[detail.ID].Status; status != models.EnrollmentStatusPaid {
		t.Fatalf("expected PAID, got %s", status)
	}
}

func TestHandleNotificationRejectsTamperedSignature(t *testing.T) {
	h := newHarness(t, ReconciliationConfig{})
	ctx := context.Background()

	detail, err := h.service.Enroll(ctx, 1, EnrollInput{LessonID: 1})
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	n := h.notification(detail.ID, "T-TAMPER", testLessonPrice, "0000")
	n.EncData = h.gateway.SignNotification(gateway.Notification{MID: testMID, TID: "T-OTHER", Moid: n.Moid, Amt: n.Amt})

	if _, err := h.service.HandleNotification(ctx, n); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}

	state := h.db.snapshot()
	if len(state.payments) != 0 {
		t.Fatalf("expected no payments, got %d", len(state.payments))
	}
	if status := state.enrollments[detail.ID].Status; status != models.EnrollmentStatusPending {
		t.Fatalf("expected enrollment to stay PENDING, got %s", status)
	}
}

func TestHandleNotificationRecordsGatewayFailure(t *testing.T) {
	h := newHarness(t, ReconciliationConfig{})
	ctx := context.Background()

	detail, err := h.service.Enroll(ctx, 1, EnrollInput{LessonID: 1})
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	outcome, err := h.service.HandleNotification(ctx, h.notification(detail.ID, "T-FAIL", testLessonPrice, "4100"))
	if err != nil || outcome != NotificationFailedRecorded {
		t.Fatalf("expected failed_recorded, got %q %v", outcome, err)
	}

	state := h.db.snapshot()
	if len(state.payments) != 1 || state.payments[1].Status != models.PaymentStatusFailed {
		t.Fatalf("expected one FAILED payment, got %+v", state.payments)
	}
	if status := state.enrollments[detail.ID].Status; status != models.EnrollmentStatusPending {
		t.Fatalf("expected PENDING, got %s", status)
	}
}

func TestHandleNotificationFlagsConflictWhenLockerRunsOut(t *testing.T) {
	h := newHarness(t, ReconciliationConfig{})
	ctx := context.Background()

	detail, err := h.service.Enroll(ctx, 1, EnrollInput{LessonID: 1, UsesLocker: true})
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	h.db.seedLocker(models.GenderMale, 5, 5)

	outcome, err := h.service.HandleNotification(ctx, h.notification(detail.ID, "T-NOLOCKER", testLessonPrice+testLockerFee, "0000"))
	if err != nil || outcome != NotificationConflict {
		t.Fatalf("expected conflict, got %q %v", outcome, err)
	}

	state := h.db.snapshot()
	payment := state.payments[1]
	if payment.Status != models.PaymentStatusPaid || !payment.NeedsManualRefund || payment.ConflictReason == nil {
		t.Fatalf("expected flagged payment, got %+v", payment)
	}
	if status := state.enrollments[detail.ID].Status; status != models.EnrollmentStatusPending {
		t.Fatalf("expected PENDING, got %s", status)
	}
	if used := state.lockers[models.GenderMale].UsedQuantity; used != 5 {
		t.Fatalf("expected used to stay 5, got %d", used)
	}
}

func TestHandleNotificationFlagsAmountMismatch(t *testing.T) {
	h := newHarness(t, ReconciliationConfig{})
	ctx := context.Background()

	detail, err := h.service.Enroll(ctx, 1, EnrollInput{LessonID: 1})
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	outcome, err := h.service.HandleNotification(ctx, h.notification(detail.ID, "T-CHEAP", 100, "0000"))
	if err != nil || outcome != NotificationConflict {
		t.Fatalf("expected conflict, got %q %v", outcome, err)
	}
	if status := h.db.snapshot().enrollments[detail.ID].Status; status != models.EnrollmentStatusPending {
		t.Fatalf("expected PENDING, got %s", status)
	}
}

func TestHandleNotificationRejectsTIDReusedForAnotherEnrollment(t *testing.T) {
	h := newHarness(t, ReconciliationConfig{})
	ctx := context.Background()

	first := enrollAndPay(t, h, 1, false, "T-SHARED")
	second, err := h.service.Enroll(ctx, 2, EnrollInput{LessonID: 1})
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	_, err = h.service.HandleNotification(ctx, h.notification(second.ID, "T-SHARED", testLessonPrice, "0000"))
	if !errors.Is(err, ErrPaymentConflict) {
		t.Fatalf("expected ErrPaymentConflict, got %v", err)
	}
	state := h.db.snapshot()
	if state.enrollments[first.ID].Status != models.EnrollmentStatusPaid || state.enrollments[second.ID].Status != models.EnrollmentStatusPending {
		t.Fatalf("unexpected statuses after tid reuse")
	}
}

func TestConfirmAndWebhookRaceProduceOnePayment(t *testing.T) {
	h := newHarness(t, ReconciliationConfig{})
	ctx := context.Background()

	detail, err := h.service.Enroll(ctx, 7, EnrollInput{LessonID: 1, UsesLocker: true})
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	n := h.notification(detail.ID, "T-RACE", testLessonPrice+testLockerFee, "0000")

	outcomes := make(chan NotificationOutcome, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		outcome, err := h.service.HandleNotification(ctx, n)
		if err != nil {
			t.Errorf("webhook: %v", err)
		}
		outcomes <- outcome
	}()
	go func() {
		defer wg.Done()
		_, outcome, err := h.service.ConfirmPayment(ctx, 7, n)
		if err != nil {
			t.Errorf("confirm: %v", err)
		}
		outcomes <- outcome
	}()
	wg.Wait()
	close(outcomes)

	seen := map[NotificationOutcome]int{}
	for outcome := range outcomes {
		seen[outcome]++
	}
	if seen[NotificationApplied] != 1 || seen[NotificationDuplicate] != 1 {
		t.Fatalf("expected one applied and one duplicate, got %v", seen)
	}

	state := h.db.snapshot()
	if len(state.payments) != 1 {
		t.Fatalf("expected one payment, got %d", len(state.payments))
	}
	if used := state.lockers[models.GenderMale].UsedQuantity; used != 1 {
		t.Fatalf("expected one locker reservation, got %d", used)
	}
}

func TestConfirmPaymentRejectsOtherUsersEnrollment(t *testing.T) {
	h := newHarness(t, ReconciliationConfig{})
	ctx := context.Background()

	detail, err := h.service.Enroll(ctx, 1, EnrollInput{LessonID: 1})
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	n := h.notification(detail.ID, "T-OTHER", testLessonPrice, "0000")
	if _, _, err := h.service.ConfirmPayment(ctx, 2, n); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestApproveCancellationRefundsAndReleasesLocker(t *testing.T) {
	h := newHarness(t, ReconciliationConfig{})
	ctx := context.Background()

	enrollment := enrollAndPay(t, h, 1, true, "T-CANCEL")
	if _, err := h.service.RequestCancellation(ctx, 1, enrollment.ID, "moving away"); err != nil {
		t.Fatalf("RequestCancellation: %v", err)
	}
	if used := h.db.snapshot().lockers[models.GenderMale].UsedQuantity; used != 1 {
		t.Fatalf("expected locker still held while request pending, got %d", used)
	}

	result, err := h.service.ApproveCancellation(ctx, Actor{ID: 99, IP: "10.0.0.1"}, enrollment.ID, CancellationInput{})
	if err != nil {
		t.Fatalf("ApproveCancellation: %v", err)
	}

	// Lesson started 2026-03-08, approval on 2026-03-10: three used days.
	wantRefund := testLessonPrice + testLockerFee - 3*DefaultLessonDailyRate
	if result.Refunded != wantRefund {
		t.Fatalf("expected refund %d, got %d", wantRefund, result.Refunded)
	}
	if result.Enrollment.Status != models.EnrollmentStatusCanceled || result.Enrollment.CancelStatus != models.CancelStatusApproved {
		t.Fatalf("unexpected enrollment %+v", result.Enrollment.Enrollment)
	}

	state := h.db.snapshot()
	if used := state.lockers[models.GenderMale].UsedQuantity; used != 0 {
		t.Fatalf("expected locker released, got used %d", used)
	}
	payment := state.payments[1]
	if payment.RefundedAmount != wantRefund || payment.Status != models.PaymentStatusPartialRefunded {
		t.Fatalf("unexpected payment %+v", payment)
	}
	if h.gateway.calls() != 1 {
		t.Fatalf("expected one refund call, got %d", h.gateway.calls())
	}
	if len(state.audit) != 1 || state.audit[0].ActorID != 99 || state.audit[0].ActorIP != "10.0.0.1" {
		t.Fatalf("expected audit entry for actor, got %+v", state.audit)
	}
}

func TestApproveCancellationRefundFailureLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, ReconciliationConfig{})
	ctx := context.Background()

	enrollment := enrollAndPay(t, h, 1, true, "T-REFUNDFAIL")
	if _, err := h.service.RequestCancellation(ctx, 1, enrollment.ID, ""); err != nil {
		t.Fatalf("RequestCancellation: %v", err)
	}
	h.gateway.refundErr = gateway.ErrGatewayCommunication

	_, err := h.service.ApproveCancellation(ctx, Actor{ID: 99}, enrollment.ID, CancellationInput{})
	if !errors.Is(err, ErrGatewayCommunication) {
		t.Fatalf("expected ErrGatewayCommunication, got %v", err)
	}

	state := h.db.snapshot()
	if status := state.enrollments[enrollment.ID].Status; status != models.EnrollmentStatusCancelRequested {
		t.Fatalf("expected CANCEL_REQUESTED, got %s", status)
	}
	if used := state.lockers[models.GenderMale].UsedQuantity; used != 1 {
		t.Fatalf("expected locker still held, got %d", used)
	}
	if refunded := state.payments[1].RefundedAmount; refunded != 0 {
		t.Fatalf("expected no refund recorded, got %d", refunded)
	}
	if len(state.audit) != 0 {
		t.Fatalf("expected no audit entry, got %d", len(state.audit))
	}
}

func TestAdminCancelRejectsRefundAboveRemaining(t *testing.T) {
	h := newHarness(t, ReconciliationConfig{})
	ctx := context.Background()

	enrollment := enrollAndPay(t, h, 1, false, "T-OVER")
	over := testLessonPrice + 1

	_, err := h.service.AdminCancel(ctx, Actor{ID: 99}, enrollment.ID, CancellationInput{RefundAmount: &over})
	if !errors.Is(err, ErrRefundExceedsPaid) {
		t.Fatalf("expected ErrRefundExceedsPaid, got %v", err)
	}
	if h.gateway.calls() != 0 {
		t.Fatalf("gateway must not be called for an overshooting refund")
	}

	full := testLessonPrice
	result, err := h.service.AdminCancel(ctx, Actor{ID: 99}, enrollment.ID, CancellationInput{RefundAmount: &full})
	if err != nil {
		t.Fatalf("AdminCancel: %v", err)
	}
	if result.Enrollment.CancelStatus != models.CancelStatusAdminCanceled {
		t.Fatalf("expected ADMIN_CANCELED, got %s", result.Enrollment.CancelStatus)
	}
	if payment := h.db.snapshot().payments[1]; payment.Status != models.PaymentStatusCanceled || payment.RefundedAmount != full {
		t.Fatalf("expected fully refunded payment, got %+v", payment)
	}
}

func TestDenyCancellationRestoresPaid(t *testing.T) {
	h := newHarness(t, ReconciliationConfig{})
	ctx := context.Background()

	enrollment := enrollAndPay(t, h, 1, false, "T-DENY")
	if _, err := h.service.RequestCancellation(ctx, 1, enrollment.ID, "changed mind"); err != nil {
		t.Fatalf("RequestCancellation: %v", err)
	}

	detail, err := h.service.DenyCancellation(ctx, Actor{ID: 99}, enrollment.ID, "past deadline")
	if err != nil {
		t.Fatalf("DenyCancellation: %v", err)
	}
	if detail.Status != models.EnrollmentStatusPaid || detail.CancelStatus != models.CancelStatusDenied {
		t.Fatalf("unexpected enrollment %+v", detail.Enrollment)
	}
	if _, err := h.service.DenyCancellation(ctx, Actor{ID: 99}, enrollment.ID, ""); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition on second deny, got %v", err)
	}
}

func TestRequestCancellationOfUnpaidEnrollmentCancelsImmediately(t *testing.T) {
	h := newHarness(t, ReconciliationConfig{HoldLockerOnEnroll: true})
	ctx := context.Background()

	detail, err := h.service.Enroll(ctx, 1, EnrollInput{LessonID: 1, UsesLocker: true})
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	canceled, err := h.service.RequestCancellation(ctx, 1, detail.ID, "wrong lesson")
	if err != nil {
		t.Fatalf("RequestCancellation: %v", err)
	}
	if canceled.Status != models.EnrollmentStatusCanceled || canceled.LockerHeld {
		t.Fatalf("unexpected enrollment %+v", canceled.Enrollment)
	}
	if used := h.db.snapshot().lockers[models.GenderMale].UsedQuantity; used != 0 {
		t.Fatalf("expected locker released, got %d", used)
	}
	if h.gateway.calls() != 0 {
		t.Fatalf("no refund expected for an unpaid enrollment")
	}
}

func TestExpirePendingReleasesLockerAndSeat(t *testing.T) {
	h := newHarness(t, ReconciliationConfig{HoldLockerOnEnroll: true, PaymentWindow: 15 * time.Minute})
	h.db.seedLesson(models.Lesson{ID: 3, Title: "Evening", Capacity: 1, Price: testLessonPrice, StartDate: h.clock.Now()})
	ctx := context.Background()

	detail, err := h.service.Enroll(ctx, 1, EnrollInput{LessonID: 3, UsesLocker: true})
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if _, err := h.service.Enroll(ctx, 2, EnrollInput{LessonID: 3}); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected lesson to be full, got %v", err)
	}

	count, err := h.service.ExpirePending(ctx)
	if err != nil || count != 0 {
		t.Fatalf("expected nothing to expire yet, got %d %v", count, err)
	}

	h.clock.Advance(16 * time.Minute)
	count, err = h.service.ExpirePending(ctx)
	if err != nil || count != 1 {
		t.Fatalf("expected one expiry, got %d %v", count, err)
	}

	state := h.db.snapshot()
	if status := state.enrollments[detail.ID].Status; status != models.EnrollmentStatusExpired {
		t.Fatalf("expected EXPIRED, got %s", status)
	}
	if used := state.lockers[models.GenderMale].UsedQuantity; used != 0 {
		t.Fatalf("expected locker released, got %d", used)
	}
	if _, err := h.service.Enroll(ctx, 2, EnrollInput{LessonID: 3}); err != nil {
		t.Fatalf("expected freed seat to be available, got %v", err)
	}

	late := h.notification(detail.ID, "T-LATE", testLessonPrice+testLockerFee, "0000")
	outcome, err := h.service.HandleNotification(ctx, late)
	if err != nil || outcome != NotificationConflict {
		t.Fatalf("expected late payment to be flagged, got %q %v", outcome, err)
	}
}

func TestChangeLessonToFullLessonKeepsOriginal(t *testing.T) {
	h := newHarness(t, ReconciliationConfig{})
	h.db.seedLesson(models.Lesson{ID: 4, Title: "Full", Capacity: 1, Price: testLessonPrice, StartDate: h.clock.Now()})
	h.db.seedLesson(models.Lesson{ID: 5, Title: "Open", Capacity: 3, Price: testLessonPrice, StartDate: h.clock.Now()})
	ctx := context.Background()

	if _, err := h.service.Enroll(ctx, 2, EnrollInput{LessonID: 4}); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	enrollment := enrollAndPay(t, h, 1, false, "T-MOVE")

	if _, err := h.service.ChangeLesson(ctx, Actor{ID: 99}, enrollment.ID, 4); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if lessonID := h.db.snapshot().enrollments[enrollment.ID].LessonID; lessonID != 1 {
		t.Fatalf("expected enrollment to stay on lesson 1, got %d", lessonID)
	}

	detail, err := h.service.ChangeLesson(ctx, Actor{ID: 99}, enrollment.ID, 5)
	if err != nil {
		t.Fatalf("ChangeLesson: %v", err)
	}
	if detail.LessonID != 5 || detail.Status != models.EnrollmentStatusPaid {
		t.Fatalf("unexpected enrollment %+v", detail.Enrollment)
	}
}

func TestPreviewRefundHonoursManualOverride(t *testing.T) {
	h := newHarness(t, ReconciliationConfig{})
	enrollment := enrollAndPay(t, h, 1, false, "T-PREVIEW")

	days := 10
	preview, err := h.service.PreviewRefund(context.Background(), enrollment.ID, &days)
	if err != nil {
		t.Fatalf("PreviewRefund: %v", err)
	}
	if preview.SystemUsedDays != 3 || preview.EffectiveUsedDays != 10 {
		t.Fatalf("unexpected days %+v", preview)
	}
	if preview.RefundAmount != testLessonPrice-10*DefaultLessonDailyRate {
		t.Fatalf("unexpected refund %d", preview.RefundAmount)
	}
	if h.gateway.calls() != 0 {
		t.Fatalf("preview must not call the gateway")
	}
}

func TestPreviewRefundCountsDaysInSeoulRegardlessOfClockZone(t *testing.T) {
	h := newHarness(t, ReconciliationConfig{})
	seoul := time.FixedZone("KST", 9*60*60)
	h.db.seedLesson(models.Lesson{
		ID:        1,
		Title:     "Morning swim",
		Capacity:  10,
		Price:     testLessonPrice,
		StartDate: time.Date(2026, 10, 2, 0, 0, 0, 0, seoul),
		EndDate:   time.Date(2026, 10, 30, 0, 0, 0, 0, seoul),
	})
	h.clock.now = time.Date(2026, 10, 2, 0, 30, 0, 0, time.UTC)
	enrollment := enrollAndPay(t, h, 1, false, "T-MIDNIGHT")

	preview, err := h.service.PreviewRefund(context.Background(), enrollment.ID, nil)
	if err != nil {
		t.Fatalf("PreviewRefund: %v", err)
	}
	if preview.SystemUsedDays != 1 {
		t.Fatalf("expected 1 used day, got %d", preview.SystemUsedDays)
	}
	if preview.RefundAmount != testLessonPrice-DefaultLessonDailyRate {
		t.Fatalf("unexpected refund %d", preview.RefundAmount)
	}
}

func TestUpdateDiscountStatusValidatesValue(t *testing.T) {
	h := newHarness(t, ReconciliationConfig{})
	ctx := context.Background()

	detail, err := h.service.Enroll(ctx, 1, EnrollInput{LessonID: 1})
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if _, err := h.service.UpdateDiscountStatus(ctx, Actor{ID: 99}, detail.ID, "maybe", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	updated, err := h.service.UpdateDiscountStatus(ctx, Actor{ID: 99}, detail.ID, "approved", "veteran")
	if err != nil {
		t.Fatalf("UpdateDiscountStatus: %v", err)
	}
	if updated.DiscountStatus == nil || *updated.DiscountStatus != models.DiscountStatusApproved {
		t.Fatalf("unexpected discount status %+v", updated.DiscountStatus)
	}
}

func TestUpdateLockerNoRequiresLocker(t *testing.T) {
	h := newHarness(t, ReconciliationConfig{})
	ctx := context.Background()

	detail, err := h.service.Enroll(ctx, 1, EnrollInput{LessonID: 1})
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	lockerNo := "M-12"
	if _, err := h.service.UpdateLockerNo(ctx, Actor{ID: 99}, detail.ID, &lockerNo); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
