package notify

import (
	"context"
	"errors"

	"github.com/omoke1/Flowpay-sub000/internal/domain"
	"github.com/omoke1/Flowpay-sub000/pkg/rabbitmq"
)

// EventNotifier hands notifications to a downstream notification service by
// publishing them on the events exchange.
type EventNotifier struct {
	publisher rabbitmq.Publisher
	exchange  string
}

func NewEventNotifier(publisher rabbitmq.Publisher, exchange string) *EventNotifier {
	return &EventNotifier{publisher: publisher, exchange: exchange}
}

func (n *EventNotifier) SendClaimNotice(ctx context.Context, notice domain.ClaimNotice) error {
	return n.publisher.Publish(ctx, n.exchange, domain.EventNotificationClaimNotice, notice)
}

func (n *EventNotifier) SendClaimConfirmation(ctx context.Context, confirmation domain.ClaimConfirmation) error {
	return n.publisher.Publish(ctx, n.exchange, domain.EventNotificationClaimConfirm, confirmation)
}

func (n *EventNotifier) SendExpiryReminder(ctx context.Context, reminder domain.ExpiryReminder) error {
	return n.publisher.Publish(ctx, n.exchange, domain.EventNotificationExpiryRemind, reminder)
}

// Notifier mirrors app.Notifier so fan-out can wrap any implementation.
type Notifier interface {
	SendClaimNotice(ctx context.Context, notice domain.ClaimNotice) error
	SendClaimConfirmation(ctx context.Context, confirmation domain.ClaimConfirmation) error
	SendExpiryReminder(ctx context.Context, reminder domain.ExpiryReminder) error
}

// Fanout delivers every message through each notifier and joins the errors.
type Fanout []Notifier

func (f Fanout) SendClaimNotice(ctx context.Context, notice domain.ClaimNotice) error {
	var errs []error
	for _, n := range f {
		errs = append(errs, n.SendClaimNotice(ctx, notice))
	}
	return errors.Join(errs...)
}

func (f Fanout) SendClaimConfirmation(ctx context.Context, confirmation domain.ClaimConfirmation) error {
	var errs []error
	for _, n := range f {
		errs = append(errs, n.SendClaimConfirmation(ctx, confirmation))
	}
	return errors.Join(errs...)
}

func (f Fanout) SendExpiryReminder(ctx context.Context, reminder domain.ExpiryReminder) error {
	var errs []error
	for _, n := range f {
		errs = append(errs, n.SendExpiryReminder(ctx, reminder))
	}
	return errors.Join(errs...)
}
