// Package wallet manages user provisioning and balance operations outside
// the bid and settlement pipelines.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/undiscoveredart/marketplace/internal/event"
	"github.com/undiscoveredart/marketplace/internal/store"
)

// ErrInvalidAmount is returned for a non-positive deposit or a negative
// starting balance.
var ErrInvalidAmount = errors.New("amount must be a positive integer of minor units")

// Manager handles wallet operations.
type Manager struct {
	users  store.UserRepository
	events event.Store
	logger *slog.Logger
	tracer trace.Tracer
}

// NewManager returns a new wallet Manager.
func NewManager(users store.UserRepository, events event.Store, logger *slog.Logger, tp trace.TracerProvider) *Manager {
	return &Manager{
		users:  users,
		events: events,
		logger: logger,
		tracer: tp.Tracer("github.com/undiscoveredart/marketplace/internal/wallet"),
	}
}

// Register creates a user with a starting available balance and an empty
// reserve.
func (m *Manager) Register(ctx context.Context, displayName string, startingBalanceMinor int64) (*store.User, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Register",
		trace.WithAttributes(attribute.String("display_name", displayName)),
	)
	defer span.End()

	if startingBalanceMinor < 0 {
		return nil, ErrInvalidAmount
	}

	u := &store.User{
		DisplayName:    displayName,
		AvailableMinor: startingBalanceMinor,
		ReservedMinor:  0,
	}
	if err := m.users.Create(ctx, u); err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}

	data, _ := json.Marshal(event.UserRegisteredData{
		DisplayName:          displayName,
		StartingBalanceMinor: startingBalanceMinor,
	})
	if err := m.events.Append(ctx, event.Event{
		AggregateID: u.ID,
		Type:        event.UserRegistered,
		Data:        data,
	}); err != nil {
		m.logger.ErrorContext(ctx, "failed to append user registered event", slog.Any("error", err))
	}

	m.logger.InfoContext(ctx, "user registered",
		slog.String("user_id", u.ID),
		slog.String("display_name", displayName),
	)
	return u, nil
}

// Deposit adds funds to a user's available balance.
func (m *Manager) Deposit(ctx context.Context, userID string, amountMinor int64) error {
	ctx, span := m.tracer.Start(ctx, "Manager.Deposit",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int64("amount_minor", amountMinor),
		),
	)
	defer span.End()

	if amountMinor <= 0 {
		return ErrInvalidAmount
	}

	if err := m.users.Deposit(ctx, userID, amountMinor); err != nil {
		return fmt.Errorf("depositing funds: %w", err)
	}

	data, _ := json.Marshal(event.WalletDepositedData{AmountMinor: amountMinor})
	if err := m.events.Append(ctx, event.Event{
		AggregateID: userID,
		Type:        event.WalletDeposited,
		Data:        data,
	}); err != nil {
		m.logger.ErrorContext(ctx, "failed to append deposit event", slog.Any("error", err))
	}

	m.logger.InfoContext(ctx, "funds deposited",
		slog.String("user_id", userID),
		slog.Int64("amount_minor", amountMinor),
	)
	return nil
}

// Balances returns a user's available and reserved balances.
func (m *Manager) Balances(ctx context.Context, userID string) (*store.User, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Balances")
	defer span.End()

	return m.users.GetByID(ctx, userID)
}
