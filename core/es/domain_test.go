package es_test

import (
	"errors"
	"fmt"

	"github.com/eventfold/eventfold-go/core/es"
)

// Account is the aggregate used across the package tests: a bank account
// holding a balance in cents.
type Account struct {
	es.BaseAggregate
	Balance int64 `json:"balance"`
}

func (a *Account) GetAggType() string { return "account" }

func (a *Account) Register(r es.Registrar) {
	es.RegisterEvents(r,
		es.Event[es.AggregateCreatedEvent](),
		es.Event[MoneyDeposited](),
		es.Event[MoneyWithdrawn](),
	)
}

func (a *Account) Apply(evt any) error {
	switch e := evt.(type) {
	case *MoneyDeposited:
		a.Balance += e.Amount
	case *MoneyWithdrawn:
		a.Balance -= e.Amount
	default:
		return a.BaseAggregate.Apply(evt)
	}
	return nil
}

func (a *Account) Deposit(amount int64) error {
	return es.RaiseAndApply(a, &MoneyDeposited{Amount: amount})
}

func (a *Account) Withdraw(amount int64) error {
	if amount > a.Balance {
		return fmt.Errorf("insufficient funds: balance %d, requested %d", a.Balance, amount)
	}
	return es.RaiseAndApply(a, &MoneyWithdrawn{Amount: amount})
}

type MoneyDeposited struct {
	Amount int64 `json:"amount"`
}

func (e MoneyDeposited) EventType() string { return "account.MoneyDeposited" }

func (e MoneyDeposited) Validate() error {
	if e.Amount <= 0 {
		return errors.New("amount must be positive")
	}
	return nil
}

type MoneyWithdrawn struct {
	Amount int64 `json:"amount"`
}

func (e MoneyWithdrawn) EventType() string { return "account.MoneyWithdrawn" }

func (e MoneyWithdrawn) Validate() error {
	if e.Amount <= 0 {
		return errors.New("amount must be positive")
	}
	return nil
}
