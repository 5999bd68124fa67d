package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/meadowmart/api/internal/domain"
	"github.com/meadowmart/api/internal/repositories"
)

const (
	walletEventCredited    = "wallet.credited"
	walletEventDebited     = "wallet.debited"
	walletEventTopUpFailed = "wallet.topup_failed"

	walletTxnIDPrefix = "wtx_"
	topUpRefPrefix    = "topup_"

	replayPageSize = 100
)

var (
	// ErrWalletInvalidInput signals the caller provided invalid data.
	ErrWalletInvalidInput = errors.New("wallet: invalid input")
	// ErrWalletNotFound indicates the wallet could not be located.
	ErrWalletNotFound = errors.New("wallet: not found")
	// ErrWalletInvalidAmount rejects zero or negative mutation amounts.
	ErrWalletInvalidAmount = errors.New("wallet: invalid amount")
	// ErrInsufficientBalance rejects debits larger than the current balance.
	ErrInsufficientBalance = errors.New("wallet: insufficient balance")
	// ErrWalletLimitExceeded rejects credits that would push the balance over
	// the configured ceiling.
	ErrWalletLimitExceeded = errors.New("wallet: balance limit exceeded")
	// ErrTopUpOutOfRange rejects top-up amounts outside the configured window.
	ErrTopUpOutOfRange = errors.New("wallet: top-up amount out of range")
	// ErrWalletConflict indicates a concurrent write collided and the caller
	// should retry.
	ErrWalletConflict = errors.New("wallet: conflict")
)

// WalletServiceDeps bundles collaborators required to construct the wallet service.
type WalletServiceDeps struct {
	Wallets     repositories.WalletRepository
	UnitOfWork  repositories.UnitOfWork
	Payments    PaymentInitiator
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)

	Currency   string
	TopUpMin   int64
	TopUpMax   int64
	MaxBalance int64
}

type walletService struct {
	wallets    repositories.WalletRepository
	unitOfWork repositories.UnitOfWork
	payments   PaymentInitiator
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)

	currency   string
	topUpMin   int64
	topUpMax   int64
	maxBalance int64
}

// NewWalletService wires dependencies into a concrete WalletService implementation.
func NewWalletService(deps WalletServiceDeps) (WalletService, error) {
	if deps.Wallets == nil {
		return nil, errors.New("wallet service: wallet repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "VND"
	}

	return &walletService{
		wallets:    deps.Wallets,
		unitOfWork: unit,
		payments:   deps.Payments,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:      idGen,
		logger:     logger,
		currency:   currency,
		topUpMin:   deps.TopUpMin,
		topUpMax:   deps.TopUpMax,
		maxBalance: deps.MaxBalance,
	}, nil
}

// GetOrCreate returns the account's wallet, creating it with a zero balance
// on first use. Concurrent first calls race on the create; the loser re-reads
// the winner's wallet, so an account never ends up with two.
func (s *walletService) GetOrCreate(ctx context.Context, accountID string) (Wallet, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return Wallet{}, fmt.Errorf("%w: account id is required", ErrWalletInvalidInput)
	}

	wallet, err := s.wallets.Get(ctx, accountID)
	if err == nil {
		return wallet, nil
	}
	if !isNotFound(err) {
		return Wallet{}, s.mapRepositoryError(err)
	}

	now := s.clock()
	wallet = Wallet{
		ID:        accountID,
		AccountID: accountID,
		Balance:   0,
		Currency:  s.currency,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.wallets.Create(ctx, wallet); err != nil {
		if isConflict(err) {
			existing, getErr := s.wallets.Get(ctx, accountID)
			if getErr != nil {
				return Wallet{}, s.mapRepositoryError(getErr)
			}
			return existing, nil
		}
		return Wallet{}, s.mapRepositoryError(err)
	}

	return wallet, nil
}

func (s *walletService) GetWallet(ctx context.Context, accountID string) (Wallet, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return Wallet{}, fmt.Errorf("%w: account id is required", ErrWalletInvalidInput)
	}
	wallet, err := s.wallets.Get(ctx, accountID)
	if err != nil {
		return Wallet{}, s.mapRepositoryError(err)
	}
	return wallet, nil
}

func (s *walletService) Credit(ctx context.Context, cmd WalletMutationCommand) (WalletTransaction, error) {
	if _, err := s.GetOrCreate(ctx, cmd.AccountID); err != nil {
		return WalletTransaction{}, err
	}
	return s.apply(ctx, cmd, domain.DirectionIn, walletEventCredited)
}

func (s *walletService) Debit(ctx context.Context, cmd WalletMutationCommand) (WalletTransaction, error) {
	return s.apply(ctx, cmd, domain.DirectionOut, walletEventDebited)
}

// apply runs the ledger append and balance update as one atomic unit. The
// balance check and the write happen inside the same transaction, so
// concurrent debits on one wallet cannot both pass the check.
func (s *walletService) apply(ctx context.Context, cmd WalletMutationCommand, direction domain.WalletTxnDirection, event string) (WalletTransaction, error) {
	accountID := strings.TrimSpace(cmd.AccountID)
	if accountID == "" {
		return WalletTransaction{}, fmt.Errorf("%w: account id is required", ErrWalletInvalidInput)
	}
	if cmd.Amount <= 0 {
		return WalletTransaction{}, fmt.Errorf("%w: amount must be positive", ErrWalletInvalidAmount)
	}
	if cmd.Type == "" {
		return WalletTransaction{}, fmt.Errorf("%w: transaction type is required", ErrWalletInvalidInput)
	}

	reference := strings.TrimSpace(cmd.Reference)

	var (
		txn      WalletTransaction
		replayed bool
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		wallet, err := s.wallets.Get(txCtx, accountID)
		if err != nil {
			return s.mapRepositoryError(err)
		}

		if reference != "" {
			existing, err := s.wallets.FindTransactionByReference(txCtx, wallet.ID, reference)
			if err == nil {
				txn = existing
				replayed = true
				return nil
			}
			if !isNotFound(err) {
				return s.mapRepositoryError(err)
			}
		}

		var balanceAfter int64
		switch direction {
		case domain.DirectionOut:
			if cmd.Amount > wallet.Balance {
				return fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientBalance, wallet.Balance, cmd.Amount)
			}
			balanceAfter = wallet.Balance - cmd.Amount
		default:
			balanceAfter = wallet.Balance + cmd.Amount
			if s.maxBalance > 0 && balanceAfter > s.maxBalance {
				return fmt.Errorf("%w: balance would reach %d, limit %d", ErrWalletLimitExceeded, balanceAfter, s.maxBalance)
			}
		}

		now := s.clock()
		txn = WalletTransaction{
			ID:             walletTxnIDPrefix + s.newID(),
			WalletID:       wallet.ID,
			Type:           cmd.Type,
			Direction:      direction,
			Amount:         cmd.Amount,
			BalanceAfter:   balanceAfter,
			Status:         domain.WalletTxnCompleted,
			Reference:      reference,
			RelatedOrderID: strings.TrimSpace(cmd.RelatedOrderID),
			Note:           strings.TrimSpace(cmd.Note),
			CreatedAt:      now,
		}

		if err := s.wallets.AppendTransaction(txCtx, txn); err != nil {
			return s.mapRepositoryError(err)
		}
		return s.mapRepositoryError(s.wallets.UpdateBalance(txCtx, wallet.ID, balanceAfter, now))
	})
	if err != nil {
		// A replay that lost the transactional race surfaces as a conflict on
		// the reference-derived entry; the original outcome is authoritative.
		if reference != "" && errors.Is(err, ErrWalletConflict) {
			if existing, findErr := s.wallets.FindTransactionByReference(ctx, accountID, reference); findErr == nil {
				return existing, nil
			}
		}
		return WalletTransaction{}, err
	}

	if !replayed {
		s.logger(ctx, event, map[string]any{
			"walletId":  txn.WalletID,
			"txnId":     txn.ID,
			"type":      string(txn.Type),
			"amount":    txn.Amount,
			"reference": reference,
		})
	}

	return txn, nil
}

func (s *walletService) InitiateTopUp(ctx context.Context, cmd InitiateTopUpCommand) (TopUpIntent, error) {
	accountID := strings.TrimSpace(cmd.AccountID)
	if accountID == "" {
		return TopUpIntent{}, fmt.Errorf("%w: account id is required", ErrWalletInvalidInput)
	}
	if cmd.Amount <= 0 {
		return TopUpIntent{}, fmt.Errorf("%w: amount must be positive", ErrWalletInvalidAmount)
	}
	if cmd.Amount < s.topUpMin || (s.topUpMax > 0 && cmd.Amount > s.topUpMax) {
		return TopUpIntent{}, fmt.Errorf("%w: amount %d outside [%d, %d]", ErrTopUpOutOfRange, cmd.Amount, s.topUpMin, s.topUpMax)
	}
	if s.payments == nil {
		return TopUpIntent{}, errors.New("wallet service: payment initiator not configured")
	}

	wallet, err := s.GetOrCreate(ctx, accountID)
	if err != nil {
		return TopUpIntent{}, err
	}

	now := s.clock()
	reference := topUpRefPrefix + s.newID()

	session, err := s.payments.Initiate(ctx, PaymentInitiation{
		Amount:    cmd.Amount,
		Currency:  wallet.Currency,
		ReturnURL: strings.TrimSpace(cmd.ReturnURL),
		Reference: reference,
	})
	if err != nil {
		return TopUpIntent{}, fmt.Errorf("wallet: initiate top-up: %w", err)
	}

	// The intent is recorded as a pending ledger entry under the top-up
	// reference. It moves no money until the gateway callback settles it.
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.wallets.Get(txCtx, wallet.ID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		return s.mapRepositoryError(s.wallets.AppendTransaction(txCtx, WalletTransaction{
			ID:           walletTxnIDPrefix + s.newID(),
			WalletID:     wallet.ID,
			Type:         domain.WalletTxnTopUp,
			Direction:    domain.DirectionIn,
			Amount:       cmd.Amount,
			BalanceAfter: current.Balance,
			Status:       domain.WalletTxnPending,
			Reference:    reference,
			CreatedAt:    now,
		}))
	})
	if err != nil {
		return TopUpIntent{}, err
	}

	return TopUpIntent{
		AccountID:  accountID,
		Amount:     cmd.Amount,
		PaymentURL: session.PaymentURL,
		Reference:  reference,
		CreatedAt:  now,
	}, nil
}

// ConfirmTopUp lands the gateway success callback. A pending entry written at
// initiation settles in place; the balance moves in the same transaction. A
// reference that was never initiated here is credited directly under the same
// idempotency rules, so a redelivered callback cannot double-credit either way.
func (s *walletService) ConfirmTopUp(ctx context.Context, cmd ConfirmTopUpCommand) (WalletTransaction, error) {
	reference := strings.TrimSpace(cmd.GatewayReference)
	if reference == "" {
		return WalletTransaction{}, fmt.Errorf("%w: gateway reference is required", ErrWalletInvalidInput)
	}
	accountID := strings.TrimSpace(cmd.AccountID)
	if accountID == "" {
		return WalletTransaction{}, fmt.Errorf("%w: account id is required", ErrWalletInvalidInput)
	}

	var (
		txn     WalletTransaction
		tracked bool
		settled bool
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		wallet, err := s.wallets.Get(txCtx, accountID)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return s.mapRepositoryError(err)
		}

		existing, err := s.wallets.FindTransactionByReference(txCtx, wallet.ID, reference)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return s.mapRepositoryError(err)
		}

		tracked = true
		switch existing.Status {
		case domain.WalletTxnCompleted:
			txn = existing
			return nil
		case domain.WalletTxnFailed:
			return fmt.Errorf("%w: top-up %s already failed", ErrWalletConflict, reference)
		}

		if cmd.Amount > 0 && cmd.Amount != existing.Amount {
			return fmt.Errorf("%w: callback amount %d does not match intent %d",
				ErrWalletInvalidInput, cmd.Amount, existing.Amount)
		}

		balanceAfter := wallet.Balance + existing.Amount
		if s.maxBalance > 0 && balanceAfter > s.maxBalance {
			return fmt.Errorf("%w: balance would reach %d, limit %d", ErrWalletLimitExceeded, balanceAfter, s.maxBalance)
		}

		now := s.clock()
		existing.Status = domain.WalletTxnCompleted
		existing.BalanceAfter = balanceAfter
		if err := s.wallets.UpdateTransaction(txCtx, existing); err != nil {
			return s.mapRepositoryError(err)
		}
		if err := s.wallets.UpdateBalance(txCtx, wallet.ID, balanceAfter, now); err != nil {
			return s.mapRepositoryError(err)
		}
		txn = existing
		settled = true
		return nil
	})
	if err != nil {
		return WalletTransaction{}, err
	}

	if !tracked {
		return s.Credit(ctx, WalletMutationCommand{
			AccountID: accountID,
			Amount:    cmd.Amount,
			Type:      domain.WalletTxnTopUp,
			Reference: reference,
		})
	}

	if settled {
		s.logger(ctx, walletEventCredited, map[string]any{
			"walletId":  txn.WalletID,
			"txnId":     txn.ID,
			"type":      string(txn.Type),
			"amount":    txn.Amount,
			"reference": reference,
		})
	}

	return txn, nil
}

// FailTopUp lands the gateway failure callback. The pending entry flips to
// failed and keeps its place in the ledger; the balance never moves.
func (s *walletService) FailTopUp(ctx context.Context, cmd FailTopUpCommand) (WalletTransaction, error) {
	reference := strings.TrimSpace(cmd.GatewayReference)
	if reference == "" {
		return WalletTransaction{}, fmt.Errorf("%w: gateway reference is required", ErrWalletInvalidInput)
	}
	accountID := strings.TrimSpace(cmd.AccountID)
	if accountID == "" {
		return WalletTransaction{}, fmt.Errorf("%w: account id is required", ErrWalletInvalidInput)
	}

	var (
		txn    WalletTransaction
		marked bool
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		wallet, err := s.wallets.Get(txCtx, accountID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		existing, err := s.wallets.FindTransactionByReference(txCtx, wallet.ID, reference)
		if err != nil {
			return s.mapRepositoryError(err)
		}

		switch existing.Status {
		case domain.WalletTxnFailed:
			txn = existing
			return nil
		case domain.WalletTxnCompleted:
			return fmt.Errorf("%w: top-up %s already settled", ErrWalletConflict, reference)
		}

		existing.Status = domain.WalletTxnFailed
		if note := strings.TrimSpace(cmd.Note); note != "" {
			existing.Note = note
		}
		if err := s.wallets.UpdateTransaction(txCtx, existing); err != nil {
			return s.mapRepositoryError(err)
		}
		txn = existing
		marked = true
		return nil
	})
	if err != nil {
		return WalletTransaction{}, err
	}

	if marked {
		s.logger(ctx, walletEventTopUpFailed, map[string]any{
			"walletId":  txn.WalletID,
			"txnId":     txn.ID,
			"reference": reference,
		})
	}

	return txn, nil
}

func (s *walletService) ListTransactions(ctx context.Context, accountID string, pager Pagination) (domain.CursorPage[WalletTransaction], error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.CursorPage[WalletTransaction]{}, fmt.Errorf("%w: account id is required", ErrWalletInvalidInput)
	}

	wallet, err := s.wallets.Get(ctx, accountID)
	if err != nil {
		return domain.CursorPage[WalletTransaction]{}, s.mapRepositoryError(err)
	}

	page, err := s.wallets.ListTransactions(ctx, wallet.ID, pager)
	if err != nil {
		return domain.CursorPage[WalletTransaction]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// Replay folds the ledger back into a balance. Only completed entries move
// money; pending and failed ones are counted but contribute nothing. A
// non-zero drift means the snapshot and the ledger disagree, which should
// never happen since both are written in one transaction.
func (s *walletService) Replay(ctx context.Context, accountID string) (LedgerReplay, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return LedgerReplay{}, fmt.Errorf("%w: account id is required", ErrWalletInvalidInput)
	}

	wallet, err := s.wallets.Get(ctx, accountID)
	if err != nil {
		return LedgerReplay{}, s.mapRepositoryError(err)
	}

	replay := LedgerReplay{
		WalletID:        wallet.ID,
		RecordedBalance: wallet.Balance,
	}

	pager := Pagination{PageSize: replayPageSize}
	for {
		page, err := s.wallets.ListTransactions(ctx, wallet.ID, pager)
		if err != nil {
			return LedgerReplay{}, s.mapRepositoryError(err)
		}
		for _, txn := range page.Items {
			replay.Entries++
			if txn.Status != domain.WalletTxnCompleted {
				continue
			}
			replay.ComputedBalance += txn.Signed()
		}
		if page.NextPageToken == "" {
			break
		}
		pager.PageToken = page.NextPageToken
	}

	replay.Drift = replay.RecordedBalance - replay.ComputedBalance
	if replay.Drift != 0 {
		s.logger(ctx, "wallet.ledger_drift", map[string]any{
			"walletId": wallet.ID,
			"recorded": replay.RecordedBalance,
			"computed": replay.ComputedBalance,
			"drift":    replay.Drift,
		})
	}
	return replay, nil
}

func (s *walletService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *walletService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrWalletNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrWalletConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("wallet: repository unavailable: %w", err)
		}
	}

	return err
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
