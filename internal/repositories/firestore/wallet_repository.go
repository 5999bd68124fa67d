package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/meadowmart/api/internal/domain"
	pfirestore "github.com/meadowmart/api/internal/platform/firestore"
)

const (
	walletsCollection    = "wallets"
	walletTxnsCollection = "wallet_transactions"

	defaultTxnPageSize = 50
	maxTxnPageSize     = 200
)

type walletDocument struct {
	AccountID         string     `firestore:"accountId"`
	Balance           int64      `firestore:"balance"`
	Currency          string     `firestore:"currency"`
	LastTransactionAt *time.Time `firestore:"lastTransactionAt,omitempty"`
	CreatedAt         time.Time  `firestore:"createdAt"`
	UpdatedAt         time.Time  `firestore:"updatedAt"`
}

type walletTxnDocument struct {
	TxnID          string    `firestore:"txnId"`
	WalletID       string    `firestore:"walletId"`
	Type           string    `firestore:"type"`
	Direction      string    `firestore:"direction"`
	Amount         int64     `firestore:"amount"`
	BalanceAfter   int64     `firestore:"balanceAfter"`
	Status         string    `firestore:"status"`
	Reference      string    `firestore:"reference,omitempty"`
	RelatedOrderID string    `firestore:"relatedOrderId,omitempty"`
	Note           string    `firestore:"note,omitempty"`
	CreatedAt      time.Time `firestore:"createdAt"`
}

// WalletRepository implements repositories.WalletRepository backed by Firestore.
// The wallet document ID is the owning account ID, which is what makes
// get-or-create race-free: concurrent creators collide on the same document.
type WalletRepository struct {
	wallets *pfirestore.BaseRepository[walletDocument]
	txns    *pfirestore.BaseRepository[walletTxnDocument]
}

// NewWalletRepository constructs a Firestore-backed wallet repository.
func NewWalletRepository(provider *pfirestore.Provider) (*WalletRepository, error) {
	if provider == nil {
		return nil, errors.New("wallet repository requires firestore provider")
	}
	return &WalletRepository{
		wallets: pfirestore.NewBaseRepository[walletDocument](provider, walletsCollection),
		txns:    pfirestore.NewBaseRepository[walletTxnDocument](provider, walletTxnsCollection),
	}, nil
}

// Get loads a wallet by ID.
func (r *WalletRepository) Get(ctx context.Context, walletID string) (domain.Wallet, error) {
	doc, err := r.wallets.Get(ctx, strings.TrimSpace(walletID))
	if err != nil {
		return domain.Wallet{}, err
	}
	return decodeWallet(doc.ID, doc.Data), nil
}

// Create writes a new wallet, failing with a conflict if one exists for the account.
func (r *WalletRepository) Create(ctx context.Context, wallet domain.Wallet) error {
	return r.wallets.Create(ctx, wallet.ID, walletDocument{
		AccountID:         wallet.AccountID,
		Balance:           wallet.Balance,
		Currency:          wallet.Currency,
		LastTransactionAt: wallet.LastTransactionAt,
		CreatedAt:         wallet.CreatedAt,
		UpdatedAt:         wallet.UpdatedAt,
	})
}

// UpdateBalance rewrites the cached balance and transaction timestamps.
func (r *WalletRepository) UpdateBalance(ctx context.Context, walletID string, balance int64, at time.Time) error {
	return r.wallets.Update(ctx, strings.TrimSpace(walletID), []firestore.Update{
		{Path: "balance", Value: balance},
		{Path: "lastTransactionAt", Value: at},
		{Path: "updatedAt", Value: at},
	})
}

// AppendTransaction writes one immutable ledger entry. Entries carrying a
// reference use a reference-derived document ID so a replay collides instead
// of double-applying.
func (r *WalletRepository) AppendTransaction(ctx context.Context, txn domain.WalletTransaction) error {
	return r.txns.Create(ctx, walletTxnDocID(txn), walletTxnDocument{
		TxnID:          txn.ID,
		WalletID:       txn.WalletID,
		Type:           string(txn.Type),
		Direction:      string(txn.Direction),
		Amount:         txn.Amount,
		BalanceAfter:   txn.BalanceAfter,
		Status:         string(txn.Status),
		Reference:      txn.Reference,
		RelatedOrderID: txn.RelatedOrderID,
		Note:           txn.Note,
		CreatedAt:      txn.CreatedAt,
	})
}

// UpdateTransaction rewrites a ledger entry in place, keeping its document ID.
func (r *WalletRepository) UpdateTransaction(ctx context.Context, txn domain.WalletTransaction) error {
	return r.txns.Set(ctx, walletTxnDocID(txn), walletTxnDocument{
		TxnID:          txn.ID,
		WalletID:       txn.WalletID,
		Type:           string(txn.Type),
		Direction:      string(txn.Direction),
		Amount:         txn.Amount,
		BalanceAfter:   txn.BalanceAfter,
		Status:         string(txn.Status),
		Reference:      txn.Reference,
		RelatedOrderID: txn.RelatedOrderID,
		Note:           txn.Note,
		CreatedAt:      txn.CreatedAt,
	})
}

// FindTransactionByReference loads the ledger entry previously written under
// the caller-supplied operation reference.
func (r *WalletRepository) FindTransactionByReference(ctx context.Context, walletID, reference string) (domain.WalletTransaction, error) {
	id := referenceDocID(walletID, reference)
	doc, err := r.txns.Get(ctx, id)
	if err != nil {
		return domain.WalletTransaction{}, err
	}
	return decodeWalletTxn(doc.Data), nil
}

// ListTransactions returns ledger entries for the wallet in creation order.
func (r *WalletRepository) ListTransactions(ctx context.Context, walletID string, pager domain.Pagination) (domain.CursorPage[domain.WalletTransaction], error) {
	pageSize := pager.PageSize
	if pageSize <= 0 {
		pageSize = defaultTxnPageSize
	}
	if pageSize > maxTxnPageSize {
		pageSize = maxTxnPageSize
	}

	// Entries can share a createdAt, so the ordering and the cursor carry the
	// document ID as a tiebreaker; a timestamp-only cursor would skip
	// same-stamp entries sitting across a page boundary.
	docs, err := r.txns.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("walletId", "==", strings.TrimSpace(walletID)).
			OrderBy("createdAt", firestore.Asc).
			OrderBy(firestore.DocumentID, firestore.Asc)
		if token := strings.TrimSpace(pager.PageToken); token != "" {
			if createdAt, docID, ok := decodeTxnPageToken(token); ok {
				q = q.StartAfter(createdAt, docID)
			}
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.WalletTransaction]{}, err
	}

	page := domain.CursorPage[domain.WalletTransaction]{}
	for i, doc := range docs {
		if i == pageSize {
			last := docs[pageSize-1]
			page.NextPageToken = encodeTxnPageToken(last.Data.CreatedAt, last.ID)
			break
		}
		page.Items = append(page.Items, decodeWalletTxn(doc.Data))
	}
	return page, nil
}

func encodeTxnPageToken(createdAt time.Time, docID string) string {
	return createdAt.UTC().Format(time.RFC3339Nano) + "|" + docID
}

func decodeTxnPageToken(token string) (time.Time, string, bool) {
	stamp, docID, found := strings.Cut(token, "|")
	if !found {
		return time.Time{}, "", false
	}
	createdAt, err := time.Parse(time.RFC3339Nano, stamp)
	if err != nil {
		return time.Time{}, "", false
	}
	return createdAt, docID, true
}

func walletTxnDocID(txn domain.WalletTransaction) string {
	if strings.TrimSpace(txn.Reference) != "" {
		return referenceDocID(txn.WalletID, txn.Reference)
	}
	return txn.ID
}

func referenceDocID(walletID, reference string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(walletID) + "|" + strings.TrimSpace(reference)))
	return hex.EncodeToString(sum[:])
}

func decodeWallet(id string, doc walletDocument) domain.Wallet {
	return domain.Wallet{
		ID:                id,
		AccountID:         doc.AccountID,
		Balance:           doc.Balance,
		Currency:          doc.Currency,
		LastTransactionAt: doc.LastTransactionAt,
		CreatedAt:         doc.CreatedAt,
		UpdatedAt:         doc.UpdatedAt,
	}
}

func decodeWalletTxn(doc walletTxnDocument) domain.WalletTransaction {
	return domain.WalletTransaction{
		ID:             doc.TxnID,
		WalletID:       doc.WalletID,
		Type:           domain.WalletTxnType(doc.Type),
		Direction:      domain.WalletTxnDirection(doc.Direction),
		Amount:         doc.Amount,
		BalanceAfter:   doc.BalanceAfter,
		Status:         domain.WalletTxnStatus(doc.Status),
		Reference:      doc.Reference,
		RelatedOrderID: doc.RelatedOrderID,
		Note:           doc.Note,
		CreatedAt:      doc.CreatedAt,
	}
}
