package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"coinledger/internal/gift"
	"coinledger/internal/model"
	"coinledger/internal/notify"
	"coinledger/internal/pkg/lock"
	"coinledger/internal/repository"
)

// Transfer-related errors.
var (
	ErrSelfGift          = errors.New("cannot send a gift to yourself")
	ErrInvalidMultiplier = errors.New("invalid gift multiplier")
)

// transferStore is the slice of WalletRepository the transfer service uses.
type transferStore interface {
	TransferSplit(ctx context.Context, legs repository.TransferLegs, meta map[string]string) (*model.Wallet, *model.Transaction, *model.Transaction, error)
}

// TransferConfig holds gift split policy.
type TransferConfig struct {
	ReceiverSharePercent int64
	PlatformUserID       int64
	MaxMultiplier        int64
}

// TransferService coordinates atomic gift transfers: the sender debit and
// the receiver/platform credits commit together or not at all.
type TransferService struct {
	wallets  transferStore
	catalog  gift.Catalog
	locks    *lock.WalletLock
	notifier notify.Notifier
	cfg      TransferConfig
}

// NewTransferService creates a new TransferService instance.
func NewTransferService(wallets transferStore, catalog gift.Catalog, locks *lock.WalletLock, notifier notify.Notifier, cfg TransferConfig) *TransferService {
	return &TransferService{wallets: wallets, catalog: catalog, locks: locks, notifier: notifier, cfg: cfg}
}

// Transfer sends a gift from one user to another. The total cost is
// unitCost x multiplier; the receiver gets the configured share and the
// platform wallet collects the remainder.
func (s *TransferService) Transfer(ctx context.Context, senderID, receiverID int64, giftCode string, multiplier int64) (*model.TransferResult, error) {
	if multiplier <= 0 || multiplier > s.cfg.MaxMultiplier {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMultiplier, multiplier)
	}
	if senderID == receiverID {
		return nil, ErrSelfGift
	}

	g, ok := s.catalog.Get(giftCode)
	if !ok {
		return nil, fmt.Errorf("%w: %s", gift.ErrUnknownGift, giftCode)
	}

	total := g.UnitCost * multiplier
	policy := gift.SplitPolicy{ReceiverSharePercent: s.cfg.ReceiverSharePercent}
	receiverShare, platformShare := policy.Split(total)

	meta := map[string]string{
		"gift_code":   giftCode,
		"multiplier":  strconv.FormatInt(multiplier, 10),
		"sender_id":   strconv.FormatInt(senderID, 10),
		"receiver_id": strconv.FormatInt(receiverID, 10),
	}

	legs := repository.TransferLegs{
		SenderID:      senderID,
		ReceiverID:    receiverID,
		PlatformID:    s.cfg.PlatformUserID,
		Total:         total,
		ReceiverShare: receiverShare,
		PlatformShare: platformShare,
	}

	// The database transaction is the atomicity boundary; the pair lock on
	// top keeps service-level sequences on these wallets linearizable.
	var sender *model.Wallet
	var senderEntry, receiverEntry *model.Transaction
	err := s.locks.WithPairLock(senderID, receiverID, func() error {
		var err error
		sender, senderEntry, receiverEntry, err = s.wallets.TransferSplit(ctx, legs, meta)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.notifier.NotifyBalance(sender.UserID, sender.Balance, sender.Locked)
	s.notifier.NotifyGift(receiverID, giftCode, receiverShare, senderID)

	return &model.TransferResult{
		SenderID:      senderID,
		ReceiverID:    receiverID,
		GiftCode:      giftCode,
		UnitCost:      g.UnitCost,
		Multiplier:    multiplier,
		TotalCost:     total,
		ReceiverShare: receiverShare,
		PlatformShare: platformShare,
		SenderBalance: sender.Balance,
		SenderTxID:    senderEntry.ID,
		ReceiverTxID:  receiverEntry.ID,
	}, nil
}
