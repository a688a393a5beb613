// Property-based tests for gift transfer math and validation.
package service

import (
	"context"
	"errors"
	"testing"

	"pgregory.net/rapid"

	"coinledger/internal/gift"
	"coinledger/internal/model"
	"coinledger/internal/notify"
	"coinledger/internal/pkg/lock"
	"coinledger/internal/repository"
)

// giftOutcome is the simulated result of a split transfer.
type giftOutcome struct {
	SenderAfter   int64
	ReceiverAfter int64
	PlatformAfter int64
	Success       bool
	Err           error
}

// simulateGift mirrors the validation and balance arithmetic of a split gift
// transfer without database dependencies.
func simulateGift(senderBalance, receiverBalance, platformBalance int64, unitCost, multiplier, sharePct int64, senderID, receiverID int64) giftOutcome {
	out := giftOutcome{
		SenderAfter:   senderBalance,
		ReceiverAfter: receiverBalance,
		PlatformAfter: platformBalance,
	}

	if multiplier <= 0 {
		out.Err = ErrInvalidMultiplier
		return out
	}
	if senderID == receiverID {
		out.Err = ErrSelfGift
		return out
	}

	total := unitCost * multiplier
	if senderBalance < total {
		out.Err = repository.ErrInsufficientBalance
		return out
	}

	receiverShare := total * sharePct / 100
	platformShare := total - receiverShare

	out.Success = true
	out.SenderAfter = senderBalance - total
	out.ReceiverAfter = receiverBalance + receiverShare
	out.PlatformAfter = platformBalance + platformShare
	return out
}

// TestGiftConservationProperty checks that a successful gift never creates or
// destroys coins: the sender loses exactly what the receiver and platform
// gain together.
func TestGiftConservationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		unitCost := rapid.Int64Range(1, 5000).Draw(t, "unitCost")
		multiplier := rapid.Int64Range(1, 99).Draw(t, "multiplier")
		total := unitCost * multiplier

		senderBalance := rapid.Int64Range(total, total+1000000).Draw(t, "senderBalance")
		receiverBalance := rapid.Int64Range(0, 1000000).Draw(t, "receiverBalance")
		platformBalance := rapid.Int64Range(0, 1000000).Draw(t, "platformBalance")
		sharePct := rapid.Int64Range(0, 100).Draw(t, "sharePct")

		senderID := rapid.Int64Range(1, 1000000).Draw(t, "senderID")
		receiverID := rapid.Int64Range(1, 1000000).Filter(func(id int64) bool {
			return id != senderID
		}).Draw(t, "receiverID")

		out := simulateGift(senderBalance, receiverBalance, platformBalance, unitCost, multiplier, sharePct, senderID, receiverID)

		if !out.Success {
			t.Fatalf("Gift should succeed with sufficient balance: balance=%d, total=%d, err=%v",
				senderBalance, total, out.Err)
		}

		if out.SenderAfter != senderBalance-total {
			t.Fatalf("Sender balance mismatch: expected %d, got %d", senderBalance-total, out.SenderAfter)
		}

		before := senderBalance + receiverBalance + platformBalance
		after := out.SenderAfter + out.ReceiverAfter + out.PlatformAfter
		if before != after {
			t.Fatalf("Coins not conserved: before=%d, after=%d", before, after)
		}

		gained := (out.ReceiverAfter - receiverBalance) + (out.PlatformAfter - platformBalance)
		if gained != total {
			t.Fatalf("Receiver+platform gained %d, sender paid %d", gained, total)
		}
	})
}

// TestGiftValidationProperty checks the validation rules in priority order:
// invalid multiplier, self-gift, insufficient balance.
func TestGiftValidationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		senderBalance := rapid.Int64Range(0, 100000).Draw(t, "senderBalance")
		unitCost := rapid.Int64Range(1, 5000).Draw(t, "unitCost")
		multiplier := rapid.Int64Range(-5, 99).Draw(t, "multiplier")
		senderID := rapid.Int64Range(1, 1000).Draw(t, "senderID")
		receiverID := rapid.Int64Range(1, 1000).Draw(t, "receiverID")

		out := simulateGift(senderBalance, 0, 0, unitCost, multiplier, 70, senderID, receiverID)

		switch {
		case multiplier <= 0:
			if out.Success || !errors.Is(out.Err, ErrInvalidMultiplier) {
				t.Fatalf("Expected ErrInvalidMultiplier for multiplier=%d, got %v", multiplier, out.Err)
			}
		case senderID == receiverID:
			if out.Success || !errors.Is(out.Err, ErrSelfGift) {
				t.Fatalf("Expected ErrSelfGift, got %v", out.Err)
			}
		case senderBalance < unitCost*multiplier:
			if out.Success || !errors.Is(out.Err, repository.ErrInsufficientBalance) {
				t.Fatalf("Expected ErrInsufficientBalance (balance=%d, total=%d), got %v",
					senderBalance, unitCost*multiplier, out.Err)
			}
		default:
			if !out.Success {
				t.Fatalf("Gift should succeed, got %v", out.Err)
			}
		}

		if !out.Success {
			if out.SenderAfter != senderBalance {
				t.Fatalf("Failed gift must not move coins: before=%d, after=%d", senderBalance, out.SenderAfter)
			}
		}
	})
}

// recordingTransferStore captures the legs the service hands to storage.
type recordingTransferStore struct {
	legs   *repository.TransferLegs
	meta   map[string]string
	err    error
	wallet model.Wallet
}

func (s *recordingTransferStore) TransferSplit(_ context.Context, legs repository.TransferLegs, meta map[string]string) (*model.Wallet, *model.Transaction, *model.Transaction, error) {
	if s.err != nil {
		return nil, nil, nil, s.err
	}
	s.legs = &legs
	s.meta = meta
	w := s.wallet
	return &w, &model.Transaction{ID: "tx-send"}, &model.Transaction{ID: "tx-recv"}, nil
}

func newTestTransferService(store *recordingTransferStore) *TransferService {
	return NewTransferService(store, gift.NewStaticCatalog(), lock.NewWalletLock(), notify.Nop{}, TransferConfig{
		ReceiverSharePercent: 70,
		PlatformUserID:       1,
		MaxMultiplier:        999,
	})
}

// TestTransferLegsMatchCatalogProperty checks that the service hands storage
// legs consistent with the catalog price and split policy for every gift.
func TestTransferLegsMatchCatalogProperty(t *testing.T) {
	catalog := gift.NewStaticCatalog()
	rapid.Check(t, func(t *rapid.T) {
		codes := make([]string, 0, 5)
		for _, g := range catalog.All() {
			codes = append(codes, g.Code)
		}
		code := rapid.SampledFrom(codes).Draw(t, "code")
		multiplier := rapid.Int64Range(1, 999).Draw(t, "multiplier")
		senderID := rapid.Int64Range(2, 1000000).Draw(t, "senderID")
		receiverID := rapid.Int64Range(2, 1000000).Filter(func(id int64) bool {
			return id != senderID
		}).Draw(t, "receiverID")

		store := &recordingTransferStore{}
		svc := newTestTransferService(store)

		result, err := svc.Transfer(context.Background(), senderID, receiverID, code, multiplier)
		if err != nil {
			t.Fatalf("Transfer failed: %v", err)
		}

		g, _ := catalog.Get(code)
		wantTotal := g.UnitCost * multiplier
		if store.legs.Total != wantTotal {
			t.Fatalf("Total mismatch: expected %d, got %d", wantTotal, store.legs.Total)
		}
		if store.legs.ReceiverShare+store.legs.PlatformShare != wantTotal {
			t.Fatalf("Legs don't sum: %d + %d != %d",
				store.legs.ReceiverShare, store.legs.PlatformShare, wantTotal)
		}
		if result.TotalCost != wantTotal || result.ReceiverShare != store.legs.ReceiverShare {
			t.Fatalf("Result disagrees with legs: %+v vs %+v", result, store.legs)
		}
	})
}
