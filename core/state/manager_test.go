package state

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"keydrop/core/promise"
	"keydrop/crypto"
	"keydrop/native/drops"
	"keydrop/storage"
)

func newTestKey(t *testing.T) crypto.PublicKey {
	t.Helper()
	pk, _, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pk
}

func seedFungibleDrop(t *testing.T, m *Manager, uses uint32) (*drops.Drop, crypto.PublicKey) {
	t.Helper()
	ft, err := drops.NewFungibleAsset("ft.test", "ft.test", big.NewInt(1), big.NewInt(1_000))
	if err != nil {
		t.Fatalf("new ft: %v", err)
	}
	drop, err := drops.NewDrop("drop-1", "funder.test", []drops.Asset{ft}, drops.AllUses{
		Behavior: drops.UseBehavior{Assets: []drops.AssetMetadata{{AssetID: "ft.test", TokensPerUse: big.NewInt(100)}}},
		Uses:     uses,
	})
	if err != nil {
		t.Fatalf("new drop: %v", err)
	}
	if err := m.DropPut(drop); err != nil {
		t.Fatalf("put drop: %v", err)
	}
	pk := newTestKey(t)
	if err := m.KeyPut(&drops.Key{PublicKey: pk, DropID: drop.ID, RemainingUses: uses}); err != nil {
		t.Fatalf("put key: %v", err)
	}
	return drop, pk
}

func TestManagerPersistsDropsOnLevelDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	db, err := storage.NewLevelDB(path)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	_, pk := seedFungibleDrop(t, NewManager(db), 2)
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err = storage.NewLevelDB(path)
	if err != nil {
		t.Fatalf("reopen leveldb: %v", err)
	}
	defer db.Close()
	m := NewManager(db)
	drop, ok, err := m.DropGet("drop-1")
	if err != nil || !ok {
		t.Fatalf("drop get: ok=%v err=%v", ok, err)
	}
	if drop.UsesPerKey() != 2 || drop.Funder != "funder.test" {
		t.Fatalf("unexpected drop %+v", drop)
	}
	key, ok, err := m.KeyGet(pk)
	if err != nil || !ok {
		t.Fatalf("key get: ok=%v err=%v", ok, err)
	}
	if !key.PublicKey.Equal(pk) || key.RemainingUses != 2 {
		t.Fatalf("unexpected key %+v", key)
	}
}

func TestManagerMissingEntries(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	if _, ok, err := m.DropGet("missing"); ok || err != nil {
		t.Fatalf("expected missing drop, got ok=%v err=%v", ok, err)
	}
	pk := newTestKey(t)
	if _, ok, err := m.KeyGet(pk); ok || err != nil {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
	if _, err := m.KeyUse(pk); !errors.Is(err, drops.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	bal, err := m.FunderBalance("funder.test")
	if err != nil || bal.Sign() != 0 {
		t.Fatalf("expected zero balance, got %v %v", bal, err)
	}
	if err := m.KeyDelete(pk); err != nil {
		t.Fatalf("delete missing key: %v", err)
	}
}

func TestKeyUseIsAtomic(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	_, pk := seedFungibleDrop(t, m, 5)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		exhausted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.KeyUse(pk)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, drops.ErrKeyExhausted):
				exhausted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if successes != 5 || exhausted != 15 {
		t.Fatalf("expected 5 uses and 15 rejections, got %d and %d", successes, exhausted)
	}
}

func TestEngineSettlesAgainstManager(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	m.SetNowFunc(func() time.Time { return time.Unix(1_700_000_000, 0) })
	_, pk := seedFungibleDrop(t, m, 1)

	exec := promise.ExecutorFunc(func(_ context.Context, _ string, action promise.Action) ([]byte, error) {
		if action.Method == "ft_transfer" {
			return nil, errors.New("receiver not registered")
		}
		return nil, nil
	})
	engine := drops.NewEngine()
	engine.SetState(m)
	engine.SetScheduler(promise.NewScheduler(exec))

	info, err := engine.KeyInformation(pk)
	if err != nil {
		t.Fatalf("key information: %v", err)
	}
	pc, err := engine.Claim(context.Background(), drops.ClaimRequest{
		Signer:     pk,
		AccountID:  "alice.test",
		PrepaidGas: drops.DefaultGasSchedule().BaseForClaim() + drops.DefaultGasSchedule().CostOfOneClaim(mustAsset(t, m, "ft.test")),
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if info.RequiredGas == 0 {
		t.Fatalf("expected a gas requirement")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := pc.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if s.Status != drops.StatusRefundApplied {
		t.Fatalf("expected refund, got %s", s.Status)
	}
	bal, err := m.FunderBalance("funder.test")
	if err != nil || bal.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("expected funder credited 1, got %v %v", bal, err)
	}
	key, _, _ := m.KeyGet(pk)
	if key.RemainingUses != 0 {
		t.Fatalf("expected use consumed, got %d", key.RemainingUses)
	}
	ext, err := engine.DropInformation("drop-1")
	if err != nil {
		t.Fatalf("drop information: %v", err)
	}
	if len(ext.Assets) != 1 || ext.Assets[0].ContractID != "ft.test" {
		t.Fatalf("unexpected drop view %+v", ext)
	}
}

func mustAsset(t *testing.T, m *Manager, id string) drops.Asset {
	t.Helper()
	drop, ok, err := m.DropGet("drop-1")
	if err != nil || !ok {
		t.Fatalf("drop get: ok=%v err=%v", ok, err)
	}
	asset, ok := drop.Asset(id)
	if !ok {
		t.Fatalf("asset %s missing", id)
	}
	return asset
}
