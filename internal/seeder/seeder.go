package seeder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"

	"github.com/vnmchuo/metergate/internal/auth"
	"github.com/vnmchuo/metergate/internal/ledger"
)

const (
	TestAPIKey      = "test-api-key-12345"
	TestTenantID    = "00000000-0000-0000-0000-000000000001"
	startingCredits = 1000
)

// SeedTestCredential creates a dev API key with every search scope and a
// promo credit grant so a fresh environment can serve requests immediately.
func SeedTestCredential(ctx context.Context, store auth.Store, ledgerStore ledger.Store) {
	h := sha256.New()
	h.Write([]byte(TestAPIKey))
	keyHash := hex.EncodeToString(h.Sum(nil))

	cred := &auth.Credential{
		TenantID:  TestTenantID,
		KeyHash:   keyHash,
		Scopes:    []string{"search:username", "search:email", "search:phone"},
		RateLimit: 0, // use the configured default
		Active:    true,
	}

	if err := store.Create(ctx, cred); err != nil {
		log.Printf("[Seeder] API key may already exist, skipping: %v", err)
		return
	}

	if _, err := ledgerStore.Add(ctx, ledger.AddParams{
		TenantID:    TestTenantID,
		Amount:      startingCredits,
		Kind:        ledger.KindPromo,
		Description: "dev seed grant",
	}); err != nil {
		log.Printf("[Seeder] Failed to grant seed credits: %v", err)
		return
	}

	log.Printf("[Seeder] Test API key created successfully")
	log.Printf("[Seeder] Key: %s", TestAPIKey)
	log.Printf("[Seeder] TenantID: %s", TestTenantID)
	log.Printf("[Seeder] Credits: %d", startingCredits)
}
