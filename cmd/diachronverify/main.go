// diachronverify checks the integrity of a diachron event log without
// the daemon running: it re-derives the hash chain from the database
// and, given a public key, checks the chain checkpoint signatures.
//
// Exit status is 0 when the chain verifies, 1 when it is broken or the
// check could not run.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"diachron/internal/chain"
	"diachron/internal/config"
	"diachron/internal/logging"
	"diachron/internal/store"
)

func main() {
	var (
		dbPath  = flag.String("db", "", "path to the database (default: from config)")
		full    = flag.Bool("full", false, "verify the entire chain from genesis instead of the latest checkpoint")
		pubKey  = flag.String("pubkey", "", "path to an Ed25519 public key for checkpoint signature verification")
		asJSON  = flag.Bool("json", false, "print the verification result as JSON")
		cfgPath = flag.String("config", "", "path to config file")
	)
	flag.Parse()

	if err := run(*dbPath, *cfgPath, *pubKey, *full, *asJSON); err != nil {
		fmt.Fprintf(os.Stderr, "diachronverify: %v\n", err)
		os.Exit(1)
	}
}

func run(dbPath, cfgPath, pubKeyPath string, full, asJSON bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if dbPath == "" {
		dbPath = cfg.Storage.Path
	}
	if pubKeyPath == "" {
		pubKeyPath = cfg.Signing.PublicKeyPath
	}

	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("database %s: %w", dbPath, err)
	}

	quiet, err := logging.New(&logging.Config{
		Level:  logging.LevelError,
		Output: "stderr",
	})
	if err != nil {
		return err
	}

	// Read-only: verification must never touch the evidence it checks.
	s, err := store.OpenReadOnly(dbPath, nil, quiet)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer s.Close()

	ctx := context.Background()
	result, err := s.VerifyChain(ctx, full)
	if err != nil {
		return fmt.Errorf("verify chain: %w", err)
	}

	sigStatus, sigErr := verifySignature(ctx, s, pubKeyPath)

	if asJSON {
		printJSON(result, sigStatus)
	} else {
		printText(dbPath, result, full, sigStatus)
	}

	if sigErr != nil {
		return sigErr
	}
	if !result.Valid {
		os.Exit(1)
	}
	return nil
}

// verifySignature checks the latest checkpoint signature. Returns a
// human-readable status and a hard error only when a key was supplied
// and the signature fails.
func verifySignature(ctx context.Context, s *store.Store, pubKeyPath string) (string, error) {
	if pubKeyPath == "" {
		return "skipped (no public key)", nil
	}

	key, err := chain.LoadPublicKey(pubKeyPath)
	if err != nil {
		return "error", fmt.Errorf("load public key: %w", err)
	}

	cp, err := s.LatestCheckpoint(ctx)
	if err == store.ErrNotFound {
		return "no checkpoints yet", nil
	}
	if err != nil {
		return "error", fmt.Errorf("load checkpoint: %w", err)
	}
	if len(cp.Signature) == 0 {
		return "checkpoint is unsigned", nil
	}
	if !chain.VerifyCheckpoint(key, cp) {
		return "INVALID", fmt.Errorf("checkpoint %d signature does not verify", cp.ID)
	}
	return fmt.Sprintf("valid (checkpoint %d, event %d)", cp.ID, cp.EventID), nil
}

func printText(dbPath string, result chain.VerifyResult, full bool, sigStatus string) {
	scope := "from latest checkpoint"
	if full {
		scope = "from genesis"
	}

	fmt.Printf("Database:    %s\n", dbPath)
	fmt.Printf("Scope:       %s\n", scope)
	fmt.Printf("Events:      %d checked\n", result.EventsChecked)
	if result.FirstEvent != "" {
		fmt.Printf("Range:       %s .. %s\n", result.FirstEvent, result.LastEvent)
	}
	fmt.Printf("Signature:   %s\n", sigStatus)

	if result.Valid {
		fmt.Println("Chain:       OK")
		return
	}

	fmt.Println("Chain:       BROKEN")
	if bp := result.BreakPoint; bp != nil {
		fmt.Printf("Break:       event %d at %s\n", bp.EventID, bp.Timestamp)
		if bp.ExpectedHash != "" {
			fmt.Printf("  expected:  %s\n", bp.ExpectedHash)
			fmt.Printf("  actual:    %s\n", bp.ActualHash)
		}
	}
}

func printJSON(result chain.VerifyResult, sigStatus string) {
	out := struct {
		chain.VerifyResult
		Signature string `json:"signature"`
	}{result, sigStatus}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "diachronverify: encode result: %v\n", err)
		return
	}
	fmt.Println(string(data))
}
