package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcutil/base58"
	"golang.org/x/term"

	"keydrop/config"
	"keydrop/core/state"
	"keydrop/crypto"
	"keydrop/integrations/exports"
	"keydrop/integrations/journal"
	"keydrop/native/drops/manifest"
	"keydrop/storage"
)

const (
	seedCommand    = "seed"
	keygenCommand  = "keygen"
	refundsCommand = "refunds"
	exportCommand  = "export"
	defaultConfig  = "./config.toml"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case seedCommand:
		err = runSeed(os.Args[2:])
	case keygenCommand:
		err = runKeygen(os.Args[2:])
	case refundsCommand:
		err = runRefunds(os.Args[2:])
	case exportCommand:
		err = runExport(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func openManager(configPath string) (*state.Manager, func() error, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return nil, nil, fmt.Errorf("open state: %w", err)
	}
	return state.NewManager(db), db.Close, nil
}

func runSeed(args []string) error {
	fs := flag.NewFlagSet(seedCommand, flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the dropd config file")
	manifestPath := fs.String("manifest", "", "YAML manifest of drops and keys")
	force := fs.Bool("force", false, "Overwrite drops that already exist")
	fs.Parse(args)

	if *manifestPath == "" {
		return fmt.Errorf("-manifest is required")
	}
	entries, err := manifest.LoadFile(*manifestPath)
	if err != nil {
		return err
	}
	m, closeFn, err := openManager(*configPath)
	if err != nil {
		return err
	}
	defer closeFn()

	for _, entry := range entries {
		if _, exists, err := m.DropGet(entry.Drop.ID); err != nil {
			return err
		} else if exists && !*force {
			return fmt.Errorf("drop %s already exists (use -force to overwrite)", entry.Drop.ID)
		}
		if err := m.DropPut(entry.Drop); err != nil {
			return fmt.Errorf("store drop %s: %w", entry.Drop.ID, err)
		}
		for _, key := range entry.Keys {
			if err := m.KeyPut(key); err != nil {
				return fmt.Errorf("store key %s: %w", key.PublicKey, err)
			}
		}
		fmt.Printf("seeded drop %s with %d keys\n", entry.Drop.ID, len(entry.Keys))
	}
	return nil
}

func runKeygen(args []string) error {
	fs := flag.NewFlagSet(keygenCommand, flag.ExitOnError)
	count := fs.Int("n", 1, "Number of key pairs to generate")
	fs.Parse(args)

	for i := 0; i < *count; i++ {
		pk, priv, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Printf("%s ed25519:%s\n", pk, base58.Encode(priv))
	}
	return nil
}

func runRefunds(args []string) error {
	fs := flag.NewFlagSet(refundsCommand, flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the dropd config file")
	funder := fs.String("funder", "", "Funder account to report")
	fs.Parse(args)

	if err := crypto.ValidateAccountID(*funder); err != nil {
		return err
	}
	m, closeFn, err := openManager(*configPath)
	if err != nil {
		return err
	}
	defer closeFn()

	record, ok, err := m.RefundLedger().Record(*funder)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Printf("%s: no refunds recorded\n", *funder)
		return nil
	}
	fmt.Printf("%s: balance %s across %d credits\n", record.Funder, record.Balance, record.Credits)
	for _, entry := range record.Recent {
		fmt.Printf("  %d %s\n", entry.Timestamp, entry.Amount)
	}
	return nil
}

func runExport(args []string) error {
	fs := flag.NewFlagSet(exportCommand, flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the dropd config file")
	dropID := fs.String("drop", "", "Drop whose claims are exported")
	format := fs.String("format", "csv", "Export format: csv, jsonl or parquet")
	out := fs.String("out", "", "Output file (defaults to stdout)")
	limit := fs.Int("limit", 10_000, "Maximum number of claims")
	fs.Parse(args)

	if *dropID == "" {
		return fmt.Errorf("-drop is required")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if cfg.Journal.Driver == "" {
		return fmt.Errorf("config %s has no [Journal] configured", *configPath)
	}
	db, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
	if err != nil {
		return err
	}
	claims := journal.New(db, nil)
	defer claims.Close()
	records, err := claims.ClaimsForDrop(*dropID, *limit)
	if err != nil {
		return err
	}

	w := os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	var data []byte
	var sum string
	switch *format {
	case "csv":
		data, sum, err = exports.ClaimsCSV(records)
	case "jsonl":
		data, sum, err = exports.ClaimsJSONL(records)
	case "parquet":
		if *out == "" && term.IsTerminal(int(os.Stdout.Fd())) {
			return fmt.Errorf("refusing to write parquet to a terminal; pass -out or redirect stdout")
		}
		if err := exports.WriteClaimsParquet(w, records); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "exported %d claims as parquet\n", len(records))
		return nil
	default:
		return fmt.Errorf("unknown format %q", *format)
	}
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "exported %d claims (sha256 %s)\n", len(records), sum)
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  dropctl %s -manifest drops.yaml [-config ./config.toml] [-force]\n", seedCommand)
	fmt.Fprintf(os.Stderr, "  dropctl %s [-n 1]\n", keygenCommand)
	fmt.Fprintf(os.Stderr, "  dropctl %s -funder account.near [-config ./config.toml]\n", refundsCommand)
	fmt.Fprintf(os.Stderr, "  dropctl %s -drop drop-1 [-format csv|jsonl|parquet] [-out file]\n", exportCommand)
}
