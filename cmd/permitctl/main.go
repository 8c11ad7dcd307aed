package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oarkflow/permit"
	"github.com/oarkflow/permit/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "check":
		handleCheck()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("permitctl - Configuration tool for permit")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  permitctl convert <input> <output>           - Convert between formats")
	fmt.Println("  permitctl validate <file>                    - Validate configuration")
	fmt.Println("  permitctl stats <file>                       - Show configuration statistics")
	fmt.Println("  permitctl check <config> <identity> <key...> - Evaluate permission keys for an identity")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json, .bin")
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: permitctl convert <input> <output>")
		os.Exit(1)
	}

	inputFile := os.Args[2]
	outputFile := os.Args[3]

	cfg, err := loadConfig(inputFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := saveConfig(cfg, outputFile); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)

	inStat, _ := os.Stat(inputFile)
	outStat, _ := os.Stat(outputFile)
	if inStat != nil && outStat != nil {
		reduction := (1 - float64(outStat.Size())/float64(inStat.Size())) * 100
		if reduction > 0 {
			fmt.Printf("Size reduced by %.1f%% (%d -> %d bytes)\n",
				reduction, inStat.Size(), outStat.Size())
		} else {
			fmt.Printf("Size increased by %.1f%% (%d -> %d bytes)\n",
				-reduction, inStat.Size(), outStat.Size())
		}
	}
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: permitctl validate <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version: %d\n", cfg.Version)
	fmt.Printf("  Catalog keys: %d\n", len(cfg.Catalog))
	fmt.Printf("  Roles: %d\n", len(cfg.Roles))
	fmt.Printf("  Identities: %d\n", len(cfg.Identities))
	fmt.Printf("  Flags: %d\n", len(cfg.Flags))
	fmt.Printf("  Schedules: %d\n", len(cfg.Schedules))
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: permitctl stats <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	stat, _ := os.Stat(filename)

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	fmt.Println("Components:")
	fmt.Printf("  Catalog keys: %d\n", len(cfg.Catalog))
	fmt.Printf("  Roles:        %d\n", len(cfg.Roles))
	fmt.Printf("  Identities:   %d\n", len(cfg.Identities))
	fmt.Printf("  Flags:        %d\n", len(cfg.Flags))
	fmt.Printf("  Schedules:    %d\n", len(cfg.Schedules))
	fmt.Println()

	if len(cfg.Roles) > 0 {
		expanded := cfg.ExpandRoleGrants()
		totalGrants := 0
		for _, grants := range expanded {
			totalGrants += len(grants)
		}
		fmt.Println("Role Details:")
		fmt.Printf("  Expanded grants: %d\n", totalGrants)
		fmt.Printf("  Avg per role:    %.1f\n", float64(totalGrants)/float64(len(cfg.Roles)))
		fmt.Println()
	}

	fmt.Println("Engine Configuration:")
	fmt.Printf("  Default mode:       %s\n", orAny(cfg.Engine.DefaultMode))
	fmt.Printf("  Memo cache TTL:     %dms\n", cfg.Engine.MemoCacheTTL)
	fmt.Printf("  Memo cache counters: %d\n", cfg.Engine.RistrettoNumCounter)
	fmt.Printf("  Memo cache max cost: %d\n", cfg.Engine.RistrettoMaxCost)
}

func orAny(mode string) string {
	if mode == "" {
		return string(permit.ModeAny)
	}
	return mode
}

// handleCheck applies a config to a fresh engine, builds a context for the
// identity from the seeded grants, and evaluates the given keys.
func handleCheck() {
	if len(os.Args) < 5 {
		fmt.Println("Usage: permitctl check <config> <identity> <key...>")
		os.Exit(1)
	}

	filename := os.Args[2]
	identity := os.Args[3]
	keys := os.Args[4:]

	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	engine, err := permit.NewEngine(nil,
		permit.WithGrantStore(stores.NewMemoryGrantStore()),
	)
	if err != nil {
		fmt.Printf("Error building engine: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := engine.ApplyConfig(ctx, cfg); err != nil {
		fmt.Printf("Error applying config: %v\n", err)
		os.Exit(1)
	}

	ec, err := engine.ContextFor(ctx, identity, nil)
	if err != nil {
		fmt.Printf("Error building context: %v\n", err)
		os.Exit(1)
	}

	var check permit.Check
	if len(keys) == 1 {
		check = permit.ByKey(keys[0])
	} else {
		check = permit.ByKeySet(keys...)
	}

	res, err := engine.Evaluate(ctx, check, ec)
	if err != nil {
		fmt.Printf("Error evaluating: %v\n", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
	if !res.Allowed {
		os.Exit(2)
	}
}

func loadConfig(filename string) (*permit.Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(filename))
	loader := permit.NewConfigLoader()

	switch ext {
	case ".yaml", ".yml":
		return loader.LoadYAML(data)
	case ".json":
		return loader.LoadJSON(data)
	case ".bin":
		return loader.LoadBinary(data)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", ext)
	}
}

func saveConfig(cfg *permit.Config, filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))

	var data []byte
	var err error

	switch ext {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	case ".bin":
		data, err = permit.EncodeBinaryConfig(cfg)
	default:
		return fmt.Errorf("unsupported file format: %s", ext)
	}

	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
