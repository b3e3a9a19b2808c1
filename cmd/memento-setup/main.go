// cmd/memento-setup is an interactive installer for the Memento memory
// service. It asks which storage backends to use, writes a memento.yaml
// configuration file, and can verify an existing installation with
// --verify.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/scrypster/memento/internal/config"
	"github.com/scrypster/memento/internal/storage/neo4j"
	"github.com/scrypster/memento/internal/storage/sqlite"
	"github.com/scrypster/memento/pkg/types"
)

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--verify" {
			os.Exit(runVerify())
		}
	}

	printBanner()
	fmt.Println("Welcome to Memento Setup!")
	fmt.Println("Memento gives AI assistants a project-scoped semantic memory:")
	fmt.Println("code, requirements, designs, and test history, searchable together.")
	fmt.Println()

	cfg, err := config.LoadConfigWithFile("")
	if err != nil {
		fmt.Printf("ERROR: failed to load existing configuration: %v\n", err)
		os.Exit(1)
	}

	cfg.User.UserName = ask("Your name (used to personalize memory)", cfg.User.UserName)
	cfg.Project.ProjectID = ask("Project id", cfg.Project.ProjectID)
	cfg.Project.ProjectPath = ask("Project root path (tools refuse paths outside it)", defaultProjectPath(cfg))

	switch prompt("Which vector store should Memento use?", []string{
		"SQLite (recommended for a single machine -- zero dependencies)",
		"PostgreSQL + pgvector (shared/production)",
	}) {
	case "1":
		cfg.VectorStore.StorageEngine = "sqlite"
		cfg.VectorStore.DataPath = ask("Data directory", cfg.VectorStore.DataPath)
	case "2":
		cfg.VectorStore.StorageEngine = "postgres"
		cfg.VectorStore.PostgresDSN = ask("Postgres DSN", cfg.VectorStore.PostgresDSN)
	}

	switch prompt("Which graph store should Memento use?", []string{
		"In-process graph (recommended for a single machine)",
		"Neo4j (shared/production)",
	}) {
	case "1":
		cfg.GraphStore.Engine = "memory"
	case "2":
		cfg.GraphStore.Engine = "neo4j"
		cfg.GraphStore.URI = ask("Neo4j URI", cfg.GraphStore.URI)
		cfg.GraphStore.User = ask("Neo4j user", cfg.GraphStore.User)
		cfg.GraphStore.Password = ask("Neo4j password", "")
	}

	cfg.Embedding.APIKey = ask("Embedding API key (empty = deterministic local fallback only)", cfg.Embedding.APIKey)
	if cfg.Embedding.APIKey != "" {
		cfg.Embedding.ModelID = ask("Embedding model", cfg.Embedding.ModelID)
	}

	outPath := ask("Write configuration to", config.DefaultConfigFile)
	if err := config.WriteTemplate(cfg, outPath); err != nil {
		fmt.Printf("ERROR: failed to write %s: %v\n", outPath, err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Printf("Wrote %s\n", outPath)

	// User settings persist in the sqlite settings table so memento-mcp
	// picks them up regardless of the shell environment.
	if cfg.VectorStore.StorageEngine == "sqlite" && cfg.User.UserName != "" {
		if err := saveUserSettings(cfg); err != nil {
			fmt.Printf("WARNING: could not persist user settings: %v\n", err)
		} else {
			fmt.Println("Saved user settings to the settings table.")
		}
	}
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  memento-setup --verify     # check the installation")
	fmt.Println("  claude mcp add memento ./memento-mcp --scope user")
}

func printBanner() {
	fmt.Print(`
 __  __                           _
|  \/  | ___ _ __ ___   ___ _ __ | |_ ___
| |\/| |/ _ \ '_ ` + "`" + ` _ \ / _ \ '_ \| __/ _ \
| |  | |  __/ | | | | |  __/ | | | || (_) |
|_|  |_|\___|_| |_| |_|\___|_| |_|\__\___/

Project Memory for AI Assistants
`)
}

// runVerify checks binary presence, configuration, and store connectivity.
// Returns the process exit code.
func runVerify() int {
	fmt.Println("Memento Setup Verification")
	fmt.Println("==========================")
	fmt.Println()

	ok := true

	if path, found := findBinary("memento-mcp"); found {
		fmt.Printf("MCP binary:   OK  %s\n", path)
	} else {
		fmt.Println("MCP binary:   MISSING (build with: go build ./cmd/memento-mcp)")
		ok = false
	}

	cfg, err := config.LoadConfigWithFile("")
	if err != nil {
		fmt.Printf("Config:       INVALID (%v)\n", err)
		return 1
	}
	fmt.Printf("Config:       OK  project_id=%s\n", cfg.Project.ProjectID)

	if !verifyVectorStore(cfg) {
		ok = false
	}
	if !verifyGraphStore(cfg) {
		ok = false
	}

	fmt.Println()
	if ok {
		fmt.Println("Status:       READY")
		return 0
	}
	fmt.Println("Status:       NOT READY")
	return 1
}

func verifyVectorStore(cfg *config.Config) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch cfg.VectorStore.StorageEngine {
	case "postgres":
		db, err := sql.Open("postgres", cfg.VectorStore.PostgresDSN)
		if err == nil {
			err = db.PingContext(ctx)
			_ = db.Close()
		}
		if err != nil {
			fmt.Printf("Vector store: FAILED postgres (%v)\n", err)
			return false
		}
		fmt.Println("Vector store: OK  postgres")
		return true
	default:
		if err := os.MkdirAll(cfg.VectorStore.DataPath, 0o700); err != nil {
			fmt.Printf("Vector store: FAILED sqlite data path %s (%v)\n", cfg.VectorStore.DataPath, err)
			return false
		}
		store, err := sqlite.Open(filepath.Join(cfg.VectorStore.DataPath, "memento.db"))
		if err != nil {
			fmt.Printf("Vector store: FAILED sqlite (%v)\n", err)
			return false
		}
		defer store.Close()
		if err := store.EnsureCollection(ctx, types.KindSession.Collection()); err != nil {
			fmt.Printf("Vector store: FAILED sqlite schema (%v)\n", err)
			return false
		}
		fmt.Printf("Vector store: OK  sqlite at %s\n", cfg.VectorStore.DataPath)
		return true
	}
}

func verifyGraphStore(cfg *config.Config) bool {
	if cfg.GraphStore.Engine != "neo4j" {
		fmt.Println("Graph store:  OK  in-process")
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, err := neo4j.Open(ctx, cfg.GraphStore.URI, cfg.GraphStore.User, cfg.GraphStore.Password, cfg.GraphStore.Database)
	if err != nil {
		fmt.Printf("Graph store:  FAILED neo4j (%v)\n", err)
		return false
	}
	defer store.Close()
	fmt.Printf("Graph store:  OK  neo4j at %s\n", cfg.GraphStore.URI)
	return true
}

// saveUserSettings upserts the user settings into the sqlite settings table
// next to the vector data.
func saveUserSettings(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.VectorStore.DataPath, 0o700); err != nil {
		return err
	}
	db, err := sql.Open("sqlite", filepath.Join(cfg.VectorStore.DataPath, "memento.db"))
	if err != nil {
		return err
	}
	defer db.Close()
	if err := config.EnsureSettingsTable(db); err != nil {
		return err
	}
	return cfg.SaveConfig(db)
}

// findBinary probes the usual install locations for name.
func findBinary(name string) (string, bool) {
	candidates := []string{
		"./" + name,
		filepath.Join(os.Getenv("HOME"), ".local", "bin", name),
	}
	if execPath, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(execPath), name))
	}
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return path, true
		}
	}
	return "", false
}

func defaultProjectPath(cfg *config.Config) string {
	if cfg.Project.ProjectPath != "" && cfg.Project.ProjectPath != "." {
		return cfg.Project.ProjectPath
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

// prompt shows a numbered menu and returns the selected number as a string.
func prompt(question string, options []string) string {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Printf("\n%s\n", question)
		for i, opt := range options {
			fmt.Printf("  [%d] %s\n", i+1, opt)
		}
		fmt.Print("\nEnter choice: ")
		scanner.Scan()
		choice := strings.TrimSpace(scanner.Text())
		for i := range options {
			if choice == fmt.Sprintf("%d", i+1) {
				return choice
			}
		}
		fmt.Printf("Please enter a number between 1 and %d\n", len(options))
	}
}

// ask asks a free-text question with an optional default.
func ask(question, defaultVal string) string {
	scanner := bufio.NewScanner(os.Stdin)
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}
	scanner.Scan()
	val := strings.TrimSpace(scanner.Text())
	if val == "" {
		return defaultVal
	}
	return val
}
