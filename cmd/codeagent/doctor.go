package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"codeagent/internal/config"
	"codeagent/internal/provider"
	"codeagent/internal/sandbox"
	"codeagent/internal/tool"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	var online bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your codeagent setup",
		Long: `Verifies that the configuration, workspace, script interpreters, audit
database and providers are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("codeagent doctor v%s\n\n", version)

			var passed, failed, warned int
			pass := func(check, detail string) { printPass(check, detail); passed++ }
			fail := func(check, detail string) { printFail(check, detail); failed++ }
			warn := func(check, detail string) { printWarn(check, detail); warned++ }

			if _, err := os.Stat(config.ExpandPath(cfgPath)); err != nil {
				warn("Config file", fmt.Sprintf("not found at %s (defaults apply)", cfgPath))
			} else {
				pass("Config file", cfgPath)
			}

			cfg, err := loadConfig()
			if err != nil {
				fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return fmt.Errorf("config is invalid")
			}
			pass("Config validation", "valid")

			// Workspace
			mode, _ := sandbox.ParseMode(cfg.Sandbox.Mode)
			if guard, err := sandbox.NewGuard(cfg.General.Workspace, mode); err != nil {
				fail("Workspace", err.Error())
			} else if info, err := os.Stat(guard.Root()); err != nil || !info.IsDir() {
				fail("Workspace", fmt.Sprintf("not a directory: %s", guard.Root()))
			} else {
				pass("Workspace", fmt.Sprintf("%s (%s mode)", guard.Root(), guard.Mode()))
			}

			// Interpreters run on the host unless the container is enabled.
			if cc := cfg.Sandbox.Container; cc.Enabled {
				if v, err := checkDocker(cmd.Context(), cc); err != nil {
					fail("Docker", err.Error())
				} else {
					pass("Docker", fmt.Sprintf("server %s, image %s", v, cc.Image))
				}
			} else {
				for _, ic := range cfg.Tools.Interpreters {
					check := "Interpreter " + ic.Extension
					if path, err := exec.LookPath(ic.Command[0]); err != nil {
						fail(check, fmt.Sprintf("%s not found in PATH", ic.Command[0]))
					} else {
						pass(check, path)
					}
				}
			}

			// Audit database
			if cfg.Audit.Enabled {
				if size, err := checkDatabase(cfg.Audit.DBPath); err != nil {
					fail("Audit database", err.Error())
				} else {
					pass("Audit database", fmt.Sprintf("%s (%s)", cfg.Audit.DBPath, humanize.Bytes(uint64(size))))
				}
			} else {
				warn("Audit database", "disabled")
			}

			// Providers
			enabled := 0
			factory := provider.NewFactory(cfg, logger)
			for name, p := range cfg.Providers {
				if !p.Enabled {
					continue
				}
				enabled++
				check := "Provider " + name
				if p.ResolvedAPIKey() == "" {
					hint := "apiKey"
					if p.APIKeyEnv != "" {
						hint = "$" + p.APIKeyEnv
					}
					warn(check, fmt.Sprintf("enabled but %s is not set", hint))
					continue
				}
				if !online {
					pass(check, "configured")
					continue
				}
				prov, err := factory.Get(name)
				if err != nil {
					fail(check, err.Error())
					continue
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
				err = prov.Healthy(ctx)
				cancel()
				if err != nil {
					fail(check, err.Error())
				} else {
					pass(check, "reachable, model "+prov.Model())
				}
			}
			if enabled == 0 {
				fail("Providers", "no providers enabled")
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&online, "online", false, "also contact each enabled provider")
	return cmd
}

func checkDocker(ctx context.Context, cc config.ContainerConfig) (string, error) {
	c, err := tool.NewContainer(tool.ContainerConfig{Image: cc.Image, Memory: cc.Memory, CPUs: cc.CPUs})
	if err != nil {
		return "", err
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return c.Version(ctx)
}

// checkDatabase opens the database, proves it is writable and returns its size.
func checkDatabase(dbPath string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return 0, fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return 0, fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return 0, fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return 0, fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	info, err := os.Stat(dbPath)
	if err != nil {
		return 0, nil
	}
	return info.Size(), nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
