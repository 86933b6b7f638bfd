package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/feishugate/internal/config"
	"github.com/basket/feishugate/internal/sessionstore"
)

// checkResult mirrors the diagnostic record shape internal/doctor used to
// report, rebuilt against feishugate's own config and stores since the
// original checks (API key, persistence, external tools) targeted
// collaborators this repo doesn't have.
type checkResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // PASS, WARN, FAIL, SKIP
	Message string `json:"message"`
}

type diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	Version   string        `json:"version"`
	GoVersion string        `json:"go_version"`
	Results   []checkResult `json:"results"`
}

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := config.Load()
	diag := diagnosis{
		Timestamp: time.Now().UTC(),
		Version:   Version,
		GoVersion: runtime.Version(),
	}

	if err != nil {
		diag.Results = append(diag.Results, checkResult{Name: "Config", Status: "FAIL", Message: err.Error()})
	} else {
		diag.Results = append(diag.Results,
			checkConfig(cfg),
			checkTelegramToken(cfg),
			checkHomeDirWritable(cfg),
			checkSessionStore(cfg),
			checkAgentEndpoint(ctx, cfg),
		)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "encode diagnosis: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Printf("feishugate doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Printf("go: %s\n---\n", diag.GoVersion)
	failCount := 0
	for _, res := range diag.Results {
		icon := "PASS"
		switch res.Status {
		case "FAIL":
			icon = "FAIL"
			failCount++
		case "WARN":
			icon = "WARN"
		case "SKIP":
			icon = "SKIP"
		}
		fmt.Printf("[%s] %-16s %s\n", icon, res.Name, res.Message)
	}
	if failCount > 0 {
		return 1
	}
	return 0
}

func checkConfig(cfg config.Config) checkResult {
	return checkResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

func checkTelegramToken(cfg config.Config) checkResult {
	if !cfg.Channels.Telegram.Enabled {
		return checkResult{Name: "Telegram", Status: "SKIP", Message: "channels.telegram.enabled is false"}
	}
	if cfg.Channels.Telegram.Token == "" {
		return checkResult{Name: "Telegram", Status: "FAIL", Message: "channels.telegram.token is empty"}
	}
	return checkResult{Name: "Telegram", Status: "PASS", Message: "token configured"}
}

func checkHomeDirWritable(cfg config.Config) checkResult {
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return checkResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return checkResult{Name: "Permissions", Status: "PASS", Message: "home directory writable"}
}

func checkSessionStore(cfg config.Config) checkResult {
	path := filepath.Join(cfg.StateDir, "sessions", cfg.AccountID+".db")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return checkResult{Name: "SessionStore", Status: "FAIL", Message: err.Error()}
	}
	store, err := sessionstore.Open(path)
	if err != nil {
		return checkResult{Name: "SessionStore", Status: "FAIL", Message: err.Error()}
	}
	defer store.Close()
	return checkResult{Name: "SessionStore", Status: "PASS", Message: fmt.Sprintf("opened %s", path)}
}

func checkAgentEndpoint(ctx context.Context, cfg config.Config) checkResult {
	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, cfg.AgentEndpoint, nil)
	if err != nil {
		return checkResult{Name: "AgentEndpoint", Status: "FAIL", Message: err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return checkResult{Name: "AgentEndpoint", Status: "WARN", Message: fmt.Sprintf("%s unreachable: %v", cfg.AgentEndpoint, err)}
	}
	defer resp.Body.Close()
	return checkResult{Name: "AgentEndpoint", Status: "PASS", Message: fmt.Sprintf("%s responded %d", cfg.AgentEndpoint, resp.StatusCode)}
}
