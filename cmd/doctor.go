package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/sandbox"
	"github.com/openclaw/gateway/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("openclaw-gateway doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Providers:")
	checkItem("Anthropic", cfg.Providers.Anthropic.APIKey != "")
	checkItem("OpenAI", cfg.Providers.OpenAI.APIKey != "")
	checkItem("OpenRouter", cfg.Providers.OpenRouter.APIKey != "")
	checkItem("Gemini", cfg.Providers.Gemini.APIKey != "")
	checkItem("Groq", cfg.Providers.Groq.APIKey != "")
	checkItem("DeepSeek", cfg.Providers.DeepSeek.APIKey != "")

	fmt.Println()
	fmt.Println("  Channels:")
	checkItem("Telegram", cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "")
	checkItem("Discord", cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "")

	fmt.Println()
	fmt.Println("  Gateway:")
	bind := cfg.Gateway.Bind
	if bind == "" {
		bind = "loopback"
	}
	fmt.Printf("    bind: %s, port: %d, auth: %v\n", bind, cfg.Gateway.Port, cfg.Gateway.Token != "" || cfg.Gateway.Password != "")
	if bind != "loopback" && cfg.Gateway.Token == "" && cfg.Gateway.Password == "" {
		fmt.Println("    WARNING: non-loopback bind without auth will refuse to start (exit 3)")
	}

	fmt.Println()
	fmt.Print("  Docker:   ")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sandbox.CheckDockerAvailable(ctx); err != nil {
		fmt.Printf("unavailable (%s)\n", err)
	} else {
		fmt.Println("OK")
	}
}

func checkItem(name string, ok bool) {
	mark := "-"
	if ok {
		mark = "OK"
	}
	fmt.Printf("    %-12s %s\n", name+":", mark)
}
